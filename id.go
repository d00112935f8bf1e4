package relay

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Run, thread, workflow-run, node, and tool-call identifiers all use
// this format so that lexical order matches creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns the current time as Unix milliseconds.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// Deadline returns the wall-clock deadline for a timeout starting now.
// A zero or negative timeout means no deadline (zero time).
func Deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Expired reports whether a deadline has passed. The zero time never expires.
func Expired(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}
