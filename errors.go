package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrNotFound indicates a missing thread, run, node, or tool.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName indicates a registration with a name already taken.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrStoreUnavailable indicates a persistence failure. The core never
	// retries these; callers decide.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrApprovalDenied indicates a human (or the default policy) rejected
	// a gated tool call. Surfaced as a tool error, not a run failure.
	ErrApprovalDenied = errors.New("approval denied")
	// ErrApprovalExpired indicates an approval request timed out.
	ErrApprovalExpired = errors.New("approval expired")
	// ErrBudgetExceeded indicates an iteration, token, or cost cap was hit.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// ValidationError reports bad input: malformed tool arguments, an invalid
// workflow definition, or unrecognised configuration. Never retried.
type ValidationError struct {
	Subject string // what was being validated ("tool args", "workflow", ...)
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Subject, e.Detail)
}

// BackendError preserves a provider failure message. The retry wrapper
// may retry transient codes; once surfaced to the engine it is terminal.
type BackendError struct {
	Provider  string
	Message   string
	Transient bool
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Exit codes for CLI wrappers of the core.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitTimeout   = 124
	ExitCancelled = 130
	ExitOOMKilled = 137
)

// ExitCode maps a terminal run status to a process exit code.
func ExitCode(status RunStatus) int {
	switch status {
	case RunCompleted:
		return ExitOK
	case RunTimeout:
		return ExitTimeout
	case RunCancelled:
		return ExitCancelled
	default:
		return ExitFailure
	}
}
