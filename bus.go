package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// EventType identifies the kind of bus event.
type EventType string

const (
	// EventRunStarted signals a run transitioned pending → running.
	EventRunStarted EventType = "run_started"
	// EventRunStep signals the start of one model turn within a run.
	EventRunStep EventType = "run_step"
	// EventToolCall signals a tool is about to be invoked.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the result of a completed tool call.
	EventToolResult EventType = "tool_result"
	// EventTokenDelta carries an incremental text chunk from the backend.
	EventTokenDelta EventType = "token_delta"
	// EventRunCompleted signals a run reached the completed status.
	EventRunCompleted EventType = "run_completed"
	// EventRunFailed signals a run reached failed, cancelled, or timeout.
	EventRunFailed EventType = "run_failed"
	// EventNodeStarted signals a workflow node began executing.
	EventNodeStarted EventType = "workflow_node_started"
	// EventNodeCompleted signals a workflow node finished.
	EventNodeCompleted EventType = "workflow_node_completed"
	// EventApprovalRequired signals a gated tool call is waiting for a
	// human decision.
	EventApprovalRequired EventType = "approval_required"
	// EventApprovalRequested signals a workflow node is waiting for a
	// human decision.
	EventApprovalRequested EventType = "workflow_approval_requested"
	// EventSandboxFallback signals a sandbox backend degradation.
	EventSandboxFallback EventType = "sandbox_fallback"
	// EventLogEntry carries an informational message (warnings, audit).
	EventLogEntry EventType = "log_entry"
	// EventDropWarning is injected into a subscriber's stream after it
	// fell behind and older events were discarded.
	EventDropWarning EventType = "drop_warning"
)

// Event is the unit published on the Bus. Payload is event-specific
// (ToolCall for tool_call, ToolCallResult for tool_result, ...).
type Event struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"run_id,omitempty"`
	NodeID  string    `json:"node_id,omitempty"`
	Content string    `json:"content,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
	// Dropped is the number of discarded events, set on drop_warning only.
	Dropped int `json:"dropped,omitempty"`
}

// MarshalPayload returns the payload JSON-encoded, for subscribers that
// forward events over a wire.
func (e Event) MarshalPayload() json.RawMessage {
	if e.Payload == nil {
		return nil
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return nil
	}
	return b
}

// ApprovalRequest is the payload of an approval_requested event.
type ApprovalRequest struct {
	CallID    string     `json:"call_id,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Prompt    string     `json:"prompt,omitempty"`
	Options   []string   `json:"options,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// defaultSubscriberBuffer is the per-subscriber high-water mark.
const defaultSubscriberBuffer = 256

// Subscription is a handle to a bus subscription. Events arrive on C in
// publish order (per publisher). Call Unsubscribe when done; it is
// idempotent and closes C.
type Subscription struct {
	C chan Event

	bus     *Bus
	id      int
	types   map[EventType]bool // nil = all types
	dropped int                // events discarded since last warning
	closed  bool
}

// Unsubscribe removes the subscription from the bus and closes C.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Bus is an in-process typed publish/subscribe hub. Publishers never
// block: each subscriber owns a bounded buffer with drop-oldest
// semantics, and a drop_warning event is injected into the stream once
// the subscriber catches up. Delivery order within a subscription
// matches publish order from a single publisher; cross-publisher order
// is best-effort.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	buffer int
	logger *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// BusBuffer sets the per-subscriber buffer size (high-water mark).
// Default: 256.
func BusBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// BusLogger sets the structured logger for delivery-error accounting.
// If not set, a no-op logger is used.
func BusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[int]*Subscription),
		buffer: defaultSubscriberBuffer,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber for the given event types. An empty
// type list subscribes to every event.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		C:   make(chan Event, b.buffer),
		bus: b,
		id:  b.nextID,
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs[b.nextID] = sub
	b.nextID++
	return sub
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s.id)
	close(s.C)
}

// Publish delivers an event to every matching subscriber without
// blocking. A full subscriber buffer drops its oldest event; the drop is
// reported via a drop_warning event injected before the next delivery
// that has room for it.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		b.deliver(sub, ev)
	}
}

// deliver pushes ev into sub's buffer, evicting the oldest event when
// full. Caller holds b.mu, which serialises access to sub.dropped.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	// Flush a pending drop warning first if there is room for both it
	// and the event. Keeping the warning until space exists preserves
	// the never-block guarantee.
	if sub.dropped > 0 && len(sub.C) <= cap(sub.C)-2 {
		sub.C <- Event{Type: EventDropWarning, Time: time.Now(), Dropped: sub.dropped}
		sub.dropped = 0
	}
	select {
	case sub.C <- ev:
	default:
		// Full: evict the oldest, then retry once.
		select {
		case <-sub.C:
			sub.dropped++
		default:
		}
		select {
		case sub.C <- ev:
		default:
			sub.dropped++
			b.logger.Warn("bus: subscriber overrun", "type", ev.Type, "dropped", sub.dropped)
		}
	}
}
