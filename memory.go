package relay

import (
	"context"
	"time"
)

// Thread is an ordered conversation history owned by an agent.
// Created on first user input per conversation, updated on each append,
// deleted only by explicit API.
type Thread struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MemoryEntry is one appended message plus its bookkeeping. Entries of a
// thread are totally ordered by CreatedAt; a tool-result entry never
// precedes its matching tool-call entry.
type MemoryEntry struct {
	ID          string           `json:"id"`
	ThreadID    string           `json:"thread_id"`
	Message     Message          `json:"message"`
	TokenCount  int              `json:"token_count"`
	CreatedAt   time.Time        `json:"created_at"`
	ToolCalls   []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults []ToolCallResult `json:"tool_results,omitempty"`
}

// EntryQuery filters getEntries results. Zero values mean "no bound".
type EntryQuery struct {
	Before time.Time
	After  time.Time
	Limit  int
}

// ProjectionStrategy selects how a context projection spends its budget.
type ProjectionStrategy string

const (
	// StrategyRecent takes the newest suffix of entries that fits.
	StrategyRecent ProjectionStrategy = "recent"
	// StrategySummarised reserves a fraction of the budget for a summary
	// of the older prefix, computed by a Summariser. Degrades silently to
	// recent when no summariser is wired.
	StrategySummarised ProjectionStrategy = "summarised"
)

// ContextBudget bounds a context projection.
type ContextBudget struct {
	MaxTokens int
	Strategy  ProjectionStrategy
}

// MemoryStore is the conversation persistence capability. Thread-level
// operations serialise per thread so concurrent appends to the same
// thread produce a well-defined order; cross-thread operations are
// concurrent. Storage failures surface as ErrStoreUnavailable and are
// not retried by the memory layer.
type MemoryStore interface {
	// CreateThread registers a new thread for an agent.
	CreateThread(ctx context.Context, agentID string, metadata map[string]string) (Thread, error)
	// GetThread returns a thread by ID, or ErrNotFound.
	GetThread(ctx context.Context, threadID string) (Thread, error)
	// AppendEntry appends a message to a thread, computing its token
	// count via the store's tokeniser. Fails with ErrNotFound if the
	// thread is missing.
	AppendEntry(ctx context.Context, threadID string, msg Message, calls []ToolCall, results []ToolCallResult) (MemoryEntry, error)
	// GetEntries returns entries in chronological order.
	GetEntries(ctx context.Context, threadID string, q EntryQuery) ([]MemoryEntry, error)
	// ProjectContext selects a tail of entries whose cumulative token
	// count fits the budget, returning their messages oldest-first.
	ProjectContext(ctx context.Context, threadID string, budget ContextBudget) ([]Message, error)
	// DeleteThread removes a thread and its entries. Idempotent.
	DeleteThread(ctx context.Context, threadID string) error
}

// Tokenizer counts tokens for budget accounting. Implementations range
// from the byte-length approximation to a real BPE tokeniser.
type Tokenizer interface {
	Count(text string) int
}

// Summariser condenses a message prefix into a single summary string.
// Usually backed by a cheap model call; optional.
type Summariser interface {
	Summarise(ctx context.Context, messages []Message) (string, error)
}

// summaryReserve is the fraction of a summarised projection's budget
// reserved for the prefix summary.
const summaryReserve = 0.2
