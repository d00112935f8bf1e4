package relay

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of a run. Transitions are monotonic:
// pending → running → one terminal status. No resurrection.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunScheduled RunStatus = "scheduled"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// StepTrace records one tool call executed during a run, in order.
type StepTrace struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Input    string        `json:"input"`
	Output   string        `json:"output"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Run is one invocation of an agent on one input against one thread.
// A Run references but does not own its Agent, Thread, or Tools.
type Run struct {
	ID          string       `json:"id"`
	AgentID     string       `json:"agent_id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	Status      RunStatus    `json:"status"`
	Input       string       `json:"input"`
	Output      string       `json:"output,omitempty"`
	Usage       Usage        `json:"usage"`
	Iterations  int          `json:"iterations"`
	Error       string       `json:"error,omitempty"`
	Trace       []StepTrace  `json:"trace,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	TriggerID   string       `json:"trigger_id,omitempty"`
	ParentRunID string       `json:"parent_run_id,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// OrderDirection for run listings.
type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

// RunFilter narrows RunStore queries. Zero values mean "no constraint".
type RunFilter struct {
	Status          []RunStatus
	WorkflowName    string
	Tags            []string
	TriggerID       string
	ParentRunID     string
	StartedAfter    time.Time
	StartedBefore   time.Time
	CompletedAfter  time.Time
	CompletedBefore time.Time
	HasError        *bool
	OrderBy         string // "started_at" (default) or "completed_at"
	OrderDirection  OrderDirection
	Limit           int
	Offset          int
}

// RunStats aggregates run outcomes, optionally scoped to one workflow.
type RunStats struct {
	Total     int           `json:"total"`
	ByStatus  map[RunStatus]int `json:"by_status"`
	AvgMillis int64         `json:"avg_millis"`
}

// RunRecord is the persisted shape shared by agent runs and workflow
// runs. WorkflowName, State, CurrentNode, and CheckpointID are empty for
// plain agent runs.
type RunRecord struct {
	Run
	WorkflowName string `json:"workflow_name,omitempty"`
	State        []byte `json:"state,omitempty"`
	CurrentNode  string `json:"current_node,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// RunStore is the run persistence capability.
type RunStore interface {
	Save(ctx context.Context, rec RunRecord) error
	Get(ctx context.Context, id string) (RunRecord, error)
	List(ctx context.Context, f RunFilter) ([]RunRecord, error)
	Count(ctx context.Context, f RunFilter) (int, error)
	// Update applies a patch function under the store's lock and
	// persists the result. Returns ErrNotFound for unknown IDs.
	Update(ctx context.Context, id string, patch func(*RunRecord)) error
	Delete(ctx context.Context, id string) error
	GetStats(ctx context.Context, workflowName string) (RunStats, error)
	// Cleanup deletes terminal runs older than the cutoff and reports
	// how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}
