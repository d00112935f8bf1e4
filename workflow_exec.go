package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultNodeApprovalTimeout bounds how long a parked workflow run
// waits for a decision.
const DefaultNodeApprovalTimeout = 30 * time.Minute

// WorkflowEngine executes workflow DAGs: wave-parallel node
// scheduling, a checkpoint before every node, approval parking, and
// loop guards. Safe for concurrent runs.
type WorkflowEngine struct {
	runs        RunStore
	checkpoints CheckpointStore
	bus         *Bus
	logger      *slog.Logger

	approvalTimeout time.Duration
	defaultDecision string

	mu     sync.Mutex
	parked map[string]*parkedRun
}

// parkedRun is a run waiting for an approval decision.
type parkedRun struct {
	wf     *Workflow
	nodeID string
	es     *execState
	rec    RunRecord
	timer  *time.Timer
}

// WorkflowEngineOption configures a WorkflowEngine.
type WorkflowEngineOption func(*WorkflowEngine)

// WorkflowRuns wires the run store.
func WorkflowRuns(s RunStore) WorkflowEngineOption {
	return func(e *WorkflowEngine) { e.runs = s }
}

// WorkflowCheckpoints wires the checkpoint store.
func WorkflowCheckpoints(s CheckpointStore) WorkflowEngineOption {
	return func(e *WorkflowEngine) { e.checkpoints = s }
}

// WorkflowBus wires the event bus.
func WorkflowBus(b *Bus) WorkflowEngineOption {
	return func(e *WorkflowEngine) { e.bus = b }
}

// WorkflowLogger sets the structured logger.
func WorkflowLogger(l *slog.Logger) WorkflowEngineOption {
	return func(e *WorkflowEngine) { e.logger = l }
}

// NodeApprovalTimeout sets the approval window for parked runs
// (default: 30m).
func NodeApprovalTimeout(d time.Duration) WorkflowEngineOption {
	return func(e *WorkflowEngine) {
		if d > 0 {
			e.approvalTimeout = d
		}
	}
}

// NodeApprovalDefault sets the decision applied when the approval
// window expires. Without one, expiry fails the run.
func NodeApprovalDefault(decision string) WorkflowEngineOption {
	return func(e *WorkflowEngine) { e.defaultDecision = decision }
}

// NewWorkflowEngine creates a workflow engine.
func NewWorkflowEngine(opts ...WorkflowEngineOption) *WorkflowEngine {
	e := &WorkflowEngine{
		logger:          nopLogger,
		checkpoints:     NewMemCheckpointStore(),
		approvalTimeout: DefaultNodeApprovalTimeout,
		parked:          make(map[string]*parkedRun),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// execState is the replayable execution position, serialised into
// every checkpoint.
type execState struct {
	State      *State          `json:"state"`
	Completed  map[string]bool `json:"completed"`
	Pruned     map[string]bool `json:"pruned"`
	LoopCounts map[int]int     `json:"loop_counts"`
	LoopDone   map[int]bool    `json:"loop_done"`
	Approved   map[string]bool `json:"approved"`
	Seq        int             `json:"seq"`

	cpMu sync.Mutex
}

func newExecState(input string) *execState {
	return &execState{
		State:      NewState(input),
		Completed:  make(map[string]bool),
		Pruned:     make(map[string]bool),
		LoopCounts: make(map[int]int),
		LoopDone:   make(map[int]bool),
		Approved:   make(map[string]bool),
	}
}

// Execute runs a workflow to a terminal status or an approval park.
// A parked run returns with status waiting and resumes via
// ResolveApproval.
func (e *WorkflowEngine) Execute(ctx context.Context, wf *Workflow, input string, tags ...string) (RunRecord, error) {
	rec := RunRecord{
		Run: Run{
			ID:        NewID(),
			Status:    RunRunning,
			Input:     input,
			Tags:      tags,
			StartedAt: time.Now(),
		},
		WorkflowName: wf.name,
	}
	e.saveRec(rec)
	e.publish(Event{Type: EventRunStarted, RunID: rec.ID, Content: input})
	e.logger.Info("workflow: run started", "run_id", rec.ID, "workflow", wf.name)

	if wf.entryAmbiguous {
		e.publish(Event{
			Type:    EventLogEntry,
			RunID:   rec.ID,
			Content: fmt.Sprintf("workflow %s has multiple roots; entry %q chosen by declaration order", wf.name, wf.entry),
		})
		e.logger.Warn("workflow: ambiguous entry", "workflow", wf.name, "entry", wf.entry)
	}

	return e.runDAG(ctx, wf, rec, newExecState(input))
}

// Resume continues a run from its latest checkpoint. Side-effectful
// nodes recorded as completed are not re-executed.
func (e *WorkflowEngine) Resume(ctx context.Context, wf *Workflow, runID string) (RunRecord, error) {
	if e.runs == nil {
		return RunRecord{}, fmt.Errorf("workflow resume: %w", ErrStoreUnavailable)
	}
	rec, err := e.runs.Get(ctx, runID)
	if err != nil {
		return RunRecord{}, err
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}
	cp, err := e.checkpoints.LatestCheckpoint(ctx, runID)
	if err != nil {
		return RunRecord{}, fmt.Errorf("workflow resume %s: %w", runID, err)
	}
	es := newExecState("")
	if err := json.Unmarshal(cp.State, es); err != nil {
		return RunRecord{}, fmt.Errorf("workflow resume %s: decode checkpoint: %w", runID, err)
	}
	rec.Status = RunRunning
	e.saveRec(rec)
	e.logger.Info("workflow: resuming from checkpoint", "run_id", runID, "checkpoint_id", cp.ID, "node", cp.NodeID)
	return e.runDAG(ctx, wf, rec, es)
}

// ResolveApproval delivers a decision for a parked run and resumes it
// to the next park or terminal status. Returns ErrNotFound when no run
// with that ID is waiting.
func (e *WorkflowEngine) ResolveApproval(ctx context.Context, runID, decision string) (RunRecord, error) {
	e.mu.Lock()
	p, ok := e.parked[runID]
	if ok {
		delete(e.parked, runID)
		p.timer.Stop()
	}
	e.mu.Unlock()
	if !ok {
		return RunRecord{}, fmt.Errorf("approval for run %q: %w", runID, ErrNotFound)
	}

	p.es.State.Set(p.nodeID+".approval", decision)
	p.es.Approved[p.nodeID] = true
	p.rec.Status = RunRunning
	e.saveRec(p.rec)
	e.logger.Info("workflow: approval resolved", "run_id", runID, "node", p.nodeID, "decision", decision)
	return e.runDAG(ctx, p.wf, p.rec, p.es)
}

// runDAG executes ready nodes in waves until the graph is exhausted,
// a node fails, or a run parks for approval.
func (e *WorkflowEngine) runDAG(ctx context.Context, wf *Workflow, rec RunRecord, es *execState) (RunRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return e.finishRec(rec, RunCancelled, "cancelled"), nil
		}

		ready := e.readyNodes(wf, es)
		if len(ready) == 0 {
			break
		}

		// Approval gates park the run before anything else in the wave
		// executes.
		for _, name := range ready {
			n := wf.nodes[name]
			if n.approval != nil && !es.Approved[name] {
				return e.park(ctx, wf, rec, es, n)
			}
		}

		var (
			waveMu  sync.Mutex
			failed  string
			failErr error
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(wf.fanOut)
		for _, name := range ready {
			n := wf.nodes[name]
			g.Go(func() error {
				if err := e.executeNode(gctx, wf, &rec, es, n); err != nil {
					waveMu.Lock()
					if failed == "" {
						failed, failErr = n.name, err
					}
					waveMu.Unlock()
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return e.finishRec(rec, RunCancelled, "cancelled"), nil
			}
			msg := failErr.Error()
			if failed != "" {
				msg = fmt.Sprintf("node %s: %s", failed, msg)
			}
			return e.finishRec(rec, RunFailed, msg), nil
		}
	}

	// Unfinished nodes at exhaustion mean a wedged graph (should be
	// impossible after validation); report rather than hang.
	for _, name := range wf.nodeOrder {
		if !es.Completed[name] && !es.Pruned[name] {
			return e.finishRec(rec, RunFailed, fmt.Sprintf("node %s never became ready", name)), nil
		}
	}

	rec.Output = es.State.GetString("output")
	return e.finishRec(rec, RunCompleted, ""), nil
}

// readyNodes returns nodes whose dependencies are satisfied, applying
// transitive pruning and loop-exit gating, in declaration order.
func (e *WorkflowEngine) readyNodes(wf *Workflow, es *execState) []string {
	var ready []string
	for _, name := range wf.nodeOrder {
		if es.Completed[name] || es.Pruned[name] {
			continue
		}
		n := wf.nodes[name]

		// A loop's exit node waits for its edge to release.
		gated := false
		for i, le := range wf.loops {
			if le.exit == name && !es.LoopDone[i] {
				gated = true
				break
			}
		}
		if gated {
			continue
		}

		satisfied := true
		prunedDeps := 0
		for _, dep := range n.after {
			if es.Pruned[dep] {
				prunedDeps++
				continue
			}
			if !es.Completed[dep] {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		// A node fed only by pruned branches is itself pruned.
		if len(n.after) > 0 && prunedDeps == len(n.after) {
			es.Pruned[name] = true
			continue
		}
		ready = append(ready, name)
	}
	return ready
}

// executeNode checkpoints, runs one node, applies conditional pruning
// and loop edges.
func (e *WorkflowEngine) executeNode(ctx context.Context, wf *Workflow, rec *RunRecord, es *execState, n *nodeConfig) error {
	if n.when != nil && !n.when(es.State) {
		es.cpMu.Lock()
		es.Pruned[n.name] = true
		es.cpMu.Unlock()
		e.logger.Debug("workflow: node pruned by condition", "run_id", rec.ID, "node", n.name)
		return nil
	}

	// Side-effectful nodes already recorded as completed are not
	// replayed on resume; readyNodes filters them, so reaching here
	// means a first execution.
	if err := e.checkpoint(ctx, wf, rec, es, n.name); err != nil {
		e.logger.Warn("workflow: checkpoint failed", "run_id", rec.ID, "node", n.name, "error", err)
	}

	e.publish(Event{Type: EventNodeStarted, RunID: rec.ID, NodeID: n.name})
	start := time.Now()
	err := n.fn(ctx, es.State)
	dur := time.Since(start)
	e.publish(Event{Type: EventNodeCompleted, RunID: rec.ID, NodeID: n.name, Payload: map[string]any{
		"duration_ms": dur.Milliseconds(),
		"error":       errString(err),
	}})

	if err != nil {
		if !n.onErrorCont {
			return err
		}
		es.State.Set(n.name+".error", err.Error())
		e.logger.Warn("workflow: node failed, continuing", "run_id", rec.ID, "node", n.name, "error", err)
	}

	es.cpMu.Lock()
	defer es.cpMu.Unlock()

	// Loop edges: while the condition holds, the back node re-enters
	// instead of completing.
	for i, le := range wf.loops {
		if le.back != n.name || es.LoopDone[i] {
			continue
		}
		if le.condition(es.State) {
			es.LoopCounts[i]++
			if es.LoopCounts[i] >= le.maxIter {
				return fmt.Errorf("loop limit exceeded after %d iterations", le.maxIter)
			}
			return nil // not completed: runs again next wave
		}
		es.LoopDone[i] = true
	}

	es.Completed[n.name] = true

	// Conditional pruning of unselected direct dependents.
	if n.selector != nil {
		selected := make(map[string]bool)
		for _, s := range n.selector(es.State) {
			selected[s] = true
		}
		for _, dep := range wf.dependents(n.name) {
			if !selected[dep] {
				es.Pruned[dep] = true
			}
		}
	}
	return nil
}

// checkpoint persists the execution position just before a node runs.
func (e *WorkflowEngine) checkpoint(ctx context.Context, wf *Workflow, rec *RunRecord, es *execState, nodeID string) error {
	es.cpMu.Lock()
	es.Seq++
	seq := es.Seq
	blob, err := json.Marshal(es)
	es.cpMu.Unlock()
	if err != nil {
		return err
	}

	cp := Checkpoint{
		ID:        NewID(),
		RunID:     rec.ID,
		NodeID:    nodeID,
		Seq:       seq,
		State:     blob,
		CreatedAt: time.Now(),
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}

	es.cpMu.Lock()
	rec.CurrentNode = nodeID
	rec.CheckpointID = cp.ID
	rec.State = blob
	recCopy := *rec
	es.cpMu.Unlock()
	e.saveRec(recCopy)
	return nil
}

// park stores the run as waiting and publishes the approval request.
// Expiry fails the run unless a default decision is configured.
func (e *WorkflowEngine) park(ctx context.Context, wf *Workflow, rec RunRecord, es *execState, n *nodeConfig) (RunRecord, error) {
	if err := e.checkpoint(ctx, wf, &rec, es, n.name); err != nil {
		e.logger.Warn("workflow: checkpoint before park failed", "run_id", rec.ID, "node", n.name, "error", err)
	}
	rec.Status = RunWaiting
	e.saveRec(rec)

	expiresAt := time.Now().Add(e.approvalTimeout)
	p := &parkedRun{wf: wf, nodeID: n.name, es: es, rec: rec}
	p.timer = time.AfterFunc(e.approvalTimeout, func() { e.expire(rec.ID) })
	e.mu.Lock()
	e.parked[rec.ID] = p
	e.mu.Unlock()

	e.publish(Event{
		Type:   EventApprovalRequested,
		RunID:  rec.ID,
		NodeID: n.name,
		Payload: ApprovalRequest{
			RunID:     rec.ID,
			NodeID:    n.name,
			Prompt:    n.approval.prompt,
			Options:   n.approval.options,
			ExpiresAt: expiresAt,
		},
	})
	e.logger.Info("workflow: run parked for approval", "run_id", rec.ID, "node", n.name, "expires_at", expiresAt)
	return rec, nil
}

// expire handles an approval window lapsing.
func (e *WorkflowEngine) expire(runID string) {
	if e.defaultDecision != "" {
		if _, err := e.ResolveApproval(context.Background(), runID, e.defaultDecision); err == nil {
			e.logger.Warn("workflow: approval expired, default applied", "run_id", runID, "decision", e.defaultDecision)
		}
		return
	}

	e.mu.Lock()
	p, ok := e.parked[runID]
	if ok {
		delete(e.parked, runID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.finishRec(p.rec, RunFailed, "approval expired")
}

// finishRec transitions to a terminal status, persists, and publishes
// the terminal event.
func (e *WorkflowEngine) finishRec(rec RunRecord, status RunStatus, errMsg string) RunRecord {
	now := time.Now()
	rec.Status = status
	rec.Error = errMsg
	rec.CompletedAt = &now
	e.saveRec(rec)

	if status == RunCompleted {
		e.publish(Event{Type: EventRunCompleted, RunID: rec.ID, Content: rec.Output})
		e.logger.Info("workflow: run completed", "run_id", rec.ID, "workflow", rec.WorkflowName)
	} else {
		e.publish(Event{Type: EventRunFailed, RunID: rec.ID, Content: errMsg, Payload: map[string]any{"status": string(status)}})
		e.logger.Warn("workflow: run ended", "run_id", rec.ID, "status", string(status), "error", errMsg)
	}
	return rec
}

func (e *WorkflowEngine) saveRec(rec RunRecord) {
	if e.runs == nil {
		return
	}
	if err := e.runs.Save(context.Background(), rec); err != nil {
		e.logger.Warn("workflow: run persist failed", "run_id", rec.ID, "error", err)
	}
}

func (e *WorkflowEngine) publish(ev Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
