package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RunRequest submits one input to an agent. ThreadID is optional: with
// memory enabled and no thread, the engine creates one.
type RunRequest struct {
	Agent       Agent
	ThreadID    string
	Input       string
	Parts       []ContentPart
	Tags        []string
	TriggerID   string
	ParentRunID string
}

// Engine drives the per-run state machine: compose context, call the
// chat backend, dispatch tool calls, enforce budgets, persist, and
// publish events. Safe for concurrent runs.
type Engine struct {
	backend  ChatBackend
	registry *Registry
	memory   MemoryStore
	runs     RunStore
	bus      *Bus
	pricer   Pricer
	logger   *slog.Logger

	maxTokens int
	maxCost   float64
	ctxBudget ContextBudget
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// EngineMemory wires the memory store for context projection and
// persistence.
func EngineMemory(m MemoryStore) EngineOption {
	return func(e *Engine) { e.memory = m }
}

// EngineRuns wires the run store. Without one, runs are not persisted.
func EngineRuns(s RunStore) EngineOption {
	return func(e *Engine) { e.runs = s }
}

// EngineBus wires the event bus.
func EngineBus(b *Bus) EngineOption {
	return func(e *Engine) { e.bus = b }
}

// EnginePricer wires the cost model for budget accounting.
func EnginePricer(p Pricer) EngineOption {
	return func(e *Engine) { e.pricer = p }
}

// EngineLogger sets the structured logger.
func EngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// EngineTokenBudget caps total tokens (input + output) per run.
// Zero means unlimited.
func EngineTokenBudget(n int) EngineOption {
	return func(e *Engine) { e.maxTokens = n }
}

// EngineCostBudget caps total USD cost per run. Zero means unlimited.
func EngineCostBudget(c float64) EngineOption {
	return func(e *Engine) { e.maxCost = c }
}

// EngineContextBudget sets the projection budget used when composing a
// run's context window from memory. Zero fields fall back to the
// defaults (8192 tokens, recent strategy). The summarised strategy also
// needs a summariser wired on the memory store.
func EngineContextBudget(b ContextBudget) EngineOption {
	return func(e *Engine) { e.ctxBudget = b }
}

// NewEngine creates a run engine over a chat backend and tool registry.
func NewEngine(backend ChatBackend, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		backend:  backend,
		registry: registry,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes the request to completion with blocking backend calls.
func (e *Engine) Run(ctx context.Context, req RunRequest) (Run, error) {
	return e.execute(ctx, req, false)
}

// Stream executes the request with a streaming backend, publishing a
// token_delta event per chunk. The terminal event carries the full
// concatenated text.
func (e *Engine) Stream(ctx context.Context, req RunRequest) (Run, error) {
	return e.execute(ctx, req, true)
}

// defaultProjectionTokens caps the projected history when no explicit
// context budget is configured.
const defaultProjectionTokens = 8192

// projectionBudget resolves the configured context budget, filling zero
// fields with the defaults.
func (e *Engine) projectionBudget() ContextBudget {
	b := e.ctxBudget
	if b.MaxTokens <= 0 {
		b.MaxTokens = defaultProjectionTokens
	}
	if b.Strategy == "" {
		b.Strategy = StrategyRecent
	}
	return b
}

func (e *Engine) execute(ctx context.Context, req RunRequest, stream bool) (Run, error) {
	if err := req.Agent.Validate(); err != nil {
		return Run{}, err
	}
	agent := req.Agent

	run := Run{
		ID:          NewID(),
		AgentID:     agent.name,
		ThreadID:    req.ThreadID,
		Status:      RunPending,
		Input:       req.Input,
		Tags:        req.Tags,
		TriggerID:   req.TriggerID,
		ParentRunID: req.ParentRunID,
		StartedAt:   time.Now(),
	}

	useMemory := agent.memoryEnabled && e.memory != nil
	if useMemory && run.ThreadID == "" {
		th, err := e.memory.CreateThread(ctx, agent.name, nil)
		if err != nil {
			return Run{}, fmt.Errorf("create thread: %w", err)
		}
		run.ThreadID = th.ID
	}

	runCtx, cancel := context.WithTimeout(ctx, agent.timeout)
	defer cancel()
	runCtx = WithRunContext(runCtx, agent.name, run.ID)

	run.Status = RunRunning
	e.saveRun(run)
	e.publish(Event{Type: EventRunStarted, RunID: run.ID, Content: run.Input})
	e.logger.Info("engine: run started", "run_id", run.ID, "agent", agent.name, "stream", stream)

	// Compose the initial window: instructions, projected history, input.
	var messages []Message
	if agent.instructions != "" {
		messages = append(messages, SystemMessage(agent.instructions))
	}
	if useMemory {
		projected, err := e.memory.ProjectContext(runCtx, run.ThreadID, e.projectionBudget())
		if err != nil && !errors.Is(err, ErrNotFound) {
			e.logger.Warn("engine: context projection failed", "run_id", run.ID, "error", err)
		}
		messages = append(messages, projected...)
	}
	userMsg := UserMessage(req.Input)
	if len(req.Parts) > 0 {
		userMsg = Message{Role: RoleUser, Parts: req.Parts, Content: req.Input}
	}
	messages = append(messages, userMsg)
	if useMemory {
		e.appendMemory(runCtx, run, userMsg, nil, nil)
	}

	tools := e.registry.Definitions(agent.tools)

	for turn := 1; ; turn++ {
		if turn > agent.maxIterations {
			return e.finish(ctx, run, RunFailed, "iteration limit exceeded")
		}
		run.Iterations = turn
		e.publish(Event{Type: EventRunStep, RunID: run.ID, Content: fmt.Sprintf("turn %d", turn)})

		resp, err := e.chat(runCtx, run.ID, ChatRequest{
			Model:       agent.model,
			Messages:    messages,
			Tools:       tools,
			Temperature: agent.temperature,
			TopP:        agent.topP,
			MaxTokens:   agent.maxTokens,
		}, stream)
		if err != nil {
			return e.finishErr(ctx, run, runCtx, err)
		}

		run.Usage.Add(resp.Usage)
		if e.pricer != nil {
			run.Usage.Cost += e.pricer.Cost(agent.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
		if (e.maxTokens > 0 && run.Usage.Total() > e.maxTokens) || (e.maxCost > 0 && run.Usage.Cost > e.maxCost) {
			return e.finish(ctx, run, RunFailed, "budget exceeded")
		}

		switch resp.FinishReason {
		case FinishStop:
			final := AssistantMessage(resp.Content)
			if useMemory {
				e.appendMemory(runCtx, run, final, nil, nil)
			}
			run.Output = resp.Content
			return e.finish(ctx, run, RunCompleted, "")

		case FinishToolCalls:
			assistant := Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
			messages = append(messages, assistant)
			if useMemory {
				e.appendMemory(runCtx, run, assistant, resp.ToolCalls, nil)
			}
			for _, res := range e.dispatchCalls(runCtx, &run, resp.ToolCalls) {
				toolMsg := ToolResultMessage(res.CallID, res.Name, resultContent(res))
				messages = append(messages, toolMsg)
				if useMemory {
					e.appendMemory(runCtx, run, toolMsg, nil, []ToolCallResult{res})
				}
			}

		case FinishLength:
			return e.finish(ctx, run, RunFailed, "output truncated")

		default:
			msg := resp.Content
			if msg == "" {
				msg = "backend error"
			}
			return e.finish(ctx, run, RunFailed, msg)
		}
	}
}

// chat performs one backend call, blocking or streaming.
func (e *Engine) chat(ctx context.Context, runID string, req ChatRequest, stream bool) (ChatResponse, error) {
	if !stream {
		return e.backend.Chat(ctx, req)
	}
	ch := make(chan StreamChunk, 64)
	done := make(chan struct{})
	var (
		resp ChatResponse
		err  error
	)
	go func() {
		defer close(done)
		resp, err = e.backend.ChatStream(ctx, req, ch)
	}()
	for chunk := range ch {
		if chunk.Delta != "" {
			e.publish(Event{Type: EventTokenDelta, RunID: runID, Content: chunk.Delta})
		}
	}
	<-done
	return resp, err
}

// dispatchCalls invokes each tool call in order, publishing the
// call/result pair and appending to the trace.
func (e *Engine) dispatchCalls(ctx context.Context, run *Run, calls []ToolCall) []ToolCallResult {
	results := make([]ToolCallResult, 0, len(calls))
	for _, call := range calls {
		e.publish(Event{Type: EventToolCall, RunID: run.ID, Payload: call})
		start := time.Now()
		res := e.registry.Invoke(ctx, call)
		dur := time.Since(start)
		e.publish(Event{Type: EventToolResult, RunID: run.ID, Payload: res})

		run.Trace = append(run.Trace, StepTrace{
			CallID:   call.ID,
			Name:     call.Name,
			Input:    truncateRunes(string(call.Args), 200),
			Output:   truncateRunes(resultContent(res), 500),
			IsError:  res.Error != "",
			Duration: dur,
		})
		results = append(results, res)
	}
	return results
}

// finishErr maps a backend or context failure onto a terminal status.
func (e *Engine) finishErr(ctx context.Context, run Run, runCtx context.Context, err error) (Run, error) {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return e.finish(ctx, run, RunTimeout, "run timed out")
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return e.finish(ctx, run, RunCancelled, "cancelled")
	default:
		return e.finish(ctx, run, RunFailed, err.Error())
	}
}

// finish transitions the run to a terminal status, persists it, and
// publishes exactly one terminal event.
func (e *Engine) finish(_ context.Context, run Run, status RunStatus, errMsg string) (Run, error) {
	now := time.Now()
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &now
	e.saveRun(run)

	switch status {
	case RunCompleted:
		e.publish(Event{Type: EventRunCompleted, RunID: run.ID, Content: run.Output, Payload: run.Usage})
		e.logger.Info("engine: run completed", "run_id", run.ID, "iterations", run.Iterations, "tokens", run.Usage.Total())
	default:
		e.publish(Event{Type: EventRunFailed, RunID: run.ID, Content: errMsg, Payload: map[string]any{"status": string(status)}})
		e.logger.Warn("engine: run ended", "run_id", run.ID, "status", string(status), "error", errMsg)
	}
	if status == RunFailed && errMsg == "budget exceeded" {
		return run, ErrBudgetExceeded
	}
	return run, nil
}

// appendMemory persists one entry, logging on failure. Memory loss
// degrades context quality but does not abort the run.
func (e *Engine) appendMemory(ctx context.Context, run Run, msg Message, calls []ToolCall, results []ToolCallResult) {
	if e.memory == nil || run.ThreadID == "" {
		return
	}
	if _, err := e.memory.AppendEntry(ctx, run.ThreadID, msg, calls, results); err != nil {
		e.logger.Warn("engine: memory append failed", "run_id", run.ID, "thread_id", run.ThreadID, "error", err)
	}
}

func (e *Engine) saveRun(run Run) {
	if e.runs == nil {
		return
	}
	if err := e.runs.Save(context.Background(), RunRecord{Run: run}); err != nil {
		e.logger.Warn("engine: run persist failed", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) publish(ev Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// resultContent renders a tool result for the model, folding errors
// into an error-prefixed string.
func resultContent(res ToolCallResult) string {
	if res.Error != "" {
		return "error: " + res.Error
	}
	return res.Result
}

// truncateRunes cuts s to at most n runes, appending a marker when
// content was trimmed.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…(truncated)"
}
