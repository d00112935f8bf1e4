package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/unicode/norm"

	"github.com/nevindra/relay/sandbox"
)

// ToolFunc is the in-process execute capability. Args arrive validated
// against the tool's schema and canonicalised.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is one callable capability. Either Execute runs in-process or
// Sandbox routes the call through an isolation backend; when both are
// set the sandbox wins.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema for the arguments object.
	Parameters json.RawMessage
	Category   string
	Tags       []string

	// RequiresApproval gates every invocation behind a human decision.
	RequiresApproval bool

	// Sandbox, when set, routes execution through the sandbox manager.
	Sandbox *sandbox.Config
	// BuildRequest converts validated args into a sandbox request.
	// When nil, the args object is serialised as the request payload.
	BuildRequest func(args map[string]any) (sandbox.Request, error)

	// Execute is the in-process capability, used when Sandbox is nil.
	Execute ToolFunc

	schema *jsonschema.Schema
}

// Definition returns the wire shape advertised to the chat backend.
func (t *Tool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// ApprovalDecision resolves a gated tool call.
type ApprovalDecision struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// DefaultApprovalTimeout bounds how long a gated call waits for a
// decision before the default applies.
const DefaultApprovalTimeout = 5 * time.Minute

// Registry maps tool names to tools and dispatches invocations. Reads
// are lock-free on an immutable snapshot; Register copies. Approval
// gating and sandbox routing happen at Invoke.
type Registry struct {
	mu    sync.Mutex
	tools atomic.Pointer[map[string]*Tool]

	bus             *Bus
	manager         *sandbox.Manager
	logger          *slog.Logger
	approvalTimeout time.Duration
	approvalDefault *ApprovalDecision

	pendingMu sync.Mutex
	pending   map[string]chan ApprovalDecision
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryBus wires the event bus used for approval_required events.
func RegistryBus(b *Bus) RegistryOption {
	return func(r *Registry) { r.bus = b }
}

// RegistrySandbox wires the sandbox manager for tools that declare a
// sandbox config.
func RegistrySandbox(m *sandbox.Manager) RegistryOption {
	return func(r *Registry) { r.manager = m }
}

// SandboxFallbackNotifier adapts the bus into a sandbox fallback
// callback. Pass it to sandbox.WithFallbackNotify so that every
// degradation to a weaker backend surfaces as a sandbox_fallback event.
func SandboxFallbackNotifier(b *Bus) func(requested, actual sandbox.Type) {
	return func(requested, actual sandbox.Type) {
		b.Publish(Event{
			Type:    EventSandboxFallback,
			Content: string(requested) + " -> " + string(actual),
			Payload: map[string]any{
				"requested": string(requested),
				"actual":    string(actual),
			},
		})
	}
}

// RegistryLogger sets the structured logger.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// ApprovalTimeout sets how long a gated call waits for a decision
// (default: 5m).
func ApprovalTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.approvalTimeout = d
		}
	}
}

// ApprovalDefault sets the decision applied when the approval window
// expires. Without one, expiry denies.
func ApprovalDefault(d ApprovalDecision) RegistryOption {
	return func(r *Registry) { r.approvalDefault = &d }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:          nopLogger,
		approvalTimeout: DefaultApprovalTimeout,
		pending:         make(map[string]chan ApprovalDecision),
	}
	empty := make(map[string]*Tool)
	r.tools.Store(&empty)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool, compiling its parameter schema. Duplicate
// names are rejected with ErrDuplicateName.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return &ValidationError{Subject: "tool", Detail: "name is required"}
	}
	if t.Execute == nil && t.Sandbox == nil {
		return &ValidationError{Subject: "tool " + t.Name, Detail: "needs an execute function or a sandbox config"}
	}
	if len(t.Parameters) > 0 {
		sch, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return &ValidationError{Subject: "tool " + t.Name, Detail: "invalid parameter schema: " + err.Error()}
		}
		t.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.tools.Load()
	if _, exists := cur[t.Name]; exists {
		return fmt.Errorf("tool %q: %w", t.Name, ErrDuplicateName)
	}
	next := make(map[string]*Tool, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[t.Name] = t
	r.tools.Store(&next)
	r.logger.Debug("registry: tool registered", "tool", t.Name, "sandboxed", t.Sandbox != nil, "gated", t.RequiresApproval)
	return nil
}

// Lookup returns the tool for name, or ErrNotFound.
func (r *Registry) Lookup(name string) (*Tool, error) {
	t, ok := (*r.tools.Load())[name]
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}
	return t, nil
}

// Definitions returns backend definitions for the named tools, in
// order, skipping unknown names.
func (r *Registry) Definitions(names []string) []ToolDefinition {
	snapshot := *r.tools.Load()
	var defs []ToolDefinition
	for _, n := range names {
		if t, ok := snapshot[n]; ok {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// ValidateArgs checks raw arguments against the tool's schema and
// returns the canonicalised argument mapping. String values are
// NFC-normalised so downstream comparisons see one spelling per
// grapheme sequence.
func (r *Registry) ValidateArgs(t *Tool, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Subject: "tool " + t.Name, Detail: "arguments are not valid JSON: " + err.Error()}
	}
	if t.schema != nil {
		if err := t.schema.Validate(inst); err != nil {
			return nil, &ValidationError{Subject: "tool " + t.Name, Detail: err.Error()}
		}
	}
	obj, ok := inst.(map[string]any)
	if !ok {
		return nil, &ValidationError{Subject: "tool " + t.Name, Detail: "arguments must be a JSON object"}
	}
	return canonicalise(obj).(map[string]any), nil
}

// Invoke is the dispatch entry point: validate, gate on approval, then
// execute in the sandbox or in-process. Failures become the result's
// Error string; the run decides what to do with them.
func (r *Registry) Invoke(ctx context.Context, call ToolCall) ToolCallResult {
	res := ToolCallResult{CallID: call.ID, Name: call.Name}

	t, err := r.Lookup(call.Name)
	if err != nil {
		res.Error = "unknown tool: " + call.Name
		return res
	}
	args, err := r.ValidateArgs(t, call.Args)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if t.RequiresApproval {
		if err := r.awaitApproval(ctx, t, call); err != nil {
			res.Error = err.Error()
			return res
		}
	}

	if t.Sandbox != nil {
		res.Result, res.Error = r.invokeSandboxed(ctx, t, args)
		return res
	}

	out, err := t.Execute(ctx, args)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Result = stringifyResult(out)
	return res
}

// ResolveApproval delivers a decision for a pending gated call.
// Returns ErrNotFound when no call with that ID is waiting.
func (r *Registry) ResolveApproval(callID string, d ApprovalDecision) error {
	r.pendingMu.Lock()
	ch, ok := r.pending[callID]
	if ok {
		delete(r.pending, callID)
	}
	r.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("approval %q: %w", callID, ErrNotFound)
	}
	ch <- d
	return nil
}

// awaitApproval publishes approval_required and parks until a decision
// arrives, the window expires, or ctx is cancelled.
func (r *Registry) awaitApproval(ctx context.Context, t *Tool, call ToolCall) error {
	ch := make(chan ApprovalDecision, 1)
	r.pendingMu.Lock()
	r.pending[call.ID] = ch
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, call.ID)
		r.pendingMu.Unlock()
	}()

	expiresAt := time.Now().Add(r.approvalTimeout)
	if r.bus != nil {
		r.bus.Publish(Event{
			Type:  EventApprovalRequired,
			RunID: RunIDFromContext(ctx),
			Payload: ApprovalRequest{
				CallID:    call.ID,
				Tool:      t.Name,
				Args:      call.Args,
				ExpiresAt: expiresAt,
			},
		})
	}
	r.logger.Info("registry: approval required", "tool", t.Name, "call_id", call.ID, "expires_at", expiresAt)

	timer := time.NewTimer(r.approvalTimeout)
	defer timer.Stop()
	select {
	case d := <-ch:
		if !d.Approve {
			return ErrApprovalDenied
		}
		return nil
	case <-timer.C:
		if r.approvalDefault != nil {
			r.logger.Warn("registry: approval expired, applying default", "tool", t.Name, "call_id", call.ID, "approve", r.approvalDefault.Approve)
			if r.approvalDefault.Approve {
				return nil
			}
			return ErrApprovalDenied
		}
		return ErrApprovalExpired
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invokeSandboxed routes the call through the sandbox manager and maps
// the exec result onto the tool-result convention.
func (r *Registry) invokeSandboxed(ctx context.Context, t *Tool, args map[string]any) (result, errStr string) {
	if r.manager == nil {
		return "", "sandboxed tool " + t.Name + " invoked without a sandbox manager"
	}

	var req sandbox.Request
	if t.BuildRequest != nil {
		var err error
		req, err = t.BuildRequest(args)
		if err != nil {
			return "", err.Error()
		}
	} else {
		payload, err := json.Marshal(args)
		if err != nil {
			return "", err.Error()
		}
		req = sandbox.Request{Payload: payload}
	}

	res, err := r.manager.Execute(ctx, req, *t.Sandbox)
	if err != nil {
		return "", err.Error()
	}
	if res.TimedOut {
		return res.Stdout, fmt.Sprintf("execution timed out after %s", t.Sandbox.Timeout)
	}
	if res.ExitCode != 0 {
		detail := res.Stderr
		if detail == "" {
			detail = res.Stdout
		}
		return res.Stdout, fmt.Sprintf("exit code %d: %s", res.ExitCode, detail)
	}
	return res.Stdout, ""
}

// compileSchema compiles a JSON Schema document for argument checks.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://tool/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// canonicalise NFC-normalises every string in a decoded JSON value.
func canonicalise(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		for k, val := range t {
			t[k] = canonicalise(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = canonicalise(val)
		}
		return t
	default:
		return v
	}
}

// stringifyResult renders a tool's return value for the model: strings
// pass through, everything else is JSON.
func stringifyResult(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// --- Run context propagation ---

type ctxKey int

const (
	ctxKeyRunID ctxKey = iota
	ctxKeyAgentID
)

// WithRunContext tags ctx with the identifiers of the run invoking a
// tool. Tools and subscribers read them back with the accessors below.
func WithRunContext(ctx context.Context, agentID, runID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyAgentID, agentID)
	return context.WithValue(ctx, ctxKeyRunID, runID)
}

// RunIDFromContext returns the invoking run's ID, or "".
func RunIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRunID).(string)
	return v
}

// AgentIDFromContext returns the invoking agent's name, or "".
func AgentIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyAgentID).(string)
	return v
}
