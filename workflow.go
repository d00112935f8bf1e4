package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultMaxLoopIterations caps traversals of a loop edge per run.
const DefaultMaxLoopIterations = 1000

// DefaultFanOut caps concurrently executing workflow nodes.
const DefaultFanOut = 8

// State is the shared mutable state that flows between workflow nodes.
// Nodes read and write named keys; all methods are safe for concurrent
// use. State serialises to JSON for checkpoints.
type State struct {
	mu     sync.RWMutex
	input  string
	values map[string]any
}

// NewState creates workflow state seeded with the run input.
func NewState(input string) *State {
	return &State{input: input, values: make(map[string]any)}
}

// Input returns the original run input.
func (s *State) Input() string { return s.input }

// Get retrieves a named value.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString retrieves a named value rendered as a string, or "".
func (s *State) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", v)
}

// Set writes a named value, overwriting any previous one.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// stateSnapshot is the serialised form stored in checkpoints.
type stateSnapshot struct {
	Input  string         `json:"input"`
	Values map[string]any `json:"values"`
}

// MarshalJSON implements json.Marshaler.
func (s *State) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(stateSnapshot{Input: s.input, Values: s.values})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(b []byte) error {
	var snap stateSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.input = snap.Input
	s.values = snap.Values
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.mu.Unlock()
	return nil
}

// NodeFunc is one unit of workflow work.
type NodeFunc func(ctx context.Context, s *State) error

// SelectorFunc picks which downstream nodes of a conditional run.
// Unselected dependents are pruned from the run.
type SelectorFunc func(s *State) []string

// ConditionFunc gates or repeats execution based on state.
type ConditionFunc func(s *State) bool

// loopEdge re-enters Back while Condition holds, then releases Exit.
type loopEdge struct {
	back      string
	exit      string
	condition ConditionFunc
	maxIter   int
}

// approvalGate parks a run for a human decision before its node runs.
type approvalGate struct {
	prompt  string
	options []string
}

// nodeConfig holds the full configuration of one workflow node.
type nodeConfig struct {
	name       string
	fn         NodeFunc
	after      []string
	when       ConditionFunc
	selector   SelectorFunc // non-nil for conditional nodes
	sideEffect bool
	onErrorCont bool
	approval   *approvalGate
}

// NodeOption configures an individual node.
type NodeOption func(*nodeConfig)

// After declares dependency edges: the node runs only after all named
// nodes completed (or were pruned).
func After(names ...string) NodeOption {
	return func(c *nodeConfig) { c.after = append(c.after, names...) }
}

// When gates the node: when the condition is false the node is pruned
// and its dependents treat it as satisfied.
func When(fn ConditionFunc) NodeOption {
	return func(c *nodeConfig) { c.when = fn }
}

// SideEffect marks the node non-replayable: resuming from a checkpoint
// never re-executes it.
func SideEffect() NodeOption {
	return func(c *nodeConfig) { c.sideEffect = true }
}

// OnErrorContinue keeps the run alive when this node fails; the error
// is recorded in state under "<name>.error".
func OnErrorContinue() NodeOption {
	return func(c *nodeConfig) { c.onErrorCont = true }
}

// RequiresApproval parks the run in waiting before this node executes,
// until an external actor resolves the decision.
func RequiresApproval(prompt string, options ...string) NodeOption {
	return func(c *nodeConfig) { c.approval = &approvalGate{prompt: prompt, options: options} }
}

// workflowConfig accumulates options passed to NewWorkflow.
type workflowConfig struct {
	nodes   []*nodeConfig
	loops   []loopEdge
	entry   string
	fanOut  int
	maxLoop int
}

// WorkflowOption configures a Workflow: node definitions and
// workflow-level settings both implement it.
type WorkflowOption func(*workflowConfig)

// Node defines a workflow node.
func Node(name string, fn NodeFunc, opts ...NodeOption) WorkflowOption {
	return func(c *workflowConfig) {
		cfg := &nodeConfig{name: name, fn: fn}
		for _, o := range opts {
			o(cfg)
		}
		c.nodes = append(c.nodes, cfg)
	}
}

// Conditional defines a node whose selector decides which direct
// dependents run; unselected dependents are pruned from the run.
func Conditional(name string, fn NodeFunc, selector SelectorFunc, opts ...NodeOption) WorkflowOption {
	return func(c *workflowConfig) {
		cfg := &nodeConfig{name: name, fn: fn, selector: selector}
		for _, o := range opts {
			o(cfg)
		}
		c.nodes = append(c.nodes, cfg)
	}
}

// Loop declares a loop edge: after back executes, condition is
// re-evaluated; while true, back runs again; when false, exit becomes
// eligible. Cycles are only legal through loop edges.
func Loop(back, exit string, condition ConditionFunc) WorkflowOption {
	return func(c *workflowConfig) {
		c.loops = append(c.loops, loopEdge{back: back, exit: exit, condition: condition})
	}
}

// WithEntry pins the entry node, overriding root derivation.
func WithEntry(name string) WorkflowOption {
	return func(c *workflowConfig) { c.entry = name }
}

// WithFanOut caps concurrently executing nodes (default: 8).
func WithFanOut(n int) WorkflowOption {
	return func(c *workflowConfig) {
		if n > 0 {
			c.fanOut = n
		}
	}
}

// WithMaxLoopIterations caps traversals per loop edge (default: 1000).
func WithMaxLoopIterations(n int) WorkflowOption {
	return func(c *workflowConfig) {
		if n > 0 {
			c.maxLoop = n
		}
	}
}

// Workflow is an immutable, validated DAG of nodes. Parallelism
// emerges when multiple nodes share satisfied dependencies; cycles are
// expressible only through loop edges.
type Workflow struct {
	name      string
	nodes     map[string]*nodeConfig
	nodeOrder []string
	loops     []loopEdge
	entry     string
	// entryAmbiguous is set when several roots competed and declaration
	// order decided; the engine surfaces it as a warning event.
	entryAmbiguous bool
	fanOut         int
	maxLoop        int
}

// NewWorkflow builds and validates a workflow. Validation rejects
// duplicate or unknown node references and cycles outside loop edges.
func NewWorkflow(name string, opts ...WorkflowOption) (*Workflow, error) {
	cfg := workflowConfig{fanOut: DefaultFanOut, maxLoop: DefaultMaxLoopIterations}
	for _, o := range opts {
		o(&cfg)
	}
	if len(cfg.nodes) == 0 {
		return nil, &ValidationError{Subject: "workflow " + name, Detail: "no nodes"}
	}

	w := &Workflow{
		name:    name,
		nodes:   make(map[string]*nodeConfig, len(cfg.nodes)),
		loops:   cfg.loops,
		fanOut:  cfg.fanOut,
		maxLoop: cfg.maxLoop,
	}
	for _, n := range cfg.nodes {
		if n.fn == nil {
			return nil, &ValidationError{Subject: "workflow " + name, Detail: fmt.Sprintf("node %q has no function", n.name)}
		}
		if _, dup := w.nodes[n.name]; dup {
			return nil, &ValidationError{Subject: "workflow " + name, Detail: fmt.Sprintf("duplicate node name %q", n.name)}
		}
		w.nodes[n.name] = n
		w.nodeOrder = append(w.nodeOrder, n.name)
	}

	// Every edge endpoint must name a known node.
	for _, n := range cfg.nodes {
		for _, dep := range n.after {
			if _, ok := w.nodes[dep]; !ok {
				return nil, &ValidationError{Subject: "workflow " + name, Detail: fmt.Sprintf("node %q depends on unknown node %q", n.name, dep)}
			}
		}
	}
	for i := range cfg.loops {
		le := &cfg.loops[i]
		if _, ok := w.nodes[le.back]; !ok {
			return nil, &ValidationError{Subject: "workflow " + name, Detail: fmt.Sprintf("loop references unknown node %q", le.back)}
		}
		if _, ok := w.nodes[le.exit]; !ok {
			return nil, &ValidationError{Subject: "workflow " + name, Detail: fmt.Sprintf("loop references unknown node %q", le.exit)}
		}
		if le.condition == nil {
			return nil, &ValidationError{Subject: "workflow " + name, Detail: fmt.Sprintf("loop %s→%s has no condition", le.back, le.exit)}
		}
		if le.maxIter == 0 {
			le.maxIter = cfg.maxLoop
		}
	}
	w.loops = cfg.loops

	if err := w.detectCycle(); err != nil {
		return nil, err
	}

	if cfg.entry != "" {
		if _, ok := w.nodes[cfg.entry]; !ok {
			return nil, &ValidationError{Subject: "workflow " + name, Detail: fmt.Sprintf("entry %q is not a node", cfg.entry)}
		}
		w.entry = cfg.entry
	} else {
		roots := w.roots()
		if len(roots) == 0 {
			return nil, &ValidationError{Subject: "workflow " + name, Detail: "no root node"}
		}
		// Declaration order decides among competing roots.
		w.entry = roots[0]
		w.entryAmbiguous = len(roots) > 1
	}
	return w, nil
}

// Name returns the workflow's identifier.
func (w *Workflow) Name() string { return w.name }

// Entry returns the derived or pinned entry node.
func (w *Workflow) Entry() string { return w.entry }

// roots returns nodes with no dependencies, in declaration order.
func (w *Workflow) roots() []string {
	var out []string
	for _, name := range w.nodeOrder {
		if len(w.nodes[name].after) == 0 {
			out = append(out, name)
		}
	}
	return out
}

// detectCycle runs Kahn's algorithm over the after edges. Loop edges
// are excluded: they are the only sanctioned cycles.
func (w *Workflow) detectCycle() error {
	inDegree := make(map[string]int, len(w.nodes))
	dependents := make(map[string][]string)
	for name, n := range w.nodes {
		inDegree[name] = len(n.after)
		for _, dep := range n.after {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for _, name := range w.nodeOrder {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(w.nodes) {
		return &ValidationError{Subject: "workflow " + w.name, Detail: "cycle detected outside loop edges"}
	}
	return nil
}

// dependents returns the direct successors of a node.
func (w *Workflow) dependents(name string) []string {
	var out []string
	for _, cand := range w.nodeOrder {
		for _, dep := range w.nodes[cand].after {
			if dep == name {
				out = append(out, cand)
				break
			}
		}
	}
	return out
}
