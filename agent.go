package relay

import (
	"time"
)

// Default agent limits applied when no option overrides them.
const (
	DefaultMaxIterations = 10
	DefaultAgentTimeout  = 5 * time.Minute
)

// Agent is an immutable configuration value: a model, instructions,
// and the tool names it may call. Agents own no runtime state; the
// engine interprets one against a thread per run. Mutation produces a
// new value via With.
type Agent struct {
	name           string
	model          string
	instructions   string
	tools          []string
	temperature    float64
	topP           float64
	maxTokens      int
	maxIterations  int
	timeout        time.Duration
	memoryEnabled  bool
	responseFormat string
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithModel sets the model identifier passed to the chat backend.
func WithModel(model string) AgentOption {
	return func(a *Agent) { a.model = model }
}

// WithInstructions sets the system prompt.
func WithInstructions(s string) AgentOption {
	return func(a *Agent) { a.instructions = s }
}

// WithTools grants the agent access to registered tools by name.
// Duplicates are dropped; order of first mention is preserved.
func WithTools(names ...string) AgentOption {
	return func(a *Agent) {
		for _, n := range names {
			if !containsString(a.tools, n) {
				a.tools = append(a.tools, n)
			}
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) AgentOption {
	return func(a *Agent) { a.temperature = t }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) AgentOption {
	return func(a *Agent) { a.topP = p }
}

// WithMaxTokens caps the completion length per model call.
func WithMaxTokens(n int) AgentOption {
	return func(a *Agent) { a.maxTokens = n }
}

// WithMaxIterations caps the tool-calling turns per run (default: 10).
func WithMaxIterations(n int) AgentOption {
	return func(a *Agent) { a.maxIterations = n }
}

// WithTimeout caps a run's wall-clock time (default: 5m).
func WithTimeout(d time.Duration) AgentOption {
	return func(a *Agent) { a.timeout = d }
}

// WithoutMemory disables thread persistence: runs neither read context
// from nor append to a thread.
func WithoutMemory() AgentOption {
	return func(a *Agent) { a.memoryEnabled = false }
}

// WithResponseFormat requests a structured output format (e.g. "json").
func WithResponseFormat(format string) AgentOption {
	return func(a *Agent) { a.responseFormat = format }
}

// NewAgent creates an agent value.
func NewAgent(name string, opts ...AgentOption) Agent {
	a := Agent{
		name:          name,
		maxIterations: DefaultMaxIterations,
		timeout:       DefaultAgentTimeout,
		memoryEnabled: true,
	}
	for _, o := range opts {
		o(&a)
	}
	return a
}

// With returns a copy of the agent with opts applied. The receiver is
// unchanged.
func (a Agent) With(opts ...AgentOption) Agent {
	clone := a
	clone.tools = append([]string(nil), a.tools...)
	for _, o := range opts {
		o(&clone)
	}
	return clone
}

// Validate reports whether the agent is runnable.
func (a Agent) Validate() error {
	if a.name == "" {
		return &ValidationError{Subject: "agent", Detail: "name is required"}
	}
	if a.model == "" {
		return &ValidationError{Subject: "agent " + a.name, Detail: "model is required"}
	}
	if a.maxIterations <= 0 {
		return &ValidationError{Subject: "agent " + a.name, Detail: "maxIterations must be positive"}
	}
	return nil
}

// Name returns the agent's identifier.
func (a Agent) Name() string { return a.name }

// Model returns the model identifier.
func (a Agent) Model() string { return a.model }

// Instructions returns the system prompt.
func (a Agent) Instructions() string { return a.instructions }

// Tools returns the granted tool names in grant order.
func (a Agent) Tools() []string { return append([]string(nil), a.tools...) }

// MaxIterations returns the per-run turn cap.
func (a Agent) MaxIterations() int { return a.maxIterations }

// Timeout returns the per-run wall-clock cap.
func (a Agent) Timeout() time.Duration { return a.timeout }

// MemoryEnabled reports whether runs persist to a thread.
func (a Agent) MemoryEnabled() bool { return a.memoryEnabled }

func containsString(s []string, v string) bool {
	for _, cur := range s {
		if cur == v {
			return true
		}
	}
	return false
}
