package sandbox

import (
	"context"
	"fmt"
	"log/slog"
)

// Manager routes executions to the configured backend, falling back to
// the next available one when the requested backend cannot run. The
// fallback order is wasm, container, native; each step weakens
// isolation, so every fallback is reported.
type Manager struct {
	executors  map[Type]Executor
	defaults   Config
	logger     *slog.Logger
	onFallback func(requested, actual Type)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithExecutor registers a backend.
func WithExecutor(t Type, ex Executor) ManagerOption {
	return func(m *Manager) { m.executors[t] = ex }
}

// WithDefaults sets config values applied when a request's config
// leaves them zero.
func WithDefaults(cfg Config) ManagerOption {
	return func(m *Manager) { m.defaults = cfg }
}

// WithManagerLogger sets the structured logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithFallbackNotify registers a callback invoked whenever execution
// lands on a different backend than requested.
func WithFallbackNotify(fn func(requested, actual Type)) ManagerOption {
	return func(m *Manager) { m.onFallback = fn }
}

// NewManager builds a manager. With no explicit executors it registers
// only the native backend.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		executors: make(map[Type]Executor),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(m)
	}
	if len(m.executors) == 0 {
		m.executors[TypeNative] = NewNativeExecutor(m.logger)
	}
	return m
}

// fallbackChain lists the backends tried for a requested type, in
// order of decreasing isolation.
func fallbackChain(t Type) []Type {
	switch t {
	case TypeWASM:
		return []Type{TypeWASM, TypeContainer, TypeNative}
	case TypeContainer:
		return []Type{TypeContainer, TypeNative}
	default:
		return []Type{TypeNative}
	}
}

// Execute runs req under cfg on the best available backend.
func (m *Manager) Execute(ctx context.Context, req Request, cfg Config) (Result, error) {
	cfg = m.applyDefaults(cfg)
	requested := cfg.Type
	if requested == "" {
		requested = TypeNative
	}

	for _, t := range fallbackChain(requested) {
		ex, ok := m.executors[t]
		if !ok || !ex.Available(ctx) {
			continue
		}
		if t != requested {
			m.logger.Warn("sandbox: falling back to weaker backend",
				"requested", string(requested), "actual", string(t))
			if m.onFallback != nil {
				m.onFallback(requested, t)
			}
		}
		run := cfg
		run.Type = t
		return ex.Execute(ctx, req, run)
	}
	return Result{}, fmt.Errorf("sandbox: no available backend for type %q", requested)
}

// applyDefaults fills zero-valued config fields from the manager's
// defaults.
func (m *Manager) applyDefaults(cfg Config) Config {
	d := m.defaults
	if cfg.Type == "" {
		cfg.Type = d.Type
	}
	if cfg.Image == "" {
		cfg.Image = d.Image
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Network == "" {
		cfg.Network = d.Network
	}
	if cfg.Workdir == "" {
		cfg.Workdir = d.Workdir
	}
	if cfg.Resources.MemoryBytes == 0 {
		cfg.Resources.MemoryBytes = d.Resources.MemoryBytes
	}
	if cfg.Resources.CPUs == 0 {
		cfg.Resources.CPUs = d.Resources.CPUs
	}
	if cfg.Resources.PidsLimit == 0 {
		cfg.Resources.PidsLimit = d.Resources.PidsLimit
	}
	return cfg
}
