package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunHandle tracks a background run. All methods are safe for
// concurrent use.
type RunHandle struct {
	id     string
	status atomic.Value // RunStatus
	run    Run
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// StartOption configures a Start call.
type StartOption func(*startConfig)

type startConfig struct {
	logger *slog.Logger
}

// StartLogger sets the structured logger for handle lifecycle events.
func StartLogger(l *slog.Logger) StartOption {
	return func(c *startConfig) { c.logger = l }
}

// Start launches the run in a background goroutine and returns
// immediately with a handle for tracking, awaiting, and cancelling.
// The parent ctx controls the run's lifetime.
func (e *Engine) Start(ctx context.Context, req RunRequest, opts ...StartOption) *RunHandle {
	var cfg startConfig
	for _, o := range opts {
		o(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = e.logger
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		id:     NewID(),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.status.Store(RunPending)
	logger.Info("run handle started", "handle_id", h.id, "agent", req.Agent.Name())

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				logger.Error("run panic", "handle_id", h.id, "panic", fmt.Sprintf("%v", p))
				h.err = fmt.Errorf("run panic: %v", p)
				h.status.Store(RunFailed)
				close(h.done)
			}
		}()
		h.status.Store(RunRunning)
		start := time.Now()
		run, err := e.Run(ctx, req)

		// Writes before close(done); the close is the happens-before
		// barrier for every reader.
		h.run = run
		h.err = err
		switch {
		case run.Status != "":
			h.status.Store(run.Status)
		case ctx.Err() != nil:
			h.status.Store(RunCancelled)
		case err != nil:
			h.status.Store(RunFailed)
		default:
			h.status.Store(RunCompleted)
		}
		logger.Info("run handle finished", "handle_id", h.id, "status", string(h.Status()), "duration", time.Since(start))
		close(h.done)
	}()
	return h
}

// ID returns the handle identifier.
func (h *RunHandle) ID() string { return h.id }

// Status returns the current run status. For a terminal status, Status
// blocks until Done is closed so Result is valid afterwards.
func (h *RunHandle) Status() RunStatus {
	s, _ := h.status.Load().(RunStatus)
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run finishes. Composable with
// select for multiplexing multiple handles.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled.
func (h *RunHandle) Await(ctx context.Context) (Run, error) {
	select {
	case <-h.done:
		return h.run, h.err
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
}

// Result returns the run and error. Only meaningful after Done is
// closed; before completion it returns a zero Run and nil error.
func (h *RunHandle) Result() (Run, error) {
	select {
	case <-h.done:
		return h.run, h.err
	default:
		return Run{}, nil
	}
}

// Cancel requests cancellation. Non-blocking; the run transitions to
// cancelled once the engine observes the context.
func (h *RunHandle) Cancel() { h.cancel() }
