// Package sandbox isolates tool execution behind a single executor
// contract with native-process, container, and WASM backends, a pooled
// container lifecycle, and a manager that falls back to a weaker
// backend when the requested one is unavailable.
package sandbox

import (
	"context"
	"encoding/json"
	"time"
)

// Type selects an execution backend.
type Type string

const (
	TypeNative    Type = "native"
	TypeContainer Type = "container"
	TypeWASM      Type = "wasm"
)

// NetworkMode controls container networking.
type NetworkMode string

const (
	NetworkNone   NetworkMode = "none"
	NetworkBridge NetworkMode = "bridge"
	NetworkHost   NetworkMode = "host"
)

// Resources caps a sandboxed execution.
type Resources struct {
	MemoryBytes int64   `json:"memory_bytes,omitempty"`
	CPUs        float64 `json:"cpus,omitempty"`
	PidsLimit   int64   `json:"pids_limit,omitempty"`
}

// Mount binds a host path into the sandbox.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// Config describes how to isolate one execution. Fields not meaningful
// to the selected backend are ignored (and dropped on fallback).
type Config struct {
	Type         Type              `json:"type"`
	Image        string            `json:"image,omitempty"`
	WASMModule   string            `json:"wasm_module,omitempty"`
	WASMFunction string            `json:"wasm_function,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	Resources    Resources         `json:"resources,omitempty"`
	Network      NetworkMode       `json:"network,omitempty"`
	Mounts       []Mount           `json:"mounts,omitempty"`
	// Ports publishes container ports in Docker -p syntax
	// (e.g. "8080:80/tcp"). Only meaningful with a bridged network.
	Ports        []string          `json:"ports,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	User         string            `json:"user,omitempty"`
	Workdir      string            `json:"workdir,omitempty"`
}

// Request is the unit of work handed to an executor. Command drives the
// native and container backends; Payload is what the WASM backend
// serialises to the module.
type Request struct {
	Command []string        `json:"command,omitempty"`
	Stdin   string          `json:"stdin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MaxOutputBytes caps each of stdout and stderr. Longer streams are
// truncated, never errored.
const MaxOutputBytes = 50_000

// Result is the outcome of a sandboxed execution.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExitTimeout is the conventional exit code for a timed-out execution.
const ExitTimeout = 124

// Executor runs a request under a config. Implementations must honour
// ctx cancellation and always report wall-clock Duration, including on
// timeout.
type Executor interface {
	Execute(ctx context.Context, req Request, cfg Config) (Result, error)
	// Available reports whether the backend can execute right now
	// (e.g. the Docker daemon is reachable). Native is always available.
	Available(ctx context.Context) bool
}

// limitWriter captures at most max bytes, discarding the rest while
// still reporting full writes.
type limitWriter struct {
	buf []byte
	max int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if len(w.buf) < w.max {
		remaining := w.max - len(w.buf)
		if len(p) > remaining {
			w.buf = append(w.buf, p[:remaining]...)
		} else {
			w.buf = append(w.buf, p...)
		}
	}
	return len(p), nil
}

func (w *limitWriter) String() string { return string(w.buf) }
