package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultModuleCacheSize is how many compiled WASM modules are kept.
const DefaultModuleCacheSize = 10

// DefaultWASMFunction is the export invoked when the config names none.
const DefaultWASMFunction = "run"

// WASMExecutor runs WASI modules in-process with wazero. Compiled
// modules are cached LRU; the guest reads its request as JSON on stdin
// and writes its result to stdout.
type WASMExecutor struct {
	runtime wazero.Runtime
	cache   *lru.Cache[string, wazero.CompiledModule]
	logger  *slog.Logger
	http    *http.Client

	mu         sync.Mutex
	registered map[string][]byte
}

var _ Executor = (*WASMExecutor)(nil)

// WASMOption configures a WASMExecutor.
type WASMOption func(*wasmSettings)

type wasmSettings struct {
	cacheSize int
	logger    *slog.Logger
}

// WithModuleCacheSize sets the compiled-module cache capacity.
func WithModuleCacheSize(n int) WASMOption {
	return func(s *wasmSettings) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithWASMLogger sets the structured logger.
func WithWASMLogger(l *slog.Logger) WASMOption {
	return func(s *wasmSettings) { s.logger = l }
}

// NewWASMExecutor builds a WASI runtime. Guest execution is interrupted
// when its context expires.
func NewWASMExecutor(opts ...WASMOption) (*WASMExecutor, error) {
	settings := &wasmSettings{
		cacheSize: DefaultModuleCacheSize,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(settings)
	}

	ctx := context.Background()
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	cache, err := lru.NewWithEvict(settings.cacheSize, func(_ string, mod wazero.CompiledModule) {
		_ = mod.Close(context.Background())
	})
	if err != nil {
		return nil, err
	}
	return &WASMExecutor{
		runtime:    rt,
		cache:      cache,
		logger:     settings.logger,
		http:       &http.Client{Timeout: 30 * time.Second},
		registered: make(map[string][]byte),
	}, nil
}

// RegisterModule makes wasm bytes loadable by name, bypassing the
// filesystem and network.
func (e *WASMExecutor) RegisterModule(name string, wasm []byte) {
	e.mu.Lock()
	e.registered[name] = wasm
	e.mu.Unlock()
}

// Available implements Executor. The in-process runtime always is.
func (e *WASMExecutor) Available(context.Context) bool { return true }

// Close releases the runtime and every cached module.
func (e *WASMExecutor) Close(ctx context.Context) error {
	e.cache.Purge()
	return e.runtime.Close(ctx)
}

// Execute implements Executor. The request is serialised as JSON on the
// guest's stdin; if the guest's stdout parses as a result document it
// is adopted, otherwise raw stdout is the result.
func (e *WASMExecutor) Execute(ctx context.Context, req Request, cfg Config) (Result, error) {
	if cfg.WASMModule == "" {
		return Result{}, errors.New("sandbox: wasm config requires a module")
	}

	compiled, err := e.compiledModule(ctx, cfg.WASMModule)
	if err != nil {
		return Result{}, err
	}

	input, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: encode wasm request: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	stdout := &limitWriter{max: MaxOutputBytes}
	stderr := &limitWriter{max: MaxOutputBytes}
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithStdin(strings.NewReader(string(input))).
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions()
	for k, v := range cfg.Env {
		modConfig = modConfig.WithEnv(k, v)
	}
	if len(cfg.Mounts) > 0 {
		fsConfig := wazero.NewFSConfig()
		for _, m := range cfg.Mounts {
			if m.ReadOnly {
				fsConfig = fsConfig.WithReadOnlyDirMount(m.Source, m.Target)
			} else {
				fsConfig = fsConfig.WithDirMount(m.Source, m.Target)
			}
		}
		modConfig = modConfig.WithFSConfig(fsConfig)
	}

	start := time.Now()
	mod, err := e.runtime.InstantiateModule(runCtx, compiled, modConfig)
	if err != nil {
		return e.finish(runCtx, Result{Stderr: stderr.String(), Duration: time.Since(start)}, err)
	}
	defer mod.Close(context.Background())

	name := cfg.WASMFunction
	if name == "" {
		name = DefaultWASMFunction
	}
	fn := mod.ExportedFunction(name)
	if fn == nil && name == DefaultWASMFunction {
		// WASI command modules export _start instead.
		fn = mod.ExportedFunction("_start")
	}
	if fn == nil {
		return Result{}, fmt.Errorf("sandbox: wasm module %q has no export %q", cfg.WASMModule, name)
	}

	_, callErr := fn.Call(runCtx)
	res := Result{Duration: time.Since(start)}

	if callErr != nil {
		var exitErr *sys.ExitError
		if errors.As(callErr, &exitErr) {
			res.ExitCode = int(exitErr.ExitCode())
			callErr = nil
		}
	}
	res = decodeWASMOutput(res, stdout.String(), stderr.String())
	return e.finish(runCtx, res, callErr)
}

// finish folds a context deadline into the timeout convention.
func (e *WASMExecutor) finish(ctx context.Context, res Result, err error) (Result, error) {
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = ExitTimeout
		e.logger.Warn("sandbox: wasm execution timed out")
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("sandbox: wasm call: %w", err)
	}
	return res, nil
}

// decodeWASMOutput adopts a structured result document from the guest
// when stdout parses as one, and treats stdout as raw output otherwise.
func decodeWASMOutput(res Result, stdout, stderr string) Result {
	var doc struct {
		Stdout   *string `json:"stdout"`
		Stderr   *string `json:"stderr"`
		ExitCode *int    `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(stdout), &doc); err == nil && doc.Stdout != nil {
		res.Stdout = *doc.Stdout
		if doc.Stderr != nil {
			res.Stderr = *doc.Stderr
		} else {
			res.Stderr = stderr
		}
		if doc.ExitCode != nil {
			res.ExitCode = *doc.ExitCode
		}
		return res
	}
	res.Stdout = stdout
	res.Stderr = stderr
	return res
}

// compiledModule returns the compiled module for ref, loading and
// compiling on a cache miss. ref is a registered name, an https URL,
// or a local path.
func (e *WASMExecutor) compiledModule(ctx context.Context, ref string) (wazero.CompiledModule, error) {
	if mod, ok := e.cache.Get(ref); ok {
		return mod, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if mod, ok := e.cache.Get(ref); ok {
		return mod, nil
	}

	wasm, err := e.loadModuleBytes(ctx, ref)
	if err != nil {
		return nil, err
	}
	mod, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile wasm module %q: %w", ref, err)
	}
	e.cache.Add(ref, mod)
	e.logger.Debug("sandbox: wasm module compiled", "module", ref, "cache_len", e.cache.Len())
	return mod, nil
}

// loadModuleBytes resolves a module reference. Caller holds e.mu for
// the registered-name lookup.
func (e *WASMExecutor) loadModuleBytes(ctx context.Context, ref string) ([]byte, error) {
	if wasm, ok := e.registered[ref]; ok {
		return wasm, nil
	}
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := e.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sandbox: fetch wasm module: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("sandbox: fetch wasm module: status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	}
	wasm, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read wasm module: %w", err)
	}
	return wasm, nil
}
