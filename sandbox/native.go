package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// NativeExecutor runs commands as ordinary child processes. It offers
// no isolation beyond a timeout and output caps; it is the fallback of
// last resort and the default for trusted local tooling.
type NativeExecutor struct {
	logger *slog.Logger
}

var _ Executor = (*NativeExecutor)(nil)

// NewNativeExecutor creates a native executor. A nil logger discards.
func NewNativeExecutor(logger *slog.Logger) *NativeExecutor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NativeExecutor{logger: logger}
}

// Available implements Executor. The native backend always is.
func (e *NativeExecutor) Available(context.Context) bool { return true }

// Execute implements Executor.
func (e *NativeExecutor) Execute(ctx context.Context, req Request, cfg Config) (Result, error) {
	if len(req.Command) == 0 {
		return Result{}, errors.New("sandbox: empty command")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	if cfg.Workdir != "" {
		cmd.Dir = cfg.Workdir
	}
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	stdout := &limitWriter{max: MaxOutputBytes}
	stderr := &limitWriter{max: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = ExitTimeout
		e.logger.Warn("sandbox: native execution timed out",
			"command", req.Command[0], "timeout", cfg.Timeout)
		return res, nil
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			return res, nil
		}
		// Spawn failure (binary missing, permission). No process ran.
		return res, fmt.Errorf("sandbox: native exec: %w", err)
	}
	return res, nil
}
