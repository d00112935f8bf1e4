package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerExecutor runs commands inside pooled Docker containers.
// Containers are created with every capability dropped and privilege
// escalation disabled; a timed-out exec corrupts its container, which
// is destroyed rather than returned to the pool.
type ContainerExecutor struct {
	cli    *client.Client
	pool   *Pool
	logger *slog.Logger
}

var _ Executor = (*ContainerExecutor)(nil)

// ContainerOption configures a ContainerExecutor.
type ContainerOption func(*containerSettings)

type containerSettings struct {
	poolOpts []PoolOption
	logger   *slog.Logger
}

// WithContainerLogger sets the structured logger for the executor and
// its pool.
func WithContainerLogger(l *slog.Logger) ContainerOption {
	return func(s *containerSettings) { s.logger = l }
}

// WithContainerPool forwards options to the underlying pool.
func WithContainerPool(opts ...PoolOption) ContainerOption {
	return func(s *containerSettings) { s.poolOpts = append(s.poolOpts, opts...) }
}

// NewContainerExecutor connects to the Docker daemon from the
// environment and builds a pooled executor.
func NewContainerExecutor(opts ...ContainerOption) (*ContainerExecutor, error) {
	settings := &containerSettings{logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(settings)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	poolOpts := append([]PoolOption{WithPoolLogger(settings.logger)}, settings.poolOpts...)
	return &ContainerExecutor{
		cli:    cli,
		pool:   NewPool(cli, poolOpts...),
		logger: settings.logger,
	}, nil
}

// Available implements Executor by pinging the Docker daemon.
func (e *ContainerExecutor) Available(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := e.cli.Ping(pingCtx)
	return err == nil
}

// Close destroys all pooled containers.
func (e *ContainerExecutor) Close() { e.pool.Close() }

// Pool exposes the underlying container pool.
func (e *ContainerExecutor) Pool() *Pool { return e.pool }

// Execute implements Executor. The command runs as an exec inside a
// pooled container for cfg.Image.
func (e *ContainerExecutor) Execute(ctx context.Context, req Request, cfg Config) (Result, error) {
	if len(req.Command) == 0 {
		return Result{}, errors.New("sandbox: empty command")
	}
	if cfg.Image == "" {
		return Result{}, errors.New("sandbox: container config requires an image")
	}

	entry, err := e.pool.Acquire(ctx, cfg)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	res, execErr := e.execInContainer(ctx, entry.id, req, cfg)
	res.Duration = time.Since(start)

	// A timed-out exec leaves its process running inside the
	// container; destroy rather than reuse.
	e.pool.Release(entry, execErr != nil || res.TimedOut)
	return res, execErr
}

func (e *ContainerExecutor) execInContainer(ctx context.Context, containerID string, req Request, cfg Config) (Result, error) {
	workdir := cfg.Workdir
	if workdir == "" {
		workdir = defaultWorkdir
	}
	created, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          req.Command,
		Env:          envSlice(cfg.Env),
		WorkingDir:   workdir,
		User:         cfg.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	stdout := &limitWriter{max: MaxOutputBytes}
	stderr := &limitWriter{max: MaxOutputBytes}

	// The attached stream multiplexes stdout and stderr in Docker's
	// 8-byte frame format; StdCopy demultiplexes it.
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	var timer <-chan time.Time
	if cfg.Timeout > 0 {
		t := time.NewTimer(cfg.Timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-copyDone:
		if err != nil {
			return Result{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("sandbox: exec stream: %w", err)
		}
	case <-timer:
		e.logger.Warn("sandbox: container exec timed out", "container_id", containerID, "timeout", cfg.Timeout)
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: ExitTimeout,
			TimedOut: true,
		}, nil
	case <-ctx.Done():
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("sandbox: exec inspect: %w", err)
	}
	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}
