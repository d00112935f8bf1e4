package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	// DefaultPoolSize is the maximum number of warm containers kept.
	DefaultPoolSize = 5
	// DefaultIdleTimeout is how long an unused container survives
	// before the sweeper destroys it.
	DefaultIdleTimeout = 60 * time.Second

	defaultWorkdir = "/workspace"
)

// Pool keeps warm containers for reuse, keyed by image and isolation
// settings. Acquire blocks when every slot is busy; idle containers
// are evicted least-recently-used when the pool is full and reaped in
// the background once idle past the timeout.
type Pool struct {
	cli    *client.Client
	logger *slog.Logger
	max    int
	idle   time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	entries []*poolEntry
	closed  bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

type poolEntry struct {
	id       string
	key      string
	busy     bool
	lastUsed time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolSize sets the maximum number of warm containers.
func WithPoolSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.max = n
		}
	}
}

// WithIdleTimeout sets how long an idle container is kept warm.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.idle = d
		}
	}
}

// WithPoolLogger sets the structured logger for pool lifecycle events.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a container pool on an existing Docker client and
// starts the idle sweeper.
func NewPool(cli *client.Client, opts ...PoolOption) *Pool {
	p := &Pool{
		cli:       cli,
		logger:    slog.New(slog.DiscardHandler),
		max:       DefaultPoolSize,
		idle:      DefaultIdleTimeout,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.cond = sync.NewCond(&p.mu)
	go p.sweep()
	return p
}

// poolKey folds the create-time settings into a reuse key. Two configs
// with the same key can share a container.
func poolKey(cfg Config) string {
	var b strings.Builder
	b.WriteString(cfg.Image)
	fmt.Fprintf(&b, "|net=%s|mem=%d|cpu=%g|pids=%d|user=%s",
		cfg.Network, cfg.Resources.MemoryBytes, cfg.Resources.CPUs, cfg.Resources.PidsLimit, cfg.User)
	for _, m := range cfg.Mounts {
		fmt.Fprintf(&b, "|mnt=%s:%s:%t", m.Source, m.Target, m.ReadOnly)
	}
	for _, spec := range cfg.Ports {
		b.WriteString("|port=" + spec)
	}
	return b.String()
}

// Acquire returns a warm container for cfg, creating one if needed.
// It blocks while the pool is full of busy containers.
func (p *Pool) Acquire(ctx context.Context, cfg Config) (*poolEntry, error) {
	key := poolKey(cfg)

	// Wake waiters when the caller gives up.
	stop := context.AfterFunc(ctx, func() { p.cond.Broadcast() })
	defer stop()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("sandbox: pool closed")
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}

		// Reuse an idle container with matching settings.
		for _, e := range p.entries {
			if !e.busy && e.key == key {
				e.busy = true
				p.mu.Unlock()
				return e, nil
			}
		}

		if len(p.entries) < p.max {
			break
		}
		// Full: evict the least-recently-used idle container.
		if victim := p.lruIdle(); victim != nil {
			p.removeEntry(victim)
			p.mu.Unlock()
			p.destroy(victim)
			p.mu.Lock()
			if len(p.entries) < p.max {
				break
			}
			continue
		}
		// Everything is busy; wait for a release.
		p.cond.Wait()
	}

	// Reserve a slot before the (slow) create so the cap holds.
	e := &poolEntry{key: key, busy: true, lastUsed: time.Now()}
	p.entries = append(p.entries, e)
	p.mu.Unlock()

	id, err := p.createContainer(ctx, cfg)
	if err != nil {
		p.mu.Lock()
		p.removeEntry(e)
		p.mu.Unlock()
		p.cond.Broadcast()
		return nil, err
	}
	e.id = id
	return e, nil
}

// Release returns a container to the pool. A corrupted container (a
// timed-out or wedged exec) is destroyed instead of reused.
func (p *Pool) Release(e *poolEntry, corrupted bool) {
	p.mu.Lock()
	if corrupted || p.closed {
		p.removeEntry(e)
		p.mu.Unlock()
		p.destroy(e)
		p.cond.Broadcast()
		return
	}
	e.busy = false
	e.lastUsed = time.Now()
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Size reports how many containers the pool currently holds.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the sweeper and destroys every pooled container.
// Acquire fails after Close.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone

	p.mu.Lock()
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()
	for _, e := range entries {
		p.destroy(e)
	}
	p.cond.Broadcast()
}

// lruIdle returns the idle entry with the oldest lastUsed, or nil.
// Caller holds p.mu.
func (p *Pool) lruIdle() *poolEntry {
	var victim *poolEntry
	for _, e := range p.entries {
		if e.busy {
			continue
		}
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	return victim
}

// removeEntry drops e from the slice. Caller holds p.mu.
func (p *Pool) removeEntry(e *poolEntry) {
	for i, cur := range p.entries {
		if cur == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// sweep destroys containers idle past the timeout, checking at half
// the timeout interval.
func (p *Pool) sweep() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idle)
			p.mu.Lock()
			var stale []*poolEntry
			for _, e := range p.entries {
				if !e.busy && e.lastUsed.Before(cutoff) {
					stale = append(stale, e)
				}
			}
			for _, e := range stale {
				p.removeEntry(e)
			}
			p.mu.Unlock()
			for _, e := range stale {
				p.logger.Debug("sandbox: reaping idle container", "container_id", e.id)
				p.destroy(e)
			}
			if len(stale) > 0 {
				p.cond.Broadcast()
			}
		}
	}
}

// createContainer creates and starts a long-lived container for cfg
// with all capabilities dropped and privilege escalation disabled.
func (p *Pool) createContainer(ctx context.Context, cfg Config) (string, error) {
	workdir := cfg.Workdir
	if workdir == "" {
		workdir = defaultWorkdir
	}
	conf := &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workdir,
		User:       cfg.User,
		Env:        envSlice(cfg.Env),
		Labels:     map[string]string{"relay.sandbox": "pool"},
	}

	netMode := cfg.Network
	if netMode == "" {
		netMode = NetworkNone
	}
	host := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: container.NetworkMode(netMode),
		Resources: container.Resources{
			Memory:   cfg.Resources.MemoryBytes,
			NanoCPUs: int64(cfg.Resources.CPUs * 1e9),
		},
	}
	if cfg.Resources.PidsLimit > 0 {
		limit := cfg.Resources.PidsLimit
		host.Resources.PidsLimit = &limit
	}
	for _, m := range cfg.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if len(cfg.Ports) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(cfg.Ports)
		if err != nil {
			return "", fmt.Errorf("sandbox: port spec: %w", err)
		}
		conf.ExposedPorts = exposed
		host.PortBindings = bindings
	}

	created, err := p.cli.ContainerCreate(ctx, conf, host, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		// Image likely absent locally; pull once and retry.
		if pullErr := p.pullImage(ctx, cfg.Image); pullErr != nil {
			return "", fmt.Errorf("sandbox: create container: %w", err)
		}
		created, err = p.cli.ContainerCreate(ctx, conf, host, &network.NetworkingConfig{}, nil, "")
		if err != nil {
			return "", fmt.Errorf("sandbox: create container: %w", err)
		}
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}
	p.logger.Debug("sandbox: container created", "container_id", created.ID, "image", cfg.Image, "network", netMode)
	return created.ID, nil
}

func (p *Pool) pullImage(ctx context.Context, ref string) error {
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// destroy force-removes a container. Best effort; failures are logged
// and otherwise ignored.
func (p *Pool) destroy(e *poolEntry) {
	if e.id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cli.ContainerRemove(ctx, e.id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("sandbox: container remove failed", "container_id", e.id, "error", err)
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
