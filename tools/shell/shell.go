// Package shell provides the builtin shell_exec tool. Commands run
// through the sandbox manager, so isolation follows whatever backend the
// tool's sandbox config selects (container by default, degrading per the
// manager's fallback chain).
package shell

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nevindra/relay"
	"github.com/nevindra/relay/sandbox"
)

// DefaultTimeout bounds one command when the caller does not set one.
const DefaultTimeout = 30 * time.Second

// MaxTimeout caps caller-supplied timeouts.
const MaxTimeout = 5 * time.Minute

// blocked commands are rejected before reaching any backend.
var blocked = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

// Option configures the shell tool.
type Option func(*toolConfig)

type toolConfig struct {
	sandbox  sandbox.Config
	approval bool
}

// WithSandbox replaces the default sandbox config (container, no
// network, workspace mounted at /workspace).
func WithSandbox(cfg sandbox.Config) Option {
	return func(c *toolConfig) { c.sandbox = cfg }
}

// WithApproval gates every shell execution behind a human decision.
func WithApproval() Option {
	return func(c *toolConfig) { c.approval = true }
}

// Tool returns the shell_exec tool for registration. workspace is
// mounted read-write into the sandbox as the working directory.
func Tool(workspace string, opts ...Option) *relay.Tool {
	cfg := toolConfig{
		sandbox: sandbox.Config{
			Type:    sandbox.TypeContainer,
			Image:   "alpine:3.20",
			Timeout: DefaultTimeout,
			Network: sandbox.NetworkNone,
			Workdir: "/workspace",
			Mounts: []sandbox.Mount{
				{Source: workspace, Target: "/workspace"},
			},
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.sandbox.Timeout <= 0 {
		cfg.sandbox.Timeout = DefaultTimeout
	}
	if cfg.sandbox.Timeout > MaxTimeout {
		cfg.sandbox.Timeout = MaxTimeout
	}

	sb := cfg.sandbox
	return &relay.Tool{
		Name:             "shell_exec",
		Description:      "Execute a shell command in the sandboxed workspace. Returns stdout and stderr. Use for running scripts, checking files, or system tasks.",
		Parameters:       json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"}},"required":["command"]}`),
		Category:         "system",
		RequiresApproval: cfg.approval,
		Sandbox:          &sb,
		BuildRequest:     buildRequest,
	}
}

// buildRequest converts validated args into the sandbox request.
func buildRequest(args map[string]any) (sandbox.Request, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return sandbox.Request{}, fmt.Errorf("command is required")
	}

	lower := strings.ToLower(command)
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return sandbox.Request{}, fmt.Errorf("command blocked for safety: %s", b)
		}
	}

	return sandbox.Request{Command: []string{"sh", "-c", command}}, nil
}
