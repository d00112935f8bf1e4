package shell

import (
	"testing"
	"time"

	"github.com/nevindra/relay/sandbox"
)

func TestToolDefaults(t *testing.T) {
	tool := Tool("/tmp/ws")
	if tool.Name != "shell_exec" {
		t.Errorf("expected shell_exec, got %s", tool.Name)
	}
	if tool.Sandbox == nil {
		t.Fatal("expected a sandbox config")
	}
	if tool.Sandbox.Type != sandbox.TypeContainer {
		t.Errorf("expected container sandbox, got %s", tool.Sandbox.Type)
	}
	if tool.Sandbox.Network != sandbox.NetworkNone {
		t.Errorf("expected no network, got %s", tool.Sandbox.Network)
	}
	if tool.Sandbox.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %s", tool.Sandbox.Timeout)
	}
	if len(tool.Sandbox.Mounts) != 1 || tool.Sandbox.Mounts[0].Source != "/tmp/ws" {
		t.Errorf("workspace not mounted: %+v", tool.Sandbox.Mounts)
	}
	if tool.RequiresApproval {
		t.Error("approval should be off by default")
	}
}

func TestToolOptions(t *testing.T) {
	tool := Tool("/tmp/ws",
		WithSandbox(sandbox.Config{Type: sandbox.TypeNative, Timeout: 10 * time.Minute}),
		WithApproval(),
	)
	if tool.Sandbox.Type != sandbox.TypeNative {
		t.Errorf("expected native sandbox, got %s", tool.Sandbox.Type)
	}
	if tool.Sandbox.Timeout != MaxTimeout {
		t.Errorf("expected timeout clamped to %s, got %s", MaxTimeout, tool.Sandbox.Timeout)
	}
	if !tool.RequiresApproval {
		t.Error("expected approval gating")
	}
}

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest(map[string]any{"command": "ls -la"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"sh", "-c", "ls -la"}
	if len(req.Command) != 3 {
		t.Fatalf("unexpected command: %v", req.Command)
	}
	for i := range want {
		if req.Command[i] != want[i] {
			t.Errorf("command[%d]: expected %q, got %q", i, want[i], req.Command[i])
		}
	}
}

func TestBuildRequestEmptyCommand(t *testing.T) {
	if _, err := buildRequest(map[string]any{}); err == nil {
		t.Error("expected error for missing command")
	}
}

func TestBuildRequestBlocklist(t *testing.T) {
	for _, cmd := range []string{
		"rm -rf / --no-preserve-root",
		"sudo apt install x",
		"mkfs.ext4 /dev/sda1",
		"echo x > /dev/sda",
		"dd if=/dev/zero of=/dev/sda",
	} {
		if _, err := buildRequest(map[string]any{"command": cmd}); err == nil {
			t.Errorf("expected %q to be blocked", cmd)
		}
	}
}
