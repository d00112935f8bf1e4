package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Memory.Adapter != "memory" {
		t.Errorf("expected memory adapter, got %s", cfg.Memory.Adapter)
	}
	if cfg.Memory.ContextBuilder.MaxTokens != 8192 {
		t.Errorf("expected 8192, got %d", cfg.Memory.ContextBuilder.MaxTokens)
	}
	if cfg.Sandbox.Pool.MaxSize != 5 {
		t.Errorf("expected pool max 5, got %d", cfg.Sandbox.Pool.MaxSize)
	}
	if cfg.Limits.MaxTurns != 10 {
		t.Errorf("expected 10 turns, got %d", cfg.Limits.MaxTurns)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.MaxQueue != 1024 {
		t.Errorf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	os.WriteFile(path, []byte(`
[llm]
default_provider = "anthropic"

[llm.providers.anthropic]
model = "claude-sonnet-4-5"
api_key = "sk-test"

[memory]
adapter = "sqlite"
path = "/tmp/relay-test.db"

[memory.context_builder]
max_tokens = 4096
strategy = "summarised"

[sandbox.defaults]
type = "container"
image = "python:3.12-slim"

[sandbox.pool]
max_size = 3
idle_timeout_ms = 30000

[limits]
max_turns = 5
max_cost = 1.5

[scheduler]
workers = 8

[observer]
enabled = true

[observer.pricing."my-model"]
input = 0.5
output = 1.5
`), 0644)

	cfg := Load(path)
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("expected anthropic, got %s", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Providers["anthropic"].Model != "claude-sonnet-4-5" {
		t.Errorf("provider table not decoded: %+v", cfg.LLM.Providers)
	}
	if cfg.Memory.Adapter != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Memory.Adapter)
	}
	if cfg.Memory.ContextBuilder.MaxTokens != 4096 || cfg.Memory.ContextBuilder.Strategy != "summarised" {
		t.Errorf("context builder not decoded: %+v", cfg.Memory.ContextBuilder)
	}
	if cfg.Sandbox.Defaults.Type != "container" || cfg.Sandbox.Pool.MaxSize != 3 {
		t.Errorf("sandbox not decoded: %+v", cfg.Sandbox)
	}
	if cfg.Limits.MaxTurns != 5 || cfg.Limits.MaxCost != 1.5 {
		t.Errorf("limits not decoded: %+v", cfg.Limits)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Scheduler.Workers)
	}
	// Unset keys keep defaults.
	if cfg.Scheduler.MaxQueue != 1024 {
		t.Errorf("default max_queue should be preserved, got %d", cfg.Scheduler.MaxQueue)
	}
	if p, ok := cfg.Observer.Pricing["my-model"]; !ok || p.Input != 0.5 || p.Output != 1.5 {
		t.Errorf("pricing override not decoded: %+v", cfg.Observer.Pricing)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RELAY_LLM_PROVIDER", "gemini")
	t.Setenv("RELAY_LLM_API_KEY", "env-key")
	t.Setenv("RELAY_MEMORY_ADAPTER", "postgres")
	t.Setenv("RELAY_DB_DSN", "postgres://localhost/relay")
	t.Setenv("RELAY_SCHEDULER_WORKERS", "2")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.DefaultProvider != "gemini" {
		t.Errorf("expected gemini, got %s", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Providers["gemini"].APIKey != "env-key" {
		t.Errorf("expected env-key, got %+v", cfg.LLM.Providers)
	}
	if cfg.Memory.Adapter != "postgres" || cfg.Memory.DSN != "postgres://localhost/relay" {
		t.Errorf("memory env overrides not applied: %+v", cfg.Memory)
	}
	if cfg.Scheduler.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Scheduler.Workers)
	}
}

func TestLoadClampsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	os.WriteFile(path, []byte(`
[memory.context_builder]
max_tokens = -1

[sandbox.pool]
max_size = 0

[scheduler]
workers = 0
max_queue = -5
`), 0644)

	cfg := Load(path)
	if cfg.Memory.ContextBuilder.MaxTokens != 8192 {
		t.Errorf("expected clamp to 8192, got %d", cfg.Memory.ContextBuilder.MaxTokens)
	}
	if cfg.Sandbox.Pool.MaxSize != 5 {
		t.Errorf("expected clamp to 5, got %d", cfg.Sandbox.Pool.MaxSize)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.MaxQueue != 1024 {
		t.Errorf("expected scheduler clamps, got %+v", cfg.Scheduler)
	}
}
