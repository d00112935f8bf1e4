// Package config loads relay runtime configuration from TOML with env
// var overrides. It is plain data: the caller wires values into engine,
// store, sandbox, and scheduler options.
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Memory    MemoryConfig    `toml:"memory"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Limits    LimitsConfig    `toml:"limits"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Observer  ObserverConfig  `toml:"observer"`
}

type LLMConfig struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
}

type ProviderConfig struct {
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type MemoryConfig struct {
	// Adapter selects the MemoryStore backend: memory, sqlite, postgres.
	Adapter        string               `toml:"adapter"`
	Path           string               `toml:"path"`
	DSN            string               `toml:"dsn"`
	ContextBuilder ContextBuilderConfig `toml:"context_builder"`
}

type ContextBuilderConfig struct {
	MaxTokens int    `toml:"max_tokens"`
	Strategy  string `toml:"strategy"`
}

type SandboxConfig struct {
	Defaults SandboxDefaults   `toml:"defaults"`
	Pool     SandboxPoolConfig `toml:"pool"`
}

type SandboxDefaults struct {
	Type      string `toml:"type"`
	Image     string `toml:"image"`
	TimeoutMs int    `toml:"timeout_ms"`
}

type SandboxPoolConfig struct {
	MaxSize       int `toml:"max_size"`
	IdleTimeoutMs int `toml:"idle_timeout_ms"`
}

type LimitsConfig struct {
	MaxTurns  int     `toml:"max_turns"`
	MaxTokens int     `toml:"max_tokens"`
	MaxCost   float64 `toml:"max_cost"`
}

type SchedulerConfig struct {
	Workers  int `toml:"workers"`
	MaxQueue int `toml:"max_queue"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{DefaultProvider: "openai"},
		Memory: MemoryConfig{
			Adapter: "memory",
			Path:    "relay.db",
			ContextBuilder: ContextBuilderConfig{
				MaxTokens: 8192,
				Strategy:  "recent",
			},
		},
		Sandbox: SandboxConfig{
			Defaults: SandboxDefaults{Type: "native", Image: "relay-sandbox:latest", TimeoutMs: 30_000},
			Pool:     SandboxPoolConfig{MaxSize: 5, IdleTimeoutMs: 60_000},
		},
		Limits:    LimitsConfig{MaxTurns: 10},
		Scheduler: SchedulerConfig{Workers: 4, MaxQueue: 1024},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "relay.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("RELAY_LLM_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("RELAY_LLM_API_KEY"); v != "" {
		p := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
		p.APIKey = v
		if cfg.LLM.Providers == nil {
			cfg.LLM.Providers = map[string]ProviderConfig{}
		}
		cfg.LLM.Providers[cfg.LLM.DefaultProvider] = p
	}
	if v := os.Getenv("RELAY_MEMORY_ADAPTER"); v != "" {
		cfg.Memory.Adapter = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.Memory.Path = v
	}
	if v := os.Getenv("RELAY_DB_DSN"); v != "" {
		cfg.Memory.DSN = v
	}
	if v := os.Getenv("RELAY_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Defaults.Image = v
	}
	if v := os.Getenv("RELAY_SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("RELAY_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Memory.ContextBuilder.Strategy == "" {
		cfg.Memory.ContextBuilder.Strategy = "recent"
	}
	if cfg.Memory.ContextBuilder.MaxTokens <= 0 {
		cfg.Memory.ContextBuilder.MaxTokens = 8192
	}
	if cfg.Sandbox.Pool.MaxSize <= 0 {
		cfg.Sandbox.Pool.MaxSize = 5
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.MaxQueue <= 0 {
		cfg.Scheduler.MaxQueue = 1024
	}

	return cfg
}
