package relay

import (
	"testing"
	"time"
)

func TestNewAgentDefaults(t *testing.T) {
	a := NewAgent("helper", WithModel("gpt-4o-mini"))
	if a.Name() != "helper" {
		t.Errorf("expected name helper, got %s", a.Name())
	}
	if a.MaxIterations() != DefaultMaxIterations {
		t.Errorf("expected default iterations, got %d", a.MaxIterations())
	}
	if a.Timeout() != DefaultAgentTimeout {
		t.Errorf("expected default timeout, got %s", a.Timeout())
	}
	if !a.MemoryEnabled() {
		t.Error("memory should be on by default")
	}
}

func TestAgentOptions(t *testing.T) {
	a := NewAgent("helper",
		WithModel("gpt-4o"),
		WithInstructions("be brief"),
		WithTools("search", "calc", "search"),
		WithMaxIterations(3),
		WithTimeout(time.Minute),
		WithoutMemory(),
	)
	if a.Model() != "gpt-4o" || a.Instructions() != "be brief" {
		t.Errorf("unexpected agent: %s %s", a.Model(), a.Instructions())
	}
	tools := a.Tools()
	if len(tools) != 2 || tools[0] != "search" || tools[1] != "calc" {
		t.Errorf("duplicate tool grant not deduped: %v", tools)
	}
	if a.MaxIterations() != 3 || a.Timeout() != time.Minute {
		t.Errorf("limits not applied: %d %s", a.MaxIterations(), a.Timeout())
	}
	if a.MemoryEnabled() {
		t.Error("memory should be off")
	}
}

func TestAgentWithIsImmutable(t *testing.T) {
	orig := NewAgent("helper", WithModel("gpt-4o"), WithTools("search"))
	mod := orig.With(WithModel("gpt-4o-mini"), WithTools("calc"))

	if orig.Model() != "gpt-4o" {
		t.Errorf("original mutated: %s", orig.Model())
	}
	if len(orig.Tools()) != 1 {
		t.Errorf("original tools mutated: %v", orig.Tools())
	}
	if mod.Model() != "gpt-4o-mini" || len(mod.Tools()) != 2 {
		t.Errorf("copy not updated: %s %v", mod.Model(), mod.Tools())
	}
}

func TestAgentToolsReturnsCopy(t *testing.T) {
	a := NewAgent("helper", WithModel("m"), WithTools("search"))
	got := a.Tools()
	got[0] = "tampered"
	if a.Tools()[0] != "search" {
		t.Error("Tools() must return a defensive copy")
	}
}

func TestAgentValidate(t *testing.T) {
	if err := NewAgent("", WithModel("m")).Validate(); err == nil {
		t.Error("expected error for missing name")
	}
	if err := NewAgent("a").Validate(); err == nil {
		t.Error("expected error for missing model")
	}
	if err := NewAgent("a", WithModel("m"), WithMaxIterations(-1)).Validate(); err == nil {
		t.Error("expected error for negative iterations")
	}
	if err := NewAgent("a", WithModel("m")).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
