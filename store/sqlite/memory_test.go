package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/nevindra/relay"
)

func testMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := testStore(t)
	m := NewMemoryStore(s.DB())
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("memory Init: %v", err)
	}
	return m
}

func TestThreadLifecycle(t *testing.T) {
	m := testMemoryStore(t)
	ctx := context.Background()

	th, err := m.CreateThread(ctx, "agent-1", map[string]string{"channel": "cli"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if th.ID == "" {
		t.Fatal("expected generated thread ID")
	}

	got, err := m.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.AgentID != "agent-1" || got.Metadata["channel"] != "cli" {
		t.Errorf("unexpected thread: %+v", got)
	}

	if err := m.DeleteThread(ctx, th.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := m.GetThread(ctx, th.ID); err != relay.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Idempotent.
	if err := m.DeleteThread(ctx, th.ID); err != nil {
		t.Fatalf("second DeleteThread: %v", err)
	}
}

func TestAppendAndGetEntries(t *testing.T) {
	m := testMemoryStore(t)
	ctx := context.Background()

	th, _ := m.CreateThread(ctx, "agent-1", nil)

	if _, err := m.AppendEntry(ctx, "missing", relay.UserMessage("x"), nil, nil); err != relay.ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing thread, got %v", err)
	}

	for i := 0; i < 4; i++ {
		msg := relay.UserMessage(fmt.Sprintf("message %d", i))
		entry, err := m.AppendEntry(ctx, th.ID, msg, nil, nil)
		if err != nil {
			t.Fatalf("AppendEntry: %v", err)
		}
		if entry.TokenCount == 0 {
			t.Error("expected nonzero token count")
		}
	}

	entries, err := m.GetEntries(ctx, th.ID, relay.EntryQuery{})
	if err != nil {
		t.Fatalf("GetEntries: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i].CreatedAt.After(entries[i-1].CreatedAt) {
			t.Fatal("entries not in strictly increasing order")
		}
	}
	if entries[0].Message.Content != "message 0" {
		t.Errorf("expected chronological order, first was %q", entries[0].Message.Content)
	}

	// Limit returns the newest suffix, still oldest-first.
	last2, _ := m.GetEntries(ctx, th.ID, relay.EntryQuery{Limit: 2})
	if len(last2) != 2 || last2[0].Message.Content != "message 2" {
		t.Errorf("limit 2: expected [message 2, message 3], got %+v", last2)
	}
}

func TestAppendEntryToolBookkeeping(t *testing.T) {
	m := testMemoryStore(t)
	ctx := context.Background()

	th, _ := m.CreateThread(ctx, "agent-1", nil)

	calls := []relay.ToolCall{{ID: "call-1", Name: "search", Args: []byte(`{"q":"go"}`)}}
	msg := relay.Message{Role: relay.RoleAssistant, ToolCalls: calls}
	if _, err := m.AppendEntry(ctx, th.ID, msg, calls, nil); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	results := []relay.ToolCallResult{{CallID: "call-1", Name: "search", Result: "found"}}
	if _, err := m.AppendEntry(ctx, th.ID, relay.ToolResultMessage("call-1", "search", "found"), nil, results); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	entries, _ := m.GetEntries(ctx, th.ID, relay.EntryQuery{})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if len(entries[0].ToolCalls) != 1 || entries[0].ToolCalls[0].ID != "call-1" {
		t.Errorf("tool calls not persisted: %+v", entries[0].ToolCalls)
	}
	if len(entries[1].ToolResults) != 1 || entries[1].ToolResults[0].CallID != "call-1" {
		t.Errorf("tool results not persisted: %+v", entries[1].ToolResults)
	}
}

func TestProjectContextRecent(t *testing.T) {
	m := testMemoryStore(t)
	ctx := context.Background()

	th, _ := m.CreateThread(ctx, "agent-1", nil)
	// Each message is ~25 tokens with the len/4 approximation.
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	for i := 0; i < 6; i++ {
		m.AppendEntry(ctx, th.ID, relay.UserMessage(fmt.Sprintf("%d%s", i, long)), nil, nil)
	}

	msgs, err := m.ProjectContext(ctx, th.ID, relay.ContextBudget{MaxTokens: 60, Strategy: relay.StrategyRecent})
	if err != nil {
		t.Fatalf("ProjectContext: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages within budget, got %d", len(msgs))
	}
	if msgs[0].Content[0] != '4' || msgs[1].Content[0] != '5' {
		t.Errorf("expected newest suffix, got %q, %q", msgs[0].Content[:1], msgs[1].Content[:1])
	}

	// Zero budget projects nothing.
	none, _ := m.ProjectContext(ctx, th.ID, relay.ContextBudget{})
	if len(none) != 0 {
		t.Errorf("expected empty projection, got %d", len(none))
	}
}

func TestProjectContextKeepsToolPairs(t *testing.T) {
	m := testMemoryStore(t)
	ctx := context.Background()

	th, _ := m.CreateThread(ctx, "agent-1", nil)
	pad := make([]byte, 200)
	for i := range pad {
		pad[i] = 'x'
	}
	m.AppendEntry(ctx, th.ID, relay.UserMessage(string(pad)), nil, nil)
	calls := []relay.ToolCall{{ID: "c1", Name: "fetch", Args: []byte(`{}`)}}
	m.AppendEntry(ctx, th.ID, relay.Message{Role: relay.RoleAssistant, Content: string(pad), ToolCalls: calls}, calls, nil)
	m.AppendEntry(ctx, th.ID, relay.ToolResultMessage("c1", "fetch", "small"), nil, nil)

	// A budget that fits the tool result but not the assistant call
	// drops the orphaned result rather than blowing the budget on the
	// call; nothing survives.
	msgs, err := m.ProjectContext(ctx, th.ID, relay.ContextBudget{MaxTokens: 20, Strategy: relay.StrategyRecent})
	if err != nil {
		t.Fatalf("ProjectContext: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty projection, got %+v", msgs)
	}

	// With room for the whole pair, call and result survive together.
	msgs, err = m.ProjectContext(ctx, th.ID, relay.ContextBudget{MaxTokens: 60, Strategy: relay.StrategyRecent})
	if err != nil {
		t.Fatalf("ProjectContext: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected call and result, got %d messages", len(msgs))
	}
	if msgs[0].Role != relay.RoleAssistant || len(msgs[0].ToolCalls) != 1 {
		t.Errorf("projection must start at the tool call, got %+v", msgs[0])
	}
	if msgs[1].Role != relay.RoleTool {
		t.Errorf("expected the paired tool result, got %+v", msgs[1])
	}
}
