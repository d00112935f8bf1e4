package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nevindra/relay"
)

// fakeBackend returns a canned response and records the last request.
type fakeBackend struct {
	resp relay.ChatResponse
	err  error
	last relay.ChatRequest
}

func (f *fakeBackend) Chat(_ context.Context, req relay.ChatRequest) (relay.ChatResponse, error) {
	f.last = req
	return f.resp, f.err
}

func (f *fakeBackend) ChatStream(_ context.Context, req relay.ChatRequest, ch chan<- relay.StreamChunk) (relay.ChatResponse, error) {
	f.last = req
	for _, r := range f.resp.Content {
		ch <- relay.StreamChunk{Delta: string(r)}
	}
	close(ch)
	return f.resp, f.err
}

func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	// Global providers default to no-op; instruments still record safely.
	inst, err := NewInstruments(map[string]relay.ModelPricing{
		"test-model": {InputPerMillion: 1.0, OutputPerMillion: 2.0},
	})
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}
	return inst
}

func TestWrapBackendChat(t *testing.T) {
	inner := &fakeBackend{resp: relay.ChatResponse{
		Content:      "hello",
		FinishReason: relay.FinishStop,
		Usage:        relay.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	b := WrapBackend(inner, testInstruments(t))

	resp, err := b.Chat(context.Background(), relay.ChatRequest{Model: "test-model"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("expected inner response passthrough, got %q", resp.Content)
	}
	if inner.last.Model != "test-model" {
		t.Errorf("request not forwarded: %+v", inner.last)
	}
}

func TestWrapBackendChatError(t *testing.T) {
	wantErr := errors.New("provider down")
	b := WrapBackend(&fakeBackend{err: wantErr}, testInstruments(t))

	_, err := b.Chat(context.Background(), relay.ChatRequest{Model: "test-model"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected inner error, got %v", err)
	}
}

func TestWrapBackendStreamForwardsChunks(t *testing.T) {
	inner := &fakeBackend{resp: relay.ChatResponse{
		Content:      "abc",
		FinishReason: relay.FinishStop,
	}}
	b := WrapBackend(inner, testInstruments(t))

	ch := make(chan relay.StreamChunk, 16)
	resp, err := b.ChatStream(context.Background(), relay.ChatRequest{Model: "test-model"}, ch)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "abc" {
		t.Errorf("unexpected response: %+v", resp)
	}

	var got string
	for chunk := range ch {
		got += chunk.Delta
	}
	if got != "abc" {
		t.Errorf("expected all chunks forwarded, got %q", got)
	}
}

func TestPricerMergesOverrides(t *testing.T) {
	inst := testInstruments(t)

	cost := inst.Pricer.Cost("test-model", 1_000_000, 500_000)
	if cost != 2.0 {
		t.Errorf("expected 1.0 + 1.0 = 2.0, got %v", cost)
	}
	if c := inst.Pricer.Cost("unknown-model", 1000, 1000); c != 0 {
		t.Errorf("unknown model should cost 0, got %v", c)
	}
}

func TestEventObserverConsumesBus(t *testing.T) {
	bus := relay.NewBus()
	obs := Watch(bus, testInstruments(t))

	bus.Publish(relay.Event{Type: relay.EventRunStarted, RunID: "r1"})
	bus.Publish(relay.Event{Type: relay.EventToolResult, RunID: "r1",
		Payload: relay.ToolCallResult{CallID: "c1", Name: "search", Result: "ok"}})
	bus.Publish(relay.Event{Type: relay.EventNodeCompleted, RunID: "r1", NodeID: "extract",
		Payload: map[string]any{"duration_ms": float64(12)}})
	bus.Publish(relay.Event{Type: relay.EventSandboxFallback,
		Payload: map[string]any{"requested": "wasm", "actual": "native"}})
	bus.Publish(relay.Event{Type: relay.EventRunFailed, RunID: "r1", Content: "boom",
		Payload: map[string]any{"status": "failed"}})

	// Close drains the subscription; a hang here means the loop stalled.
	done := make(chan struct{})
	go func() {
		obs.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not shut down")
	}
}
