package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedBackend returns queued responses in order. An entry with a
// non-nil err fails that attempt.
type scriptedBackend struct {
	script []scriptedTurn
	calls  int
	reqs   []ChatRequest
}

type scriptedTurn struct {
	resp ChatResponse
	err  error
	// chunks are streamed before the error (if any) on ChatStream.
	chunks []StreamChunk
}

func (b *scriptedBackend) next() scriptedTurn {
	if b.calls > len(b.script) {
		return scriptedTurn{err: errors.New("script exhausted")}
	}
	return b.script[b.calls-1]
}

func (b *scriptedBackend) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	b.calls++
	b.reqs = append(b.reqs, req)
	turn := b.next()
	return turn.resp, turn.err
}

func (b *scriptedBackend) ChatStream(_ context.Context, req ChatRequest, ch chan<- StreamChunk) (ChatResponse, error) {
	b.calls++
	b.reqs = append(b.reqs, req)
	turn := b.next()
	for _, c := range turn.chunks {
		ch <- c
	}
	close(ch)
	return turn.resp, turn.err
}

func transientErr() error {
	return &BackendError{Provider: "fake", Message: "rate limited", Transient: true}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	inner := &scriptedBackend{script: []scriptedTurn{
		{err: transientErr()},
		{err: transientErr()},
		{resp: ChatResponse{Content: "ok", FinishReason: FinishStop}},
	}}
	b := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	resp, err := b.Chat(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	inner := &scriptedBackend{script: []scriptedTurn{
		{err: transientErr()},
		{err: transientErr()},
	}}
	b := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	_, err := b.Chat(context.Background(), ChatRequest{})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestRetryNonTransientNotRetried(t *testing.T) {
	inner := &scriptedBackend{script: []scriptedTurn{
		{err: &BackendError{Provider: "fake", Message: "invalid request"}},
	}}
	b := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	if _, err := b.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("non-transient error retried: %d attempts", inner.calls)
	}
}

func TestRetryStreamRetriesBeforeFirstChunk(t *testing.T) {
	inner := &scriptedBackend{script: []scriptedTurn{
		{err: transientErr()},
		{chunks: []StreamChunk{{Delta: "a"}, {Delta: "b"}}, resp: ChatResponse{Content: "ab", FinishReason: FinishStop}},
	}}
	b := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamChunk, 16)
	resp, err := b.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ab" {
		t.Errorf("unexpected response: %+v", resp)
	}
	var got string
	for c := range ch {
		got += c.Delta
	}
	if got != "ab" {
		t.Errorf("unexpected stream content: %q", got)
	}
	if inner.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestRetryStreamNoRetryAfterChunk(t *testing.T) {
	inner := &scriptedBackend{script: []scriptedTurn{
		{chunks: []StreamChunk{{Delta: "partial"}}, err: transientErr()},
	}}
	b := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamChunk, 16)
	_, err := b.ChatStream(context.Background(), ChatRequest{}, ch)
	if err == nil {
		t.Fatal("expected the transient error to surface")
	}
	if inner.calls != 1 {
		t.Errorf("stream retried after forwarding a chunk: %d attempts", inner.calls)
	}
}

func TestRetryBackoffGrows(t *testing.T) {
	base := 10 * time.Millisecond
	for i := 0; i < 3; i++ {
		d := retryBackoff(base, i)
		exp := base * (1 << i)
		if d < exp || d > exp+exp/2 {
			t.Errorf("retry %d: delay %s outside [%s, %s]", i, d, exp, exp+exp/2)
		}
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	cases := map[string]FinishReason{
		"":              FinishStop,
		"stop":          FinishStop,
		"end_turn":      FinishStop,
		"STOP":          FinishStop,
		"tool_calls":    FinishToolCalls,
		"tool-calls":    FinishToolCalls,
		"tool_use":      FinishToolCalls,
		"function_call": FinishToolCalls,
		"length":        FinishLength,
		"max_tokens":    FinishLength,
		"MAX_TOKENS":    FinishLength,
		"content_filter": FinishError,
	}
	for raw, want := range cases {
		if got := NormalizeFinishReason(raw); got != want {
			t.Errorf("%q: expected %s, got %s", raw, want, got)
		}
	}
}
