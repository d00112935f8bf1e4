package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// FinishReason is the canonical reason a chat completion ended.
// Backend adapters must normalise provider spellings (e.g. "tool-calls")
// with NormalizeFinishReason before returning; the engine only ever
// sees canonical values.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// NormalizeFinishReason maps provider finish-reason spellings onto the
// canonical set. Unknown non-empty values map to FinishError; empty maps
// to FinishStop.
func NormalizeFinishReason(raw string) FinishReason {
	switch raw {
	case "", "stop", "end_turn", "STOP":
		return FinishStop
	case "tool_calls", "tool-calls", "tool_use", "function_call":
		return FinishToolCalls
	case "length", "max_tokens", "MAX_TOKENS":
		return FinishLength
	default:
		return FinishError
	}
}

// ChatRequest is the model-call input assembled by the engine.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// ChatResponse is a completed model call.
type ChatResponse struct {
	ID           string
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// StreamChunk is one increment of a streaming model call. FinishReason
// and Usage are set on the final chunk only.
type StreamChunk struct {
	ID           string
	Delta        string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        *Usage
}

// ChatBackend is the LLM capability the engine consumes. Adapters for
// concrete providers live outside the core. Both calls must honour
// ctx cancellation promptly.
type ChatBackend interface {
	// Chat performs a blocking completion.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream performs a streaming completion, sending chunks on ch.
	// The backend closes ch when the stream ends and returns the
	// assembled final response.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) (ChatResponse, error)
}

// --- Retry wrapper ---

// retryBackend wraps a ChatBackend and retries transient provider
// failures with exponential backoff plus jitter. Streaming calls retry
// only while no chunk has been forwarded, to avoid duplicate content.
type retryBackend struct {
	inner       ChatBackend
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryBackend)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryBackend) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay (default: 1s). Each
// subsequent delay doubles, with up to 50% random jitter added.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryBackend) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryBackend) { r.logger = l }
}

// WithRetry wraps a backend with automatic retry on transient failures.
// A failure is transient when it is a *BackendError with Transient set.
func WithRetry(b ChatBackend, opts ...RetryOption) ChatBackend {
	r := &retryBackend{
		inner:       b,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryBackend) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("backend: retrying transient error", "attempt", i+1, "max_attempts", r.maxAttempts, "error", err)
		if i < r.maxAttempts-1 {
			if err := sleepCtx(ctx, retryBackoff(r.baseDelay, i)); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	r.logger.Error("backend: all retry attempts exhausted", "attempts", r.maxAttempts, "error", last)
	return ChatResponse{}, last
}

func (r *retryBackend) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) (ChatResponse, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan StreamChunk, 64)
		var (
			resp ChatResponse
			serr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, serr = r.inner.ChatStream(ctx, req, mid)
		}()

		var forwarded bool
		for chunk := range mid {
			forwarded = true
			ch <- chunk
		}
		<-done

		if serr == nil || !isTransient(serr) || forwarded {
			close(ch)
			return resp, serr
		}
		last = serr
		r.logger.Warn("backend: retrying transient error (stream)", "attempt", i+1, "max_attempts", r.maxAttempts, "error", serr)
		if i < r.maxAttempts-1 {
			if err := sleepCtx(ctx, retryBackoff(r.baseDelay, i)); err != nil {
				close(ch)
				return ChatResponse{}, err
			}
		}
	}
	close(ch)
	return ChatResponse{}, last
}

// isTransient reports whether err is a retryable backend failure.
func isTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
