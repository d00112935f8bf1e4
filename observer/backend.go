package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/relay"
)

// ObservedBackend wraps any ChatBackend to emit OTEL spans, token and
// cost metrics, and structured logs for every model call.
type ObservedBackend struct {
	inner relay.ChatBackend
	inst  *Instruments
}

// WrapBackend returns an instrumented backend. Wrap before WithRetry so
// each retry attempt shows as its own span.
func WrapBackend(inner relay.ChatBackend, inst *Instruments) *ObservedBackend {
	return &ObservedBackend{inner: inner, inst: inst}
}

var _ relay.ChatBackend = (*ObservedBackend)(nil)

// Chat implements relay.ChatBackend.
func (o *ObservedBackend) Chat(ctx context.Context, req relay.ChatRequest) (relay.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMMethod.String("chat"),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)
	o.finish(ctx, span, req.Model, "chat", resp.Usage, time.Since(start), err)
	return resp, err
}

// ChatStream implements relay.ChatBackend, counting forwarded chunks.
func (o *ObservedBackend) ChatStream(ctx context.Context, req relay.ChatRequest, ch chan<- relay.StreamChunk) (relay.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMMethod.String("chat_stream"),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	mid := make(chan relay.StreamChunk, 64)
	done := make(chan struct{})
	var chunks int
	go func() {
		defer close(done)
		for chunk := range mid {
			chunks++
			ch <- chunk
		}
		close(ch)
	}()

	resp, err := o.inner.ChatStream(ctx, req, mid)
	<-done

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.finish(ctx, span, req.Model, "chat_stream", resp.Usage, time.Since(start), err)
	return resp, err
}

func (o *ObservedBackend) finish(ctx context.Context, span trace.Span, model, method string, usage relay.Usage, elapsed time.Duration, err error) {
	durationMs := float64(elapsed.Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	cost := o.inst.Pricer.Cost(model, usage.InputTokens, usage.OutputTokens)
	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	modelAttr := metric.WithAttributes(AttrLLMModel.String(model), attribute.String("status", status))
	o.inst.LLMRequests.Add(ctx, 1, modelAttr)
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(AttrLLMModel.String(model)))
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model), attribute.String("direction", "input")))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model), attribute.String("direction", "output")))
	if cost > 0 {
		o.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(AttrLLMModel.String(model)))
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.method", method),
		otellog.String("llm.status", status),
		otellog.Int("tokens.input", usage.InputTokens),
		otellog.Int("tokens.output", usage.OutputTokens),
		otellog.Float64("cost_usd", cost),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}
