// Package observer provides OTEL-based observability for relay runs.
//
// It wraps the chat backend with an instrumented version and consumes
// the event bus to emit traces, metrics, and logs via OpenTelemetry.
// Users export to any OTEL-compatible backend by setting standard OTEL
// env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/relay"
)

const scopeName = "github.com/nevindra/relay/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage       metric.Int64Counter
	CostTotal        metric.Float64Counter
	LLMRequests      metric.Int64Counter
	ToolExecutions   metric.Int64Counter
	RunsStarted      metric.Int64Counter
	RunsFinished     metric.Int64Counter
	NodeExecutions   metric.Int64Counter
	SandboxFallbacks metric.Int64Counter
	Approvals        metric.Int64Counter

	// Histograms
	LLMDuration  metric.Float64Histogram
	NodeDuration metric.Float64Histogram

	Pricer relay.Pricer
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Pricing overrides merge into the default table for cost attribution.
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, pricing map[string]relay.ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("relay")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := NewInstruments(pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

// NewInstruments creates instruments against the global OTEL providers.
// Useful in tests with an in-memory provider already installed.
func NewInstruments(pricing map[string]relay.ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	runsStarted, err := meter.Int64Counter("run.started",
		metric.WithDescription("Runs started"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsFinished, err := meter.Int64Counter("run.finished",
		metric.WithDescription("Runs finished, by terminal status"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	nodeExecutions, err := meter.Int64Counter("workflow.node.executions",
		metric.WithDescription("Workflow node execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	sandboxFallbacks, err := meter.Int64Counter("sandbox.fallbacks",
		metric.WithDescription("Sandbox backend degradations"),
		metric.WithUnit("{fallback}"))
	if err != nil {
		return nil, err
	}

	approvals, err := meter.Int64Counter("approval.requests",
		metric.WithDescription("Human approval requests"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	nodeDuration, err := meter.Float64Histogram("workflow.node.duration",
		metric.WithDescription("Workflow node duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		Logger:           logger,
		TokenUsage:       tokenUsage,
		CostTotal:        costTotal,
		LLMRequests:      llmRequests,
		ToolExecutions:   toolExecutions,
		RunsStarted:      runsStarted,
		RunsFinished:     runsFinished,
		NodeExecutions:   nodeExecutions,
		SandboxFallbacks: sandboxFallbacks,
		Approvals:        approvals,
		LLMDuration:      llmDuration,
		NodeDuration:     nodeDuration,
		Pricer:           relay.NewTablePricer(pricing),
	}, nil
}
