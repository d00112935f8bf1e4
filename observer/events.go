package observer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/nevindra/relay"
)

// EventObserver consumes the relay event bus and turns lifecycle events
// into OTEL metrics and logs. It observes what the engines publish
// rather than wrapping them, so one observer covers agent runs,
// workflow runs, tools, and sandbox degradations alike.
type EventObserver struct {
	inst *Instruments
	sub  *relay.Subscription
	done chan struct{}
}

// Watch subscribes to the bus and processes events until Close is
// called or the bus closes the subscription.
func Watch(bus *relay.Bus, inst *Instruments) *EventObserver {
	o := &EventObserver{
		inst: inst,
		sub:  bus.Subscribe(),
		done: make(chan struct{}),
	}
	go o.loop()
	return o
}

// Close stops the observer and releases its subscription.
func (o *EventObserver) Close() {
	o.sub.Unsubscribe()
	<-o.done
}

func (o *EventObserver) loop() {
	defer close(o.done)
	ctx := context.Background()
	for ev := range o.sub.C {
		o.handle(ctx, ev)
	}
}

func (o *EventObserver) handle(ctx context.Context, ev relay.Event) {
	switch ev.Type {
	case relay.EventRunStarted:
		o.inst.RunsStarted.Add(ctx, 1)

	case relay.EventRunCompleted:
		o.inst.RunsFinished.Add(ctx, 1, metric.WithAttributes(
			AttrRunStatus.String(string(relay.RunCompleted))))

	case relay.EventRunFailed:
		status := string(relay.RunFailed)
		if m, ok := ev.Payload.(map[string]any); ok {
			if s, ok := m["status"].(string); ok {
				status = s
			}
		}
		o.inst.RunsFinished.Add(ctx, 1, metric.WithAttributes(AttrRunStatus.String(status)))
		o.emitLog(ctx, otellog.SeverityWarn, "run finished without completing",
			otellog.String("run.id", ev.RunID),
			otellog.String("run.status", status),
			otellog.String("error", ev.Content))

	case relay.EventToolResult:
		status := "ok"
		name := ""
		if res, ok := ev.Payload.(relay.ToolCallResult); ok {
			name = res.Name
			if res.Error != "" {
				status = "error"
			}
		}
		o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(name), AttrToolStatus.String(status)))

	case relay.EventNodeCompleted:
		attrs := []attribute.KeyValue{AttrNodeName.String(ev.NodeID)}
		var durationMs float64
		failed := false
		if m, ok := ev.Payload.(map[string]any); ok {
			switch d := m["duration_ms"].(type) {
			case float64:
				durationMs = d
			case int64:
				durationMs = float64(d)
			}
			if e, ok := m["error"].(string); ok && e != "" {
				failed = true
			}
		}
		if failed {
			attrs = append(attrs, attribute.String("status", "error"))
		} else {
			attrs = append(attrs, attribute.String("status", "ok"))
		}
		o.inst.NodeExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
		if durationMs > 0 {
			o.inst.NodeDuration.Record(ctx, durationMs, metric.WithAttributes(
				AttrNodeName.String(ev.NodeID)))
		}

	case relay.EventSandboxFallback:
		attrs := []attribute.KeyValue{}
		if m, ok := ev.Payload.(map[string]any); ok {
			if v, ok := m["requested"].(string); ok {
				attrs = append(attrs, AttrSandboxRequested.String(v))
			}
			if v, ok := m["actual"].(string); ok {
				attrs = append(attrs, AttrSandboxActual.String(v))
			}
		}
		o.inst.SandboxFallbacks.Add(ctx, 1, metric.WithAttributes(attrs...))

	case relay.EventApprovalRequired, relay.EventApprovalRequested:
		o.inst.Approvals.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(ev.Type))))

	case relay.EventLogEntry:
		o.emitLog(ctx, otellog.SeverityInfo, ev.Content,
			otellog.String("run.id", ev.RunID))

	case relay.EventDropWarning:
		o.emitLog(ctx, otellog.SeverityWarn, "event subscriber overran",
			otellog.Int("dropped", ev.Dropped))
	}
}

func (o *EventObserver) emitLog(ctx context.Context, sev otellog.Severity, body string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	o.inst.Logger.Emit(ctx, rec)
}
