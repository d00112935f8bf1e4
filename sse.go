package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeSSE streams bus events for one run as Server-Sent Events over
// HTTP. Each event is written as:
//
//	event: <event-type>
//	data: <json-encoded Event>
//
// An empty runID forwards every matching event. The stream ends with a
// final "done" event once the run reaches a terminal event, or when ctx
// is cancelled (client disconnect; callers typically pass r.Context()).
// An empty type list subscribes to all event types.
func ServeSSE(ctx context.Context, w http.ResponseWriter, bus *Bus, runID string, types ...EventType) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := bus.Subscribe(types...)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if runID != "" && ev.RunID != "" && ev.RunID != runID {
				continue
			}
			if err := WriteSSEEvent(w, string(ev.Type), ev); err != nil {
				return err
			}
			if ev.Type == EventRunCompleted || ev.Type == EventRunFailed {
				doneData, _ := json.Marshal(map[string]string{"run_id": ev.RunID})
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", doneData)
				flusher.Flush()
				return nil
			}
		}
	}
}

// WriteSSEEvent writes a single Server-Sent Event to w and flushes.
// eventType is the SSE event name; data is JSON-marshalled into the
// data field. Use this to compose custom SSE loops over a Subscription.
func WriteSSEEvent(w http.ResponseWriter, eventType string, data any) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, blob); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
