// Package sse provides a Server-Sent Events handler for streaming catalog
// events of one tool to HTTP clients. It replays journaled events and then
// follows live events from the event bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/toolcatalog/bus"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable representation of a catalog event sent
// over the SSE stream.
type sseEvent struct {
	Kind      string         `json:"kind"`
	ToolID    string         `json:"tool_id"`
	SessionID string         `json:"session_id,omitempty"`
	Time      time.Time      `json:"time"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func toSSEEvent(e bus.Event) sseEvent {
	return sseEvent{
		Kind:      string(e.Kind),
		ToolID:    e.ToolID,
		SessionID: e.SessionID,
		Time:      e.Time,
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// Option configures an SSEHandler.
type Option func(*SSEHandler)

// WithHeartbeat overrides HeartbeatInterval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *SSEHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// SSEHandler serves an SSE stream of catalog events for a given tool.
// It first replays stored events from the EventStore, then subscribes to live
// events via the EventBus. Duplicate events (by sequence number) are skipped.
//
// The handler expects a "tool_id" path value and accepts two optional query
// parameters: "after", the last-seen sequence number, and "until=finished",
// which ends the stream after the next session.finished event.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every heartbeat interval.
type SSEHandler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSEHandler with the given EventStore and
// EventBus. A nil store disables replay.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus, opts ...Option) *SSEHandler {
	h := &SSEHandler{
		store:     store,
		bus:       eb,
		heartbeat: HeartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler. It streams events for the tool
// identified by the "tool_id" path value.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("tool_id")
	if toolID == "" {
		http.Error(w, "missing tool_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Parse optional ?after= cursor.
	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}
	untilFinished := false
	switch until := r.URL.Query().Get("until"); until {
	case "":
	case "finished":
		untilFinished = true
	default:
		http.Error(w, "invalid until parameter", http.StatusBadRequest)
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe to live events before replaying stored events, to avoid
	// missing events that arrive between replay and subscription.
	sub := h.bus.Subscribe(toolID)
	defer sub.Close()

	// Phase 1: Replay stored events.
	lastSeq := afterSeq
	finished, err := h.replayStored(ctx, w, flusher, toolID, afterSeq, &lastSeq, untilFinished)
	if err != nil || finished {
		return
	}

	// Phase 2: Stream live events with heartbeat.
	h.streamLive(ctx, w, flusher, sub, &lastSeq, untilFinished)
}

// replayStored replays events from the store, writing them to the SSE stream.
// It returns true if the stream should close.
func (h *SSEHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	toolID string,
	afterSeq uint64,
	lastSeq *uint64,
	untilFinished bool,
) (finished bool, err error) {
	if h.store == nil {
		return false, nil
	}
	events, err := h.store.List(ctx, toolID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err := writeSSEEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}

		if untilFinished && evt.Kind == bus.EventSessionFinished {
			return true, nil
		}
	}

	return false, nil
}

// streamLive streams events from the live subscription, deduplicating against
// already-sent sequence numbers.
func (h *SSEHandler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
	untilFinished bool,
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				// Subscription closed.
				return
			}

			// Dedup: skip events already sent during replay.
			if evt.Seq <= *lastSeq {
				continue
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

			*lastSeq = evt.Seq

			if untilFinished && evt.Kind == bus.EventSessionFinished {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt bus.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
