// Package otel provides OpenTelemetry integration for catalog events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolcatalog/bus"
)

// TracingHandler translates catalog events into OpenTelemetry spans.
// Sessions and downloads become spans that start and end with their events;
// status transitions are recorded as span events on the active session.
type TracingHandler struct {
	tracer trace.Tracer

	mu            sync.RWMutex
	sessionSpans  map[string]trace.Span // sessionID -> span
	downloadSpans map[string]trace.Span // toolID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from catalog events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:        tracer,
		sessionSpans:  make(map[string]trace.Span),
		downloadSpans: make(map[string]trace.Span),
	}
}

// Handle processes a catalog event and creates or ends spans accordingly.
// It has bus.Handler semantics.
func (h *TracingHandler) Handle(e bus.Event) {
	switch e.Kind {
	case bus.EventSessionStarted:
		h.handleSessionStarted(e)
	case bus.EventSessionFinished:
		h.handleSessionFinished(e)
	case bus.EventStatusChanged:
		h.handleStatusChanged(e)
	case bus.EventDownloadStarted:
		h.handleDownloadStarted(e)
	case bus.EventDownloadFinished, bus.EventDownloadFailed:
		h.handleDownloadEnded(e)
	case bus.EventRefreshCompleted, bus.EventRefreshFailed:
		h.handleRefresh(e)
	}
}

// handleSessionStarted opens a span covering the session.
func (h *TracingHandler) handleSessionStarted(e bus.Event) {
	if e.SessionID == "" {
		return
	}
	_, span := h.tracer.Start(context.Background(), "session:"+e.ToolID,
		trace.WithAttributes(
			attribute.String("toolcatalog.tool_id", e.ToolID),
			attribute.String("toolcatalog.session_id", e.SessionID),
			attribute.String("toolcatalog.version", e.String("version")),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.sessionSpans[e.SessionID] = span
	h.mu.Unlock()
}

// handleSessionFinished ends the session span with the session outcome.
func (h *TracingHandler) handleSessionFinished(e bus.Event) {
	h.mu.Lock()
	span, ok := h.sessionSpans[e.SessionID]
	if ok {
		delete(h.sessionSpans, e.SessionID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	reason := e.String("reason")
	if code, found := e.Int("exit_code"); found {
		span.SetAttributes(attribute.Int("toolcatalog.exit_code", code))
	}
	if reason != "" {
		span.SetAttributes(attribute.String("toolcatalog.reason", reason))
		detail := e.String("detail")
		if detail == "" {
			detail = reason
		}
		span.SetStatus(codes.Error, detail)
		span.RecordError(spanError(detail), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleStatusChanged adds a span event to the active session, if any.
func (h *TracingHandler) handleStatusChanged(e bus.Event) {
	if e.SessionID == "" {
		return
	}
	h.mu.RLock()
	span, ok := h.sessionSpans[e.SessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.String("toolcatalog.from", e.String("from")),
		attribute.String("toolcatalog.to", e.String("to")),
	))
}

// handleDownloadStarted opens a span covering a payload download.
func (h *TracingHandler) handleDownloadStarted(e bus.Event) {
	_, span := h.tracer.Start(context.Background(), "download:"+e.ToolID,
		trace.WithAttributes(
			attribute.String("toolcatalog.tool_id", e.ToolID),
			attribute.String("toolcatalog.version", e.String("version")),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	if previous, ok := h.downloadSpans[e.ToolID]; ok {
		previous.End(trace.WithTimestamp(e.Time))
	}
	h.downloadSpans[e.ToolID] = span
	h.mu.Unlock()
}

// handleDownloadEnded ends the download span.
func (h *TracingHandler) handleDownloadEnded(e bus.Event) {
	h.mu.Lock()
	span, ok := h.downloadSpans[e.ToolID]
	if ok {
		delete(h.downloadSpans, e.ToolID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if e.Kind == bus.EventDownloadFailed {
		msg := e.String("error")
		if msg == "" {
			msg = "download failed"
		}
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	} else {
		if size, found := e.Int("size"); found {
			span.SetAttributes(attribute.Int("toolcatalog.size", size))
		}
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleRefresh records a refresh as a point-in-time span.
func (h *TracingHandler) handleRefresh(e bus.Event) {
	_, span := h.tracer.Start(context.Background(), "refresh",
		trace.WithTimestamp(e.Time),
	)
	if offline, ok := e.Payload["offline"].(bool); ok {
		span.SetAttributes(attribute.Bool("toolcatalog.offline", offline))
	}
	if tools, ok := e.Int("tools"); ok {
		span.SetAttributes(attribute.Int("toolcatalog.tools", tools))
	}
	if e.Kind == bus.EventRefreshFailed {
		span.SetStatus(codes.Error, e.String("error"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSessionSpanContext returns the SpanContext of the session span for
// sessionID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSessionSpanContext(sessionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.sessionSpans[sessionID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveDownloadSpanContext returns the SpanContext of the download span for
// toolID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveDownloadSpanContext(toolID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.downloadSpans[toolID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
