package otel

import (
	"github.com/petal-labs/toolcatalog/bus"
)

// EnrichHandler wraps a handler with OpenTelemetry trace context.
// Session events pick up the active session span; other tool events fall
// back to an active download span. When no span is active, the event
// passes through unchanged.
func EnrichHandler(next bus.Handler, tracing *TracingHandler) bus.Handler {
	return func(e bus.Event) {
		if e.SessionID != "" {
			sc := tracing.ActiveSessionSpanContext(e.SessionID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.ToolID != "" {
			sc := tracing.ActiveDownloadSpanContext(e.ToolID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		next(e)
	}
}
