package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/toolcatalog/bus"
)

// MetricsHandler translates catalog events into OpenTelemetry metrics.
// It records counters and histograms for sessions, downloads, refreshes and
// output volume.
type MetricsHandler struct {
	sessions        metric.Int64Counter
	sessionDuration metric.Float64Histogram
	downloads       metric.Int64Counter
	downloadBytes   metric.Int64Counter
	refreshes       metric.Int64Counter
	outputLines     metric.Int64Counter
	transitions     metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	sessions, err := meter.Int64Counter("toolcatalog.session.count",
		metric.WithDescription("Number of finished tool sessions"),
	)
	if err != nil {
		return nil, err
	}

	sessionDur, err := meter.Float64Histogram("toolcatalog.session.duration",
		metric.WithDescription("Wall time of tool sessions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	downloads, err := meter.Int64Counter("toolcatalog.download.count",
		metric.WithDescription("Number of payload downloads"),
	)
	if err != nil {
		return nil, err
	}

	downloadBytes, err := meter.Int64Counter("toolcatalog.download.bytes",
		metric.WithDescription("Bytes of payload written to the cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	refreshes, err := meter.Int64Counter("toolcatalog.refresh.count",
		metric.WithDescription("Number of manifest refreshes"),
	)
	if err != nil {
		return nil, err
	}

	outputLines, err := meter.Int64Counter("toolcatalog.output.lines",
		metric.WithDescription("Lines of tool output streamed"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("toolcatalog.status.transitions",
		metric.WithDescription("Number of tool status transitions"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		sessions:        sessions,
		sessionDuration: sessionDur,
		downloads:       downloads,
		downloadBytes:   downloadBytes,
		refreshes:       refreshes,
		outputLines:     outputLines,
		transitions:     transitions,
	}, nil
}

// Handle processes a catalog event and records the appropriate metrics.
// It has bus.Handler semantics.
func (h *MetricsHandler) Handle(e bus.Event) {
	ctx := context.Background()
	switch e.Kind {
	case bus.EventSessionFinished:
		h.handleSessionFinished(ctx, e)
	case bus.EventDownloadFinished:
		attrs := metric.WithAttributes(
			attribute.String("tool_id", e.ToolID),
			attribute.Bool("success", true),
		)
		h.downloads.Add(ctx, 1, attrs)
		if size, ok := e.Int("size"); ok {
			h.downloadBytes.Add(ctx, int64(size), metric.WithAttributes(attribute.String("tool_id", e.ToolID)))
		}
	case bus.EventDownloadFailed:
		h.downloads.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool_id", e.ToolID),
			attribute.Bool("success", false),
			attribute.String("error_code", e.String("error_code")),
		))
	case bus.EventRefreshCompleted:
		offline, _ := e.Payload["offline"].(bool)
		h.refreshes.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("success", true),
			attribute.Bool("offline", offline),
		))
	case bus.EventRefreshFailed:
		h.refreshes.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("success", false),
			attribute.String("error_code", e.String("error_code")),
		))
	case bus.EventOutputLine:
		h.outputLines.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool_id", e.ToolID),
			attribute.String("stream", e.String("stream")),
		))
	case bus.EventStatusChanged:
		h.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", e.String("to")),
		))
	}
}

// handleSessionFinished counts the session by outcome and records its duration.
func (h *MetricsHandler) handleSessionFinished(ctx context.Context, e bus.Event) {
	outcome := e.String("reason")
	if outcome == "" {
		outcome = "completed"
	}
	attrs := metric.WithAttributes(
		attribute.String("tool_id", e.ToolID),
		attribute.String("outcome", outcome),
	)
	h.sessions.Add(ctx, 1, attrs)
	if ms, ok := e.Int("duration_ms"); ok {
		h.sessionDuration.Record(ctx, (time.Duration(ms) * time.Millisecond).Seconds(), attrs)
	}
}
