package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/toolcatalog/bus"
	catalogotel "github.com/petal-labs/toolcatalog/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	data, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", m.Data)
	}
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsHandler_SessionFinishedCountsAndRecordsDuration(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := catalogotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	now := time.Now()
	h.Handle(bus.Event{
		Kind:      bus.EventSessionFinished,
		ToolID:    "disk-cleanup",
		SessionID: "s-1",
		Time:      now,
		Payload:   map[string]any{"exit_code": 0, "duration_ms": int64(1500)},
	})
	h.Handle(bus.Event{
		Kind:      bus.EventSessionFinished,
		ToolID:    "disk-cleanup",
		SessionID: "s-2",
		Time:      now,
		Payload:   map[string]any{"exit_code": -1, "reason": "cancelled", "duration_ms": float64(100)},
	})

	rm := collectMetrics(t, reader)

	sessions := findMetric(rm, "toolcatalog.session.count")
	if sessions == nil {
		t.Fatal("toolcatalog.session.count metric not found")
	}
	sumData := sessions.Data.(metricdata.Sum[int64])
	// One data point per outcome.
	if len(sumData.DataPoints) != 2 {
		t.Fatalf("expected 2 data points, got %d", len(sumData.DataPoints))
	}

	dur := findMetric(rm, "toolcatalog.session.duration")
	if dur == nil {
		t.Fatal("toolcatalog.session.duration metric not found")
	}
	histData, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64] data, got %T", dur.Data)
	}
	var count uint64
	for _, dp := range histData.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("expected 2 histogram observations, got %d", count)
	}
}

func TestMetricsHandler_DownloadsAndBytes(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := catalogotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(bus.NewEvent(bus.EventDownloadFinished, "disk-cleanup").WithPayload("size", 2048))
	h.Handle(bus.NewEvent(bus.EventDownloadFailed, "dns-flush").WithPayload("error_code", "NETWORK_ERROR"))

	rm := collectMetrics(t, reader)
	if got := sumOf(t, rm, "toolcatalog.download.count"); got != 2 {
		t.Errorf("download.count = %d, want 2", got)
	}
	if got := sumOf(t, rm, "toolcatalog.download.bytes"); got != 2048 {
		t.Errorf("download.bytes = %d, want 2048", got)
	}
}

func TestMetricsHandler_RefreshOutputAndTransitions(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := catalogotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(bus.NewEvent(bus.EventRefreshCompleted, "").WithPayload("offline", true))
	h.Handle(bus.NewEvent(bus.EventRefreshFailed, "").WithPayload("error_code", "VALIDATION_ERROR"))
	for i := 0; i < 3; i++ {
		h.Handle(bus.NewEvent(bus.EventOutputLine, "disk-cleanup").WithPayload("stream", "stdout"))
	}
	h.Handle(bus.NewEvent(bus.EventStatusChanged, "disk-cleanup").WithPayload("to", "running"))

	rm := collectMetrics(t, reader)
	if got := sumOf(t, rm, "toolcatalog.refresh.count"); got != 2 {
		t.Errorf("refresh.count = %d, want 2", got)
	}
	if got := sumOf(t, rm, "toolcatalog.output.lines"); got != 3 {
		t.Errorf("output.lines = %d, want 3", got)
	}
	if got := sumOf(t, rm, "toolcatalog.status.transitions"); got != 1 {
		t.Errorf("status.transitions = %d, want 1", got)
	}
}

func TestMetricsHandler_IgnoresUnrelatedEvents(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := catalogotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(bus.NewEvent(bus.EventSessionStarted, "disk-cleanup"))
	h.Handle(bus.NewEvent(bus.EventDownloadStarted, "disk-cleanup"))

	rm := collectMetrics(t, reader)
	if m := findMetric(rm, "toolcatalog.session.count"); m != nil {
		t.Errorf("unexpected session metric: %+v", m)
	}
}
