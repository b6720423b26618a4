package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"

	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/manifest"
	catalogotel "github.com/petal-labs/toolcatalog/otel"
)

func TestFetchObserver_RecordsReadsAndSpans(t *testing.T) {
	reader, mp := newTestMeter()
	exporter, tp := newTestTracer()
	obs, err := catalogotel.NewFetchObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewFetchObserver: %v", err)
	}

	obs.ObserveRead(manifest.ReadObservation{
		Kind:     manifest.ReadKindManifest,
		Location: "https://example.test/manifest.json",
		Attempts: 1,
		Bytes:    512,
		Duration: 20 * time.Millisecond,
		Success:  true,
	})
	obs.ObserveRead(manifest.ReadObservation{
		Kind:      manifest.ReadKindPayload,
		Location:  "https://example.test/payloads/a.sh",
		Attempts:  3,
		Success:   false,
		ErrorCode: catalog.CodeNetwork,
	})
	obs.ObserveRetry(manifest.RetryObservation{Kind: manifest.ReadKindPayload, Attempt: 1, ErrorCode: catalog.CodeNetwork})
	obs.ObserveRetry(manifest.RetryObservation{Kind: manifest.ReadKindPayload, Attempt: 2, ErrorCode: catalog.CodeNetwork})

	rm := collectMetrics(t, reader)
	if got := sumOf(t, rm, "toolcatalog.fetch.reads"); got != 2 {
		t.Errorf("fetch.reads = %d, want 2", got)
	}
	if got := sumOf(t, rm, "toolcatalog.fetch.retries"); got != 2 {
		t.Errorf("fetch.retries = %d, want 2", got)
	}
	if findMetric(rm, "toolcatalog.fetch.latency") == nil {
		t.Error("toolcatalog.fetch.latency metric not found")
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "fetch.manifest" || spans[0].Status.Code != otelcodes.Ok {
		t.Errorf("first span = %s %v", spans[0].Name, spans[0].Status)
	}
	if spans[1].Name != "fetch.payload" || spans[1].Status.Code != otelcodes.Error {
		t.Errorf("second span = %s %v", spans[1].Name, spans[1].Status)
	}
}

func TestFetchObserver_NilIsSafe(t *testing.T) {
	var obs *catalogotel.FetchObserver
	obs.ObserveRead(manifest.ReadObservation{Kind: manifest.ReadKindManifest})
	obs.ObserveRetry(manifest.RetryObservation{Kind: manifest.ReadKindManifest})
}
