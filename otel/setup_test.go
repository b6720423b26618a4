package otel_test

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/manifest"
	catalogotel "github.com/petal-labs/toolcatalog/otel"
)

func TestSetupWithoutExporterCountsEvents(t *testing.T) {
	ctx := context.Background()
	tel, err := catalogotel.Setup(ctx, catalogotel.Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer tel.Shutdown(ctx)

	var stamped bus.Event
	handler := tel.Decorate(bus.MultiHandler(tel.Handler(), func(e bus.Event) { stamped = e }))
	handler(sessionEvent(bus.EventSessionStarted, time.Now(), nil))
	handler(sessionEvent(bus.EventOutputLine, time.Now(), map[string]any{"stream": "stdout"}))
	handler(sessionEvent(bus.EventSessionFinished, time.Now(), map[string]any{"exit_code": 0}))

	if stamped.TraceID == "" {
		t.Error("events were not stamped with a trace id")
	}

	tel.Fetch.ObserveRead(manifest.ReadObservation{Kind: manifest.ReadKindManifest, Attempts: 1, Success: true})
	tel.Fetch.ObserveRetry(manifest.RetryObservation{Kind: manifest.ReadKindPayload, Attempt: 1})

	totals, err := tel.CounterTotals(ctx)
	if err != nil {
		t.Fatalf("CounterTotals: %v", err)
	}
	want := map[string]int64{
		"toolcatalog.session.count": 1,
		"toolcatalog.output.lines":  1,
		"toolcatalog.fetch.reads":   1,
		"toolcatalog.fetch.retries": 1,
	}
	for name, v := range want {
		if totals[name] != v {
			t.Errorf("%s = %d, want %d", name, totals[name], v)
		}
	}
	names := catalogotel.SortedNames(totals)
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}
