package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolcatalog/bus"
)

const instrumentationName = "github.com/petal-labs/toolcatalog"

// Config configures telemetry.
type Config struct {
	ServiceName string
	// OTLPEndpoint is a full URL such as http://localhost:4318. Empty keeps
	// spans in-process: trace ids are still stamped on events but nothing
	// is exported.
	OTLPEndpoint string
}

// Telemetry owns the providers and the handlers bound to them.
type Telemetry struct {
	Tracer  trace.Tracer
	Meter   metric.Meter
	Metrics *MetricsHandler
	Tracing *TracingHandler
	Fetch   *FetchObserver

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
}

// Setup builds tracer and meter providers and the catalog handlers.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "toolcatalog"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("otel: create otlp exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))

	tracer := tp.Tracer(instrumentationName)
	meter := mp.Meter(instrumentationName)

	metrics, err := NewMetricsHandler(meter)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	fetch, err := NewFetchObserver(meter, tracer)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}

	return &Telemetry{
		Tracer:         tracer,
		Meter:          meter,
		Metrics:        metrics,
		Tracing:        NewTracingHandler(tracer),
		Fetch:          fetch,
		tracerProvider: tp,
		meterProvider:  mp,
		reader:         reader,
	}, nil
}

// Handler returns the tracing and metrics handlers as one bus.Handler.
func (t *Telemetry) Handler() bus.Handler {
	return bus.MultiHandler(t.Tracing.Handle, t.Metrics.Handle)
}

// Decorate stamps events with the active span before passing them on.
func (t *Telemetry) Decorate(next bus.Handler) bus.Handler {
	return EnrichHandler(next, t.Tracing)
}

// CounterTotals collects every integer counter and sums its data points,
// keyed by instrument name.
func (t *Telemetry) CounterTotals(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("otel: collect metrics: %w", err)
	}
	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals, nil
}

// SortedNames returns the keys of totals in order, for stable printing.
func SortedNames(totals map[string]int64) []string {
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracerProvider.Shutdown(ctx), t.meterProvider.Shutdown(ctx))
}
