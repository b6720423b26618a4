package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolcatalog/manifest"
)

// FetchObserver records manifest and payload reads into OpenTelemetry. It
// satisfies manifest.ReadObserver.
type FetchObserver struct {
	tracer trace.Tracer

	reads   metric.Int64Counter
	retries metric.Int64Counter
	latency metric.Float64Histogram
}

// NewFetchObserver creates a fetch observer bound to the provided meter and
// tracer. A nil tracer disables spans.
func NewFetchObserver(meter metric.Meter, tracer trace.Tracer) (*FetchObserver, error) {
	reads, err := meter.Int64Counter(
		"toolcatalog.fetch.reads",
		metric.WithDescription("Number of manifest and payload reads"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"toolcatalog.fetch.retries",
		metric.WithDescription("Number of read retry attempts"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"toolcatalog.fetch.latency",
		metric.WithDescription("Read latency in seconds, including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &FetchObserver{
		tracer:  tracer,
		reads:   reads,
		retries: retries,
		latency: latency,
	}, nil
}

// ObserveRead records one completed read.
func (o *FetchObserver) ObserveRead(observation manifest.ReadObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", observation.Kind),
		attribute.Bool("success", observation.Success),
		attribute.Int("attempts", observation.Attempts),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.reads.Add(ctx, 1, options)
	o.latency.Record(ctx, observation.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "fetch."+observation.Kind, trace.WithAttributes(
		append(attrs,
			attribute.String("location", observation.Location),
			attribute.Int("bytes", observation.Bytes),
		)...,
	))
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveRetry records one retry attempt.
func (o *FetchObserver) ObserveRetry(observation manifest.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", observation.Kind),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

var _ manifest.ReadObserver = (*FetchObserver)(nil)
