package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolbridge/core"
)

// OpsObserver records registry and converter operation signals into
// OpenTelemetry: operation counters, per-item conversion errors, and
// latency against the advisory budgets.
type OpsObserver struct {
	tracer trace.Tracer

	registryOps metric.Int64Counter
	convertOps  metric.Int64Counter
	itemErrors  metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewOpsObserver creates an observer bound to the provided meter/tracer.
// The tracer may be nil; spans are then skipped.
func NewOpsObserver(meter metric.Meter, tracer trace.Tracer) (*OpsObserver, error) {
	registryOps, err := meter.Int64Counter(
		"toolbridge.registry.operations",
		metric.WithDescription("Number of schema registry operations"),
	)
	if err != nil {
		return nil, err
	}
	convertOps, err := meter.Int64Counter(
		"toolbridge.convert.operations",
		metric.WithDescription("Number of format conversion operations"),
	)
	if err != nil {
		return nil, err
	}
	itemErrors, err := meter.Int64Counter(
		"toolbridge.convert.item_errors",
		metric.WithDescription("Number of per-item conversion failures"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"toolbridge.op.latency",
		metric.WithDescription("Operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &OpsObserver{
		tracer:      tracer,
		registryOps: registryOps,
		convertOps:  convertOps,
		itemErrors:  itemErrors,
		latency:     latency,
	}, nil
}

// ObserveRegistry records one registry operation result.
func (o *OpsObserver) ObserveRegistry(op string, timing core.Timing, err error) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.Bool("success", err == nil),
		attribute.Bool("sla_miss", timing.TimedOut),
	}
	if code := core.ErrorCode(err); code != "" {
		attrs = append(attrs, attribute.String("error_code", code))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.registryOps.Add(ctx, 1, options)
	o.latency.Record(ctx, timing.Elapsed.Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "registry."+op, trace.WithAttributes(attrs...))
	if err != nil {
		span.SetStatus(codes.Error, core.ErrorCode(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveConversion records one bulk conversion result.
func (o *OpsObserver) ObserveConversion(direction string, converted, failed int, timing core.Timing) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("direction", direction),
		attribute.Bool("sla_miss", timing.TimedOut),
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.convertOps.Add(ctx, 1, options)
	o.latency.Record(ctx, timing.Elapsed.Seconds(), options)
	if failed > 0 {
		o.itemErrors.Add(ctx, int64(failed), options)
	}

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "convert."+direction, trace.WithAttributes(
		append(attrs,
			attribute.Int("converted", converted),
			attribute.Int("failed", failed),
		)...,
	))
	if failed > 0 {
		span.SetStatus(codes.Error, "partial conversion failure")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
