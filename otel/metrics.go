package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/toolbridge/state"
)

// MetricsHandler translates tool-call transition events into OpenTelemetry
// metrics. It records counters for transitions and failures and a histogram
// for call durations.
type MetricsHandler struct {
	transitions  metric.Int64Counter
	failures     metric.Int64Counter
	callDuration metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording tool-call metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	transitions, err := meter.Int64Counter("toolbridge.call.transitions",
		metric.WithDescription("Number of tool-call state transitions"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("toolbridge.call.failures",
		metric.WithDescription("Number of tool calls that ended failed or cancelled"),
	)
	if err != nil {
		return nil, err
	}

	callDur, err := meter.Float64Histogram("toolbridge.call.duration",
		metric.WithDescription("Execution duration of finished tool calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		transitions:  transitions,
		failures:     failures,
		callDuration: callDur,
	}, nil
}

// Handle processes a transition event and records the appropriate metrics.
// It implements state.Handler semantics.
func (h *MetricsHandler) Handle(e state.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("function", e.FunctionName),
		attribute.String("from", string(e.From)),
		attribute.String("to", string(e.To)),
	)
	h.transitions.Add(ctx, 1, attrs)

	if !e.To.Terminal() {
		return
	}

	terminalAttrs := metric.WithAttributes(
		attribute.String("function", e.FunctionName),
		attribute.String("outcome", string(e.To)),
	)
	h.callDuration.Record(ctx, e.Duration.Seconds(), terminalAttrs)
	if !e.Success {
		h.failures.Add(ctx, 1, terminalAttrs)
	}
}
