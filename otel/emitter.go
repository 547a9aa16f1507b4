package otel

import (
	"github.com/petal-labs/toolbridge/state"
)

// EnrichEmitter wraps an Emitter with OpenTelemetry trace context. When
// events are emitted, it looks up the active call span from the
// TracingHandler and populates the TraceID and SpanID fields on the event.
// When no span is active, the event passes through unchanged.
//
// The enriched emitter should sit upstream of the TracingHandler itself,
// so terminal events are stamped before their span is ended.
func EnrichEmitter(emit state.Emitter, tracing *TracingHandler) state.Emitter {
	return func(e state.Event) {
		if e.ToolCallID != "" {
			sc := tracing.ActiveCallSpanContext(e.ToolCallID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}
