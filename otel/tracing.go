// Package otel provides OpenTelemetry integration for tool-call
// transition events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolbridge/state"
)

// TracingHandler translates tool-call transition events into OpenTelemetry
// spans. A span opens when a call starts executing and closes on its
// terminal transition.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	callSpans map[string]trace.Span // tool call id -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from transition events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		callSpans: make(map[string]trace.Span),
	}
}

// Handle processes a transition event and creates or ends spans accordingly.
// It implements state.Handler semantics.
func (h *TracingHandler) Handle(e state.Event) {
	switch {
	case e.To == state.StateInProgress:
		h.handleCallStarted(e)
	case e.To.Terminal():
		h.handleCallFinished(e)
	}
}

// handleCallStarted opens a span for the executing call.
func (h *TracingHandler) handleCallStarted(e state.Event) {
	spanName := "call:" + e.FunctionName
	if e.FunctionName == "" {
		spanName = "call:" + e.ToolCallID
	}

	_, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("toolbridge.session_id", e.SessionID),
			attribute.String("toolbridge.tool_call_id", e.ToolCallID),
			attribute.String("toolbridge.function", e.FunctionName),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.callSpans[e.ToolCallID] = span
	h.mu.Unlock()
}

// handleCallFinished ends the call span with the terminal outcome. Calls
// cancelled before they started executing have no span to end.
func (h *TracingHandler) handleCallFinished(e state.Event) {
	h.mu.Lock()
	span, ok := h.callSpans[e.ToolCallID]
	if ok {
		delete(h.callSpans, e.ToolCallID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("toolbridge.outcome", string(e.To)),
		attribute.String("toolbridge.duration", e.Duration.String()),
	)
	if e.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "call "+string(e.To))
		span.RecordError(
			spanError("tool call "+e.ToolCallID+" "+string(e.To)),
			trace.WithTimestamp(e.Time),
		)
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveCallSpanContext returns the SpanContext for the active call span
// identified by toolCallID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveCallSpanContext(toolCallID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.callSpans[toolCallID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
