// Package state tracks the lifecycle of every in-flight tool call through
// an explicit state machine: a fixed transition table, timestamped
// entries, and transition events for downstream consumers.
package state

import (
	"time"
)

// Event is a structured, streamable record of one state transition.
// Events should be kept small; the full entry is available from the
// machine by id when a consumer needs more than the transition itself.
type Event struct {
	// SessionID is the session the tool call belongs to.
	SessionID string `json:"session_id"`

	// ToolCallID identifies the transitioned entry.
	ToolCallID string `json:"tool_call_id"`

	// FunctionName is the tool the call targets.
	FunctionName string `json:"function_name"`

	// From and To are the transition endpoints.
	From State `json:"from"`
	To   State `json:"to"`

	// Duration is the time spent in the prior state.
	Duration time.Duration `json:"duration"`

	// Success is false when To is failed or cancelled.
	Success bool `json:"success"`

	// Time is when the transition occurred.
	Time time.Time `json:"time"`

	// Seq is a monotonic sequence number per machine (1-indexed).
	Seq uint64 `json:"seq"`

	// TraceID and SpanID carry trace context when an observability
	// layer has an active span for the call. Empty otherwise.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// Emitter is a function type for emitting transition events.
type Emitter func(Event)

// Handler is a function type for handling events. Implementations can
// aggregate, store, or forward events as needed.
type Handler func(Event)

// MultiHandler combines multiple handlers into one.
func MultiHandler(handlers ...Handler) Handler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelHandler(ch chan<- Event) Handler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
