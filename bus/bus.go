// Package bus distributes tool-call transition events to subscribers.
// Observers such as trackers, checkpointers, and monitoring systems
// subscribe to the slice of the lifecycle they care about (one session,
// terminal outcomes only, specific landing states) without coupling to
// the state machine itself. A bounded per-session replay window lets a
// consumer that reconnects after a checkpoint resume from the sequence
// number it last processed.
package bus

import "github.com/petal-labs/toolbridge/state"

// EventBus distributes transition events to subscribers.
type EventBus interface {
	// Publish sends an event to every subscriber whose options match it
	// and appends it to the session's replay window.
	Publish(event state.Event)

	// Subscribe registers a subscriber. Returns a Subscription that must
	// be closed when done.
	Subscribe(opts SubscribeOptions) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan state.Event

	// Close unsubscribes and releases resources.
	Close() error
}

// SubscribeOptions narrow which transitions a subscriber receives. The
// zero value receives every event from every session, live only.
type SubscribeOptions struct {
	// SessionID restricts delivery to one session. Empty means all.
	SessionID string

	// States restricts delivery to transitions landing in these states.
	// Empty means all states.
	States []state.State

	// TerminalOnly restricts delivery to completed, failed, and
	// cancelled transitions. Composes with States.
	TerminalOnly bool

	// FromSeq is a sequence watermark: retained events with Seq >=
	// FromSeq are replayed into the subscription before live delivery,
	// and live events below the watermark are skipped. Zero disables
	// replay.
	FromSeq uint64
}
