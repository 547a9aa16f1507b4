package bus

import (
	"slices"
	"sync"

	"github.com/petal-labs/toolbridge/state"
)

const (
	defaultBufferSize  = 256
	defaultRetainLimit = 256
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber
	// (default: 256).
	SubscriberBufferSize int

	// RetainLimit bounds the per-session replay window (default: 256).
	// Once full, the oldest retained events are discarded; a subscriber
	// whose FromSeq falls below the window simply replays what is left.
	RetainLimit int
}

// MemBus is an in-memory event bus. Delivery to each subscriber is
// best-effort: a full subscriber buffer drops events rather than
// blocking publishers.
type MemBus struct {
	mu       sync.Mutex
	subs     []*memSub
	retained map[string][]state.Event // sessionID -> recent events, Seq ascending
	bufSize  int
	retain   int
	closed   bool
}

// NewMemBus creates an in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	retain := config.RetainLimit
	if retain <= 0 {
		retain = defaultRetainLimit
	}
	return &MemBus{
		retained: make(map[string][]state.Event),
		bufSize:  bufSize,
		retain:   retain,
	}
}

// Publish appends the event to the session's replay window and delivers
// it to every matching subscriber. If the bus is closed, the event is
// silently dropped.
func (b *MemBus) Publish(event state.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	window := append(b.retained[event.SessionID], event)
	if overflow := len(window) - b.retain; overflow > 0 {
		window = window[overflow:]
	}
	b.retained[event.SessionID] = window

	for _, sub := range b.subs {
		if sub.matches(event) {
			sub.send(event)
		}
	}
}

// Subscribe registers a subscriber. When opts.FromSeq is set, retained
// events at or above the watermark are replayed into the subscription
// before it goes live, so no matching event between the watermark and
// "now" is missed.
func (b *MemBus) Subscribe(opts SubscribeOptions) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{
		opts: opts,
		ch:   make(chan state.Event, b.bufSize),
	}
	if opts.FromSeq > 0 && !b.closed {
		for _, event := range b.replayable(opts) {
			sub.send(event)
		}
	}
	b.subs = append(b.subs, sub)
	return sub
}

// replayable collects retained events matching opts, Seq ascending.
func (b *MemBus) replayable(opts SubscribeOptions) []state.Event {
	filter := &memSub{opts: opts}
	events := make([]state.Event, 0)
	if opts.SessionID != "" {
		for _, event := range b.retained[opts.SessionID] {
			if filter.matches(event) {
				events = append(events, event)
			}
		}
		return events
	}
	for _, window := range b.retained {
		for _, event := range window {
			if filter.matches(event) {
				events = append(events, event)
			}
		}
	}
	// Per-session windows are already ordered; merging sessions is not.
	slices.SortFunc(events, func(a, b state.Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	return events
}

// Close shuts down the bus, all active subscriptions, and the replay
// windows.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = nil
	b.retained = make(map[string][]state.Event)
	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	opts   SubscribeOptions
	ch     chan state.Event
	mu     sync.Mutex
	closed bool
}

// matches applies the subscription's filters to one event.
func (s *memSub) matches(event state.Event) bool {
	if s.opts.SessionID != "" && event.SessionID != s.opts.SessionID {
		return false
	}
	if s.opts.FromSeq > 0 && event.Seq < s.opts.FromSeq {
		return false
	}
	if s.opts.TerminalOnly && !event.To.Terminal() {
		return false
	}
	if len(s.opts.States) > 0 && !slices.Contains(s.opts.States, event.To) {
		return false
	}
	return true
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan state.Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel. If the channel
// is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event state.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- event:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
