// Package track aggregates tool-call activity into queryable metrics:
// outcome counts, success rates, rolling duration averages, and
// concurrency peaks, sliced per session and per function.
package track

import (
	"sync"
	"time"

	"github.com/petal-labs/toolbridge/state"
)

// DefaultWindowSize bounds the rolling duration average.
const DefaultWindowSize = 50

// Stats is a point-in-time aggregate view. All fields are copies; callers
// may retain them freely.
type Stats struct {
	Created   int `json:"created"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// InFlight counts calls created but not yet terminal. PeakInFlight is
	// the high-water mark since tracking began.
	InFlight     int `json:"in_flight"`
	PeakInFlight int `json:"peak_in_flight"`

	// SuccessRate is completed over all terminal outcomes, 0 when no call
	// has finished yet.
	SuccessRate float64 `json:"success_rate"`

	// AvgDuration is the rolling average execution time over the most
	// recent window of terminal calls. Min and max cover all of them.
	AvgDuration time.Duration `json:"avg_duration"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
}

// window is a fixed-size ring of recent durations.
type window struct {
	samples []time.Duration
	next    int
	filled  bool
}

func newWindow(size int) *window {
	return &window{samples: make([]time.Duration, 0, size)}
}

func (w *window) add(d time.Duration) {
	if len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, d)
		return
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	w.filled = true
}

func (w *window) average() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range w.samples {
		total += d
	}
	return total / time.Duration(len(w.samples))
}

type aggregate struct {
	created   int
	completed int
	failed    int
	cancelled int

	inFlight int
	peak     int

	durations   *window
	minDuration time.Duration
	maxDuration time.Duration
}

func newAggregate(windowSize int) *aggregate {
	return &aggregate{durations: newWindow(windowSize)}
}

func (a *aggregate) recordCreate() {
	a.created++
	a.inFlight++
	if a.inFlight > a.peak {
		a.peak = a.inFlight
	}
}

func (a *aggregate) recordTerminal(to state.State, duration time.Duration) {
	switch to {
	case state.StateCompleted:
		a.completed++
	case state.StateFailed:
		a.failed++
	case state.StateCancelled:
		a.cancelled++
	}
	if a.inFlight > 0 {
		a.inFlight--
	}
	a.durations.add(duration)
	if a.terminalCount() == 1 || duration < a.minDuration {
		a.minDuration = duration
	}
	if duration > a.maxDuration {
		a.maxDuration = duration
	}
}

func (a *aggregate) terminalCount() int {
	return a.completed + a.failed + a.cancelled
}

func (a *aggregate) stats() Stats {
	s := Stats{
		Created:      a.created,
		Completed:    a.completed,
		Failed:       a.failed,
		Cancelled:    a.cancelled,
		InFlight:     a.inFlight,
		PeakInFlight: a.peak,
		AvgDuration:  a.durations.average(),
		MinDuration:  a.minDuration,
		MaxDuration:  a.maxDuration,
	}
	if terminals := a.terminalCount(); terminals > 0 {
		s.SuccessRate = float64(a.completed) / float64(terminals)
	}
	return s
}

// Tracker aggregates call creations and transition events. It is safe for
// concurrent use; reads return copies.
type Tracker struct {
	mu         sync.RWMutex
	windowSize int
	total      *aggregate
	sessions   map[string]*aggregate
	functions  map[string]*aggregate
}

// New creates a tracker. windowSize <= 0 selects DefaultWindowSize.
func New(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Tracker{
		windowSize: windowSize,
		total:      newAggregate(windowSize),
		sessions:   make(map[string]*aggregate),
		functions:  make(map[string]*aggregate),
	}
}

// CallCreated records a newly tracked call. Creation has no transition
// event, so the owning composition calls this directly.
func (t *Tracker) CallCreated(sessionID, functionName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.recordCreate()
	t.sessionAgg(sessionID).recordCreate()
	t.functionAgg(functionName).recordCreate()
}

// Handle consumes one transition event. It satisfies state.Handler as a
// method value (tracker.Handle).
func (t *Tracker) Handle(e state.Event) {
	if !e.To.Terminal() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.recordTerminal(e.To, e.Duration)
	t.sessionAgg(e.SessionID).recordTerminal(e.To, e.Duration)
	t.functionAgg(e.FunctionName).recordTerminal(e.To, e.Duration)
}

// Totals returns the aggregate across all sessions and functions.
func (t *Tracker) Totals() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total.stats()
}

// Session returns the aggregate for one session.
func (t *Tracker) Session(sessionID string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	agg, ok := t.sessions[sessionID]
	if !ok {
		return Stats{}, false
	}
	return agg.stats(), true
}

// Function returns the aggregate for one function name.
func (t *Tracker) Function(name string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	agg, ok := t.functions[name]
	if !ok {
		return Stats{}, false
	}
	return agg.stats(), true
}

// Sessions returns per-session aggregates keyed by session id.
func (t *Tracker) Sessions() map[string]Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Stats, len(t.sessions))
	for id, agg := range t.sessions {
		out[id] = agg.stats()
	}
	return out
}

// Functions returns per-function aggregates keyed by function name.
func (t *Tracker) Functions() map[string]Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Stats, len(t.functions))
	for name, agg := range t.functions {
		out[name] = agg.stats()
	}
	return out
}

// Forget drops the aggregate for one session. Totals are untouched.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Tracker) sessionAgg(sessionID string) *aggregate {
	agg, ok := t.sessions[sessionID]
	if !ok {
		agg = newAggregate(t.windowSize)
		t.sessions[sessionID] = agg
	}
	return agg
}

func (t *Tracker) functionAgg(name string) *aggregate {
	agg, ok := t.functions[name]
	if !ok {
		agg = newAggregate(t.windowSize)
		t.functions[name] = agg
	}
	return agg
}
