package state

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolbridge/core"
)

// State is a tool-call lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// transitions is the fixed table. Terminal states have no outgoing edges.
var transitions = map[State][]State{
	StatePending:    {StateInProgress, StateCancelled},
	StateInProgress: {StateCompleted, StateFailed, StateCancelled},
	StateCompleted:  {},
	StateFailed:     {},
	StateCancelled:  {},
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	targets, ok := transitions[s]
	return ok && len(targets) == 0
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// ToolCall is one concrete invocation instance of a tool: an opaque id,
// the function name, and the JSON-encoded arguments. Read-only once
// observed by the machine.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Entry is the machine's record for one tool-call instance.
type Entry struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Call        ToolCall          `json:"call"`
	State       State             `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func cloneEntry(in Entry) Entry {
	out := in
	if in.Metadata != nil {
		out.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// DefaultStaleThreshold is how long a call may sit in a non-terminal
// state before Stale reports it.
const DefaultStaleThreshold = 30 * time.Second

// Machine tracks tool-call entries across sessions. All mutation goes
// through validated transitions; an entry is never deleted except by
// Forget, so snapshots stay rebuildable.
type Machine struct {
	mu sync.RWMutex
	// emitMu is acquired before mu is released on a transition, so
	// handlers receive events in Seq order even when transitions race.
	// Handlers may read the machine but must not transition entries
	// synchronously.
	emitMu  sync.Mutex
	entries map[string]Entry
	// sessions indexes entry ids per session in creation order.
	sessions map[string][]string
	seq      uint64
	emit     Emitter
	now      func() time.Time
}

// NewMachine creates a machine. The emitter may be nil; transition events
// are then dropped.
func NewMachine(emit Emitter) *Machine {
	return &Machine{
		entries:  make(map[string]Entry),
		sessions: make(map[string][]string),
		emit:     emit,
		now:      time.Now,
	}
}

// Create registers a new tool-call entry in state pending. When the call
// carries no id, an opaque one is generated.
func (m *Machine) Create(sessionID string, call ToolCall) (Entry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Entry{}, core.NewError(core.CodeInvalidInput, "session id is required")
	}
	if call.Name == "" {
		return Entry{}, core.NewError(core.CodeInvalidInput, "tool call name is required")
	}

	id := call.ID
	if id == "" {
		id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		call.ID = id
	}

	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return Entry{}, core.NewError(core.CodeDuplicateSchema, "tool call %q already tracked", id)
	}
	now := m.now().UTC()
	entry := Entry{
		ID:        id,
		SessionID: sessionID,
		Call:      call,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.entries[id] = entry
	m.sessions[sessionID] = append(m.sessions[sessionID], id)
	m.mu.Unlock()

	return cloneEntry(entry), nil
}

// Transition moves an entry to toState if the table allows it. On success
// the updated entry and the emitted event are returned; on failure the
// entry is unchanged and an INVALID_TRANSITION error is returned. The
// caller, not the machine, decides whether that is fatal.
func (m *Machine) Transition(id string, toState State) (Entry, Event, error) {
	if _, known := transitions[toState]; !known {
		return Entry{}, Event{}, core.NewError(core.CodeInvalidInput, "unknown state %q", toState)
	}

	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return Entry{}, Event{}, core.NewError(core.CodeNotFound, "tool call %q is not tracked", id)
	}
	if !CanTransition(entry.State, toState) {
		m.mu.Unlock()
		return Entry{}, Event{}, core.NewError(core.CodeInvalidTransition, "cannot transition %q from %s to %s", id, entry.State, toState).
			WithDetails(map[string]any{"from": entry.State, "to": toState})
	}

	now := m.now().UTC()
	from := entry.State
	duration := now.Sub(entry.UpdatedAt)
	entry.State = toState
	entry.UpdatedAt = now
	if toState.Terminal() {
		entry.CompletedAt = now
	}
	m.entries[id] = entry
	m.seq++
	event := Event{
		SessionID:    entry.SessionID,
		ToolCallID:   entry.ID,
		FunctionName: entry.Call.Name,
		From:         from,
		To:           toState,
		Duration:     duration,
		Success:      toState != StateFailed && toState != StateCancelled,
		Time:         now,
		Seq:          m.seq,
	}
	emit := m.emit
	if emit == nil {
		m.mu.Unlock()
		return cloneEntry(entry), event, nil
	}

	m.emitMu.Lock()
	m.mu.Unlock()
	emit(event)
	m.emitMu.Unlock()
	return cloneEntry(entry), event, nil
}

// Get returns the entry tracked under id.
func (m *Machine) Get(id string) (Entry, bool) {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

// Stale lists non-terminal entries whose last update is older than the
// threshold. Stale calls are only reported, never auto-transitioned;
// moving them is an explicit caller decision.
func (m *Machine) Stale(threshold time.Duration) []Entry {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	cutoff := m.now().UTC().Add(-threshold)

	m.mu.RLock()
	defer m.mu.RUnlock()

	stale := make([]Entry, 0)
	for _, entry := range m.entries {
		if !entry.State.Terminal() && entry.UpdatedAt.Before(cutoff) {
			stale = append(stale, cloneEntry(entry))
		}
	}
	slices.SortFunc(stale, func(a, b Entry) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return stale
}

// Forget drops every entry belonging to sessionID and returns the count.
// This backs time-based expiry cleanup; normal operation never deletes.
func (m *Machine) Forget(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.sessions[sessionID]
	for _, id := range ids {
		delete(m.entries, id)
	}
	delete(m.sessions, sessionID)
	return len(ids)
}
