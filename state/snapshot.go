package state

// Snapshot is a point-in-time view of all tool-call state for one
// session: non-terminal calls, terminal calls, and the total. It is a
// derived view, rebuilt on demand; the persistence layer stores copies.
type Snapshot struct {
	SessionID      string  `json:"session_id"`
	PendingCalls   []Entry `json:"pending_calls"`
	CompletedCalls []Entry `json:"completed_calls"`
	TotalCalls     int     `json:"total_calls"`
}

// Snapshot rebuilds the session view in creation order.
func (m *Machine) Snapshot(sessionID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		SessionID:      sessionID,
		PendingCalls:   make([]Entry, 0),
		CompletedCalls: make([]Entry, 0),
	}
	for _, id := range m.sessions[sessionID] {
		entry, ok := m.entries[id]
		if !ok {
			continue
		}
		snap.TotalCalls++
		if entry.State.Terminal() {
			snap.CompletedCalls = append(snap.CompletedCalls, cloneEntry(entry))
		} else {
			snap.PendingCalls = append(snap.PendingCalls, cloneEntry(entry))
		}
	}
	return snap
}

// Restore reinstates a snapshot's entries, replacing any current entries
// for the session. Used when the persistence layer recovers a session.
func (m *Machine) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.sessions[snap.SessionID] {
		delete(m.entries, id)
	}
	ids := make([]string, 0, len(snap.PendingCalls)+len(snap.CompletedCalls))
	for _, entry := range append(append([]Entry(nil), snap.PendingCalls...), snap.CompletedCalls...) {
		entry.SessionID = snap.SessionID
		m.entries[entry.ID] = cloneEntry(entry)
		ids = append(ids, entry.ID)
	}
	m.sessions[snap.SessionID] = ids
}
