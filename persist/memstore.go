package persist

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/state"
)

// MemStore is the in-memory store tier. State is kept as serialized
// envelopes so loads decode fresh copies and callers can never alias
// store-owned data.
type MemStore struct {
	mu      sync.RWMutex
	states  map[string][]byte
	backups map[string][]BackupRecord
	now     func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		states:  make(map[string][]byte),
		backups: make(map[string][]BackupRecord),
		now:     time.Now,
	}
}

// SaveSessionState persists the snapshot as the session's current state.
func (s *MemStore) SaveSessionState(ctx context.Context, sessionID string, snap state.Snapshot, metrics map[string]any) (SaveResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return SaveResult{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return SaveResult{}, err
	}

	env := Envelope{
		Snapshot: snap,
		Metrics:  metrics,
		SavedAt:  s.now().UTC(),
		Version:  EnvelopeVersionV1,
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		return SaveResult{}, err
	}

	s.mu.Lock()
	s.states[sessionID] = data
	s.mu.Unlock()

	return SaveResult{
		SessionID: sessionID,
		Bytes:     len(data),
		Timing:    core.MeasureSince(start, DefaultSoftBudget),
	}, nil
}

// LoadSessionState returns the session's current envelope. A missing or
// unreadable state degrades to NOT_FOUND.
func (s *MemStore) LoadSessionState(ctx context.Context, sessionID string) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return Envelope{}, err
	}

	s.mu.RLock()
	data, ok := s.states[sessionID]
	s.mu.RUnlock()
	if !ok {
		return Envelope{}, core.NewError(core.CodeNotFound, "no state saved for session %q", sessionID)
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		// Load degrades: a corrupt current state reads as absent.
		return Envelope{}, core.NewError(core.CodeNotFound, "state for session %q is unreadable", sessionID)
	}
	return env, nil
}

// BackupSessionState copies the currently saved state under a new backup id.
func (s *MemStore) BackupSessionState(ctx context.Context, sessionID string) (BackupRecord, error) {
	if err := ctx.Err(); err != nil {
		return BackupRecord{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return BackupRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.states[sessionID]
	if !ok {
		return BackupRecord{}, core.NewError(core.CodeNotFound, "no state saved for session %q", sessionID)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return BackupRecord{}, core.WrapError(core.CodePersistenceFailed, err, "backup session %q", sessionID)
	}

	record := BackupRecord{
		BackupID:   uuid.NewString(),
		SessionID:  sessionID,
		Envelope:   env,
		Timestamp:  s.now().UTC(),
		Checksum:   checksumBytes(data),
		SizeBytes:  len(data),
		StateCount: env.Snapshot.TotalCalls,
	}
	s.backups[sessionID] = append(s.backups[sessionID], record)
	return cloneBackupRecord(record), nil
}

// RestoreSessionState reinstates a backup as the current state.
func (s *MemStore) RestoreSessionState(ctx context.Context, sessionID string, opts RestoreOptions) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return Envelope{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := append([]BackupRecord(nil), s.backups[sessionID]...)
	sortBackupsNewestFirst(candidates)
	record, err := selectBackup(candidates, opts)
	if err != nil {
		return Envelope{}, err
	}
	if err := verifyBackup(record, opts); err != nil {
		return Envelope{}, err
	}

	data, err := encodeEnvelope(record.Envelope)
	if err != nil {
		return Envelope{}, err
	}
	s.states[sessionID] = data
	return cloneEnvelope(record.Envelope), nil
}

// ListBackups returns backups newest first; empty sessionID means all.
func (s *MemStore) ListBackups(ctx context.Context, sessionID string) ([]BackupRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	records := make([]BackupRecord, 0)
	if sessionID != "" {
		for _, record := range s.backups[sessionID] {
			records = append(records, cloneBackupRecord(record))
		}
	} else {
		for _, session := range s.backups {
			for _, record := range session {
				records = append(records, cloneBackupRecord(record))
			}
		}
	}
	s.mu.RUnlock()

	sortBackupsNewestFirst(records)
	return records, nil
}

// CleanupExpiredStates removes states and backups older than maxAge.
func (s *MemStore) CleanupExpiredStates(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return CleanupResult{}, err
	}
	if maxAge <= 0 {
		return CleanupResult{}, core.NewError(core.CodeInvalidInput, "max age must be positive")
	}
	cutoff := s.now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	result := CleanupResult{}
	for sessionID, data := range s.states {
		env, err := decodeEnvelope(data)
		if err != nil {
			return CleanupResult{}, core.WrapError(core.CodePersistenceFailed, err, "cleanup session %q", sessionID)
		}
		if env.SavedAt.Before(cutoff) {
			delete(s.states, sessionID)
			result.RemovedStates++
		}
	}
	for sessionID, records := range s.backups {
		kept := records[:0]
		for _, record := range records {
			if record.Timestamp.Before(cutoff) {
				result.RemovedBackups++
				continue
			}
			kept = append(kept, record)
		}
		if len(kept) == 0 {
			delete(s.backups, sessionID)
		} else {
			s.backups[sessionID] = kept
		}
	}

	result.Timing = core.MeasureSince(start, DefaultSoftBudget)
	return result, nil
}

// cloneBackupRecord detaches a record from store-retained memory. The
// struct copy alone is shallow; snapshot entry slices would stay shared,
// and a caller mutating a returned record would corrupt the stored backup
// behind its checksum.
func cloneBackupRecord(record BackupRecord) BackupRecord {
	out := record
	out.Envelope = cloneEnvelope(record.Envelope)
	return out
}

func cloneEnvelope(env Envelope) Envelope {
	data, err := json.Marshal(env)
	if err != nil {
		return env
	}
	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		return env
	}
	return out
}

var _ Store = (*MemStore)(nil)
