// Package persist provides durable storage of per-session tool-call state
// snapshots: explicit backup creation, integrity-checked restore, and
// time-based expiry cleanup.
//
// Three store tiers share one contract: MemStore for embedding and tests,
// FileStore for single-process CLI-style use, and SQLiteStore for daemon
// use. Save and load degrade gracefully (a failed or missing read is
// "not found"); backup, restore, and cleanup propagate storage failures,
// because silently losing a backup is worse than failing loudly.
package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"

	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/state"
)

// Envelope is the internal versioned wrapper around a persisted snapshot.
// It is an implementation detail of the store, not a public wire contract,
// except that Version is forward-checked before deserializing.
type Envelope struct {
	Snapshot state.Snapshot `json:"snapshot"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	SavedAt  time.Time      `json:"saved_at"`
	Version  string         `json:"version"`
}

// EnvelopeVersionV1 is the only envelope version this release writes.
const EnvelopeVersionV1 = "1"

// BackupRecord is one durable, independently restorable copy of a
// session's envelope. Multiple backups may coexist per session.
type BackupRecord struct {
	BackupID   string    `json:"backup_id"`
	SessionID  string    `json:"session_id"`
	Envelope   Envelope  `json:"envelope"`
	Timestamp  time.Time `json:"timestamp"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int       `json:"size_bytes"`
	StateCount int       `json:"state_count"`
}

// RestoreOptions select which backup to restore and how carefully.
type RestoreOptions struct {
	// BackupID pins an exact backup. Takes precedence over TargetTime.
	BackupID string
	// TargetTime selects the backup whose timestamp is closest to it.
	// Zero means "most recent".
	TargetTime time.Time
	// ValidateIntegrity recomputes the checksum before restoring; a
	// mismatch fails with RECOVERY_FAILED instead of restoring silently.
	ValidateIntegrity bool
}

// SaveResult reports a completed save.
type SaveResult struct {
	SessionID string      `json:"session_id"`
	Bytes     int         `json:"bytes"`
	Timing    core.Timing `json:"timing"`
}

// CleanupResult reports what a cleanup pass removed.
type CleanupResult struct {
	RemovedStates  int         `json:"removed_states"`
	RemovedBackups int         `json:"removed_backups"`
	Timing         core.Timing `json:"timing"`
}

// Limits bounds persisted payloads.
const (
	// MaxPayloadBytes is the serialized-envelope ceiling per session.
	MaxPayloadBytes = 10 << 20
	// DefaultSoftBudget is the advisory per-operation SLA.
	DefaultSoftBudget = 5 * time.Millisecond
)

// Store is the persistence contract shared by all tiers.
type Store interface {
	// SaveSessionState persists a snapshot (with optional metrics) as the
	// session's current state, replacing any previous state.
	SaveSessionState(ctx context.Context, sessionID string, snap state.Snapshot, metrics map[string]any) (SaveResult, error)

	// LoadSessionState returns the current envelope for the session, or a
	// NOT_FOUND error when nothing (readable) is stored.
	LoadSessionState(ctx context.Context, sessionID string) (Envelope, error)

	// BackupSessionState copies the currently saved state (not a live,
	// possibly-mutating one) under a new backup id with a checksum.
	BackupSessionState(ctx context.Context, sessionID string) (BackupRecord, error)

	// RestoreSessionState reinstates a backup as the current state and
	// returns its envelope.
	RestoreSessionState(ctx context.Context, sessionID string, opts RestoreOptions) (Envelope, error)

	// ListBackups returns backups for one session, or all sessions when
	// sessionID is empty, newest first.
	ListBackups(ctx context.Context, sessionID string) ([]BackupRecord, error)

	// CleanupExpiredStates removes session states and backups older than
	// maxAge and reports the counts.
	CleanupExpiredStates(ctx context.Context, maxAge time.Duration) (CleanupResult, error)
}

// encodeEnvelope serializes an envelope and enforces the payload ceiling.
func encodeEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, core.WrapError(core.CodePersistenceFailed, err, "encode session state")
	}
	if len(data) > MaxPayloadBytes {
		return nil, core.NewError(core.CodeCapacityExceeded, "session state is %d bytes; ceiling is %d", len(data), MaxPayloadBytes)
	}
	return data, nil
}

// decodeEnvelope deserializes an envelope after forward-checking Version.
func decodeEnvelope(data []byte) (Envelope, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Envelope{}, core.WrapError(core.CodePersistenceFailed, err, "decode session state")
	}
	if probe.Version != EnvelopeVersionV1 {
		return Envelope{}, core.NewError(core.CodePersistenceFailed, "unsupported envelope version %q", probe.Version)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, core.WrapError(core.CodePersistenceFailed, err, "decode session state")
	}
	return env, nil
}

// checksumBytes returns the hex sha256 of a serialized envelope.
func checksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// selectBackup applies RestoreOptions to a newest-first candidate list.
func selectBackup(records []BackupRecord, opts RestoreOptions) (BackupRecord, error) {
	if len(records) == 0 {
		return BackupRecord{}, core.NewError(core.CodeNotFound, "no backups available")
	}

	if opts.BackupID != "" {
		for _, record := range records {
			if record.BackupID == opts.BackupID {
				return record, nil
			}
		}
		return BackupRecord{}, core.NewError(core.CodeNotFound, "backup %q not found", opts.BackupID)
	}

	if !opts.TargetTime.IsZero() {
		best := records[0]
		bestDelta := absDuration(best.Timestamp.Sub(opts.TargetTime))
		for _, record := range records[1:] {
			delta := absDuration(record.Timestamp.Sub(opts.TargetTime))
			if delta < bestDelta {
				best = record
				bestDelta = delta
			}
		}
		return best, nil
	}

	return records[0], nil
}

// verifyBackup recomputes a record's checksum when requested.
func verifyBackup(record BackupRecord, opts RestoreOptions) error {
	if !opts.ValidateIntegrity {
		return nil
	}
	data, err := json.Marshal(record.Envelope)
	if err != nil {
		return core.WrapError(core.CodeRecoveryFailed, err, "re-serialize backup %q", record.BackupID)
	}
	if checksumBytes(data) != record.Checksum {
		return core.NewError(core.CodeRecoveryFailed, "backup %q failed integrity validation", record.BackupID).
			WithDetails(map[string]any{"expected": record.Checksum})
	}
	return nil
}

func sortBackupsNewestFirst(records []BackupRecord) {
	slices.SortFunc(records, func(a, b BackupRecord) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func requireSessionID(sessionID string) error {
	if sessionID == "" {
		return core.NewError(core.CodeInvalidInput, "session id is required")
	}
	return nil
}
