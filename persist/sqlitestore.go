package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/state"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS session_states (
	session_id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	saved_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_backups (
	backup_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	checksum TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	state_count INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_backups_session
	ON session_backups (session_id, created_at DESC);`

const defaultSQLiteStoreDB = "toolbridge.db"

// SQLiteStoreConfig configures the SQLite-backed session store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists session states and backups in SQLite. It is the
// daemon-mode tier: per-key serialization comes from the database's own
// transaction discipline, so the contract survives concurrent processes.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultSQLitePath returns the default SQLite path for daemon storage.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("persist: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultStoreDirName, defaultSQLiteStoreDB), nil
}

// NewSQLiteStore opens (or creates) a SQLite-backed session store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("persist: sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("persist: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSessionState persists the snapshot as the session's current state.
func (s *SQLiteStore) SaveSessionState(ctx context.Context, sessionID string, snap state.Snapshot, metrics map[string]any) (SaveResult, error) {
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

	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_states (session_id, payload, saved_at)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	payload = excluded.payload,
	saved_at = excluded.saved_at`,
		sessionID, data, env.SavedAt.UnixNano())
	if err != nil {
		return SaveResult{}, core.WrapError(core.CodePersistenceFailed, err, "save session %q", sessionID)
	}

	return SaveResult{
		SessionID: sessionID,
		Bytes:     len(data),
		Timing:    core.MeasureSince(start, DefaultSoftBudget),
	}, nil
}

// LoadSessionState returns the session's current envelope. Missing or
// unreadable rows degrade to NOT_FOUND.
func (s *SQLiteStore) LoadSessionState(ctx context.Context, sessionID string) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return Envelope{}, err
	}

	var payload []byte
	err := s.db.QueryRowContext(ctx, `
SELECT payload FROM session_states WHERE session_id = ?`, sessionID).Scan(&payload)
	if err != nil {
		return Envelope{}, core.NewError(core.CodeNotFound, "no state saved for session %q", sessionID)
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		return Envelope{}, core.NewError(core.CodeNotFound, "state for session %q is unreadable", sessionID)
	}
	return env, nil
}

// BackupSessionState copies the currently saved state under a new backup id.
func (s *SQLiteStore) BackupSessionState(ctx context.Context, sessionID string) (BackupRecord, error) {
	if err := ctx.Err(); err != nil {
		return BackupRecord{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return BackupRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BackupRecord{}, core.WrapError(core.CodePersistenceFailed, err, "backup session %q", sessionID)
	}
	defer func() { _ = tx.Rollback() }()

	var payload []byte
	err = tx.QueryRowContext(ctx, `
SELECT payload FROM session_states WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return BackupRecord{}, core.NewError(core.CodeNotFound, "no state saved for session %q", sessionID)
	}
	if err != nil {
		return BackupRecord{}, core.WrapError(core.CodePersistenceFailed, err, "backup session %q", sessionID)
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		return BackupRecord{}, core.WrapError(core.CodePersistenceFailed, err, "backup session %q", sessionID)
	}

	record := BackupRecord{
		BackupID:   uuid.NewString(),
		SessionID:  sessionID,
		Envelope:   env,
		Timestamp:  s.now().UTC(),
		Checksum:   checksumBytes(payload),
		SizeBytes:  len(payload),
		StateCount: env.Snapshot.TotalCalls,
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO session_backups (backup_id, session_id, payload, checksum, size_bytes, state_count, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.BackupID, sessionID, payload, record.Checksum,
		record.SizeBytes, record.StateCount, record.Timestamp.UnixNano())
	if err != nil {
		return BackupRecord{}, core.WrapError(core.CodePersistenceFailed, err, "backup session %q", sessionID)
	}
	if err := tx.Commit(); err != nil {
		return BackupRecord{}, core.WrapError(core.CodePersistenceFailed, err, "backup session %q", sessionID)
	}
	return record, nil
}

// RestoreSessionState reinstates a backup as the current state.
func (s *SQLiteStore) RestoreSessionState(ctx context.Context, sessionID string, opts RestoreOptions) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return Envelope{}, err
	}

	candidates, err := s.ListBackups(ctx, sessionID)
	if err != nil {
		return Envelope{}, err
	}
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
	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_states (session_id, payload, saved_at)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	payload = excluded.payload,
	saved_at = excluded.saved_at`,
		sessionID, data, record.Envelope.SavedAt.UnixNano())
	if err != nil {
		return Envelope{}, core.WrapError(core.CodePersistenceFailed, err, "restore session %q", sessionID)
	}
	return record.Envelope, nil
}

// ListBackups returns backups newest first; empty sessionID means all.
func (s *SQLiteStore) ListBackups(ctx context.Context, sessionID string) ([]BackupRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := `
SELECT backup_id, session_id, payload, checksum, size_bytes, state_count, created_at
FROM session_backups`
	args := make([]any, 0, 1)
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError(core.CodePersistenceFailed, err, "list backups")
	}
	defer rows.Close()

	records := make([]BackupRecord, 0)
	for rows.Next() {
		var (
			record    BackupRecord
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&record.BackupID, &record.SessionID, &payload,
			&record.Checksum, &record.SizeBytes, &record.StateCount, &createdAt); err != nil {
			return nil, core.WrapError(core.CodePersistenceFailed, err, "scan backup row")
		}
		env, err := decodeEnvelope(payload)
		if err != nil {
			return nil, core.WrapError(core.CodePersistenceFailed, err, "decode backup %q", record.BackupID)
		}
		record.Envelope = env
		record.Timestamp = time.Unix(0, createdAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.CodePersistenceFailed, err, "iterate backups")
	}
	return records, nil
}

// CleanupExpiredStates removes states and backups older than maxAge.
// Storage failures propagate.
func (s *SQLiteStore) CleanupExpiredStates(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return CleanupResult{}, err
	}
	if maxAge <= 0 {
		return CleanupResult{}, core.NewError(core.CodeInvalidInput, "max age must be positive")
	}
	cutoff := s.now().UTC().Add(-maxAge).UnixNano()

	result := CleanupResult{}
	states, err := s.db.ExecContext(ctx, `
DELETE FROM session_states WHERE saved_at < ?`, cutoff)
	if err != nil {
		return CleanupResult{}, core.WrapError(core.CodePersistenceFailed, err, "cleanup session states")
	}
	if n, err := states.RowsAffected(); err == nil {
		result.RemovedStates = int(n)
	}

	backups, err := s.db.ExecContext(ctx, `
DELETE FROM session_backups WHERE created_at < ?`, cutoff)
	if err != nil {
		return CleanupResult{}, core.WrapError(core.CodePersistenceFailed, err, "cleanup session backups")
	}
	if n, err := backups.RowsAffected(); err == nil {
		result.RemovedBackups = int(n)
	}

	result.Timing = core.MeasureSince(start, DefaultSoftBudget)
	return result, nil
}

var _ Store = (*SQLiteStore)(nil)
