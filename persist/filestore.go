package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/state"
)

const (
	fileStoreVersionV1  = "1"
	defaultStoreDirName = ".toolbridge"
	defaultStoreDBName  = "sessions.json"
)

var errEmptyStorePath = errors.New("persist: file store path is empty")

type fileStoreDocument struct {
	Version string                     `json:"version"`
	States  map[string]json.RawMessage `json:"states"`
	Backups []BackupRecord             `json:"backups"`
}

// FileStore persists session states and backups in a local JSON file.
// Writes are atomic (temp file plus rename), matching single-process use.
type FileStore struct {
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewFileStore creates a file-backed store at the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// NewDefaultFileStore creates a store at ~/.toolbridge/sessions.json.
func NewDefaultFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("persist: resolve user home: %w", err)
	}
	return NewFileStore(filepath.Join(home, defaultStoreDirName, defaultStoreDBName)), nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// SaveSessionState persists the snapshot as the session's current state.
func (s *FileStore) SaveSessionState(ctx context.Context, sessionID string, snap state.Snapshot, metrics map[string]any) (SaveResult, error) {
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
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return SaveResult{}, err
	}
	doc.States[sessionID] = data
	if err := s.save(doc); err != nil {
		return SaveResult{}, err
	}

	return SaveResult{
		SessionID: sessionID,
		Bytes:     len(data),
		Timing:    core.MeasureSince(start, DefaultSoftBudget),
	}, nil
}

// LoadSessionState returns the session's current envelope. Missing or
// unreadable storage degrades to NOT_FOUND.
func (s *FileStore) LoadSessionState(ctx context.Context, sessionID string) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return Envelope{}, err
	}

	s.mu.RLock()
	doc, err := s.load()
	s.mu.RUnlock()
	if err != nil {
		return Envelope{}, core.NewError(core.CodeNotFound, "no state saved for session %q", sessionID)
	}

	data, ok := doc.States[sessionID]
	if !ok {
		return Envelope{}, core.NewError(core.CodeNotFound, "no state saved for session %q", sessionID)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return Envelope{}, core.NewError(core.CodeNotFound, "state for session %q is unreadable", sessionID)
	}
	return env, nil
}

// BackupSessionState copies the currently saved state under a new backup id.
func (s *FileStore) BackupSessionState(ctx context.Context, sessionID string) (BackupRecord, error) {
	if err := ctx.Err(); err != nil {
		return BackupRecord{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return BackupRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return BackupRecord{}, err
	}
	data, ok := doc.States[sessionID]
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
	doc.Backups = append(doc.Backups, record)
	if err := s.save(doc); err != nil {
		return BackupRecord{}, err
	}
	return record, nil
}

// RestoreSessionState reinstates a backup as the current state.
func (s *FileStore) RestoreSessionState(ctx context.Context, sessionID string, opts RestoreOptions) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if err := requireSessionID(sessionID); err != nil {
		return Envelope{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return Envelope{}, err
	}

	candidates := make([]BackupRecord, 0)
	for _, record := range doc.Backups {
		if record.SessionID == sessionID {
			candidates = append(candidates, record)
		}
	}
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
	doc.States[sessionID] = data
	if err := s.save(doc); err != nil {
		return Envelope{}, err
	}
	return record.Envelope, nil
}

// ListBackups returns backups newest first; empty sessionID means all.
func (s *FileStore) ListBackups(ctx context.Context, sessionID string) ([]BackupRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	doc, err := s.load()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	records := make([]BackupRecord, 0, len(doc.Backups))
	for _, record := range doc.Backups {
		if sessionID == "" || record.SessionID == sessionID {
			records = append(records, record)
		}
	}
	sortBackupsNewestFirst(records)
	return records, nil
}

// CleanupExpiredStates removes states and backups older than maxAge.
// Unlike save/load, storage failures here propagate.
func (s *FileStore) CleanupExpiredStates(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
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

	doc, err := s.load()
	if err != nil {
		return CleanupResult{}, err
	}

	result := CleanupResult{}
	for sessionID, data := range doc.States {
		env, err := decodeEnvelope(data)
		if err != nil {
			return CleanupResult{}, core.WrapError(core.CodePersistenceFailed, err, "cleanup session %q", sessionID)
		}
		if env.SavedAt.Before(cutoff) {
			delete(doc.States, sessionID)
			result.RemovedStates++
		}
	}
	kept := doc.Backups[:0]
	for _, record := range doc.Backups {
		if record.Timestamp.Before(cutoff) {
			result.RemovedBackups++
			continue
		}
		kept = append(kept, record)
	}
	doc.Backups = kept

	if err := s.save(doc); err != nil {
		return CleanupResult{}, err
	}
	result.Timing = core.MeasureSince(start, DefaultSoftBudget)
	return result, nil
}

func (s *FileStore) load() (fileStoreDocument, error) {
	if strings.TrimSpace(s.path) == "" {
		return fileStoreDocument{}, errEmptyStorePath
	}

	empty := fileStoreDocument{
		Version: fileStoreVersionV1,
		States:  make(map[string]json.RawMessage),
		Backups: make([]BackupRecord, 0),
	}

	// #nosec G304 -- path is configured by caller and constrained to local filesystem usage.
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, nil
		}
		return fileStoreDocument{}, fmt.Errorf("persist: read store: %w", err)
	}
	if len(data) == 0 {
		return empty, nil
	}

	var doc fileStoreDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileStoreDocument{}, fmt.Errorf("persist: decode store: %w", err)
	}
	if doc.States == nil {
		doc.States = make(map[string]json.RawMessage)
	}
	if doc.Backups == nil {
		doc.Backups = make([]BackupRecord, 0)
	}
	return doc, nil
}

func (s *FileStore) save(doc fileStoreDocument) error {
	if strings.TrimSpace(s.path) == "" {
		return errEmptyStorePath
	}

	doc.Version = fileStoreVersionV1
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode store: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("persist: create store dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("persist: write temp store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("persist: replace store file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
