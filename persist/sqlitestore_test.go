package persist

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/toolbridge/core"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestSQLiteStore(t *testing.T, dsn string) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteStoreConfig{}); err == nil {
		t.Fatal("NewSQLiteStore with empty DSN should fail")
	}
}

func TestSQLiteStore_SaveLoad(t *testing.T) {
	s := newTestSQLiteStore(t, testDSN(t))
	ctx := context.Background()

	snap := sessionSnapshot("session-1", "call_1", "call_2")
	res, err := s.SaveSessionState(ctx, "session-1", snap, map[string]any{"success_rate": 0.5})
	if err != nil {
		t.Fatalf("SaveSessionState: %v", err)
	}
	if res.Bytes == 0 {
		t.Fatal("SaveResult.Bytes = 0, want nonzero")
	}

	env, err := s.LoadSessionState(ctx, "session-1")
	if err != nil {
		t.Fatalf("LoadSessionState: %v", err)
	}
	if env.Snapshot.TotalCalls != 2 {
		t.Errorf("TotalCalls = %d, want 2", env.Snapshot.TotalCalls)
	}
	if got := env.Metrics["success_rate"]; got != 0.5 {
		t.Errorf("Metrics[success_rate] = %v, want 0.5", got)
	}

	_, err = s.LoadSessionState(ctx, "missing")
	wantCode(t, err, core.CodeNotFound)
}

func TestSQLiteStore_SaveReplacesPrevious(t *testing.T) {
	s := newTestSQLiteStore(t, testDSN(t))
	ctx := context.Background()

	if _, err := s.SaveSessionState(ctx, "session-1", sessionSnapshot("session-1", "call_1"), nil); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := s.SaveSessionState(ctx, "session-1", sessionSnapshot("session-1", "call_1", "call_2"), nil); err != nil {
		t.Fatalf("second save: %v", err)
	}

	env, err := s.LoadSessionState(ctx, "session-1")
	if err != nil {
		t.Fatalf("LoadSessionState: %v", err)
	}
	if env.Snapshot.TotalCalls != 2 {
		t.Fatalf("TotalCalls = %d, want 2", env.Snapshot.TotalCalls)
	}
}

func TestSQLiteStore_BackupThenRestore(t *testing.T) {
	s := newTestSQLiteStore(t, testDSN(t))
	ctx := context.Background()

	if _, err := s.SaveSessionState(ctx, "session-1", sessionSnapshot("session-1", "call_a"), nil); err != nil {
		t.Fatalf("save A: %v", err)
	}
	record, err := s.BackupSessionState(ctx, "session-1")
	if err != nil {
		t.Fatalf("BackupSessionState: %v", err)
	}
	if record.Checksum == "" || record.StateCount != 1 {
		t.Fatalf("record = %+v, want checksum and StateCount 1", record)
	}
	if _, err := s.SaveSessionState(ctx, "session-1", sessionSnapshot("session-1", "call_b1", "call_b2"), nil); err != nil {
		t.Fatalf("save B: %v", err)
	}

	env, err := s.RestoreSessionState(ctx, "session-1", RestoreOptions{ValidateIntegrity: true})
	if err != nil {
		t.Fatalf("RestoreSessionState: %v", err)
	}
	if env.Snapshot.TotalCalls != 1 || env.Snapshot.PendingCalls[0].ID != "call_a" {
		t.Fatalf("restored snapshot = %+v, want state A", env.Snapshot)
	}

	current, err := s.LoadSessionState(ctx, "session-1")
	if err != nil {
		t.Fatalf("LoadSessionState: %v", err)
	}
	if current.Snapshot.TotalCalls != 1 {
		t.Fatalf("current TotalCalls = %d, want 1 after restore", current.Snapshot.TotalCalls)
	}
}

func TestSQLiteStore_BackupWithoutStateFails(t *testing.T) {
	s := newTestSQLiteStore(t, testDSN(t))
	_, err := s.BackupSessionState(context.Background(), "missing")
	wantCode(t, err, core.CodeNotFound)
}

func TestSQLiteStore_ListBackupsNewestFirst(t *testing.T) {
	s := newTestSQLiteStore(t, testDSN(t))
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if _, err := s.SaveSessionState(ctx, "session-1", sessionSnapshot("session-1", "call_a"), nil); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if _, err := s.BackupSessionState(ctx, "session-1"); err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		clock = clock.Add(time.Minute)
	}

	records, err := s.ListBackups(ctx, "session-1")
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d backups, want 3", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.After(records[i-1].Timestamp) {
			t.Fatalf("backups out of order at %d", i)
		}
	}
}

func TestSQLiteStore_CleanupExpiredStates(t *testing.T) {
	s := newTestSQLiteStore(t, testDSN(t))
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	if _, err := s.SaveSessionState(ctx, "old-session", sessionSnapshot("old-session", "call_a"), nil); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if _, err := s.BackupSessionState(ctx, "old-session"); err != nil {
		t.Fatalf("backup old: %v", err)
	}
	clock = base.Add(2 * time.Hour)
	if _, err := s.SaveSessionState(ctx, "fresh-session", sessionSnapshot("fresh-session", "call_b"), nil); err != nil {
		t.Fatalf("save fresh: %v", err)
	}

	result, err := s.CleanupExpiredStates(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpiredStates: %v", err)
	}
	if result.RemovedStates != 1 || result.RemovedBackups != 1 {
		t.Fatalf("result = %+v, want 1 state and 1 backup removed", result)
	}

	_, err = s.LoadSessionState(ctx, "old-session")
	wantCode(t, err, core.CodeNotFound)
	if _, err := s.LoadSessionState(ctx, "fresh-session"); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
}

func TestSQLiteStore_PersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolbridge.db")
	ctx := context.Background()

	first := newTestSQLiteStore(t, path)
	if _, err := first.SaveSessionState(ctx, "session-1", sessionSnapshot("session-1", "call_1"), nil); err != nil {
		t.Fatalf("SaveSessionState: %v", err)
	}
	if _, err := first.BackupSessionState(ctx, "session-1"); err != nil {
		t.Fatalf("BackupSessionState: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := newTestSQLiteStore(t, path)
	env, err := second.LoadSessionState(ctx, "session-1")
	if err != nil {
		t.Fatalf("LoadSessionState after reopen: %v", err)
	}
	if env.Snapshot.TotalCalls != 1 {
		t.Fatalf("TotalCalls = %d, want 1", env.Snapshot.TotalCalls)
	}
	records, err := second.ListBackups(ctx, "session-1")
	if err != nil {
		t.Fatalf("ListBackups after reopen: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d backups after reopen, want 1", len(records))
	}

	// Checksums survive the round trip through BLOB storage.
	if _, err := second.RestoreSessionState(ctx, "session-1", RestoreOptions{ValidateIntegrity: true}); err != nil {
		t.Fatalf("RestoreSessionState after reopen: %v", err)
	}
}
