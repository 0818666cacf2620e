package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

func openSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	return s
}

func TestSQLiteStore_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dispatch.db")

	s := openSQLite(t, path)
	if err := s.Save(ctx, sampleWorkflow("wf-1", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.AppendEvent(ctx, "wf-1", core.StoredEvent{Type: "workflow_created"}); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Migrations run again on reopen and must leave data intact.
	s = openSQLite(t, path)
	defer s.Close()
	if s.Path() != path {
		t.Errorf("Path() = %s, want %s", s.Path(), path)
	}
	wf, err := s.Load(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Load() after reopen error = %v", err)
	}
	if len(wf.Tasks) != 2 {
		t.Errorf("len(Tasks) = %d, want 2", len(wf.Tasks))
	}
	evs, err := s.Events(ctx, "wf-1")
	if err != nil || len(evs) != 1 {
		t.Fatalf("Events() = %v, %v; want one event", evs, err)
	}
	if evs[0].Seq != 1 {
		t.Errorf("Seq = %d, want 1", evs[0].Seq)
	}
}

func TestSQLiteStore_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()

	if err := s.Save(ctx, sampleWorkflow("wf-1", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE workflows SET body = replace(body, 'analyst', 'tampered') WHERE id = ?", "wf-1"); err != nil {
		t.Fatalf("tampering: %v", err)
	}

	_, err := s.Load(ctx, "wf-1")
	if core.ErrorCode(err) != core.CodeStateCorrupted {
		t.Fatalf("Load() error = %v, want %s", err, core.CodeStateCorrupted)
	}
}

func TestSQLiteStore_ListTruncatesInput(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()

	wf := sampleWorkflow("wf-long", time.Now())
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	wf.Request.RawInput = string(long)
	if err := s.Save(ctx, wf); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	list, err := s.ListWorkflows(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListWorkflows() = %v, %v", list, err)
	}
	if n := len([]rune(list[0].RawInput)); n != 100 {
		t.Errorf("summary input length = %d, want 100", n)
	}
}

func TestSQLiteStore_Backup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backup := filepath.Join(dir, "copy.db")
	s, err := NewSQLiteStore(filepath.Join(dir, "state.db"), WithSQLiteBackupPath(backup))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()

	if err := s.Save(ctx, sampleWorkflow("wf-1", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Backup(ctx); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	copied := openSQLite(t, backup)
	defer copied.Close()
	if _, err := copied.Load(ctx, "wf-1"); err != nil {
		t.Errorf("Load() from backup error = %v", err)
	}
}
