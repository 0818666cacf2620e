package state

import (
	"path/filepath"
	"testing"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

func TestNormalizeBackend(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", BackendSQLite},
		{"  ", BackendSQLite},
		{"SQLite", BackendSQLite},
		{" json ", BackendJSON},
		{"memory", BackendMemory},
		{"redis", "redis"},
	}
	for _, tt := range tests {
		if got := normalizeBackend(tt.in); got != tt.want {
			t.Errorf("normalizeBackend(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNew_Backends(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  config.StateConfig
		want any
	}{
		{"default sqlite", config.StateConfig{Path: filepath.Join(dir, "a")}, &SQLiteStore{}},
		{"sqlite file", config.StateConfig{Backend: "sqlite", Path: filepath.Join(dir, "b.db")}, &SQLiteStore{}},
		{"json", config.StateConfig{Backend: "json", Path: filepath.Join(dir, "c")}, &JSONStore{}},
		{"memory", config.StateConfig{Backend: "memory"}, &MemoryStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer s.Close()
			switch tt.want.(type) {
			case *SQLiteStore:
				sq, ok := s.(*SQLiteStore)
				if !ok {
					t.Fatalf("New() = %T, want *SQLiteStore", s)
				}
				if filepath.Ext(sq.Path()) != ".db" {
					t.Errorf("Path() = %s, want a .db file", sq.Path())
				}
			case *JSONStore:
				if _, ok := s.(*JSONStore); !ok {
					t.Fatalf("New() = %T, want *JSONStore", s)
				}
			case *MemoryStore:
				if _, ok := s.(*MemoryStore); !ok {
					t.Fatalf("New() = %T, want *MemoryStore", s)
				}
			}
		})
	}
}

func TestNew_DirectoryGetsDefaultFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s, err := New(config.StateConfig{Backend: "sqlite", Path: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()
	if got := s.(*SQLiteStore).Path(); got != filepath.Join(dir, "dispatch.db") {
		t.Errorf("Path() = %s", got)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(config.StateConfig{Backend: "redis"})
	if core.ErrorCode(err) != core.CodeInvalidConfig {
		t.Fatalf("New() error = %v, want %s", err, core.CodeInvalidConfig)
	}
}

func TestLockerAndDeleter(t *testing.T) {
	var _ Locker = (*JSONStore)(nil)
	var _ Deleter = (*SQLiteStore)(nil)
	var _ Deleter = (*JSONStore)(nil)
	var _ Deleter = (*MemoryStore)(nil)
}
