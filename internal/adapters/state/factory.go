package state

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
	BackendMemory = "memory"
)

// DefaultPath is used when the configuration leaves the path empty.
const DefaultPath = ".dispatch/state"

// Deleter is implemented by stores that can remove workflows.
type Deleter interface {
	Delete(ctx context.Context, id core.WorkflowID) error
}

// Locker is implemented by stores that guard against a second writer process.
type Locker interface {
	AcquireLock(ctx context.Context) error
	ReleaseLock(ctx context.Context) error
}

// New creates the store selected by cfg.
func New(cfg config.StateConfig) (core.StateStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultPath
	}

	switch normalizeBackend(cfg.Backend) {
	case BackendSQLite:
		// The path names a directory or a .db file.
		if filepath.Ext(path) != ".db" {
			path = filepath.Join(path, "dispatch.db")
		}
		return NewSQLiteStore(path)
	case BackendJSON:
		return NewJSONStore(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("unsupported state backend %q (use sqlite, json or memory)", cfg.Backend))
	}
}

// normalizeBackend lower-cases and trims the name; empty means sqlite.
func normalizeBackend(backend string) string {
	b := strings.ToLower(strings.TrimSpace(backend))
	if b == "" {
		return BackendSQLite
	}
	return b
}
