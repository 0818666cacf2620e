package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.StateStore on SQLite.
type SQLiteStore struct {
	dbPath     string
	backupPath string
	db         *sql.DB
	mu         sync.RWMutex
}

// SQLiteOption configures the store.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteBackupPath sets the backup file path.
func WithSQLiteBackupPath(path string) SQLiteOption {
	return func(s *SQLiteStore) {
		s.backupPath = path
	}
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		dbPath:     dbPath,
		backupPath: dbPath + ".bak",
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// WAL lets readers proceed while the engine writes.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		// Table doesn't exist yet.
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// encodeWorkflow serializes wf and returns the body with its checksum.
func encodeWorkflow(wf *core.Workflow) ([]byte, string, error) {
	body, err := json.Marshal(wf)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling workflow: %w", err)
	}
	return body, checksum(body), nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func decodeWorkflow(body []byte, sum string) (*core.Workflow, error) {
	if checksum(body) != sum {
		return nil, core.ErrState(core.CodeStateCorrupted, "checksum mismatch")
	}
	var wf core.Workflow
	if err := json.Unmarshal(body, &wf); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "unreadable workflow body").WithCause(err)
	}
	if wf.Tasks == nil {
		wf.Tasks = make(map[core.TaskID]*core.Task)
	}
	return &wf, nil
}

func rawInput(wf *core.Workflow) string {
	if wf.Request == nil {
		return ""
	}
	return wf.Request.RawInput
}

func decisionID(wf *core.Workflow) sql.NullString {
	if wf.Decision == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: wf.Decision.ID, Valid: true}
}

// Save upserts the workflow in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, wf *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, sum, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	updated := wf.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (
			id, template, state, raw_input, task_count, decision_id,
			body, checksum, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			template = excluded.template,
			state = excluded.state,
			raw_input = excluded.raw_input,
			task_count = excluded.task_count,
			decision_id = excluded.decision_id,
			body = excluded.body,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`,
		wf.ID, wf.Template, wf.State, rawInput(wf), len(wf.Tasks), decisionID(wf),
		string(body), sum, wf.CreatedAt.UTC(), updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting workflow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Load retrieves a workflow by id.
func (s *SQLiteStore) Load(ctx context.Context, id core.WorkflowID) (*core.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body, sum string
	err := s.db.QueryRowContext(ctx, "SELECT body, checksum FROM workflows WHERE id = ?", id).Scan(&body, &sum)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("workflow", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	return decodeWorkflow([]byte(body), sum)
}

// AppendEvent adds an audit event. The sequence number is assigned here.
func (s *SQLiteStore) AppendEvent(ctx context.Context, id core.WorkflowID, ev core.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data sql.NullString
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshaling event data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (workflow_id, type, task_id, data, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, id, ev.Type, nullableString(string(ev.TaskID)), data, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Events returns the audit log of a workflow in append order.
func (s *SQLiteStore) Events(ctx context.Context, id core.WorkflowID) ([]core.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, task_id, data, timestamp
		FROM events WHERE workflow_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	defer rows.Close()

	var out []core.StoredEvent
	for rows.Next() {
		var (
			ev     core.StoredEvent
			taskID sql.NullString
			data   sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.Type, &taskID, &data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.WorkflowID = id
		ev.TaskID = core.TaskID(taskID.String)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshaling event data: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

// ListWorkflows returns summaries, most recently updated first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]core.WorkflowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template, state, raw_input, task_count, decision_id, created_at, updated_at
		FROM workflows
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var summaries []core.WorkflowSummary
	for rows.Next() {
		var (
			sum      core.WorkflowSummary
			decision sql.NullString
		)
		err := rows.Scan(&sum.WorkflowID, &sum.Template, &sum.State, &sum.RawInput,
			&sum.Tasks, &decision, &sum.CreatedAt, &sum.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow summary: %w", err)
		}
		sum.RawInput = core.TruncateForDisplay(sum.RawInput, 100)
		sum.DecisionID = decision.String
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workflow summaries: %w", err)
	}
	return summaries, nil
}

// SaveWorkerStats upserts the performance statistics of every listed worker.
func (s *SQLiteStore) SaveWorkerStats(ctx context.Context, stats map[string]core.PerformanceStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for id, st := range stats {
		b, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshaling stats for %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO worker_stats (worker_id, stats, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(worker_id) DO UPDATE SET stats = excluded.stats, updated_at = excluded.updated_at
		`, id, string(b), now)
		if err != nil {
			return fmt.Errorf("saving stats for %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LoadWorkerStats returns every persisted worker's statistics.
func (s *SQLiteStore) LoadWorkerStats(ctx context.Context) (map[string]core.PerformanceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT worker_id, stats FROM worker_stats")
	if err != nil {
		return nil, fmt.Errorf("loading worker stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]core.PerformanceStats)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scanning worker stats: %w", err)
		}
		var st core.PerformanceStats
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("unmarshaling stats for %s: %w", id, err)
		}
		out[id] = st
	}
	return out, rows.Err()
}

// Delete removes a workflow and its events.
func (s *SQLiteStore) Delete(ctx context.Context, id core.WorkflowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("workflow", string(id))
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE workflow_id = ?", id); err != nil {
		return fmt.Errorf("deleting events: %w", err)
	}
	return tx.Commit()
}

// Backup writes a consistent copy of the database to the backup path.
func (s *SQLiteStore) Backup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = os.Remove(s.backupPath)
	path := strings.ReplaceAll(s.backupPath, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", path)); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

var _ core.StateStore = (*SQLiteStore)(nil)
