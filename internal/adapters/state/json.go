package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// JSONStore implements core.StateStore with one JSON file per workflow and
// a JSON Lines event log beside it. Files are replaced atomically and the
// previous version is kept as a .bak for recovery.
type JSONStore struct {
	dir      string
	lockPath string
	lockTTL  time.Duration
	mu       sync.RWMutex
	seq      map[core.WorkflowID]int64
}

// JSONOption configures the store.
type JSONOption func(*JSONStore)

// WithLockTTL sets how long a lock file is honored.
func WithLockTTL(ttl time.Duration) JSONOption {
	return func(s *JSONStore) {
		s.lockTTL = ttl
	}
}

// NewJSONStore creates a store rooted at dir.
func NewJSONStore(dir string, opts ...JSONOption) (*JSONStore, error) {
	s := &JSONStore{
		dir:      dir,
		lockPath: filepath.Join(dir, ".lock"),
		lockTTL:  time.Hour,
		seq:      make(map[core.WorkflowID]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{"workflows", "events"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	return s, nil
}

// workflowEnvelope wraps a workflow with integrity metadata.
type workflowEnvelope struct {
	Version   int             `json:"version"`
	Checksum  string          `json:"checksum"`
	UpdatedAt time.Time       `json:"updated_at"`
	Workflow  json.RawMessage `json:"workflow"`
}

func (s *JSONStore) workflowPath(id core.WorkflowID) string {
	return filepath.Join(s.dir, "workflows", string(id)+".json")
}

func (s *JSONStore) eventsPath(id core.WorkflowID) string {
	return filepath.Join(s.dir, "events", string(id)+".jsonl")
}

func (s *JSONStore) statsPath() string {
	return filepath.Join(s.dir, "worker_stats.json")
}

// Save writes the workflow file atomically, keeping the previous version.
func (s *JSONStore) Save(_ context.Context, wf *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, sum, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(workflowEnvelope{
		Version:   1,
		Checksum:  sum,
		UpdatedAt: time.Now(),
		Workflow:  body,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	path := s.workflowPath(wf.ID)
	if prev, err := os.ReadFile(path); err == nil {
		if err := atomicWriteFile(path+".bak", prev, 0o644); err != nil {
			return fmt.Errorf("creating backup: %w", err)
		}
	}
	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Load reads a workflow, falling back to its backup when the file is corrupt.
func (s *JSONStore) Load(_ context.Context, id core.WorkflowID) (*core.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.workflowPath(id)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, core.ErrNotFound("workflow", string(id))
	}
	wf, err := loadEnvelope(path)
	if err != nil {
		backup, backupErr := loadEnvelope(path + ".bak")
		if backupErr != nil {
			return nil, fmt.Errorf("loading workflow: %w (backup also failed: %v)", err, backupErr)
		}
		return backup, nil
	}
	return wf, nil
}

func loadEnvelope(path string) (*core.Workflow, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path built from the store directory
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	var env workflowEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "unreadable envelope").WithCause(err)
	}
	// The envelope is indented on disk; the checksum covers the compact body.
	var body bytes.Buffer
	if err := json.Compact(&body, env.Workflow); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "unreadable workflow body").WithCause(err)
	}
	return decodeWorkflow(body.Bytes(), env.Checksum)
}

// AppendEvent appends one JSON line to the workflow's event log.
func (s *JSONStore) AppendEvent(_ context.Context, id core.WorkflowID, ev core.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seq[id]
	if !ok {
		n, err := s.countEvents(id)
		if err != nil {
			return err
		}
		seq = n
	}
	seq++
	ev.Seq = seq
	ev.WorkflowID = id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	f, err := os.OpenFile(s.eventsPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	s.seq[id] = seq
	return nil
}

func (s *JSONStore) countEvents(id core.WorkflowID) (int64, error) {
	evs, err := s.readEvents(id)
	if err != nil {
		return 0, err
	}
	return int64(len(evs)), nil
}

// Events returns the workflow's event log.
func (s *JSONStore) Events(_ context.Context, id core.WorkflowID) ([]core.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readEvents(id)
}

func (s *JSONStore) readEvents(id core.WorkflowID) ([]core.StoredEvent, error) {
	f, err := os.Open(s.eventsPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	var out []core.StoredEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev core.StoredEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// A torn final line from a crash is skipped.
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	return out, nil
}

// ListWorkflows loads every workflow file and summarizes it.
func (s *JSONStore) ListWorkflows(_ context.Context) ([]core.WorkflowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "workflows", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	var out []core.WorkflowSummary
	for _, p := range paths {
		wf, err := loadEnvelope(p)
		if err != nil {
			continue
		}
		out = append(out, summarize(wf))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func summarize(wf *core.Workflow) core.WorkflowSummary {
	sum := core.WorkflowSummary{
		WorkflowID: wf.ID,
		Template:   wf.Template,
		State:      wf.State,
		RawInput:   core.TruncateForDisplay(rawInput(wf), 100),
		Tasks:      len(wf.Tasks),
		CreatedAt:  wf.CreatedAt,
		UpdatedAt:  wf.UpdatedAt,
	}
	if wf.Decision != nil {
		sum.DecisionID = wf.Decision.ID
	}
	return sum
}

// SaveWorkerStats merges stats into the stats file.
func (s *JSONStore) SaveWorkerStats(_ context.Context, stats map[string]core.PerformanceStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readStats()
	if err != nil {
		return err
	}
	for id, st := range stats {
		all[id] = st
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling worker stats: %w", err)
	}
	return atomicWriteFile(s.statsPath(), data, 0o644)
}

// LoadWorkerStats reads the stats file.
func (s *JSONStore) LoadWorkerStats(_ context.Context) (map[string]core.PerformanceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readStats()
}

func (s *JSONStore) readStats() (map[string]core.PerformanceStats, error) {
	out := make(map[string]core.PerformanceStats)
	data, err := os.ReadFile(s.statsPath())
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading worker stats: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing worker stats: %w", err)
	}
	return out, nil
}

// Delete removes a workflow with its backup and events.
func (s *JSONStore) Delete(_ context.Context, id core.WorkflowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.workflowPath(id)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.ErrNotFound("workflow", string(id))
		}
		return fmt.Errorf("deleting workflow: %w", err)
	}
	_ = os.Remove(path + ".bak")
	_ = os.Remove(s.eventsPath(id))
	delete(s.seq, id)
	return nil
}

// Close is a no-op; files are closed after every operation.
func (s *JSONStore) Close() error {
	return nil
}

// Dir returns the store directory.
func (s *JSONStore) Dir() string {
	return s.dir
}

// lockInfo represents lock file contents.
type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLock takes the store for this process. A lock older than the TTL
// or held by a dead process is broken.
func (s *JSONStore) AcquireLock(_ context.Context) error {
	if data, err := os.ReadFile(s.lockPath); err == nil {
		var info lockInfo
		if err := json.Unmarshal(data, &info); err == nil {
			if time.Since(info.AcquiredAt) < s.lockTTL && processExists(info.PID) {
				return core.ErrState("LOCK_ACQUIRE_FAILED",
					fmt.Sprintf("state locked by PID %d since %s", info.PID, info.AcquiredAt.Format(time.RFC3339)))
			}
		}
		_ = os.Remove(s.lockPath)
	}

	hostname, _ := os.Hostname()
	data, err := json.Marshal(lockInfo{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return core.ErrState("LOCK_ACQUIRE_FAILED", "lock file created by another process")
		}
		return fmt.Errorf("creating lock file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(s.lockPath)
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// ReleaseLock drops a lock held by this process.
func (s *JSONStore) ReleaseLock(_ context.Context) error {
	data, err := os.ReadFile(s.lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock file: %w", err)
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("parsing lock info: %w", err)
	}
	if info.PID != os.Getpid() {
		return core.ErrState("LOCK_RELEASE_FAILED", "lock owned by different process")
	}
	return os.Remove(s.lockPath)
}

var _ core.StateStore = (*JSONStore)(nil)
