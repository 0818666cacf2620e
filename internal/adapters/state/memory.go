package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// MemoryStore keeps state in process memory. Workflows are stored as
// serialized copies so callers never share pointers with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[core.WorkflowID][]byte
	events    map[core.WorkflowID][]core.StoredEvent
	stats     map[string]core.PerformanceStats
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[core.WorkflowID][]byte),
		events:    make(map[core.WorkflowID][]core.StoredEvent),
		stats:     make(map[string]core.PerformanceStats),
	}
}

// Save stores a copy of wf.
func (s *MemoryStore) Save(_ context.Context, wf *core.Workflow) error {
	body, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshaling workflow: %w", err)
	}
	s.mu.Lock()
	s.workflows[wf.ID] = body
	s.mu.Unlock()
	return nil
}

// Load returns a fresh copy of the stored workflow.
func (s *MemoryStore) Load(_ context.Context, id core.WorkflowID) (*core.Workflow, error) {
	s.mu.RLock()
	body, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound("workflow", string(id))
	}
	var wf core.Workflow
	if err := json.Unmarshal(body, &wf); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "unreadable workflow").WithCause(err)
	}
	return &wf, nil
}

// AppendEvent records ev with the next sequence number.
func (s *MemoryStore) AppendEvent(_ context.Context, id core.WorkflowID, ev core.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Seq = int64(len(s.events[id]) + 1)
	ev.WorkflowID = id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.events[id] = append(s.events[id], ev)
	return nil
}

// Events returns the event log of a workflow.
func (s *MemoryStore) Events(_ context.Context, id core.WorkflowID) ([]core.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.StoredEvent(nil), s.events[id]...), nil
}

// ListWorkflows summarizes every stored workflow, newest update first.
func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]core.WorkflowSummary, error) {
	s.mu.RLock()
	ids := make([]core.WorkflowID, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]core.WorkflowSummary, 0, len(ids))
	for _, id := range ids {
		wf, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(wf))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// SaveWorkerStats merges stats.
func (s *MemoryStore) SaveWorkerStats(_ context.Context, stats map[string]core.PerformanceStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range stats {
		s.stats[id] = st
	}
	return nil
}

// LoadWorkerStats returns a copy of the stored stats.
func (s *MemoryStore) LoadWorkerStats(_ context.Context) (map[string]core.PerformanceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]core.PerformanceStats, len(s.stats))
	for id, st := range s.stats {
		out[id] = st
	}
	return out, nil
}

// Delete removes a workflow and its events.
func (s *MemoryStore) Delete(_ context.Context, id core.WorkflowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return core.ErrNotFound("workflow", string(id))
	}
	delete(s.workflows, id)
	delete(s.events, id)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ core.StateStore = (*MemoryStore)(nil)
