// Package control lets callers pause, resume and cancel running workflows.
package control

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Plane carries control signals for one workflow run. Pausing stops new
// dispatches while in-flight tasks finish; cancelling also aborts them.
type Plane struct {
	workflowID core.WorkflowID

	mu        sync.Mutex
	paused    atomic.Bool
	cancelled atomic.Bool
	resumeCh  chan struct{}
	changed   chan struct{}
	cancelFn  context.CancelFunc
}

// New creates a plane for a workflow.
func New(workflowID core.WorkflowID) *Plane {
	return &Plane{
		workflowID: workflowID,
		resumeCh:   make(chan struct{}),
		changed:    make(chan struct{}, 1),
	}
}

// WorkflowID returns the controlled workflow.
func (p *Plane) WorkflowID() core.WorkflowID {
	return p.workflowID
}

// Bind registers the cancel function of the run's context. A plane that was
// cancelled before binding cancels immediately.
func (p *Plane) Bind(cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancelFn = cancel
	p.mu.Unlock()
	if p.cancelled.Load() && cancel != nil {
		cancel()
	}
}

// Pause stops new dispatches. It reports whether the plane changed state.
func (p *Plane) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused.Load() || p.cancelled.Load() {
		return false
	}
	p.paused.Store(true)
	p.notify()
	return true
}

// Resume lets dispatching continue. It reports whether the plane changed state.
func (p *Plane) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.paused.Load() {
		return false
	}
	p.paused.Store(false)
	close(p.resumeCh)
	p.resumeCh = make(chan struct{})
	p.notify()
	return true
}

// Cancel stops dispatching and cancels in-flight work.
func (p *Plane) Cancel() {
	p.mu.Lock()
	if p.cancelled.Swap(true) {
		p.mu.Unlock()
		return
	}
	cancel := p.cancelFn
	p.notify()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (p *Plane) notify() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// Changed signals after any control change. Signals coalesce.
func (p *Plane) Changed() <-chan struct{} {
	return p.changed
}

// IsPaused returns true while the workflow is paused.
func (p *Plane) IsPaused() bool {
	return p.paused.Load()
}

// IsCancelled returns true once the workflow was cancelled.
func (p *Plane) IsCancelled() bool {
	return p.cancelled.Load()
}

// WaitIfPaused blocks until the workflow is resumed or ctx ends.
func (p *Plane) WaitIfPaused(ctx context.Context) error {
	if !p.paused.Load() {
		return nil
	}

	p.mu.Lock()
	resumeCh := p.resumeCh
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resumeCh:
		return nil
	}
}

// CheckCancelled returns WORKFLOW_CANCELLED once cancelled.
func (p *Plane) CheckCancelled() error {
	if p.cancelled.Load() {
		return core.ErrCancelled(string(p.workflowID))
	}
	return nil
}

// Status is a point-in-time view of a plane.
type Status struct {
	WorkflowID core.WorkflowID `json:"workflow_id"`
	Paused     bool            `json:"paused"`
	Cancelled  bool            `json:"cancelled"`
}

// Status returns the current control status.
func (p *Plane) Status() Status {
	return Status{
		WorkflowID: p.workflowID,
		Paused:     p.paused.Load(),
		Cancelled:  p.cancelled.Load(),
	}
}

// Registry tracks the planes of running workflows so the API and CLI can
// reach them by workflow id.
type Registry struct {
	mu     sync.RWMutex
	planes map[core.WorkflowID]*Plane
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{planes: make(map[core.WorkflowID]*Plane)}
}

// Acquire returns the plane for id, creating it if needed.
func (r *Registry) Acquire(id core.WorkflowID) *Plane {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.planes[id]; ok {
		return p
	}
	p := New(id)
	r.planes[id] = p
	return p
}

// Get returns the plane of a running workflow.
func (r *Registry) Get(id core.WorkflowID) (*Plane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.planes[id]
	return p, ok
}

// Release forgets a finished workflow's plane, if it is still p.
func (r *Registry) Release(p *Plane) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.planes[p.workflowID]; ok && cur == p {
		delete(r.planes, p.workflowID)
	}
}

// Active lists the statuses of registered planes ordered by workflow id.
func (r *Registry) Active() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.planes))
	for _, p := range r.planes {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}
