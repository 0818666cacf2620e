// Package graph expands routing decisions into phased task workflows.
//
// Every decision becomes one task per selected worker. Tasks are placed in
// a template phase by explicit stage or by worker category, and a task gets
// a dependency on each earlier-phase task whose output it consumes. Edges
// only point at strictly earlier phases, so a built workflow is acyclic.
package graph

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Source resolves worker descriptors.
type Source interface {
	Lookup(id string) (*core.WorkerDescriptor, error)
}

// Option configures a Builder.
type Option func(*Builder)

// WithIDGenerator overrides task and workflow id generation.
func WithIDGenerator(fn func() string) Option {
	return func(b *Builder) { b.newID = fn }
}

// Builder turns routing decisions into workflows.
type Builder struct {
	source Source
	newID  func() string
}

// New creates a builder reading worker metadata from source.
func New(source Source, opts ...Option) *Builder {
	b := &Builder{source: source, newID: uuid.NewString}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type placed struct {
	task   *core.Task
	worker *core.WorkerDescriptor
}

// Build creates a workflow for decisions using the named template. With no
// decisions it returns a workflow holding only the template phases.
func (b *Builder) Build(decisions []core.RoutingDecision, template string) (*core.Workflow, error) {
	tmpl, err := LookupTemplate(template)
	if err != nil {
		return nil, err
	}

	wf := core.NewWorkflow(core.WorkflowID(b.newID()), tmpl.Name)
	for _, p := range tmpl.Phases {
		if err := wf.AddPhase(p); err != nil {
			return nil, err
		}
	}
	if len(decisions) > 0 {
		req := decisions[0].Request
		wf.Request = &req
	}
	if err := b.Extend(wf, decisions); err != nil {
		return nil, err
	}
	return wf, nil
}

// Extend adds tasks for decisions to an existing workflow, wiring them to
// the workflow's current tasks as well as to each other.
func (b *Builder) Extend(wf *core.Workflow, decisions []core.RoutingDecision) error {
	if len(wf.Phases) == 0 {
		return core.ErrValidation(core.CodeInvalidTemplate, "workflow has no phases")
	}
	tmpl := Template{Name: wf.Template}
	for _, g := range wf.Phases {
		tmpl.Phases = append(tmpl.Phases, g.Phase)
	}

	existing := make([]placed, 0, len(wf.TaskOrder))
	for _, id := range wf.TaskOrder {
		t := wf.Tasks[id]
		if t.ReplacedBy != "" {
			continue
		}
		existing = append(existing, placed{task: t, worker: b.describe(t.WorkerID)})
	}

	var tasks []placed
	for _, d := range decisions {
		group := make([]placed, 0, len(d.SelectedWorkers))
		for _, id := range d.SelectedWorkers {
			w := b.describe(id)
			t := core.NewTask(core.TaskID(b.newID()), id, b.phaseFor(tmpl, d.Request, w)).
				WithDecision(d).
				WithLocks(w.Locks...).
				WithClass(w.Class)
			t.Variant = d.Request.Variant
			group = append(group, placed{task: t, worker: w})
		}
		// Heuristic fan-out siblings share the earliest of their phases.
		if len(group) > 1 && d.Method == core.RoutingHeuristic {
			first := group[0].task.Phase
			for _, p := range group[1:] {
				if core.PhaseOrder(p.task.Phase) < core.PhaseOrder(first) {
					first = p.task.Phase
				}
			}
			for _, p := range group {
				p.task.Phase = first
			}
		}
		tasks = append(tasks, group...)
	}

	// Insert phase by phase so AddTask always sees dependencies first.
	producers := append(existing, tasks...)
	for _, phase := range tmpl.Phases {
		for _, p := range tasks {
			if p.task.Phase != phase {
				continue
			}
			p.task.DependsOn = dependencies(p, producers)
			if err := wf.AddTask(p.task); err != nil {
				return err
			}
		}
	}
	return nil
}

// Replace swaps a failed task for a new task on the decision's first
// selected worker. The replacement keeps the phase, the dependencies and the
// list of workers already tried; dependents are redirected to it.
func (b *Builder) Replace(wf *core.Workflow, failed *core.Task, d core.RoutingDecision) (*core.Task, error) {
	if len(d.SelectedWorkers) == 0 {
		return nil, core.ErrValidation(core.CodeNoCapableWorker, "fallback decision selected no worker")
	}
	if failed.IsInFlight() || failed.IsResolved() {
		return nil, core.ErrState(core.CodeInvalidState, fmt.Sprintf("task %s cannot be replaced in state %s", failed.ID, failed.State))
	}
	w := b.describe(d.SelectedWorkers[0])
	t := core.NewTask(core.TaskID(b.newID()), w.ID, failed.Phase).
		WithDependencies(append([]core.TaskID(nil), failed.DependsOn...)...).
		WithDecision(d).
		WithLocks(w.Locks...).
		WithClass(w.Class)
	t.Variant = d.Request.Variant
	t.Replaces = failed.ID
	t.Tried = append([]string(nil), failed.Tried...)
	if err := wf.AddTask(t); err != nil {
		return nil, err
	}
	if err := failed.MarkReplaced(t.ID); err != nil {
		return nil, err
	}
	wf.Redirect(failed.ID, t.ID)
	return t, nil
}

// Build creates a workflow with a default builder.
func Build(source Source, decisions []core.RoutingDecision, template string) (*core.Workflow, error) {
	return New(source).Build(decisions, template)
}

func (b *Builder) describe(id string) *core.WorkerDescriptor {
	if b.source != nil {
		if d, err := b.source.Lookup(id); err == nil {
			return d
		}
	}
	return &core.WorkerDescriptor{ID: id, Category: core.CategoryImplementation}
}

func (b *Builder) phaseFor(tmpl Template, req core.Request, w *core.WorkerDescriptor) core.Phase {
	if core.ValidPhase(req.Stage) {
		return tmpl.place(req.Stage)
	}
	if w.Category == core.CategoryManagement {
		return tmpl.Phases[0]
	}
	return tmpl.place(w.Category.DefaultPhase())
}

// dependencies returns the earlier-phase tasks whose output p consumes:
// producers carrying a tag the worker consumes, or producers named in the
// request context.
func dependencies(p placed, all []placed) []core.TaskID {
	order := core.PhaseOrder(p.task.Phase)
	ctx := p.task.Decision.Request.ContextData
	var deps []core.TaskID
	for _, q := range all {
		if core.PhaseOrder(q.task.Phase) >= order {
			continue
		}
		if consumes(p.worker, q.worker) || inContext(ctx, q.worker.ID) {
			deps = append(deps, q.task.ID)
		}
	}
	return deps
}

func consumes(consumer, producer *core.WorkerDescriptor) bool {
	for _, tag := range consumer.Consumes {
		if producer.HasCapability(tag) {
			return true
		}
	}
	return false
}

func inContext(ctx map[string]core.ContextOutput, workerID string) bool {
	for key, out := range ctx {
		if key == workerID || out.WorkerID == workerID {
			return true
		}
	}
	return false
}
