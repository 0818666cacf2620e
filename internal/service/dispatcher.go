// Package service wires classification, routing, graph building, execution
// and recovery into one request-to-result flow. The Dispatcher owns the
// background runs and is the DecisionResolver exposed over HTTP and CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/worker"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/classify"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/control"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/engine"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/recovery"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/registry"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/router"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/snapshot"
)

// Deps holds the Dispatcher collaborators. Every field but Logger, Bus and
// DefaultTemplate is required.
type Deps struct {
	Registry   *registry.Registry
	Classifier *classify.Classifier
	Router     *router.Router
	Builder    *graph.Builder
	Recovery   *recovery.Manager
	Engine     *engine.Engine
	Store      core.StateStore
	Bus        *events.EventBus
	Logger     *logging.Logger
	// DefaultTemplate applies when neither the request nor the caller names one.
	DefaultTemplate string
}

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	// Template overrides the request's template parameter and the default.
	Template string
	// Context seeds routing affinity with earlier outputs.
	Context map[string]core.ContextOutput
}

// handle tracks one background run.
type handle struct {
	plane   *control.Plane
	done    chan struct{}
	summary *engine.Summary
	err     error
}

// Dispatcher is the request-to-result entry point.
type Dispatcher struct {
	registry   *registry.Registry
	classifier *classify.Classifier
	router     *router.Router
	builder    *graph.Builder
	recovery   *recovery.Manager
	engine     *engine.Engine
	store      core.StateStore
	bus        *events.EventBus
	logger     *logging.Logger
	template   string
	controls   *control.Registry
	metrics    *MetricsCollector

	// exec is the catalog-driven invoker, nil when one was injected.
	exec    *worker.ExecInvoker
	closers []func() error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	runs      map[core.WorkflowID]*handle
	decisions map[string]core.WorkflowID
}

// New creates a Dispatcher.
func New(deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("service: registry is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("service: classifier is required")
	case deps.Router == nil:
		return nil, fmt.Errorf("service: router is required")
	case deps.Builder == nil:
		return nil, fmt.Errorf("service: graph builder is required")
	case deps.Recovery == nil:
		return nil, fmt.Errorf("service: recovery manager is required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("service: engine is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("service: state store is required")
	}
	if deps.DefaultTemplate == "" {
		deps.DefaultTemplate = graph.TemplateFull
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:   deps.Registry,
		classifier: deps.Classifier,
		router:     deps.Router,
		builder:    deps.Builder,
		recovery:   deps.Recovery,
		engine:     deps.Engine,
		store:      deps.Store,
		bus:        deps.Bus,
		logger:     logging.OrNop(deps.Logger).WithComponent("dispatcher"),
		template:   deps.DefaultTemplate,
		controls:   control.NewRegistry(),
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[core.WorkflowID]*handle),
		decisions:  make(map[string]core.WorkflowID),
		metrics:    NewMetricsCollector(),
	}
	if d.bus != nil {
		ch := d.bus.Subscribe()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.bus.Unsubscribe(ch)
			d.metrics.Run(d.ctx, ch)
		}()
	}
	return d, nil
}

// Bus returns the event bus, nil when none was configured.
func (d *Dispatcher) Bus() *events.EventBus {
	return d.bus
}

// Registry returns the capability registry.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Metrics returns the event-derived dispatch metrics.
func (d *Dispatcher) Metrics() MetricsSnapshot {
	return d.metrics.Snapshot()
}

// WatchCatalog reloads the worker catalog at path on change until the
// dispatcher closes. Reloaded commands reach the catalog-driven invoker.
func (d *Dispatcher) WatchCatalog(path string) error {
	return d.registry.Watch(d.ctx, path, func(c *registry.Catalog) {
		d.classifier.Update(c)
		if d.exec != nil {
			d.exec.Update(c)
		}
		d.logger.Info("worker catalog reloaded", "path", path, "workers", len(c.Workers))
	})
}

// Route classifies raw and routes it without creating a workflow. A request
// naming several workers yields one decision per mention.
func (d *Dispatcher) Route(raw string) (core.Request, []core.RoutingDecision, error) {
	req, err := d.classify(raw)
	if err != nil {
		return core.Request{}, nil, err
	}
	decisions, err := d.decideAll(req, nil)
	return req, decisions, err
}

// Plan classifies, routes and builds a workflow for raw and persists it
// without running it. A request no worker can serve yields a workflow
// already awaiting a decision, with no tasks.
func (d *Dispatcher) Plan(ctx context.Context, raw string, opts SubmitOptions) (*core.Workflow, error) {
	req, err := d.classify(raw)
	if err != nil {
		return nil, err
	}
	template := d.templateFor(req, opts)
	log := d.logger.With("request_id", req.ID)

	decisions, routeErr := d.decideAll(req, opts.Context)
	if routeErr != nil {
		if core.ErrorCode(routeErr) != core.CodeNoCapableWorker {
			return nil, routeErr
		}
		return d.escalate(ctx, req, template, routeErr)
	}

	wf, err := d.builder.Build(decisions, template)
	if err != nil {
		return nil, err
	}
	wf.Request = &req
	if _, err := graph.Validate(wf); err != nil {
		return nil, err
	}
	d.created(ctx, wf)
	workers := make([]string, 0, len(decisions))
	for _, dec := range decisions {
		d.engine.Emit(ctx, wf, events.NewRoutingDecidedEvent(string(wf.ID), req.ID, string(dec.Method),
			dec.SelectedWorkers, dec.Score), "")
		workers = append(workers, dec.SelectedWorkers...)
	}
	if err := d.engine.Persist(ctx, wf); err != nil {
		return nil, fmt.Errorf("saving workflow: %w", err)
	}
	log.Info("workflow planned", "workflow_id", wf.ID, "template", wf.Template,
		"method", decisions[0].Method, "workers", workers, "tasks", len(wf.Tasks))
	return wf, nil
}

// escalate creates a taskless workflow blocked on a NO_CAPABLE_WORKER decision.
func (d *Dispatcher) escalate(ctx context.Context, req core.Request, template string, cause error) (*core.Workflow, error) {
	wf, err := d.builder.Build(nil, template)
	if err != nil {
		return nil, err
	}
	wf.Request = &req
	d.created(ctx, wf)
	dp, err := d.recovery.Escalate(wf, cause)
	if err != nil {
		return nil, err
	}
	d.index(wf)
	d.engine.EmitPriority(ctx, wf, events.NewDecisionOpenedEvent(string(wf.ID), dp.ID, "", dp.Reason, optionNames(dp)), "")
	if err := d.engine.Persist(ctx, wf); err != nil {
		return nil, fmt.Errorf("saving workflow: %w", err)
	}
	d.logger.Warn("no capable worker, decision opened", "workflow_id", wf.ID, "decision_id", dp.ID,
		"tags", req.Tags, "error", cause)
	return wf, nil
}

func (d *Dispatcher) created(ctx context.Context, wf *core.Workflow) {
	phases := make([]string, 0, len(wf.Phases))
	for _, g := range wf.Phases {
		phases = append(phases, string(g.Phase))
	}
	d.engine.Emit(ctx, wf, events.NewWorkflowCreatedEvent(string(wf.ID), wf.Template, phases, len(wf.Tasks)), "")
}

// classify parses raw. An unresolvable worker reference only downgrades the
// request to heuristic routing.
func (d *Dispatcher) classify(raw string) (core.Request, error) {
	req, err := d.classifier.Classify(raw)
	if err != nil {
		if core.ErrorCode(err) != core.CodeUnknownWorkerReference {
			return core.Request{}, err
		}
		d.logger.Warn("unknown worker reference, routing heuristically", "request_id", req.ID, "error", err)
	}
	return req, nil
}

// decideAll routes each mention of req separately so the builder can place
// every named worker in the phase of its category.
func (d *Dispatcher) decideAll(req core.Request, contextData map[string]core.ContextOutput) ([]core.RoutingDecision, error) {
	parts := req.PerMention()
	decisions := make([]core.RoutingDecision, 0, len(parts))
	for _, part := range parts {
		decision, err := d.decide(part, contextData)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

// decide routes req. An explicit reference to an unusable worker falls back
// to heuristic routing without it.
func (d *Dispatcher) decide(req core.Request, contextData map[string]core.ContextOutput) (core.RoutingDecision, error) {
	decision, err := d.router.Route(req, contextData)
	if err == nil || !req.HasExplicitRef() {
		return decision, err
	}
	if !recovery.IsHealth(core.ErrorCode(err)) {
		return decision, err
	}
	d.logger.Warn("explicit worker unavailable, routing heuristically",
		"request_id", req.ID, "worker_id", req.ExplicitWorkerRef, "error", err)
	return d.router.RouteExcluding(req, contextData, req.ExplicitWorkerRef)
}

func (d *Dispatcher) templateFor(req core.Request, opts SubmitOptions) string {
	switch {
	case opts.Template != "":
		return opts.Template
	case req.Params["template"] != "":
		return req.Params["template"]
	case req.Params["pattern"] != "":
		return req.Params["pattern"]
	}
	return d.template
}

// Submit plans raw and starts running it in the background.
func (d *Dispatcher) Submit(ctx context.Context, raw string, opts SubmitOptions) (*core.Workflow, error) {
	wf, err := d.Plan(ctx, raw, opts)
	if err != nil {
		return nil, err
	}
	if wf.State == core.WorkflowAwaitingDecision {
		return wf, nil
	}
	snapshot, err := d.store.Load(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if err := d.launch(wf); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Run executes a persisted workflow to its next stopping point and returns
// its summary. Interrupted workflows resume where they stopped.
func (d *Dispatcher) Run(ctx context.Context, id core.WorkflowID) (*engine.Summary, error) {
	wf, err := d.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := d.acquire(wf.ID)
	if err != nil {
		return nil, err
	}
	h.summary, h.err = d.execute(ctx, wf, h)
	d.finish(wf, h)
	return h.summary, h.err
}

// Start runs a persisted workflow in the background.
func (d *Dispatcher) Start(ctx context.Context, id core.WorkflowID) error {
	wf, err := d.store.Load(ctx, id)
	if err != nil {
		return err
	}
	return d.launch(wf)
}

func (d *Dispatcher) launch(wf *core.Workflow) error {
	h, err := d.acquire(wf.ID)
	if err != nil {
		return err
	}
	err = d.spawn(func() {
		h.summary, h.err = d.execute(d.ctx, wf, h)
		d.finish(wf, h)
	})
	if err != nil {
		d.controls.Release(h.plane)
		close(h.done)
	}
	return err
}

// spawn runs fn in a goroutine that Close waits for. The closed check and
// wg.Add share d.mu with Close, so no goroutine starts once Close waits.
func (d *Dispatcher) spawn(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return errClosed()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return nil
}

func errClosed() error {
	return core.ErrState(core.CodeInvalidState, "dispatcher is closed")
}

func (d *Dispatcher) acquire(id core.WorkflowID) (*handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return nil, errClosed()
	}
	if h, ok := d.runs[id]; ok {
		select {
		case <-h.done:
		default:
			return nil, core.ErrState(core.CodeInvalidState, fmt.Sprintf("workflow %s is already running", id))
		}
	}
	h := &handle{plane: d.controls.Acquire(id), done: make(chan struct{})}
	d.runs[id] = h
	return h, nil
}

func (d *Dispatcher) execute(ctx context.Context, wf *core.Workflow, h *handle) (*engine.Summary, error) {
	summary, err := d.engine.Run(ctx, wf, h.plane)
	d.index(wf)
	if serr := d.SaveStats(context.WithoutCancel(ctx)); serr != nil {
		d.logger.Warn("worker stats not persisted", "error", serr)
	}
	if err != nil {
		d.logger.Error("workflow run failed", "workflow_id", wf.ID, "error", err)
	}
	return summary, err
}

func (d *Dispatcher) finish(wf *core.Workflow, h *handle) {
	d.controls.Release(h.plane)
	close(h.done)
	d.logger.Info("workflow run ended", "workflow_id", wf.ID, "state", wf.State)
}

// Wait blocks until the background run of id ends and returns its summary.
// A workflow that is not running returns the summary of its stored state.
func (d *Dispatcher) Wait(ctx context.Context, id core.WorkflowID) (*engine.Summary, error) {
	d.mu.Lock()
	h, ok := d.runs[id]
	d.mu.Unlock()
	if !ok {
		wf, err := d.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		s := engine.Summarize(wf)
		return &s, nil
	}
	select {
	case <-h.done:
		return h.summary, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Running reports whether id has a run in progress.
func (d *Dispatcher) Running(id core.WorkflowID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.runs[id]
	if !ok {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Active lists the control status of every running workflow.
func (d *Dispatcher) Active() []control.Status {
	return d.controls.Active()
}

// Resolve applies option to the open decision point decisionID, persists
// the result and, unless the workflow was abandoned, resumes it in the
// background. It returns the workflow as persisted after the resolution.
func (d *Dispatcher) Resolve(ctx context.Context, decisionID string, option core.DecisionOption) (*core.Workflow, error) {
	id, err := d.lookupDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if d.Running(id) {
		return nil, core.ErrState(core.CodeInvalidState, fmt.Sprintf("workflow %s is still running", id))
	}
	wf, err := d.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Decision == nil || wf.Decision.ID != decisionID {
		return nil, core.ErrNotFound("decision point", decisionID)
	}

	if err := d.recovery.Resolve(wf, option); err != nil {
		return nil, err
	}
	d.mu.Lock()
	delete(d.decisions, decisionID)
	d.mu.Unlock()

	d.engine.EmitPriority(ctx, wf, events.NewDecisionResolvedEvent(string(wf.ID), decisionID, string(option)), "")
	if wf.State == core.WorkflowFailed {
		d.engine.EmitPriority(ctx, wf, events.NewWorkflowFailedEvent(string(wf.ID), wf.Error), "")
	}
	if err := d.engine.Persist(ctx, wf); err != nil {
		return nil, fmt.Errorf("saving workflow: %w", err)
	}
	d.logger.Info("decision resolved", "workflow_id", wf.ID, "decision_id", decisionID, "option", option)

	snapshot, err := d.store.Load(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if wf.State == core.WorkflowActive {
		if err := d.launch(wf); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}

func (d *Dispatcher) lookupDecision(ctx context.Context, decisionID string) (core.WorkflowID, error) {
	d.mu.Lock()
	id, ok := d.decisions[decisionID]
	d.mu.Unlock()
	if ok {
		return id, nil
	}
	list, err := d.store.ListWorkflows(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range list {
		if s.DecisionID == decisionID {
			return s.WorkflowID, nil
		}
	}
	return "", core.ErrNotFound("decision point", decisionID)
}

func (d *Dispatcher) index(wf *core.Workflow) {
	if wf.Decision == nil {
		return
	}
	d.mu.Lock()
	d.decisions[wf.Decision.ID] = wf.ID
	d.mu.Unlock()
}

// Cancel stops a workflow. A running workflow stops dispatching and cancels
// its in-flight tasks; a stored one moves straight to Cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, id core.WorkflowID) error {
	if p, ok := d.controls.Get(id); ok {
		p.Cancel()
		return nil
	}
	wf, err := d.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := wf.Cancel(); err != nil {
		return err
	}
	d.engine.EmitPriority(ctx, wf, events.NewWorkflowCancelledEvent(string(wf.ID), 0), "")
	return d.engine.Persist(ctx, wf)
}

// Pause holds new dispatches of a running workflow.
func (d *Dispatcher) Pause(id core.WorkflowID) error {
	p, ok := d.controls.Get(id)
	if !ok {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("workflow %s is not running", id))
	}
	p.Pause()
	return nil
}

// Resume releases a paused workflow.
func (d *Dispatcher) Resume(id core.WorkflowID) error {
	p, ok := d.controls.Get(id)
	if !ok {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("workflow %s is not running", id))
	}
	p.Resume()
	return nil
}

// Workflow returns the persisted state of id.
func (d *Dispatcher) Workflow(ctx context.Context, id core.WorkflowID) (*core.Workflow, error) {
	return d.store.Load(ctx, id)
}

// Workflows lists persisted workflows, most recently updated first.
func (d *Dispatcher) Workflows(ctx context.Context) ([]core.WorkflowSummary, error) {
	return d.store.ListWorkflows(ctx)
}

// Events returns the audit log of id.
func (d *Dispatcher) Events(ctx context.Context, id core.WorkflowID) ([]core.StoredEvent, error) {
	return d.store.Events(ctx, id)
}

// Handoffs returns the handoff records of id in completion order.
func (d *Dispatcher) Handoffs(ctx context.Context, id core.WorkflowID) ([]core.HandoffRecord, error) {
	wf, err := d.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return wf.Handoffs, nil
}

// Export archives persisted workflows and their audit logs.
func (d *Dispatcher) Export(ctx context.Context, opts *snapshot.ExportOptions) (*snapshot.ExportResult, error) {
	if opts != nil && opts.IncludeStats {
		if err := d.SaveStats(ctx); err != nil {
			d.logger.Warn("worker stats not saved before export", "error", err)
		}
	}
	return snapshot.Export(ctx, d.store, opts)
}

// Import restores workflows from an archive. Workflows running in this
// process are never overwritten.
func (d *Dispatcher) Import(ctx context.Context, opts *snapshot.ImportOptions) (*snapshot.ImportReport, error) {
	if opts != nil && opts.ConflictPolicy == snapshot.ConflictOverwrite {
		manifest, err := snapshot.Validate(opts.InputPath)
		if err != nil {
			return nil, err
		}
		for _, w := range manifest.Workflows {
			if d.Running(w.ID) {
				return nil, core.ErrState(core.CodeInvalidState,
					fmt.Sprintf("workflow %s is running and cannot be overwritten", w.ID))
			}
		}
	}
	report, err := snapshot.Import(ctx, d.store, opts)
	if err != nil {
		return nil, err
	}
	if report.StatsRestored && !report.DryRun {
		if _, err := d.RestoreStats(ctx); err != nil {
			d.logger.Warn("imported worker stats not applied", "error", err)
		}
	}
	d.logger.Info("snapshot imported", "path", opts.InputPath, "workflows", len(report.Workflows), "dry_run", report.DryRun)
	return report, nil
}

// RestoreStats seeds the registry with persisted performance history.
func (d *Dispatcher) RestoreStats(ctx context.Context) (int, error) {
	stats, err := d.store.LoadWorkerStats(ctx)
	if err != nil {
		return 0, err
	}
	return d.registry.Restore(stats), nil
}

// SaveStats persists the registry's performance statistics.
func (d *Dispatcher) SaveStats(ctx context.Context) error {
	return d.store.SaveWorkerStats(ctx, d.registry.Stats())
}

// Close cancels background runs, waits up to the context deadline for them
// to stop, persists worker statistics and releases what the Builder opened.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for runs: %w", ctx.Err()))
	}
	if err := d.SaveStats(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("saving worker stats: %w", err))
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// SweepEvery runs the registry's circuit sweeper until the dispatcher
// closes. It fails once the dispatcher is closed.
func (d *Dispatcher) SweepEvery(interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	return d.spawn(func() {
		d.registry.RunSweeper(d.ctx, interval)
	})
}

func optionNames(dp *core.DecisionPoint) []string {
	out := make([]string, 0, len(dp.Options))
	for _, o := range dp.Options {
		out = append(out, string(o))
	}
	return out
}

var _ core.DecisionResolver = (*Dispatcher)(nil)
