// Package engine runs workflows: it dispatches ready tasks to a bounded
// worker pool, enforces timeouts and resource budgets, and hands failures
// to recovery.
//
// One goroutine per run owns the workflow. Invocations run on pool
// goroutines and report back over a channel; only the run loop mutates
// tasks, persists state and emits events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/control"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/recovery"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/registry"
)

// Health re-validates a worker right before dispatch.
type Health interface {
	Check(workerID string) error
}

// Reporter receives task outcomes for rolling worker statistics.
type Reporter interface {
	ReportOutcome(workerID string, o registry.Outcome) error
}

// Recoverer handles failed tasks and stuck workflows.
type Recoverer interface {
	Recover(wf *core.Workflow, task *core.Task, errorKind string) (recovery.Outcome, error)
	EscalateTask(wf *core.Workflow, task *core.Task) (*core.DecisionPoint, error)
}

// Deps holds the engine collaborators. Invoker and Recovery are required.
type Deps struct {
	Config    Config
	Invoker   core.WorkerInvoker
	Health    Health
	Reporter  Reporter
	Recovery  Recoverer
	Store     core.StateStore
	Publisher events.Publisher
	Logger    *logging.Logger
	// Persist retries transient store failures.
	Persist recovery.Backoff
	Now     func() time.Time
}

// Engine executes workflows.
type Engine struct {
	cfg      Config
	invoker  core.WorkerInvoker
	health   Health
	reporter Reporter
	recovery Recoverer
	store    core.StateStore
	bus      events.Publisher
	logger   *logging.Logger
	persist  recovery.Backoff
	now      func() time.Time

	limiter *RateLimiter
	memory  *semaphore.Weighted
	cpu     *semaphore.Weighted
}

// New creates an engine.
func New(deps Deps) (*Engine, error) {
	if deps.Invoker == nil {
		return nil, fmt.Errorf("engine: invoker is required")
	}
	if deps.Recovery == nil {
		return nil, fmt.Errorf("engine: recovery is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Persist.MaxAttempts == 0 {
		deps.Persist = recovery.Backoff{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	}
	cfg := deps.Config.normalized()
	e := &Engine{
		cfg:      cfg,
		invoker:  deps.Invoker,
		health:   deps.Health,
		reporter: deps.Reporter,
		recovery: deps.Recovery,
		store:    deps.Store,
		bus:      deps.Publisher,
		logger:   logging.OrNop(deps.Logger).WithComponent("engine"),
		persist:  deps.Persist,
		now:      deps.Now,
	}
	if cfg.DispatchRate > 0 {
		e.limiter = NewRateLimiter(cfg.DispatchRate, cfg.DispatchBurst, deps.Now)
	}
	if cfg.MemoryBudget > 0 {
		e.memory = semaphore.NewWeighted(cfg.MemoryBudget)
	}
	if cfg.CPUBudget > 0 {
		e.cpu = semaphore.NewWeighted(cfg.CPUBudget)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// result is what a pool goroutine sends back for one attempt.
type result struct {
	taskID    core.TaskID
	attempt   int
	output    *core.Output
	err       error
	timedOut  bool
	cancelled bool
	latency   time.Duration
}

// run is the state of one Run call.
type run struct {
	wf       *core.Workflow
	plane    *control.Plane
	log      *logging.Logger
	results  chan result
	inflight int
	held     map[core.TaskID]Class
	locks    map[string]core.TaskID
	paused   bool
	dirty    bool
	group    errgroup.Group
}

// Run drives wf until it completes, awaits a decision, is cancelled or ctx
// ends. It resumes workflows that were interrupted: tasks found in flight
// are queued again. A nil plane gets a private one.
func (e *Engine) Run(ctx context.Context, wf *core.Workflow, plane *control.Plane) (*Summary, error) {
	if plane == nil {
		plane = control.New(wf.ID)
	}
	log := e.logger.WithWorkflow(string(wf.ID))

	switch {
	case wf.State.IsTerminal():
		s := Summarize(wf)
		return &s, nil
	case wf.State == core.WorkflowAwaitingDecision:
		log.Info("workflow awaits a decision", "decision_id", wf.Decision.ID)
		s := Summarize(wf)
		return &s, nil
	}

	resumed := wf.State == core.WorkflowActive
	for _, id := range wf.TaskOrder {
		wf.Tasks[id].Requeue()
	}
	if err := wf.Start(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	plane.Bind(cancel)

	r := &run{
		wf:      wf,
		plane:   plane,
		log:     log,
		results: make(chan result, e.cfg.MaxConcurrent),
		held:    make(map[core.TaskID]Class),
		locks:   make(map[string]core.TaskID),
	}
	e.emit(ctx, wf, events.NewWorkflowStartedEvent(string(wf.ID), resumed), "")
	e.save(ctx, wf)
	log.Info("workflow started", "tasks", len(wf.Tasks), "phases", len(wf.Phases), "resumed", resumed)

	err := e.loop(runCtx, ctx, r)
	_ = r.group.Wait()

	s := Summarize(wf)
	return &s, err
}

func (e *Engine) loop(runCtx, ctx context.Context, r *run) error {
	wf := r.wf
	for {
		if runCtx.Err() != nil || r.plane.IsCancelled() {
			return e.cancel(ctx, r)
		}
		e.syncPause(ctx, r)

		e.propagate(ctx, r)
		var wake time.Duration
		if wf.State == core.WorkflowActive && !r.paused {
			wake = e.dispatch(runCtx, ctx, r)
		}
		e.handoffs(ctx, wf)
		if r.dirty {
			e.save(ctx, wf)
			r.dirty = false
		}

		if r.inflight == 0 {
			switch {
			case wf.State == core.WorkflowAwaitingDecision:
				e.emitPriority(ctx, wf, stateUpdated(wf, string(core.WorkflowAwaitingDecision)), "")
				r.log.Info("workflow awaiting decision", "decision_id", wf.Decision.ID, "reason", wf.Decision.Reason)
				return nil
			case wf.AllResolved():
				return e.complete(ctx, r)
			case r.paused || wake > 0 || e.pending(wf):
			case len(wf.ReadyTasks(e.now())) > 0:
				// Recovery queued a replacement during dispatch.
				continue
			default:
				if err := e.escalate(ctx, r); err != nil {
					return err
				}
				continue
			}
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if d := e.nextWake(wf, wake); d > 0 && !r.paused {
			timer = time.NewTimer(d)
			fire = timer.C
		}

		select {
		case res := <-r.results:
			e.complete1(ctx, r, res)
		case <-r.plane.Changed():
		case <-fire:
		case <-runCtx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// pending reports whether some task waits only on time: a retry backoff.
func (e *Engine) pending(wf *core.Workflow) bool {
	now := e.now()
	for _, id := range wf.TaskOrder {
		t := wf.Tasks[id]
		if t.State == core.TaskRetrying && t.NotBefore != nil && now.Before(*t.NotBefore) {
			return true
		}
	}
	return false
}

// nextWake returns the shorter of the rate limiter wait and the earliest
// retry backoff still running.
func (e *Engine) nextWake(wf *core.Workflow, limiter time.Duration) time.Duration {
	next := limiter
	now := e.now()
	for _, id := range wf.TaskOrder {
		t := wf.Tasks[id]
		if t.State != core.TaskRetrying || t.NotBefore == nil {
			continue
		}
		d := t.NotBefore.Sub(now)
		if d <= 0 {
			d = time.Millisecond
		}
		if next == 0 || d < next {
			next = d
		}
	}
	return next
}

func (e *Engine) syncPause(ctx context.Context, r *run) {
	paused := r.plane.IsPaused()
	if paused == r.paused {
		return
	}
	r.paused = paused
	if paused {
		r.log.Info("workflow paused", "in_flight", r.inflight)
		e.emit(ctx, r.wf, events.NewWorkflowPausedEvent(string(r.wf.ID)), "")
		return
	}
	r.log.Info("workflow resumed")
	e.emit(ctx, r.wf, events.NewWorkflowResumedEvent(string(r.wf.ID)), "")
}

// propagate fails, without dispatch, every waiting task whose dependency
// failed terminally. Repeats until chains are exhausted.
func (e *Engine) propagate(ctx context.Context, r *run) {
	wf := r.wf
	for changed := true; changed; {
		changed = false
		for _, id := range wf.TaskOrder {
			t := wf.Tasks[id]
			if t.State != core.TaskQueued && t.State != core.TaskRetrying {
				continue
			}
			dep, failed := wf.FailedDependency(t)
			if !failed {
				continue
			}
			cause := core.ErrDependencyFailed(string(t.ID), string(dep))
			if err := t.MarkFinalFailed(core.CodeDependencyFailed, cause); err != nil {
				r.log.Error("dependency propagation failed", "task_id", t.ID, "error", err)
				continue
			}
			changed = true
			r.dirty = true
			r.log.WithTask(string(t.ID)).Warn("dependency failed, task not dispatched", "dependency", dep)
			e.emit(ctx, wf, events.NewTaskEvent(events.TypeTaskDependencyFailed, string(wf.ID), string(t.ID), t.WorkerID, string(t.Phase), t.Attempt).
				WithError(core.CodeDependencyFailed, cause.Error()), t.ID)
		}
	}
}

// dispatch starts every ready task the pool, budgets, locks and rate limit
// admit. It returns the rate limiter wait when a token was missing.
func (e *Engine) dispatch(runCtx, ctx context.Context, r *run) time.Duration {
	wf := r.wf
	for _, t := range wf.ReadyTasks(e.now()) {
		if wf.State != core.WorkflowActive || r.inflight >= e.cfg.MaxConcurrent {
			return 0
		}
		if !r.locksFree(t) {
			continue
		}
		cl := e.cfg.class(t.Class)
		if !e.acquire(cl) {
			continue
		}
		if e.limiter != nil && !e.limiter.TryAcquire() {
			e.release(cl)
			return max(e.limiter.NextIn(), time.Millisecond)
		}

		if e.health != nil {
			if err := e.health.Check(t.WorkerID); err != nil {
				e.release(cl)
				r.log.WithTask(string(t.ID)).Warn("worker failed dispatch validation", "worker", t.WorkerID, "error", err)
				e.recover(ctx, r, t, core.ErrorCode(err))
				continue
			}
		}

		if err := t.MarkDispatched(); err != nil {
			e.release(cl)
			r.log.Error("dispatch rejected", "task_id", t.ID, "error", err)
			continue
		}
		e.emit(ctx, wf, events.NewTaskEvent(events.TypeTaskDispatched, string(wf.ID), string(t.ID), t.WorkerID, string(t.Phase), t.Attempt), t.ID)
		if err := t.MarkRunning(); err != nil {
			r.log.Error("task could not start", "task_id", t.ID, "error", err)
		}
		e.emit(ctx, wf, events.NewTaskEvent(events.TypeTaskRunning, string(wf.ID), string(t.ID), t.WorkerID, string(t.Phase), t.Attempt), t.ID)

		r.held[t.ID] = cl
		for _, l := range t.Locks {
			r.locks[l] = t.ID
		}
		r.inflight++
		r.dirty = true

		inv := core.Invocation{
			WorkflowID: wf.ID,
			TaskID:     t.ID,
			WorkerID:   t.WorkerID,
			Variant:    t.Variant,
			Phase:      t.Phase,
			Attempt:    t.Attempt,
			Request:    t.Decision.Request,
			Inputs:     inputs(wf, t),
			Timeout:    cl.Timeout,
		}
		r.log.WithTask(string(t.ID)).Debug("task dispatched", "worker", t.WorkerID, "attempt", t.Attempt, "timeout", cl.Timeout)
		r.group.Go(func() error {
			r.results <- e.invoke(runCtx, inv)
			return nil
		})
	}
	return 0
}

func (r *run) locksFree(t *core.Task) bool {
	for _, l := range t.Locks {
		if _, held := r.locks[l]; held {
			return false
		}
	}
	return true
}

func (e *Engine) acquire(cl Class) bool {
	mem := e.clamp(e.memory, cl.Memory, e.cfg.MemoryBudget)
	cpu := e.clamp(e.cpu, cl.CPU, e.cfg.CPUBudget)
	if e.memory != nil && !e.memory.TryAcquire(mem) {
		return false
	}
	if e.cpu != nil && !e.cpu.TryAcquire(cpu) {
		if e.memory != nil {
			e.memory.Release(mem)
		}
		return false
	}
	return true
}

func (e *Engine) release(cl Class) {
	if e.memory != nil {
		e.memory.Release(e.clamp(e.memory, cl.Memory, e.cfg.MemoryBudget))
	}
	if e.cpu != nil {
		e.cpu.Release(e.clamp(e.cpu, cl.CPU, e.cfg.CPUBudget))
	}
}

// clamp caps a weight at the budget so an oversized class still runs alone.
func (e *Engine) clamp(sem *semaphore.Weighted, weight, budget int64) int64 {
	if sem == nil || weight <= budget {
		return weight
	}
	return budget
}

func inputs(wf *core.Workflow, t *core.Task) map[core.TaskID]string {
	if len(t.DependsOn) == 0 {
		return nil
	}
	out := make(map[core.TaskID]string, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if d, ok := wf.Tasks[dep]; ok && d.State == core.TaskSucceeded {
			out[dep] = d.Result
		}
	}
	return out
}

// invoke runs one attempt under its class timeout. An invoker that ignores
// its context is abandoned once the deadline passes.
func (e *Engine) invoke(runCtx context.Context, inv core.Invocation) result {
	ctx, cancel := context.WithTimeout(runCtx, inv.Timeout)
	defer cancel()

	type reply struct {
		out *core.Output
		err error
	}
	done := make(chan reply, 1)
	start := time.Now()
	go func() {
		out, err := e.invoker.Invoke(ctx, inv)
		done <- reply{out: out, err: err}
	}()

	res := result{taskID: inv.TaskID, attempt: inv.Attempt}
	select {
	case rep := <-done:
		res.output, res.err = rep.out, rep.err
	case <-ctx.Done():
	}
	res.latency = time.Since(start)

	switch {
	case res.err == nil && res.output != nil:
	case runCtx.Err() != nil:
		res.cancelled = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.timedOut = true
		res.err = core.ErrTimeout(fmt.Sprintf("task %s exceeded %s", inv.TaskID, inv.Timeout))
	case res.err == nil:
		res.err = core.ErrExecution(core.CodeWorkerFailed, "worker returned no output")
	}
	return res
}

// complete1 applies one attempt result.
func (e *Engine) complete1(ctx context.Context, r *run, res result) {
	wf := r.wf
	r.inflight--
	r.dirty = true
	t, ok := wf.GetTask(res.taskID)
	if !ok {
		r.log.Error("result for unknown task", "task_id", res.taskID)
		return
	}
	if cl, ok := r.held[t.ID]; ok {
		e.release(cl)
		delete(r.held, t.ID)
	}
	for _, l := range t.Locks {
		if r.locks[l] == t.ID {
			delete(r.locks, l)
		}
	}
	log := r.log.WithTask(string(t.ID)).WithWorker(t.WorkerID)

	if res.cancelled {
		t.Requeue()
		log.Info("in-flight task aborted by cancellation")
		return
	}

	e.report(t, res)

	if res.err == nil {
		if err := t.MarkSucceeded(res.output.Deliverable); err != nil {
			log.Error("could not record success", "error", err)
			return
		}
		log.Info("task succeeded", "attempt", t.Attempt, "latency", res.latency)
		e.emit(ctx, wf, events.NewTaskEvent(events.TypeTaskSucceeded, string(wf.ID), string(t.ID), t.WorkerID, string(t.Phase), t.Attempt).
			WithDuration(res.latency), t.ID)
		e.handoff(ctx, wf, t, res.output.Next)
		e.emit(ctx, wf, stateUpdated(wf, string(t.Phase)), "")
		return
	}

	kind := errorKind(res.err)
	if res.timedOut {
		_ = t.MarkTimedOut(res.err)
		e.emit(ctx, wf, events.NewTaskEvent(events.TypeTaskTimedOut, string(wf.ID), string(t.ID), t.WorkerID, string(t.Phase), t.Attempt).
			WithError(kind, res.err.Error()).WithDuration(res.latency), t.ID)
	} else {
		_ = t.MarkFailed(kind, res.err)
		e.emit(ctx, wf, events.NewTaskEvent(events.TypeTaskFailed, string(wf.ID), string(t.ID), t.WorkerID, string(t.Phase), t.Attempt).
			WithError(kind, res.err.Error()).WithDuration(res.latency), t.ID)
	}
	log.Warn("task attempt failed", "attempt", t.Attempt, "error_kind", kind, "error", res.err)
	e.recover(ctx, r, t, kind)
}

func (e *Engine) report(t *core.Task, res result) {
	if e.reporter == nil {
		return
	}
	o := registry.Outcome{
		Success: res.err == nil,
		Latency: res.latency,
		Key:     registry.OutcomeKey(t.ID, t.TotalAttempts),
	}
	if err := e.reporter.ReportOutcome(t.WorkerID, o); err != nil {
		e.logger.Debug("outcome not recorded", "worker", t.WorkerID, "error", err)
	}
}

func errorKind(err error) string {
	kind := core.ErrorCode(err)
	if kind == core.CodeInternal {
		return core.CodeWorkerFailed
	}
	return kind
}

// recover hands a failed task to recovery and publishes what it decided.
func (e *Engine) recover(ctx context.Context, r *run, t *core.Task, kind string) {
	wf := r.wf
	r.dirty = true
	out, err := e.recovery.Recover(wf, t, kind)
	if err != nil {
		r.log.Error("recovery failed", "task_id", t.ID, "error", err)
		if !t.IsTerminal() {
			_ = t.MarkFinalFailed(kind, err)
		}
		return
	}

	switch out.Action {
	case recovery.RetrySameWorker:
		ev := events.NewTaskEvent(events.TypeTaskRetrying, string(wf.ID), string(t.ID), t.WorkerID, string(t.Phase), t.Attempt)
		ev.Delay = out.Delay
		e.emit(ctx, wf, ev.WithError(kind, t.Error), t.ID)
	case recovery.RerouteToFallback:
		ev := events.NewTaskEvent(events.TypeTaskRerouted, string(wf.ID), string(t.ID), t.WorkerID, string(t.Phase), t.Attempt)
		ev.Fallback = out.Replacement.WorkerID
		ev.Final = true
		e.emit(ctx, wf, ev.WithError(kind, t.Error), t.ID)
	case recovery.OpenDecisionPoint:
		if dp := out.Decision; dp != nil {
			e.emitPriority(ctx, wf, events.NewDecisionOpenedEvent(string(wf.ID), dp.ID, string(dp.BlockingTaskID), dp.Reason, options(dp)), dp.BlockingTaskID)
		}
	}
}

// escalate opens a decision for the first task that is terminally failed
// without a replacement, when nothing else can make progress.
func (e *Engine) escalate(ctx context.Context, r *run) error {
	wf := r.wf
	for _, id := range wf.TaskOrder {
		t := wf.Tasks[id]
		if t.State == core.TaskFailed && t.Final && t.ReplacedBy == "" {
			dp, err := e.recovery.EscalateTask(wf, t)
			if err != nil {
				return err
			}
			r.dirty = true
			r.log.Warn("workflow stalled on failed task", "task_id", t.ID, "decision_id", dp.ID, "reason", dp.Reason)
			e.emitPriority(ctx, wf, events.NewDecisionOpenedEvent(string(wf.ID), dp.ID, string(t.ID), dp.Reason, options(dp)), t.ID)
			return nil
		}
	}
	return core.ErrState(core.CodeInvalidState, fmt.Sprintf("workflow %s cannot make progress", wf.ID))
}

func (e *Engine) complete(ctx context.Context, r *run) error {
	wf := r.wf
	if err := wf.Complete(); err != nil {
		return err
	}
	for _, t := range wf.Tasks {
		if t.State == core.TaskSkipped {
			wf.Partial = true
		}
	}
	e.save(ctx, wf)
	var dur time.Duration
	if wf.StartedAt != nil && wf.CompletedAt != nil {
		dur = wf.CompletedAt.Sub(*wf.StartedAt)
	}
	r.log.Info("workflow completed", "duration", dur, "partial", wf.Partial)
	e.emitPriority(ctx, wf, events.NewWorkflowCompletedEvent(string(wf.ID), dur, wf.Partial), "")
	return nil
}

// cancel waits for in-flight attempts to unwind, then marks the workflow
// cancelled. Succeeded results are kept.
func (e *Engine) cancel(ctx context.Context, r *run) error {
	wf := r.wf
	aborted := r.inflight
	for r.inflight > 0 {
		e.complete1(ctx, r, <-r.results)
	}
	if !wf.State.IsTerminal() {
		if err := wf.Cancel(); err != nil {
			return err
		}
	}
	e.handoffs(ctx, wf)
	e.save(ctx, wf)
	r.log.Info("workflow cancelled", "in_flight", aborted)
	e.emitPriority(ctx, wf, events.NewWorkflowCancelledEvent(string(wf.ID), aborted), "")
	return nil
}

func options(dp *core.DecisionPoint) []string {
	out := make([]string, len(dp.Options))
	for i, o := range dp.Options {
		out[i] = string(o)
	}
	return out
}

func stateUpdated(wf *core.Workflow, phase string) events.WorkflowStateUpdatedEvent {
	var total, succeeded, failed, running int
	for _, t := range wf.Tasks {
		total++
		switch {
		case t.State == core.TaskSucceeded:
			succeeded++
		case t.State == core.TaskFailed && t.Final:
			failed++
		case t.IsInFlight():
			running++
		}
	}
	return events.NewWorkflowStateUpdatedEvent(string(wf.ID), phase, total, succeeded, failed, running)
}
