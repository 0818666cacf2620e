// Package recovery decides what happens to a task after a failed attempt:
// retry on the same worker, reroute to a fallback, or stop and ask for a
// decision. It also applies decision point resolutions.
package recovery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
)

// Action is the recovery verdict for one failure.
type Action string

const (
	RetrySameWorker   Action = "retry_same_worker"
	RerouteToFallback Action = "reroute_to_fallback"
	OpenDecisionPoint Action = "open_decision_point"
)

// Router is the routing surface recovery needs.
type Router interface {
	Route(req core.Request, contextData map[string]core.ContextOutput) (core.RoutingDecision, error)
	RouteExcluding(req core.Request, contextData map[string]core.ContextOutput, excluded ...string) (core.RoutingDecision, error)
	FallbackRequest(decision core.RoutingDecision, failed string) core.Request
}

// Graph mutates workflows on recovery's behalf.
type Graph interface {
	Extend(wf *core.Workflow, decisions []core.RoutingDecision) error
	Replace(wf *core.Workflow, failed *core.Task, d core.RoutingDecision) (*core.Task, error)
}

// Plan is the outcome of HandleFailure. It does not touch the workflow.
type Plan struct {
	Action Action
	// Delay before the retry becomes dispatchable.
	Delay time.Duration
	// Fallback is the routing decision for a reroute.
	Fallback core.RoutingDecision
	// Reason is the error code recorded on a decision point.
	Reason string
	Err    error
}

// Outcome is a plan after it was applied to a workflow.
type Outcome struct {
	Plan
	Replacement *core.Task
	Decision    *core.DecisionPoint
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithIDGenerator overrides decision point id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// Manager applies the retry, fallback and escalation policy.
type Manager struct {
	router  Router
	graph   Graph
	backoff Backoff
	now     func() time.Time
	newID   func() string
	logger  *logging.Logger
}

// New creates a recovery manager.
func New(router Router, graph Graph, backoff Backoff, opts ...Option) *Manager {
	m := &Manager{
		router:  router,
		graph:   graph,
		backoff: backoff,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).WithComponent("recovery")
	return m
}

// Backoff returns the retry policy.
func (m *Manager) Backoff() Backoff {
	return m.backoff
}

// IsTransient reports whether an error kind is retried on the same worker.
func IsTransient(kind string) bool {
	switch kind {
	case core.CodeTimeout, core.CodeWorkerBusy, core.CodeTransientFailure:
		return true
	}
	return false
}

// IsHealth reports whether an error kind means the worker itself is unusable.
func IsHealth(kind string) bool {
	return kind == core.CodeWorkerUnhealthy || kind == core.CodeNotFound
}

// HandleFailure decides the next step for task after it failed with errorKind.
func (m *Manager) HandleFailure(task *core.Task, errorKind string) Plan {
	if IsTransient(errorKind) && !m.backoff.Exhausted(task.Attempt) {
		return Plan{Action: RetrySameWorker, Delay: m.backoff.Delay(task.Attempt)}
	}
	return m.fallback(task)
}

func (m *Manager) fallback(task *core.Task) Plan {
	req := m.router.FallbackRequest(task.Decision, task.WorkerID)
	excluded := append([]string(nil), task.Tried...)
	if !containsString(excluded, task.WorkerID) {
		excluded = append(excluded, task.WorkerID)
	}
	d, err := m.router.RouteExcluding(req, nil, excluded...)
	if err != nil {
		return Plan{Action: OpenDecisionPoint, Reason: core.ErrorCode(err), Err: err}
	}
	// One replacement task per reroute.
	d.SelectedWorkers = d.SelectedWorkers[:1]
	return Plan{Action: RerouteToFallback, Fallback: d}
}

// Recover runs HandleFailure and applies the plan to wf. The task must be
// Failed or TimedOut, or Queued when it failed dispatch-time validation.
func (m *Manager) Recover(wf *core.Workflow, task *core.Task, errorKind string) (Outcome, error) {
	plan := m.HandleFailure(task, errorKind)
	out := Outcome{Plan: plan}
	log := m.logger.WithWorkflow(string(wf.ID)).WithTask(string(task.ID)).WithWorker(task.WorkerID)

	switch plan.Action {
	case RetrySameWorker:
		if err := task.MarkRetrying(m.now().Add(plan.Delay)); err != nil {
			return out, err
		}
		log.Info("retrying task", "attempt", task.Attempt, "delay", plan.Delay, "error_kind", errorKind)

	case RerouteToFallback:
		if task.State == core.TaskQueued && task.ErrorKind == "" {
			task.ErrorKind = errorKind
		}
		replacement, err := m.graph.Replace(wf, task, plan.Fallback)
		if err != nil {
			return out, err
		}
		out.Replacement = replacement
		log.Info("rerouted task", "fallback", replacement.WorkerID, "replacement", replacement.ID, "error_kind", errorKind)

	case OpenDecisionPoint:
		if err := task.MarkFinalFailed(errorKind, nil); err != nil {
			return out, err
		}
		if wf.Decision != nil {
			// Escalated once the open decision is resolved.
			log.Warn("task failed while a decision is open", "decision_id", wf.Decision.ID, "reason", plan.Reason)
			return out, nil
		}
		message := fmt.Sprintf("task %s on %s failed with %s and no fallback is available", task.ID, task.WorkerID, errorKind)
		dp, err := m.open(wf, task.ID, plan.Reason, message)
		if err != nil {
			return out, err
		}
		out.Decision = dp
		log.Warn("opened decision point", "decision_id", dp.ID, "reason", plan.Reason)
	}
	return out, nil
}

// Escalate opens a decision point for a routing failure that happened before
// any task existed.
func (m *Manager) Escalate(wf *core.Workflow, cause error) (*core.DecisionPoint, error) {
	return m.open(wf, "", core.ErrorCode(cause), cause.Error())
}

// EscalateTask opens a decision point for a task that is already terminally
// failed, such as one failed by dependency propagation.
func (m *Manager) EscalateTask(wf *core.Workflow, task *core.Task) (*core.DecisionPoint, error) {
	return m.open(wf, task.ID, task.ErrorKind, task.Error)
}

func (m *Manager) open(wf *core.Workflow, taskID core.TaskID, reason, message string) (*core.DecisionPoint, error) {
	dp := core.DecisionPoint{
		ID:             m.newID(),
		WorkflowID:     wf.ID,
		BlockingTaskID: taskID,
		Reason:         reason,
		Message:        message,
		Options:        []core.DecisionOption{core.OptionRetry, core.OptionReroute, core.OptionSkip, core.OptionAbandon},
		CreatedAt:      m.now(),
	}
	if err := wf.OpenDecision(dp); err != nil {
		return nil, err
	}
	return wf.Decision, nil
}

// Resolve applies option to the workflow's open decision point and returns
// the workflow to Active, or to Failed for abandon. A failed reroute leaves
// the decision open.
func (m *Manager) Resolve(wf *core.Workflow, option core.DecisionOption) error {
	dp := wf.Decision
	if dp == nil || wf.State != core.WorkflowAwaitingDecision {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("workflow %s has no open decision point", wf.ID))
	}
	if !dp.Allows(option) {
		return core.ErrValidation(core.CodeInvalidOption, fmt.Sprintf("option %q not offered by decision %s", option, dp.ID))
	}

	var task *core.Task
	if dp.BlockingTaskID != "" {
		t, ok := wf.GetTask(dp.BlockingTaskID)
		if !ok {
			return core.ErrState(core.CodeStateCorrupted, fmt.Sprintf("blocking task %s missing", dp.BlockingTaskID))
		}
		task = t
	}
	log := m.logger.WithWorkflow(string(wf.ID)).With("decision_id", dp.ID, "option", string(option))

	var err error
	switch option {
	case core.OptionAbandon:
		reason := fmt.Sprintf("abandoned at decision %s: %s", dp.ID, dp.Reason)
		if err := wf.CloseDecision(option); err != nil {
			return err
		}
		log.Info("workflow abandoned")
		return wf.Fail(reason)
	case core.OptionRetry:
		err = m.retry(wf, task)
	case core.OptionReroute:
		err = m.reroute(wf, task)
	case core.OptionSkip:
		err = m.skip(wf, task)
	}
	if err != nil {
		log.Warn("decision resolution failed", "error", err)
		return err
	}
	log.Info("decision resolved")
	return wf.CloseDecision(option)
}

func (m *Manager) retry(wf *core.Workflow, task *core.Task) error {
	if task == nil {
		return m.routeRequest(wf, false)
	}
	if err := task.Reopen(); err != nil {
		return err
	}
	reopenDependents(wf, task.ID)
	return nil
}

func (m *Manager) reroute(wf *core.Workflow, task *core.Task) error {
	if task == nil {
		return m.routeRequest(wf, true)
	}
	plan := m.fallback(task)
	if plan.Action != RerouteToFallback {
		return plan.Err
	}
	replacement, err := m.graph.Replace(wf, task, plan.Fallback)
	if err != nil {
		return err
	}
	reopenDependents(wf, replacement.ID)
	return nil
}

func (m *Manager) skip(wf *core.Workflow, task *core.Task) error {
	wf.Partial = true
	if task == nil {
		return nil
	}
	return task.MarkSkipped("skipped by decision")
}

// routeRequest re-routes the workflow's original request when the decision
// was opened before any task existed.
func (m *Manager) routeRequest(wf *core.Workflow, exclude bool) error {
	if wf.Request == nil {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("workflow %s has no request to route", wf.ID))
	}
	if exclude {
		d, err := m.router.RouteExcluding(*wf.Request, nil)
		if err != nil {
			return err
		}
		return m.graph.Extend(wf, []core.RoutingDecision{d})
	}
	parts := wf.Request.PerMention()
	decisions := make([]core.RoutingDecision, 0, len(parts))
	for _, part := range parts {
		d, err := m.router.Route(part, nil)
		if err != nil {
			return err
		}
		decisions = append(decisions, d)
	}
	return m.graph.Extend(wf, decisions)
}

// reopenDependents requeues tasks that failed only because id failed.
func reopenDependents(wf *core.Workflow, id core.TaskID) {
	for _, t := range wf.Dependents(id) {
		if t.State == core.TaskFailed && t.Final && t.ErrorKind == core.CodeDependencyFailed {
			if err := t.Reopen(); err == nil {
				reopenDependents(wf, t.ID)
			}
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
