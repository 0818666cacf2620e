package recovery

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/registry"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/router"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/testutil"
)

type fixture struct {
	reg     *registry.Registry
	router  *router.Router
	builder *graph.Builder
	clock   *testutil.Clock
	mgr     *Manager
}

func newFixture(t *testing.T, workers ...*core.WorkerDescriptor) *fixture {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	t.Cleanup(reg.Close)
	for _, w := range workers {
		require.NoError(t, reg.Register(w))
	}
	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	clock := testutil.NewClock()
	rt := router.New(reg, router.DefaultConfig())
	b := graph.New(reg, graph.WithIDGenerator(ids))
	mgr := New(rt, b, DefaultBackoff(), WithClock(clock.Now), WithIDGenerator(func() string { return "dp-1" }))
	return &fixture{reg: reg, router: rt, builder: b, clock: clock, mgr: mgr}
}

func apiWorkers() []*core.WorkerDescriptor {
	return []*core.WorkerDescriptor{
		testutil.WithRate(testutil.Worker("fast", core.CategoryImplementation, "api", "backend"), 1.0),
		testutil.WithRate(testutil.Worker("slow", core.CategoryImplementation, "api", "backend"), 1.0/3.0),
	}
}

// workflow routes an api request and builds a quick workflow around it.
func (f *fixture) workflow(t *testing.T, extra ...core.RoutingDecision) (*core.Workflow, *core.Task) {
	t.Helper()
	req := core.Request{ID: "req-1", RawInput: "build the api", Tags: []string{"api"}}
	d, err := f.router.Route(req, nil)
	require.NoError(t, err)
	wf, err := f.builder.Build(append([]core.RoutingDecision{d}, extra...), graph.TemplateQuick)
	require.NoError(t, err)
	require.NoError(t, wf.Start())
	return wf, wf.Tasks[wf.TaskOrder[0]]
}

func failAttempt(t *testing.T, task *core.Task, kind string) {
	t.Helper()
	require.NoError(t, task.MarkDispatched())
	require.NoError(t, task.MarkRunning())
	if kind == core.CodeTimeout {
		require.NoError(t, task.MarkTimedOut(errors.New("deadline exceeded")))
		return
	}
	require.NoError(t, task.MarkFailed(kind, errors.New("boom")))
}

func TestHandleFailure_Policy(t *testing.T) {
	f := newFixture(t, apiWorkers()...)

	tests := []struct {
		name    string
		attempt int
		kind    string
		want    Action
		delay   time.Duration
	}{
		{"timeout first attempt", 1, core.CodeTimeout, RetrySameWorker, 2 * time.Second},
		{"busy second attempt", 2, core.CodeWorkerBusy, RetrySameWorker, 4 * time.Second},
		{"transient exhausted", 3, core.CodeTransientFailure, RerouteToFallback, 0},
		{"unhealthy", 1, core.CodeWorkerUnhealthy, RerouteToFallback, 0},
		{"not found", 1, core.CodeNotFound, RerouteToFallback, 0},
		{"permanent", 1, core.CodeWorkerFailed, RerouteToFallback, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, task := f.workflow(t)
			task.Attempt = tt.attempt
			task.Tried = []string{task.WorkerID}

			plan := f.mgr.HandleFailure(task, tt.kind)
			assert.Equal(t, tt.want, plan.Action)
			assert.Equal(t, tt.delay, plan.Delay)
			if tt.want == RerouteToFallback {
				assert.Equal(t, []string{"slow"}, plan.Fallback.SelectedWorkers)
				assert.Contains(t, plan.Fallback.Excluded, "fast")
			}
		})
	}
}

func TestHandleFailure_NoFallbackOpensDecision(t *testing.T) {
	f := newFixture(t, apiWorkers()[0])
	_, task := f.workflow(t)
	task.Attempt = 3

	plan := f.mgr.HandleFailure(task, core.CodeTimeout)
	assert.Equal(t, OpenDecisionPoint, plan.Action)
	assert.Equal(t, core.CodeNoCapableWorker, plan.Reason)
	assert.Error(t, plan.Err)
}

func TestHandleFailure_ExcludesEveryTriedWorker(t *testing.T) {
	f := newFixture(t, apiWorkers()...)
	_, task := f.workflow(t)
	task.Tried = []string{"slow"}
	task.Attempt = 1

	plan := f.mgr.HandleFailure(task, core.CodeWorkerUnhealthy)
	assert.Equal(t, OpenDecisionPoint, plan.Action)
}

func TestRecover_RetryThenReroute(t *testing.T) {
	f := newFixture(t, apiWorkers()...)
	wf, task := f.workflow(t)
	require.Equal(t, "fast", task.WorkerID)

	failAttempt(t, task, core.CodeTimeout)
	out, err := f.mgr.Recover(wf, task, core.CodeTimeout)
	require.NoError(t, err)
	assert.Equal(t, RetrySameWorker, out.Action)
	assert.Equal(t, core.TaskRetrying, task.State)
	require.NotNil(t, task.NotBefore)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), *task.NotBefore)

	failAttempt(t, task, core.CodeTimeout)
	out, err = f.mgr.Recover(wf, task, core.CodeTimeout)
	require.NoError(t, err)
	assert.Equal(t, RetrySameWorker, out.Action)
	assert.Equal(t, 4*time.Second, out.Delay)

	failAttempt(t, task, core.CodeTransientFailure)
	out, err = f.mgr.Recover(wf, task, core.CodeTransientFailure)
	require.NoError(t, err)
	assert.Equal(t, RerouteToFallback, out.Action)
	require.NotNil(t, out.Replacement)

	assert.Equal(t, "slow", out.Replacement.WorkerID)
	assert.Equal(t, task.ID, out.Replacement.Replaces)
	assert.Equal(t, out.Replacement.ID, task.ReplacedBy)
	assert.Equal(t, core.TaskFailed, task.State)
	assert.True(t, task.Final)
	assert.Equal(t, 3, task.TotalAttempts)
	assert.Len(t, wf.Tasks, 2)
	assert.Equal(t, core.WorkflowActive, wf.State)
}

func TestRecover_UnhealthyBeforeDispatch(t *testing.T) {
	f := newFixture(t, apiWorkers()...)
	wf, task := f.workflow(t)

	out, err := f.mgr.Recover(wf, task, core.CodeWorkerUnhealthy)
	require.NoError(t, err)
	assert.Equal(t, RerouteToFallback, out.Action)
	assert.Equal(t, core.CodeWorkerUnhealthy, task.ErrorKind)
	assert.Equal(t, 0, task.TotalAttempts)
	assert.Equal(t, "slow", out.Replacement.WorkerID)
}

func TestRecover_OpensDecisionPoint(t *testing.T) {
	f := newFixture(t, apiWorkers()[0])
	wf, task := f.workflow(t)
	task.Attempt = 2

	failAttempt(t, task, core.CodeTimeout)
	out, err := f.mgr.Recover(wf, task, core.CodeTimeout)
	require.NoError(t, err)
	assert.Equal(t, OpenDecisionPoint, out.Action)
	require.NotNil(t, out.Decision)

	assert.Equal(t, core.WorkflowAwaitingDecision, wf.State)
	assert.Equal(t, "dp-1", wf.Decision.ID)
	assert.Equal(t, task.ID, wf.Decision.BlockingTaskID)
	assert.Equal(t, core.CodeNoCapableWorker, wf.Decision.Reason)
	assert.Equal(t, f.clock.Now(), wf.Decision.CreatedAt)
	assert.True(t, task.Final)
	assert.Equal(t, core.CodeTimeout, task.ErrorKind)
}

func TestRecover_SecondFailureWhileDecisionOpen(t *testing.T) {
	f := newFixture(t, apiWorkers()[0])
	wf, task := f.workflow(t)
	_, err := f.mgr.Escalate(wf, core.ErrNoCapableWorker([]string{"api"}, 0))
	require.NoError(t, err)

	task.Attempt = 2
	failAttempt(t, task, core.CodeTimeout)
	out, err := f.mgr.Recover(wf, task, core.CodeTimeout)
	require.NoError(t, err)
	assert.Equal(t, OpenDecisionPoint, out.Action)
	assert.Nil(t, out.Decision)
	assert.True(t, task.Final)
	assert.Empty(t, wf.Decision.BlockingTaskID)
}

// blocked returns a workflow awaiting a decision on its api task, with a
// tester task that failed by propagation.
func blocked(t *testing.T, f *fixture) (*core.Workflow, *core.Task, *core.Task) {
	t.Helper()
	tester := testutil.Worker("tester", core.CategoryQuality, "testing")
	tester.Consumes = []string{"api"}
	require.NoError(t, f.reg.Register(tester))

	wf, task := f.workflow(t, core.RoutingDecision{
		Request:         core.Request{ID: "req-2", Tags: []string{"testing"}},
		SelectedWorkers: []string{"tester"},
		Method:          core.RoutingHeuristic,
	})
	var dependent *core.Task
	for _, tk := range wf.Tasks {
		if tk.WorkerID == "tester" {
			dependent = tk
		}
	}
	require.NotNil(t, dependent)
	require.Equal(t, []core.TaskID{task.ID}, dependent.DependsOn)

	task.Attempt = 2
	failAttempt(t, task, core.CodeTimeout)
	_, err := f.mgr.Recover(wf, task, core.CodeTimeout)
	require.NoError(t, err)
	require.NoError(t, dependent.MarkFinalFailed(core.CodeDependencyFailed, core.ErrDependencyFailed(string(dependent.ID), string(task.ID))))
	return wf, task, dependent
}

func TestResolve_Retry(t *testing.T) {
	f := newFixture(t, apiWorkers()[0])
	wf, task, dependent := blocked(t, f)

	require.NoError(t, f.mgr.Resolve(wf, core.OptionRetry))
	assert.Equal(t, core.WorkflowActive, wf.State)
	assert.Nil(t, wf.Decision)
	require.Len(t, wf.Decisions, 1)
	assert.Equal(t, core.OptionRetry, wf.Decisions[0].Resolution)

	assert.Equal(t, core.TaskQueued, task.State)
	assert.Equal(t, 0, task.Attempt)
	assert.Equal(t, core.TaskQueued, dependent.State)
}

func TestResolve_Reroute(t *testing.T) {
	f := newFixture(t, apiWorkers()[0])
	wf, task, dependent := blocked(t, f)

	err := f.mgr.Resolve(wf, core.OptionReroute)
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeNoCapableWorker))
	assert.Equal(t, core.WorkflowAwaitingDecision, wf.State)

	require.NoError(t, f.reg.Register(apiWorkers()[1]))
	require.NoError(t, f.mgr.Resolve(wf, core.OptionReroute))

	assert.Equal(t, core.WorkflowActive, wf.State)
	replacement, ok := wf.GetTask(task.ReplacedBy)
	require.True(t, ok)
	assert.Equal(t, "slow", replacement.WorkerID)
	assert.Equal(t, []core.TaskID{replacement.ID}, dependent.DependsOn)
	assert.Equal(t, core.TaskQueued, dependent.State)
}

func TestResolve_Skip(t *testing.T) {
	f := newFixture(t, apiWorkers()[0])
	wf, task, dependent := blocked(t, f)

	require.NoError(t, f.mgr.Resolve(wf, core.OptionSkip))
	assert.Equal(t, core.WorkflowActive, wf.State)
	assert.True(t, wf.Partial)
	assert.Equal(t, core.TaskSkipped, task.State)
	// Dependents stay failed; they need their own decision.
	assert.Equal(t, core.TaskFailed, dependent.State)
}

func TestResolve_Abandon(t *testing.T) {
	f := newFixture(t, apiWorkers()[0])
	wf, _, _ := blocked(t, f)

	require.NoError(t, f.mgr.Resolve(wf, core.OptionAbandon))
	assert.Equal(t, core.WorkflowFailed, wf.State)
	assert.Contains(t, wf.Error, "dp-1")
	require.Len(t, wf.Decisions, 1)
	assert.Equal(t, core.OptionAbandon, wf.Decisions[0].Resolution)
}

func TestResolve_Rejects(t *testing.T) {
	f := newFixture(t, apiWorkers()[0])
	wf, _ := f.workflow(t)

	err := f.mgr.Resolve(wf, core.OptionRetry)
	assert.True(t, core.HasCode(err, core.CodeInvalidState))

	_, err = f.mgr.Escalate(wf, core.ErrNoCapableWorker(nil, 0))
	require.NoError(t, err)
	err = f.mgr.Resolve(wf, core.DecisionOption("later"))
	assert.True(t, core.HasCode(err, core.CodeInvalidOption))
}

func TestResolve_TasklessDecisionRoutesRequest(t *testing.T) {
	f := newFixture(t)
	wf, err := f.builder.Build(nil, graph.TemplateQuick)
	require.NoError(t, err)
	wf.Request = &core.Request{ID: "req-1", Tags: []string{"api"}}
	require.NoError(t, wf.Start())

	_, routeErr := f.router.Route(*wf.Request, nil)
	require.Error(t, routeErr)
	dp, err := f.mgr.Escalate(wf, routeErr)
	require.NoError(t, err)
	assert.Empty(t, dp.BlockingTaskID)
	assert.Equal(t, core.CodeNoCapableWorker, dp.Reason)

	require.Error(t, f.mgr.Resolve(wf, core.OptionRetry))

	require.NoError(t, f.reg.Register(apiWorkers()[0]))
	require.NoError(t, f.mgr.Resolve(wf, core.OptionRetry))
	require.Len(t, wf.Tasks, 1)
	assert.Equal(t, "fast", wf.Tasks[wf.TaskOrder[0]].WorkerID)
	assert.Equal(t, core.WorkflowActive, wf.State)
}

func TestResolve_TasklessSkip(t *testing.T) {
	f := newFixture(t)
	wf, err := f.builder.Build(nil, graph.TemplateQuick)
	require.NoError(t, err)
	require.NoError(t, wf.Start())
	_, err = f.mgr.Escalate(wf, core.ErrNoCapableWorker([]string{"api"}, 0))
	require.NoError(t, err)

	require.NoError(t, f.mgr.Resolve(wf, core.OptionSkip))
	assert.True(t, wf.Partial)
	assert.Empty(t, wf.Tasks)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(core.CodeTimeout))
	assert.True(t, IsTransient(core.CodeWorkerBusy))
	assert.True(t, IsTransient(core.CodeTransientFailure))
	assert.False(t, IsTransient(core.CodeWorkerFailed))
	assert.True(t, IsHealth(core.CodeWorkerUnhealthy))
	assert.False(t, IsHealth(core.CodeTimeout))
}
