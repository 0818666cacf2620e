package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/recovery"
)

// giveUp fails every task terminally and escalates only when the run is
// stuck, so the whole reachable graph executes before the run stops.
type giveUp struct{}

func (giveUp) Recover(_ *core.Workflow, task *core.Task, kind string) (recovery.Outcome, error) {
	out := recovery.Outcome{Plan: recovery.Plan{Action: recovery.OpenDecisionPoint, Reason: kind}}
	return out, task.MarkFinalFailed(kind, nil)
}

func (giveUp) EscalateTask(wf *core.Workflow, task *core.Task) (*core.DecisionPoint, error) {
	err := wf.OpenDecision(core.DecisionPoint{
		ID:             "dp-" + string(task.ID),
		WorkflowID:     wf.ID,
		BlockingTaskID: task.ID,
		Reason:         task.ErrorKind,
		Options:        []core.DecisionOption{core.OptionRetry, core.OptionReroute, core.OptionSkip, core.OptionAbandon},
	})
	return wf.Decision, err
}

// A task is dispatched exactly when all of its dependencies succeeded, and
// never before they did.
func TestRun_DispatchIffDependenciesSucceeded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		wf := core.NewWorkflow("wf-prop", "full")
		for _, p := range core.AllPhases() {
			if err := wf.AddPhase(p); err != nil {
				t.Fatal(err)
			}
		}

		deps := make(map[core.TaskID][]core.TaskID)
		workerOf := make(map[core.TaskID]string)
		failing := make(map[string]bool)
		var earlier []core.TaskID
		n := 0
		for _, phase := range core.AllPhases() {
			var current []core.TaskID
			count := rapid.IntRange(0, 3).Draw(t, "tasks_"+string(phase))
			for i := 0; i < count; i++ {
				id := core.TaskID(fmt.Sprintf("t%d", n))
				worker := fmt.Sprintf("w%d", n)
				n++
				var ds []core.TaskID
				for _, cand := range earlier {
					if rapid.Bool().Draw(t, "edge") {
						ds = append(ds, cand)
					}
				}
				task := core.NewTask(id, worker, phase).WithDependencies(ds...)
				if err := wf.AddTask(task); err != nil {
					t.Fatal(err)
				}
				deps[id] = ds
				workerOf[id] = worker
				failing[worker] = rapid.Float64Range(0, 1).Draw(t, "fail") < 0.25
				current = append(current, id)
			}
			earlier = append(earlier, current...)
		}

		var mu sync.Mutex
		invoked := make(map[core.TaskID]int)
		var violations []string
		invoker := core.WorkerInvokerFunc(func(ctx context.Context, inv core.Invocation) (*core.Output, error) {
			mu.Lock()
			invoked[inv.TaskID]++
			if len(inv.Inputs) != len(deps[inv.TaskID]) {
				violations = append(violations, fmt.Sprintf("%s dispatched with %d of %d dependency results",
					inv.TaskID, len(inv.Inputs), len(deps[inv.TaskID])))
			}
			mu.Unlock()
			if failing[inv.WorkerID] {
				return nil, core.ErrExecution(core.CodeWorkerFailed, "scripted failure")
			}
			return &core.Output{Deliverable: string(inv.TaskID)}, nil
		})

		cfg := DefaultConfig()
		cfg.MaxConcurrent = rapid.IntRange(1, 4).Draw(t, "max_concurrent")
		e, err := New(Deps{Config: cfg, Invoker: invoker, Recovery: giveUp{}})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.Run(context.Background(), wf, nil); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		for _, v := range violations {
			t.Error(v)
		}

		// succeeded[id] holds when id and its whole ancestry succeeded.
		succeeded := make(map[core.TaskID]bool)
		anyFailure := false
		for _, id := range wf.TaskOrder {
			ok := true
			for _, d := range deps[id] {
				ok = ok && succeeded[d]
			}
			want := 0
			if ok {
				want = 1
			}
			if invoked[id] != want {
				t.Fatalf("task %s invoked %d times, want %d (deps %v)", id, invoked[id], want, deps[id])
			}
			succeeded[id] = ok && !failing[workerOf[id]]
			if !succeeded[id] {
				anyFailure = true
				task := wf.Tasks[id]
				if task.State != core.TaskFailed || !task.Final {
					t.Fatalf("task %s state = %s final=%v, want terminal failure", id, task.State, task.Final)
				}
				if !ok && task.ErrorKind != core.CodeDependencyFailed {
					t.Fatalf("task %s error kind = %s, want %s", id, task.ErrorKind, core.CodeDependencyFailed)
				}
			}
		}

		want := core.WorkflowCompleted
		if anyFailure {
			want = core.WorkflowAwaitingDecision
		}
		if wf.State != want {
			t.Fatalf("workflow state = %s, want %s", wf.State, want)
		}
	})
}
