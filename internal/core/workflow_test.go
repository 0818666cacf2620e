package core

import (
	"testing"
	"time"
)

func newPhasedWorkflow(t *testing.T, phases ...Phase) *Workflow {
	t.Helper()
	wf := NewWorkflow("wf-1", "test")
	for _, p := range phases {
		if err := wf.AddPhase(p); err != nil {
			t.Fatalf("AddPhase(%s): %v", p, err)
		}
	}
	return wf
}

func TestWorkflow_AddPhaseOrder(t *testing.T) {
	wf := newPhasedWorkflow(t, PhaseDiscovery, PhaseImplementation)
	if err := wf.AddPhase(PhaseDesign); err == nil {
		t.Fatalf("expected error adding earlier phase after later one")
	}
	if err := wf.AddPhase(PhaseImplementation); err == nil {
		t.Fatalf("expected error adding duplicate phase")
	}
}

func TestWorkflow_AddTask(t *testing.T) {
	wf := newPhasedWorkflow(t, PhaseDiscovery, PhaseDesign)
	if err := wf.AddTask(nil); err == nil {
		t.Fatalf("expected error adding nil task")
	}

	task := NewTask("t1", "w1", PhaseDiscovery)
	if err := wf.AddTask(task); err != nil {
		t.Fatalf("unexpected error adding task: %v", err)
	}
	if task.WorkflowID != wf.ID {
		t.Fatalf("expected workflow ID stamped on task")
	}
	if err := wf.AddTask(NewTask("t1", "w1", PhaseDiscovery)); err == nil {
		t.Fatalf("expected error adding duplicate task")
	}
	if err := wf.AddTask(NewTask("t9", "w1", PhaseValidation)); err == nil {
		t.Fatalf("expected error adding task to phase outside template")
	}
}

func TestWorkflow_RejectsForwardAndSelfReferences(t *testing.T) {
	wf := newPhasedWorkflow(t, PhaseDiscovery, PhaseDesign)
	if err := wf.AddTask(NewTask("d1", "w", PhaseDesign)); err != nil {
		t.Fatal(err)
	}

	err := wf.AddTask(NewTask("a1", "w", PhaseDiscovery).WithDependencies("d1"))
	if !HasCode(err, CodeForwardReference) {
		t.Fatalf("expected forward reference error, got %v", err)
	}
	err = wf.AddTask(NewTask("d2", "w", PhaseDesign).WithDependencies("d2"))
	if !HasCode(err, CodeForwardReference) {
		t.Fatalf("expected self reference error, got %v", err)
	}
	err = wf.AddTask(NewTask("d3", "w", PhaseDesign).WithDependencies("missing"))
	if !HasCode(err, CodeForwardReference) {
		t.Fatalf("expected unknown reference error, got %v", err)
	}
}

func TestWorkflow_ReadyTasksRespectsPhasesAndDependencies(t *testing.T) {
	wf := newPhasedWorkflow(t, PhaseDiscovery, PhaseDesign)
	a := NewTask("a", "w1", PhaseDiscovery)
	b := NewTask("b", "w2", PhaseDiscovery)
	c := NewTask("c", "w3", PhaseDesign).WithDependencies("a")
	for _, task := range []*Task{a, b, c} {
		if err := wf.AddTask(task); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Now()
	ready := wf.ReadyTasks(now)
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready tasks in first phase, got %d", len(ready))
	}

	for _, task := range []*Task{a} {
		_ = task.MarkDispatched()
		_ = task.MarkRunning()
		_ = task.MarkSucceeded("ok")
	}
	ready = wf.ReadyTasks(now)
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("expected only b ready while discovery is active, got %v", ready)
	}

	_ = b.MarkDispatched()
	_ = b.MarkRunning()
	_ = b.MarkSucceeded("ok")
	ready = wf.ReadyTasks(now)
	if len(ready) != 1 || ready[0].ID != "c" {
		t.Fatalf("expected c ready after discovery finished, got %v", ready)
	}
}

func TestWorkflow_FailedDependency(t *testing.T) {
	wf := newPhasedWorkflow(t, PhaseDiscovery, PhaseDesign)
	a := NewTask("a", "w1", PhaseDiscovery)
	c := NewTask("c", "w3", PhaseDesign).WithDependencies("a")
	_ = wf.AddTask(a)
	_ = wf.AddTask(c)

	if _, failed := wf.FailedDependency(c); failed {
		t.Fatalf("expected no failed dependency yet")
	}
	_ = a.MarkFinalFailed(CodeRetriesExhausted, nil)
	dep, failed := wf.FailedDependency(c)
	if !failed || dep != "a" {
		t.Fatalf("expected a reported as failed dependency, got %s %v", dep, failed)
	}

	a.ReplacedBy = "a2"
	if _, failed := wf.FailedDependency(c); failed {
		t.Fatalf("replaced dependency should not count as failed")
	}
}

func TestWorkflow_Redirect(t *testing.T) {
	wf := newPhasedWorkflow(t, PhaseDiscovery, PhaseDesign)
	_ = wf.AddTask(NewTask("a", "w1", PhaseDiscovery))
	_ = wf.AddTask(NewTask("c", "w3", PhaseDesign).WithDependencies("a"))
	_ = wf.AddTask(NewTask("a2", "w2", PhaseDiscovery))

	wf.Redirect("a", "a2")
	c, _ := wf.GetTask("c")
	if c.DependsOn[0] != "a2" {
		t.Fatalf("expected dependency redirected, got %v", c.DependsOn)
	}
	if deps := wf.Dependents("a2"); len(deps) != 1 || deps[0].ID != "c" {
		t.Fatalf("expected c to depend on a2")
	}
}

func TestWorkflow_StateTransitions(t *testing.T) {
	wf := newPhasedWorkflow(t, PhaseImplementation)
	if err := wf.Complete(); err == nil {
		t.Fatalf("expected error completing a created workflow")
	}
	if err := wf.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dp := DecisionPoint{ID: "dp-1", WorkflowID: wf.ID, Reason: CodeNoCapableWorker, Options: []DecisionOption{OptionAbandon}}
	if err := wf.OpenDecision(dp); err != nil {
		t.Fatalf("OpenDecision: %v", err)
	}
	if wf.State != WorkflowAwaitingDecision {
		t.Fatalf("expected awaiting decision, got %s", wf.State)
	}
	if err := wf.OpenDecision(dp); err == nil {
		t.Fatalf("expected error opening a second decision")
	}
	if err := wf.CloseDecision(OptionRetry); err != nil {
		t.Fatalf("CloseDecision: %v", err)
	}
	if wf.State != WorkflowActive || wf.Decision != nil || len(wf.Decisions) != 1 {
		t.Fatalf("unexpected state after close: %s", wf.State)
	}
	if wf.Decisions[0].Resolution != OptionRetry || wf.Decisions[0].ResolvedAt == nil {
		t.Fatalf("expected resolution recorded")
	}
	if err := wf.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := wf.Cancel(); err == nil {
		t.Fatalf("expected error cancelling a completed workflow")
	}
}

func TestWorkflow_Validate(t *testing.T) {
	wf := newPhasedWorkflow(t, PhaseDiscovery, PhaseDesign)
	_ = wf.AddTask(NewTask("a", "w1", PhaseDiscovery))
	_ = wf.AddTask(NewTask("b", "w1", PhaseDesign).WithDependencies("a"))
	if err := wf.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	a, _ := wf.GetTask("a")
	a.DependsOn = []TaskID{"b"}
	if err := wf.Validate(); err == nil {
		t.Fatalf("expected validation error for forward edge")
	}
}

func TestDecisionOption_Parse(t *testing.T) {
	for _, s := range []string{"retry", "reroute", "skip", "abandon"} {
		if _, err := ParseDecisionOption(s); err != nil {
			t.Fatalf("ParseDecisionOption(%s): %v", s, err)
		}
	}
	if _, err := ParseDecisionOption("ignore"); !HasCode(err, CodeInvalidOption) {
		t.Fatalf("expected invalid option error, got %v", err)
	}
}

func TestRequest_CopiesAreIndependent(t *testing.T) {
	r := Request{Tags: []string{"a"}, Params: map[string]string{"k": "v"}}
	c := r.WithContext(map[string]ContextOutput{"w": {WorkerID: "w"}})
	c.Tags[0] = "z"
	c.Params["k"] = "x"
	if r.Tags[0] != "a" || r.Params["k"] != "v" {
		t.Fatalf("original request mutated")
	}
	if len(r.ContextData) != 0 || len(c.ContextData) != 1 {
		t.Fatalf("context not attached to copy only")
	}
	if p, err := ParsePriority(""); err != nil || p != PriorityStandard {
		t.Fatalf("expected default standard priority")
	}
}
