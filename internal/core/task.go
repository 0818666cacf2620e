package core

import (
	"fmt"
	"time"
)

// TaskID uniquely identifies a task within a workflow.
type TaskID string

// TaskState is the execution state of a task.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskDispatched TaskState = "dispatched"
	TaskRunning    TaskState = "running"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
	TaskTimedOut   TaskState = "timed_out"
	TaskRetrying   TaskState = "retrying"
	TaskSkipped    TaskState = "skipped"
)

// Task is one worker invocation inside a workflow. Its state only changes
// through the Mark* transitions, which reject illegal moves.
type Task struct {
	ID         TaskID     `json:"id"`
	WorkflowID WorkflowID `json:"workflow_id"`
	WorkerID   string     `json:"worker_id"`
	Variant    string     `json:"variant,omitempty"`
	Phase      Phase      `json:"phase"`
	DependsOn  []TaskID   `json:"depends_on,omitempty"`
	Locks      []string   `json:"locks,omitempty"`
	Class      string     `json:"class,omitempty"`
	State      TaskState  `json:"state"`
	// Final marks a Failed task as terminal: recovery has given up on it.
	Final bool `json:"final,omitempty"`
	// Attempt counts dispatches against the current worker.
	Attempt       int             `json:"attempt"`
	TotalAttempts int             `json:"total_attempts"`
	Result        string          `json:"result,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	Error         string          `json:"error,omitempty"`
	Decision      RoutingDecision `json:"decision"`
	// Tried lists every worker this task lineage was dispatched to.
	Tried       []string   `json:"tried,omitempty"`
	Replaces    TaskID     `json:"replaces,omitempty"`
	ReplacedBy  TaskID     `json:"replaced_by,omitempty"`
	NotBefore   *time.Time `json:"not_before,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a queued task.
func NewTask(id TaskID, workerID string, phase Phase) *Task {
	return &Task{
		ID:        id,
		WorkerID:  workerID,
		Phase:     phase,
		State:     TaskQueued,
		CreatedAt: time.Now(),
	}
}

// WithDependencies sets the task dependencies.
func (t *Task) WithDependencies(deps ...TaskID) *Task {
	t.DependsOn = deps
	return t
}

// WithDecision attaches the routing decision the task came from.
func (t *Task) WithDecision(d RoutingDecision) *Task {
	t.Decision = d
	return t
}

// WithLocks sets the named resource locks the task holds while running.
func (t *Task) WithLocks(locks ...string) *Task {
	t.Locks = locks
	return t
}

// WithClass sets the capability class used for timeouts and budgets.
func (t *Task) WithClass(class string) *Task {
	t.Class = class
	return t
}

func (t *Task) transitionErr(to TaskState) error {
	return ErrState(CodeInvalidState, fmt.Sprintf("task %s: cannot move from %s to %s", t.ID, t.State, to)).
		WithDetail("task_id", string(t.ID))
}

// IsDispatchable reports whether the task waits for a dispatch slot.
func (t *Task) IsDispatchable(now time.Time) bool {
	if t.State != TaskQueued && t.State != TaskRetrying {
		return false
	}
	return t.NotBefore == nil || !now.Before(*t.NotBefore)
}

// MarkDispatched hands the task to the worker pool.
func (t *Task) MarkDispatched() error {
	if t.State != TaskQueued && t.State != TaskRetrying {
		return t.transitionErr(TaskDispatched)
	}
	t.State = TaskDispatched
	t.Attempt++
	t.TotalAttempts++
	t.NotBefore = nil
	if !containsString(t.Tried, t.WorkerID) {
		t.Tried = append(t.Tried, t.WorkerID)
	}
	return nil
}

// MarkRunning records that the worker accepted the task.
func (t *Task) MarkRunning() error {
	if t.State != TaskDispatched {
		return t.transitionErr(TaskRunning)
	}
	t.State = TaskRunning
	now := time.Now()
	t.StartedAt = &now
	return nil
}

// MarkSucceeded stores the result payload.
func (t *Task) MarkSucceeded(result string) error {
	if t.State != TaskRunning {
		return t.transitionErr(TaskSucceeded)
	}
	t.State = TaskSucceeded
	t.Result = result
	t.ErrorKind = ""
	t.Error = ""
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

// MarkFailed records a failed attempt. Recovery decides what happens next.
func (t *Task) MarkFailed(kind string, err error) error {
	if t.State != TaskRunning && t.State != TaskDispatched {
		return t.transitionErr(TaskFailed)
	}
	t.State = TaskFailed
	t.setError(kind, err)
	return nil
}

// MarkTimedOut records an attempt that exceeded its deadline.
func (t *Task) MarkTimedOut(err error) error {
	if t.State != TaskRunning && t.State != TaskDispatched {
		return t.transitionErr(TaskTimedOut)
	}
	t.State = TaskTimedOut
	t.setError(CodeTimeout, err)
	return nil
}

// MarkRetrying schedules another attempt on the same worker. A final
// failure only comes back through Reopen.
func (t *Task) MarkRetrying(notBefore time.Time) error {
	if t.Final || (t.State != TaskFailed && t.State != TaskTimedOut) {
		return t.transitionErr(TaskRetrying)
	}
	t.State = TaskRetrying
	t.NotBefore = &notBefore
	t.StartedAt = nil
	t.CompletedAt = nil
	return nil
}

// MarkFinalFailed makes a failure terminal. Queued tasks may be failed
// directly when a dependency failed.
func (t *Task) MarkFinalFailed(kind string, err error) error {
	switch t.State {
	case TaskFailed, TaskTimedOut, TaskQueued, TaskRetrying:
	default:
		return t.transitionErr(TaskFailed)
	}
	t.State = TaskFailed
	t.Final = true
	t.NotBefore = nil
	t.setError(kind, err)
	return nil
}

// MarkReplaced terminally fails the task in favor of a rerouted replacement.
func (t *Task) MarkReplaced(replacement TaskID) error {
	if err := t.MarkFinalFailed(t.ErrorKind, nil); err != nil {
		return err
	}
	t.ReplacedBy = replacement
	return nil
}

// MarkSkipped accepts a terminal failure as a partial result.
func (t *Task) MarkSkipped(reason string) error {
	if !(t.State == TaskFailed && t.Final) && t.State != TaskQueued {
		return t.transitionErr(TaskSkipped)
	}
	t.State = TaskSkipped
	if reason != "" {
		t.Error = reason
	}
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

// Reopen returns a terminally failed task to the queue with a fresh attempt budget.
func (t *Task) Reopen() error {
	if t.State != TaskFailed || !t.Final || t.ReplacedBy != "" {
		return t.transitionErr(TaskQueued)
	}
	t.State = TaskQueued
	t.Final = false
	t.Attempt = 0
	t.ErrorKind = ""
	t.Error = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	return nil
}

// Requeue puts an interrupted in-flight task back on the queue, used when a
// workflow resumes after a crash or cancellation.
func (t *Task) Requeue() {
	if t.State == TaskDispatched || t.State == TaskRunning {
		t.State = TaskQueued
		t.StartedAt = nil
		if t.Attempt > 0 {
			t.Attempt--
		}
	}
}

func (t *Task) setError(kind string, err error) {
	t.ErrorKind = kind
	if err != nil {
		t.Error = err.Error()
	}
	now := time.Now()
	t.CompletedAt = &now
}

// IsTerminal returns true if the task will not run again without intervention.
func (t *Task) IsTerminal() bool {
	return t.State == TaskSucceeded ||
		t.State == TaskSkipped ||
		(t.State == TaskFailed && t.Final)
}

// IsResolved returns true if the task no longer blocks workflow completion.
func (t *Task) IsResolved() bool {
	return t.State == TaskSucceeded || t.State == TaskSkipped || t.ReplacedBy != ""
}

// IsInFlight returns true while a worker holds the task.
func (t *Task) IsInFlight() bool {
	return t.State == TaskDispatched || t.State == TaskRunning
}

// Duration returns the execution duration of the latest attempt.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt)
}

// Validate checks task invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrValidation("TASK_ID_REQUIRED", "task ID cannot be empty")
	}
	if t.WorkerID == "" {
		return ErrValidation("TASK_WORKER_REQUIRED", "task worker cannot be empty").
			WithDetail("task_id", string(t.ID))
	}
	if !ValidPhase(t.Phase) {
		return ErrValidation("TASK_PHASE_INVALID", fmt.Sprintf("invalid phase %q", t.Phase)).
			WithDetail("task_id", string(t.ID))
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
