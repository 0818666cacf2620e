package core

import (
	"fmt"
	"sort"
	"time"
)

// WorkflowID uniquely identifies a workflow run.
type WorkflowID string

// WorkflowState represents the lifecycle state of a workflow.
type WorkflowState string

const (
	WorkflowCreated          WorkflowState = "created"
	WorkflowActive           WorkflowState = "active"
	WorkflowAwaitingDecision WorkflowState = "awaiting_decision"
	WorkflowCompleted        WorkflowState = "completed"
	WorkflowFailed           WorkflowState = "failed"
	WorkflowCancelled        WorkflowState = "cancelled"
)

// IsTerminal returns true for states a workflow never leaves.
func (s WorkflowState) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// PhaseGroup is one ordered phase of a workflow and the tasks placed in it.
type PhaseGroup struct {
	Phase   Phase    `json:"phase"`
	TaskIDs []TaskID `json:"task_ids"`
}

// Workflow is one orchestration run: ordered phases of tasks.
type Workflow struct {
	ID          WorkflowID       `json:"id"`
	Template    string           `json:"template"`
	Request     *Request         `json:"request,omitempty"`
	Phases      []PhaseGroup     `json:"phases"`
	Tasks       map[TaskID]*Task `json:"tasks"`
	TaskOrder   []TaskID         `json:"task_order"`
	State       WorkflowState    `json:"state"`
	Decision    *DecisionPoint   `json:"decision,omitempty"`
	Decisions   []DecisionPoint  `json:"decisions,omitempty"`
	Handoffs    []HandoffRecord  `json:"handoffs,omitempty"`
	Partial     bool             `json:"partial,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Error       string           `json:"error,omitempty"`
}

// NewWorkflow creates an empty workflow in the Created state.
func NewWorkflow(id WorkflowID, template string) *Workflow {
	now := time.Now()
	return &Workflow{
		ID:        id,
		Template:  template,
		Tasks:     make(map[TaskID]*Task),
		TaskOrder: make([]TaskID, 0),
		State:     WorkflowCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddTask places a task in the given phase. The phase must already exist and
// dependencies must point at tasks in the same or an earlier phase.
func (w *Workflow) AddTask(task *Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	if _, exists := w.Tasks[task.ID]; exists {
		return ErrValidation("DUPLICATE_TASK", fmt.Sprintf("task %s already exists", task.ID))
	}
	idx := w.phaseIndex(task.Phase)
	if idx < 0 {
		return ErrValidation(CodeInvalidTemplate, fmt.Sprintf("phase %s not in workflow template", task.Phase))
	}
	for _, dep := range task.DependsOn {
		if dep == task.ID {
			return ErrValidation(CodeForwardReference, fmt.Sprintf("task %s depends on itself", task.ID))
		}
		d, ok := w.Tasks[dep]
		if !ok {
			return ErrValidation(CodeForwardReference, fmt.Sprintf("task %s depends on unknown or later task %s", task.ID, dep))
		}
		if w.phaseIndex(d.Phase) > idx {
			return ErrValidation(CodeForwardReference, fmt.Sprintf("task %s depends on later-phase task %s", task.ID, dep))
		}
	}
	task.WorkflowID = w.ID
	w.Tasks[task.ID] = task
	w.TaskOrder = append(w.TaskOrder, task.ID)
	w.Phases[idx].TaskIDs = append(w.Phases[idx].TaskIDs, task.ID)
	return nil
}

// AddPhase appends a phase group. Phases must be strictly increasing in lifecycle order.
func (w *Workflow) AddPhase(p Phase) error {
	if !ValidPhase(p) {
		return ErrValidation(CodeInvalidTemplate, fmt.Sprintf("invalid phase %q", p))
	}
	if n := len(w.Phases); n > 0 && PhaseOrder(w.Phases[n-1].Phase) >= PhaseOrder(p) {
		return ErrValidation(CodeInvalidTemplate, fmt.Sprintf("phase %s out of order after %s", p, w.Phases[n-1].Phase))
	}
	w.Phases = append(w.Phases, PhaseGroup{Phase: p})
	return nil
}

func (w *Workflow) phaseIndex(p Phase) int {
	for i, g := range w.Phases {
		if g.Phase == p {
			return i
		}
	}
	return -1
}

// PhaseIndex returns the position of a phase within the workflow, -1 if absent.
func (w *Workflow) PhaseIndex(p Phase) int {
	return w.phaseIndex(p)
}

// GetTask retrieves a task by ID.
func (w *Workflow) GetTask(id TaskID) (*Task, bool) {
	task, ok := w.Tasks[id]
	return task, ok
}

// TasksByPhase returns all tasks for a given phase in insertion order.
func (w *Workflow) TasksByPhase(phase Phase) []*Task {
	idx := w.phaseIndex(phase)
	if idx < 0 {
		return nil
	}
	tasks := make([]*Task, 0, len(w.Phases[idx].TaskIDs))
	for _, id := range w.Phases[idx].TaskIDs {
		tasks = append(tasks, w.Tasks[id])
	}
	return tasks
}

// Dependents returns the tasks that depend directly on id.
func (w *Workflow) Dependents(id TaskID) []*Task {
	var out []*Task
	for _, tid := range w.TaskOrder {
		t := w.Tasks[tid]
		for _, dep := range t.DependsOn {
			if dep == id {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// ActivePhase returns the index of the earliest phase that still has
// non-terminal tasks, or len(Phases) when every phase is done.
func (w *Workflow) ActivePhase() int {
	for i, g := range w.Phases {
		for _, id := range g.TaskIDs {
			if !w.Tasks[id].IsTerminal() {
				return i
			}
		}
	}
	return len(w.Phases)
}

// DependenciesSucceeded reports whether every dependency of t has succeeded.
func (w *Workflow) DependenciesSucceeded(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := w.Tasks[dep]
		if !ok || d.State != TaskSucceeded {
			return false
		}
	}
	return true
}

// FailedDependency returns the first dependency of t that failed terminally
// without a replacement.
func (w *Workflow) FailedDependency(t *Task) (TaskID, bool) {
	for _, dep := range t.DependsOn {
		d, ok := w.Tasks[dep]
		if !ok {
			return dep, true
		}
		if d.State == TaskSkipped || (d.State == TaskFailed && d.Final && d.ReplacedBy == "") {
			return dep, true
		}
	}
	return "", false
}

// ReadyTasks returns dispatchable tasks of the active phase whose
// dependencies all succeeded, ordered by request priority then insertion.
func (w *Workflow) ReadyTasks(now time.Time) []*Task {
	phase := w.ActivePhase()
	if phase >= len(w.Phases) {
		return nil
	}
	var ready []*Task
	for _, id := range w.Phases[phase].TaskIDs {
		t := w.Tasks[id]
		if t.IsDispatchable(now) && w.DependenciesSucceeded(t) {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Decision.Request.Priority.Rank() < ready[j].Decision.Request.Priority.Rank()
	})
	return ready
}

// Redirect rewrites dependency edges from one task to its replacement.
func (w *Workflow) Redirect(from, to TaskID) {
	for _, t := range w.Tasks {
		for i, dep := range t.DependsOn {
			if dep == from {
				t.DependsOn[i] = to
			}
		}
	}
}

// AllResolved returns true when every task succeeded, was skipped or replaced.
func (w *Workflow) AllResolved() bool {
	for _, t := range w.Tasks {
		if !t.IsResolved() {
			return false
		}
	}
	return true
}

// Outputs returns the results of succeeded tasks keyed by task ID.
func (w *Workflow) Outputs() map[TaskID]string {
	out := make(map[TaskID]string)
	for id, t := range w.Tasks {
		if t.State == TaskSucceeded {
			out[id] = t.Result
		}
	}
	return out
}

// Progress returns the resolved-task percentage.
func (w *Workflow) Progress() float64 {
	if len(w.Tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range w.Tasks {
		if t.IsResolved() {
			done++
		}
	}
	return float64(done) / float64(len(w.Tasks)) * 100
}

func (w *Workflow) stateErr(to WorkflowState) error {
	return ErrState(CodeInvalidState, fmt.Sprintf("cannot move workflow from %s to %s", w.State, to)).
		WithDetail("workflow_id", string(w.ID))
}

func (w *Workflow) touch() {
	w.UpdatedAt = time.Now()
}

// Start transitions the workflow to Active.
func (w *Workflow) Start() error {
	if w.State != WorkflowCreated && w.State != WorkflowActive {
		return w.stateErr(WorkflowActive)
	}
	w.State = WorkflowActive
	if w.StartedAt == nil {
		now := time.Now()
		w.StartedAt = &now
	}
	w.touch()
	return nil
}

// OpenDecision halts forward progress until dp is resolved.
func (w *Workflow) OpenDecision(dp DecisionPoint) error {
	if w.State.IsTerminal() {
		return w.stateErr(WorkflowAwaitingDecision)
	}
	if w.Decision != nil {
		return ErrState(CodeInvalidState, "workflow already has an open decision point").
			WithDetail("decision_id", w.Decision.ID)
	}
	w.State = WorkflowAwaitingDecision
	w.Decision = &dp
	w.touch()
	return nil
}

// CloseDecision records a resolution and returns the workflow to Active.
func (w *Workflow) CloseDecision(option DecisionOption) error {
	if w.State != WorkflowAwaitingDecision || w.Decision == nil {
		return w.stateErr(WorkflowActive)
	}
	now := time.Now()
	dp := *w.Decision
	dp.Resolution = option
	dp.ResolvedAt = &now
	w.Decisions = append(w.Decisions, dp)
	w.Decision = nil
	w.State = WorkflowActive
	w.touch()
	return nil
}

// Complete transitions the workflow to Completed.
func (w *Workflow) Complete() error {
	if w.State != WorkflowActive {
		return w.stateErr(WorkflowCompleted)
	}
	w.State = WorkflowCompleted
	now := time.Now()
	w.CompletedAt = &now
	w.touch()
	return nil
}

// Fail transitions the workflow to Failed. Only an abandon resolution does this.
func (w *Workflow) Fail(reason string) error {
	if w.State.IsTerminal() {
		return w.stateErr(WorkflowFailed)
	}
	w.State = WorkflowFailed
	w.Error = reason
	now := time.Now()
	w.CompletedAt = &now
	w.touch()
	return nil
}

// Cancel transitions the workflow to Cancelled.
func (w *Workflow) Cancel() error {
	if w.State.IsTerminal() {
		return w.stateErr(WorkflowCancelled)
	}
	w.State = WorkflowCancelled
	now := time.Now()
	w.CompletedAt = &now
	w.touch()
	return nil
}

// Validate checks structural invariants.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return ErrValidation("WORKFLOW_ID_REQUIRED", "workflow ID cannot be empty")
	}
	seen := make(map[TaskID]int)
	for i, g := range w.Phases {
		if i > 0 && PhaseOrder(w.Phases[i-1].Phase) >= PhaseOrder(g.Phase) {
			return ErrValidation(CodeInvalidTemplate, fmt.Sprintf("phase %s out of order", g.Phase))
		}
		for _, id := range g.TaskIDs {
			if _, ok := w.Tasks[id]; !ok {
				return ErrState(CodeStateCorrupted, fmt.Sprintf("phase %s lists unknown task %s", g.Phase, id))
			}
			seen[id] = i
		}
	}
	for id, t := range w.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		idx, ok := seen[id]
		if !ok {
			return ErrState(CodeStateCorrupted, fmt.Sprintf("task %s not placed in any phase", id))
		}
		for _, dep := range t.DependsOn {
			di, ok := seen[dep]
			if !ok || di > idx || dep == id {
				return ErrValidation(CodeForwardReference, fmt.Sprintf("task %s has invalid dependency %s", id, dep))
			}
		}
	}
	return nil
}
