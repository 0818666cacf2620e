package tui

import (
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
)

// TaskView is one row of the watch view.
type TaskView struct {
	ID          string
	WorkerID    string
	Phase       core.Phase
	State       core.TaskState
	Attempt     int
	Duration    time.Duration
	Error       string
	Note        string
	Deliverable string
}

// Resolved reports whether the row will not change again.
func (t *TaskView) Resolved() bool {
	switch t.State {
	case core.TaskSucceeded, core.TaskSkipped, core.TaskFailed:
		return true
	}
	return false
}

// Progress folds bus events into the rows and workflow status the views
// render. It is not safe for concurrent use.
type Progress struct {
	WorkflowID core.WorkflowID
	Template   string
	State      core.WorkflowState
	Paused     bool
	Partial    bool
	Error      string
	Decision   *events.DecisionEvent
	Elapsed    time.Duration

	tasks []*TaskView
	index map[string]*TaskView
}

// NewProgress seeds the rows from a persisted workflow.
func NewProgress(wf *core.Workflow) *Progress {
	p := &Progress{
		WorkflowID: wf.ID,
		Template:   wf.Template,
		State:      wf.State,
		index:      make(map[string]*TaskView, len(wf.Tasks)),
	}
	for _, id := range wf.TaskOrder {
		t := wf.Tasks[id]
		row := p.row(string(t.ID), t.WorkerID, t.Phase)
		row.State = t.State
		row.Attempt = t.Attempt
		row.Error = t.Error
		row.Deliverable = t.Result
		if t.StartedAt != nil && t.CompletedAt != nil {
			row.Duration = t.CompletedAt.Sub(*t.StartedAt)
		}
		if t.ReplacedBy != "" {
			row.Note = "replaced by " + string(t.ReplacedBy)
		}
	}
	if wf.Decision != nil {
		p.Decision = &events.DecisionEvent{
			DecisionID:     wf.Decision.ID,
			BlockingTaskID: string(wf.Decision.BlockingTaskID),
			Reason:         wf.Decision.Reason,
			Options:        optionStrings(wf.Decision.Options),
		}
	}
	return p
}

func optionStrings(opts []core.DecisionOption) []string {
	out := make([]string, len(opts))
	for i, o := range opts {
		out[i] = string(o)
	}
	return out
}

// Tasks returns the rows in first-seen order.
func (p *Progress) Tasks() []*TaskView {
	return p.tasks
}

// Task returns the row of id.
func (p *Progress) Task(id string) (*TaskView, bool) {
	t, ok := p.index[id]
	return t, ok
}

func (p *Progress) row(id, worker string, phase core.Phase) *TaskView {
	if t, ok := p.index[id]; ok {
		return t
	}
	t := &TaskView{ID: id, WorkerID: worker, Phase: phase, State: core.TaskQueued}
	p.tasks = append(p.tasks, t)
	p.index[id] = t
	return t
}

// Fraction is the share of resolved rows.
func (p *Progress) Fraction() float64 {
	if len(p.tasks) == 0 {
		if p.State == core.WorkflowCompleted {
			return 1
		}
		return 0
	}
	done := 0
	for _, t := range p.tasks {
		if t.Resolved() {
			done++
		}
	}
	return float64(done) / float64(len(p.tasks))
}

// Stopped reports whether the run is over or halted on a decision.
func (p *Progress) Stopped() bool {
	return p.State.IsTerminal() || p.State == core.WorkflowAwaitingDecision
}

// Apply folds one event. Events of other workflows are ignored.
func (p *Progress) Apply(ev events.Event) {
	if wf := ev.WorkflowID(); wf != "" && wf != string(p.WorkflowID) {
		return
	}
	switch e := ev.(type) {
	case events.TaskEvent:
		p.applyTask(e)
	case events.HandoffEvent:
		row := p.row(e.TaskID, e.WorkerID, core.Phase(e.Phase))
		row.Deliverable = e.Deliverable
	case events.WorkflowStartedEvent:
		p.State = core.WorkflowActive
		p.Decision = nil
	case events.WorkflowPausedEvent:
		p.Paused = true
	case events.WorkflowResumedEvent:
		p.Paused = false
	case events.WorkflowCompletedEvent:
		p.State = core.WorkflowCompleted
		p.Partial = e.Partial
		p.Elapsed = e.Duration
	case events.WorkflowFailedEvent:
		p.State = core.WorkflowFailed
		p.Error = e.Error
	case events.WorkflowCancelledEvent:
		p.State = core.WorkflowCancelled
	case events.DecisionEvent:
		if e.EventType() == events.TypeDecisionOpened {
			p.State = core.WorkflowAwaitingDecision
			d := e
			p.Decision = &d
		} else {
			p.Decision = nil
		}
	}
}

func (p *Progress) applyTask(e events.TaskEvent) {
	row := p.row(e.TaskID, e.WorkerID, core.Phase(e.Phase))
	row.WorkerID = e.WorkerID
	row.Attempt = e.Attempt
	switch e.EventType() {
	case events.TypeTaskDispatched:
		row.State = core.TaskDispatched
		row.Error = ""
	case events.TypeTaskRunning:
		row.State = core.TaskRunning
	case events.TypeTaskSucceeded:
		row.State = core.TaskSucceeded
		row.Duration = e.Duration
	case events.TypeTaskFailed:
		row.State = core.TaskFailed
		row.Duration = e.Duration
		row.Error = e.Error
	case events.TypeTaskTimedOut:
		row.State = core.TaskTimedOut
		row.Duration = e.Duration
		row.Error = e.Error
	case events.TypeTaskRetrying:
		row.State = core.TaskRetrying
		row.Note = "retry in " + e.Delay.Round(time.Millisecond).String()
	case events.TypeTaskRerouted:
		row.State = core.TaskFailed
		row.Note = "rerouted to " + e.Fallback
	case events.TypeTaskDependencyFailed, events.TypeTaskSkipped:
		row.State = core.TaskSkipped
		row.Error = e.Error
	}
}
