package events

import "time"

// Event type constants for task events.
const (
	TypeTaskDispatched       = "task_dispatched"
	TypeTaskRunning          = "task_running"
	TypeTaskSucceeded        = "task_succeeded"
	TypeTaskFailed           = "task_failed"
	TypeTaskTimedOut         = "task_timed_out"
	TypeTaskRetrying         = "task_retrying"
	TypeTaskRerouted         = "task_rerouted"
	TypeTaskDependencyFailed = "task_dependency_failed"
	TypeTaskSkipped          = "task_skipped"
	TypeHandoff              = "handoff"
)

// TaskEvent describes one task transition. Transition-specific fields stay
// empty when they do not apply.
type TaskEvent struct {
	BaseEvent
	TaskID    string        `json:"task_id"`
	WorkerID  string        `json:"worker_id"`
	Phase     string        `json:"phase"`
	Attempt   int           `json:"attempt"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Fallback  string        `json:"fallback,omitempty"`
	Final     bool          `json:"final,omitempty"`
}

// NewTaskEvent creates a task transition event.
func NewTaskEvent(eventType, workflowID, taskID, workerID, phase string, attempt int) TaskEvent {
	return TaskEvent{
		BaseEvent: NewBaseEvent(eventType, workflowID),
		TaskID:    taskID,
		WorkerID:  workerID,
		Phase:     phase,
		Attempt:   attempt,
	}
}

// WithError attaches failure details.
func (e TaskEvent) WithError(kind, msg string) TaskEvent {
	e.ErrorKind = kind
	e.Error = msg
	return e
}

// WithDuration attaches the attempt duration.
func (e TaskEvent) WithDuration(d time.Duration) TaskEvent {
	e.Duration = d
	return e
}

// HandoffEvent carries a handoff record to downstream collaborators.
type HandoffEvent struct {
	BaseEvent
	TaskID      string   `json:"task_id"`
	WorkerID    string   `json:"worker_id"`
	Phase       string   `json:"phase"`
	Status      string   `json:"status"`
	Deliverable string   `json:"deliverable,omitempty"`
	Next        []string `json:"next_recommended_workers,omitempty"`
}

// NewHandoffEvent creates a new handoff event.
func NewHandoffEvent(workflowID, taskID, workerID, phase, status, deliverable string, next []string) HandoffEvent {
	return HandoffEvent{
		BaseEvent:   NewBaseEvent(TypeHandoff, workflowID),
		TaskID:      taskID,
		WorkerID:    workerID,
		Phase:       phase,
		Status:      status,
		Deliverable: deliverable,
		Next:        next,
	}
}
