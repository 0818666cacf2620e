package events

import "time"

// Event type constants for workflow events.
const (
	TypeWorkflowCreated      = "workflow_created"
	TypeWorkflowStarted      = "workflow_started"
	TypeWorkflowStateUpdated = "workflow_state_updated"
	TypeWorkflowCompleted    = "workflow_completed"
	TypeWorkflowFailed       = "workflow_failed"
	TypeWorkflowCancelled    = "workflow_cancelled"
	TypeWorkflowPaused       = "workflow_paused"
	TypeWorkflowResumed      = "workflow_resumed"
)

// WorkflowCreatedEvent is emitted when the graph builder produced a workflow.
type WorkflowCreatedEvent struct {
	BaseEvent
	Template string   `json:"template"`
	Phases   []string `json:"phases"`
	Tasks    int      `json:"tasks"`
}

// NewWorkflowCreatedEvent creates a new workflow created event.
func NewWorkflowCreatedEvent(workflowID, template string, phases []string, tasks int) WorkflowCreatedEvent {
	return WorkflowCreatedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowCreated, workflowID),
		Template:  template,
		Phases:    phases,
		Tasks:     tasks,
	}
}

// WorkflowStartedEvent is emitted when an engine run begins or resumes.
type WorkflowStartedEvent struct {
	BaseEvent
	Resumed bool `json:"resumed"`
}

// NewWorkflowStartedEvent creates a new workflow started event.
func NewWorkflowStartedEvent(workflowID string, resumed bool) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowStarted, workflowID),
		Resumed:   resumed,
	}
}

// WorkflowStateUpdatedEvent carries progress counters after each task transition.
type WorkflowStateUpdatedEvent struct {
	BaseEvent
	Phase     string `json:"phase"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Running   int    `json:"running"`
}

// NewWorkflowStateUpdatedEvent creates a new state updated event.
func NewWorkflowStateUpdatedEvent(workflowID, phase string, total, succeeded, failed, running int) WorkflowStateUpdatedEvent {
	return WorkflowStateUpdatedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowStateUpdated, workflowID),
		Phase:     phase,
		Total:     total,
		Succeeded: succeeded,
		Failed:    failed,
		Running:   running,
	}
}

// WorkflowCompletedEvent is emitted once when every task is resolved.
type WorkflowCompletedEvent struct {
	BaseEvent
	Duration time.Duration `json:"duration"`
	Partial  bool          `json:"partial"`
}

// NewWorkflowCompletedEvent creates a new workflow completed event.
func NewWorkflowCompletedEvent(workflowID string, duration time.Duration, partial bool) WorkflowCompletedEvent {
	return WorkflowCompletedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowCompleted, workflowID),
		Duration:  duration,
		Partial:   partial,
	}
}

// WorkflowFailedEvent is emitted when a workflow is abandoned.
type WorkflowFailedEvent struct {
	BaseEvent
	Error string `json:"error"`
}

// NewWorkflowFailedEvent creates a new workflow failed event.
func NewWorkflowFailedEvent(workflowID, reason string) WorkflowFailedEvent {
	return WorkflowFailedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowFailed, workflowID),
		Error:     reason,
	}
}

// WorkflowCancelledEvent is emitted when a workflow is cancelled externally.
type WorkflowCancelledEvent struct {
	BaseEvent
	InFlight int `json:"in_flight"`
}

// NewWorkflowCancelledEvent creates a new workflow cancelled event.
func NewWorkflowCancelledEvent(workflowID string, inFlight int) WorkflowCancelledEvent {
	return WorkflowCancelledEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowCancelled, workflowID),
		InFlight:  inFlight,
	}
}

// WorkflowPausedEvent is emitted when dispatch is paused.
type WorkflowPausedEvent struct {
	BaseEvent
}

// NewWorkflowPausedEvent creates a new workflow paused event.
func NewWorkflowPausedEvent(workflowID string) WorkflowPausedEvent {
	return WorkflowPausedEvent{BaseEvent: NewBaseEvent(TypeWorkflowPaused, workflowID)}
}

// WorkflowResumedEvent is emitted when dispatch resumes after a pause.
type WorkflowResumedEvent struct {
	BaseEvent
}

// NewWorkflowResumedEvent creates a new workflow resumed event.
func NewWorkflowResumedEvent(workflowID string) WorkflowResumedEvent {
	return WorkflowResumedEvent{BaseEvent: NewBaseEvent(TypeWorkflowResumed, workflowID)}
}
