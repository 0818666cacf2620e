package events

// Event type constants for decision point events.
const (
	TypeDecisionOpened   = "decision_opened"
	TypeDecisionResolved = "decision_resolved"
)

// DecisionEvent describes a decision point being opened or resolved.
type DecisionEvent struct {
	BaseEvent
	DecisionID     string   `json:"decision_id"`
	BlockingTaskID string   `json:"blocking_task_id,omitempty"`
	Reason         string   `json:"reason"`
	Options        []string `json:"options,omitempty"`
	Resolution     string   `json:"resolution,omitempty"`
}

// NewDecisionOpenedEvent creates a new decision opened event.
func NewDecisionOpenedEvent(workflowID, decisionID, taskID, reason string, options []string) DecisionEvent {
	return DecisionEvent{
		BaseEvent:      NewBaseEvent(TypeDecisionOpened, workflowID),
		DecisionID:     decisionID,
		BlockingTaskID: taskID,
		Reason:         reason,
		Options:        options,
	}
}

// NewDecisionResolvedEvent creates a new decision resolved event.
func NewDecisionResolvedEvent(workflowID, decisionID, resolution string) DecisionEvent {
	return DecisionEvent{
		BaseEvent:  NewBaseEvent(TypeDecisionResolved, workflowID),
		DecisionID: decisionID,
		Resolution: resolution,
	}
}
