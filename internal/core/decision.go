package core

import (
	"fmt"
	"time"
)

// DecisionOption is one way an open decision point can be resolved.
type DecisionOption string

const (
	// OptionRetry re-runs the blocking task on the same worker with a fresh attempt budget.
	OptionRetry DecisionOption = "retry"
	// OptionReroute asks the router for another worker.
	OptionReroute DecisionOption = "reroute"
	// OptionSkip accepts the failure; dependents are skipped with it.
	OptionSkip DecisionOption = "skip"
	// OptionAbandon fails the workflow.
	OptionAbandon DecisionOption = "abandon"
)

// ParseDecisionOption validates an option string.
func ParseDecisionOption(s string) (DecisionOption, error) {
	switch o := DecisionOption(s); o {
	case OptionRetry, OptionReroute, OptionSkip, OptionAbandon:
		return o, nil
	default:
		return "", ErrValidation(CodeInvalidOption, fmt.Sprintf("invalid decision option %q", s))
	}
}

// DecisionPoint halts a workflow until it is resolved externally.
type DecisionPoint struct {
	ID             string           `json:"id"`
	WorkflowID     WorkflowID       `json:"workflow_id"`
	BlockingTaskID TaskID           `json:"blocking_task_id,omitempty"`
	Reason         string           `json:"reason"`
	Message        string           `json:"message,omitempty"`
	Options        []DecisionOption `json:"options"`
	Resolution     DecisionOption   `json:"resolution,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
}

// Allows reports whether option is one of the offered resolutions.
func (d DecisionPoint) Allows(option DecisionOption) bool {
	for _, o := range d.Options {
		if o == option {
			return true
		}
	}
	return false
}

// HandoffRecord is emitted for every task that reaches a terminal state. It
// is the contract with downstream collaborators such as notifiers.
type HandoffRecord struct {
	TaskID                 TaskID     `json:"task_id"`
	WorkerID               string     `json:"worker_id"`
	WorkflowID             WorkflowID `json:"workflow_id"`
	Phase                  Phase      `json:"phase"`
	Status                 TaskState  `json:"status"`
	Timestamp              time.Time  `json:"timestamp"`
	Deliverable            string     `json:"deliverable,omitempty"`
	NextRecommendedWorkers []string   `json:"next_recommended_workers,omitempty"`
}
