package events

// Event type constants for worker and routing events.
const (
	TypeWorkerHealthChanged = "worker_health_changed"
	TypeWorkerRegistered    = "worker_registered"
	TypeRoutingDecided      = "routing_decided"
)

// WorkerHealthChangedEvent is emitted on every health state transition.
// It carries no workflow ID: health is registry-wide.
type WorkerHealthChangedEvent struct {
	BaseEvent
	WorkerID            string `json:"worker_id"`
	From                string `json:"from"`
	To                  string `json:"to"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// NewWorkerHealthChangedEvent creates a new health transition event.
func NewWorkerHealthChangedEvent(workerID, from, to string, consecutive int) WorkerHealthChangedEvent {
	return WorkerHealthChangedEvent{
		BaseEvent:           NewBaseEvent(TypeWorkerHealthChanged, ""),
		WorkerID:            workerID,
		From:                from,
		To:                  to,
		ConsecutiveFailures: consecutive,
	}
}

// WorkerRegisteredEvent is emitted when a descriptor is added or replaced.
type WorkerRegisteredEvent struct {
	BaseEvent
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities"`
	Replaced     bool     `json:"replaced"`
}

// NewWorkerRegisteredEvent creates a new registration event.
func NewWorkerRegisteredEvent(workerID string, caps []string, replaced bool) WorkerRegisteredEvent {
	return WorkerRegisteredEvent{
		BaseEvent:    NewBaseEvent(TypeWorkerRegistered, ""),
		WorkerID:     workerID,
		Capabilities: caps,
		Replaced:     replaced,
	}
}

// RoutingDecidedEvent records a routing outcome for a workflow.
type RoutingDecidedEvent struct {
	BaseEvent
	RequestID string   `json:"request_id"`
	Method    string   `json:"method"`
	Workers   []string `json:"workers"`
	Score     float64  `json:"score"`
}

// NewRoutingDecidedEvent creates a new routing event.
func NewRoutingDecidedEvent(workflowID, requestID, method string, workers []string, score float64) RoutingDecidedEvent {
	return RoutingDecidedEvent{
		BaseEvent: NewBaseEvent(TypeRoutingDecided, workflowID),
		RequestID: requestID,
		Method:    method,
		Workers:   workers,
		Score:     score,
	}
}
