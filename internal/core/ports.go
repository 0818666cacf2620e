package core

import (
	"context"
	"time"
)

// =============================================================================
// Worker Port
// =============================================================================

// Invocation is everything a worker receives for one task attempt.
type Invocation struct {
	WorkflowID WorkflowID
	TaskID     TaskID
	WorkerID   string
	Variant    string
	Phase      Phase
	Attempt    int
	Request    Request
	// Inputs holds the results of the task's dependencies keyed by task ID.
	Inputs  map[TaskID]string
	Timeout time.Duration
}

// Output is a worker's deliverable for one attempt.
type Output struct {
	Deliverable string
	// Next lists workers the producer recommends to follow. Advisory only.
	Next []string
}

// WorkerInvoker runs tasks on workers. Implementations must honor ctx
// cancellation; the engine abandons invocations that outlive their deadline.
type WorkerInvoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Output, error)
}

// WorkerInvokerFunc adapts a function to WorkerInvoker.
type WorkerInvokerFunc func(ctx context.Context, inv Invocation) (*Output, error)

// Invoke calls f.
func (f WorkerInvokerFunc) Invoke(ctx context.Context, inv Invocation) (*Output, error) {
	return f(ctx, inv)
}

// =============================================================================
// Workflow State Store Port
// =============================================================================

// StoredEvent is an audit record appended for a workflow.
type StoredEvent struct {
	Seq        int64          `json:"seq"`
	WorkflowID WorkflowID     `json:"workflow_id"`
	Type       string         `json:"type"`
	TaskID     TaskID         `json:"task_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// WorkflowSummary provides a lightweight summary of a workflow for listing.
type WorkflowSummary struct {
	WorkflowID WorkflowID    `json:"workflow_id"`
	Template   string        `json:"template"`
	State      WorkflowState `json:"state"`
	RawInput   string        `json:"raw_input"` // Truncated for display
	Tasks      int           `json:"tasks"`
	DecisionID string        `json:"decision_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// StateStore persists workflow state transitions. Durability is at-least-once:
// a Save may be repeated with identical content after a crash.
type StateStore interface {
	// Save persists the workflow atomically.
	Save(ctx context.Context, wf *Workflow) error

	// Load retrieves a workflow by ID. Returns a NOT_FOUND DomainError if absent.
	Load(ctx context.Context, id WorkflowID) (*Workflow, error)

	// AppendEvent adds an audit event to the workflow's log.
	AppendEvent(ctx context.Context, id WorkflowID, event StoredEvent) error

	// Events returns the workflow's audit log in append order.
	Events(ctx context.Context, id WorkflowID) ([]StoredEvent, error)

	// ListWorkflows returns summaries ordered by most recent update.
	ListWorkflows(ctx context.Context) ([]WorkflowSummary, error)

	// SaveWorkerStats persists rolling performance statistics.
	SaveWorkerStats(ctx context.Context, stats map[string]PerformanceStats) error

	// LoadWorkerStats returns the last persisted performance statistics.
	LoadWorkerStats(ctx context.Context) (map[string]PerformanceStats, error)

	// Close releases resources.
	Close() error
}

// =============================================================================
// Decision Resolution Port
// =============================================================================

// DecisionResolver resumes a workflow blocked on a decision point.
type DecisionResolver interface {
	Resolve(ctx context.Context, decisionID string, option DecisionOption) (*Workflow, error)
}

// TruncateForDisplay shortens s to max runes with an ellipsis.
func TruncateForDisplay(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
