package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Worker runtime failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // Illegal transition or conflict
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatRouting    ErrorCategory = "routing"    // No worker could be selected
	ErrCatHealth     ErrorCategory = "health"     // Worker excluded by its circuit
	ErrCatCancelled  ErrorCategory = "cancelled"  // Explicit external cancellation
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrTransient creates a retryable task failure.
func ErrTransient(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeTransientFailure,
		Message:   message,
		Retryable: true,
	}
}

// ErrWorkerBusy signals that a worker rejected the invocation because it is saturated.
func ErrWorkerBusy(workerID string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeWorkerBusy,
		Message:   fmt.Sprintf("worker %s is busy", workerID),
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeTimeout,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrUnknownWorkerReference is returned by the classifier when an explicit
// reference does not resolve. The request itself stays usable for heuristic routing.
func ErrUnknownWorkerReference(ref string, suggestions []string) *DomainError {
	e := &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeUnknownWorkerReference,
		Message:   fmt.Sprintf("unknown worker reference @%s", ref),
		Retryable: false,
	}
	if len(suggestions) > 0 {
		e.WithDetail("suggestions", suggestions)
	}
	return e
}

// ErrNoCapableWorker is returned by the router when no candidate reaches the minimum score.
func ErrNoCapableWorker(tags []string, best float64) *DomainError {
	return &DomainError{
		Category:  ErrCatRouting,
		Code:      CodeNoCapableWorker,
		Message:   fmt.Sprintf("no worker scored above threshold for tags %v (best %.2f)", tags, best),
		Retryable: false,
		Details: map[string]interface{}{
			"tags":       tags,
			"best_score": best,
		},
	}
}

// ErrWorkerUnhealthy reports a worker whose circuit is open.
func ErrWorkerUnhealthy(workerID string) *DomainError {
	return &DomainError{
		Category:  ErrCatHealth,
		Code:      CodeWorkerUnhealthy,
		Message:   fmt.Sprintf("worker %s circuit is open", workerID),
		Retryable: false,
		Details:   map[string]interface{}{"worker_id": workerID},
	}
}

// ErrDependencyFailed marks a task that was never dispatched because a dependency failed.
func ErrDependencyFailed(taskID, depID string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeDependencyFailed,
		Message:   fmt.Sprintf("task %s not dispatched: dependency %s failed", taskID, depID),
		Retryable: false,
		Details:   map[string]interface{}{"dependency": depID},
	}
}

// ErrCancelled reports an explicit workflow cancellation.
func ErrCancelled(workflowID string) *DomainError {
	return &DomainError{
		Category:  ErrCatCancelled,
		Code:      CodeWorkflowCancelled,
		Message:   fmt.Sprintf("workflow %s cancelled", workflowID),
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// ErrorCode extracts the domain code, or CodeInternal for foreign errors.
func ErrorCode(err error) string {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code
	}
	if err == nil {
		return ""
	}
	return CodeInternal
}

// HasCode reports whether err carries the given domain code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// Predefined error codes
const (
	CodeNotFound         = "NOT_FOUND"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	CodeDecisionNotFound = "DECISION_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeStateCorrupted   = "STATE_CORRUPTED"
	CodeInternal         = "INTERNAL"

	// Classification and routing
	CodeUnknownWorkerReference = "UNKNOWN_WORKER_REFERENCE"
	CodeNoCapableWorker        = "NO_CAPABLE_WORKER"
	CodeWorkerUnhealthy        = "WORKER_UNHEALTHY"

	// Execution
	CodeTransientFailure  = "TRANSIENT_TASK_FAILURE"
	CodeTimeout           = "TIMEOUT"
	CodeWorkerBusy        = "WORKER_BUSY"
	CodeWorkerFailed      = "WORKER_FAILED"
	CodeDependencyFailed  = "DEPENDENCY_FAILED"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeWorkflowCancelled = "WORKFLOW_CANCELLED"

	// Validation
	CodeEmptyRequest     = "EMPTY_REQUEST"
	CodeRequestTooLong   = "REQUEST_TOO_LONG"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeInvalidWorker    = "INVALID_WORKER"
	CodeInvalidTemplate  = "INVALID_TEMPLATE"
	CodeForwardReference = "FORWARD_REFERENCE"
	CodeDAGCycle         = "DAG_CYCLE"
	CodeInvalidOption    = "INVALID_OPTION"
)

// MaxRequestLength is the maximum accepted raw request length.
const MaxRequestLength = 100000
