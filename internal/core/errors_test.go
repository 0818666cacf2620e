package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := (&DomainError{
		Category: ErrCatValidation,
		Code:     "CODE",
		Message:  "message",
	}).WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Category: ErrCatValidation, Code: "CODE"}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match category and code")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := &DomainError{Category: ErrCatExecution, Code: "X", Message: "msg"}
	err.WithDetail("k", "v")
	if err.Details == nil || err.Details["k"] != "v" {
		t.Fatalf("expected details to be set")
	}
}

func TestErrorFactories_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  *DomainError
		want bool
	}{
		{"validation", ErrValidation("C", "m"), false},
		{"execution", ErrExecution("C", "m"), false},
		{"transient", ErrTransient("m"), true},
		{"busy", ErrWorkerBusy("w"), true},
		{"timeout", ErrTimeout("m"), true},
		{"state", ErrState("C", "m"), false},
		{"unknown ref", ErrUnknownWorkerReference("x", nil), false},
		{"no capable", ErrNoCapableWorker([]string{"a"}, 0.1), false},
		{"unhealthy", ErrWorkerUnhealthy("w"), false},
		{"dependency", ErrDependencyFailed("t2", "t1"), false},
		{"cancelled", ErrCancelled("wf"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Retryable != tt.want {
				t.Fatalf("Retryable = %v, want %v", tt.err.Retryable, tt.want)
			}
			if IsRetryable(tt.err) != tt.want {
				t.Fatalf("IsRetryable = %v, want %v", IsRetryable(tt.err), tt.want)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	wrapped := fmt.Errorf("routing: %w", ErrNoCapableWorker(nil, 0))
	if got := ErrorCode(wrapped); got != CodeNoCapableWorker {
		t.Fatalf("ErrorCode(wrapped) = %s", got)
	}
	if !HasCode(wrapped, CodeNoCapableWorker) {
		t.Fatalf("expected HasCode to match")
	}
	if got := ErrorCode(errors.New("plain")); got != CodeInternal {
		t.Fatalf("ErrorCode(plain) = %s", got)
	}
	if got := ErrorCode(nil); got != "" {
		t.Fatalf("ErrorCode(nil) = %q", got)
	}
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatalf("expected internal category for foreign error")
	}
	if !IsCategory(ErrWorkerUnhealthy("w"), ErrCatHealth) {
		t.Fatalf("expected health category")
	}
}

func TestErrUnknownWorkerReference_Suggestions(t *testing.T) {
	err := ErrUnknownWorkerReference("data-exportr", []string{"data-exporter"})
	s, ok := err.Details["suggestions"].([]string)
	if !ok || len(s) != 1 || s[0] != "data-exporter" {
		t.Fatalf("expected suggestions detail, got %v", err.Details)
	}
	if ErrUnknownWorkerReference("x", nil).Details != nil {
		t.Fatalf("expected no details without suggestions")
	}
}
