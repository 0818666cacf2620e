package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Step scripts one invocation of a MockWorker.
type Step struct {
	Output string
	Err    error
	Delay  time.Duration
	// Hang blocks until the invocation context ends.
	Hang bool
}

// Succeed is a successful step.
func Succeed(output string) Step { return Step{Output: output} }

// Fail is a failing step.
func Fail(err error) Step { return Step{Err: err} }

// Hang is a step that only ends when the context does.
func Hang() Step { return Step{Hang: true} }

// MockWorker implements core.WorkerInvoker with per-worker scripts.
// Unscripted invocations succeed with "<worker>: done".
type MockWorker struct {
	mu       sync.Mutex
	scripts  map[string][]Step
	handlers map[string]func(context.Context, core.Invocation) (*core.Output, error)
	next     map[string][]string
	calls    []core.Invocation
}

// NewMockWorker creates an empty mock.
func NewMockWorker() *MockWorker {
	return &MockWorker{
		scripts:  make(map[string][]Step),
		handlers: make(map[string]func(context.Context, core.Invocation) (*core.Output, error)),
		next:     make(map[string][]string),
	}
}

// Script queues steps for workerID, consumed one per invocation.
func (m *MockWorker) Script(workerID string, steps ...Step) *MockWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[workerID] = append(m.scripts[workerID], steps...)
	return m
}

// On installs a handler for workerID. Scripts take precedence.
func (m *MockWorker) On(workerID string, fn func(context.Context, core.Invocation) (*core.Output, error)) *MockWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[workerID] = fn
	return m
}

// Recommend sets the advisory next workers returned by workerID.
func (m *MockWorker) Recommend(workerID string, next ...string) *MockWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[workerID] = next
	return m
}

// Invoke runs the next scripted step for the worker.
func (m *MockWorker) Invoke(ctx context.Context, inv core.Invocation) (*core.Output, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inv)
	var step *Step
	if steps := m.scripts[inv.WorkerID]; len(steps) > 0 {
		s := steps[0]
		step = &s
		m.scripts[inv.WorkerID] = steps[1:]
	}
	handler := m.handlers[inv.WorkerID]
	next := m.next[inv.WorkerID]
	m.mu.Unlock()

	if step == nil && handler != nil {
		return handler(ctx, inv)
	}
	if step == nil {
		return &core.Output{Deliverable: fmt.Sprintf("%s: done", inv.WorkerID), Next: next}, nil
	}

	switch {
	case step.Hang:
		<-ctx.Done()
		return nil, ctx.Err()
	case step.Delay > 0:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Delay):
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &core.Output{Deliverable: step.Output, Next: next}, nil
}

// Calls returns every recorded invocation.
func (m *MockWorker) Calls() []core.Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Invocation(nil), m.calls...)
}

// CallCount returns how often workerID was invoked.
func (m *MockWorker) CallCount(workerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.WorkerID == workerID {
			n++
		}
	}
	return n
}
