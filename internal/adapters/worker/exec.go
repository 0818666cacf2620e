// Package worker invokes catalog workers as external processes.
//
// The invocation is written to the process's stdin as JSON. Whatever the
// process prints to stdout is the deliverable, unless stdout is a JSON
// object with a "deliverable" field, in which case its "next" list is
// taken as the advisory follow-up workers.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/registry"
)

// ExitTempFail is the sysexits code a worker returns when it is busy.
const ExitTempFail = 75

// killGrace is how long a cancelled process gets before SIGKILL.
const killGrace = 5 * time.Second

// payload is the stdin document a worker process receives.
type payload struct {
	WorkflowID string            `json:"workflow_id"`
	TaskID     string            `json:"task_id"`
	WorkerID   string            `json:"worker_id"`
	Variant    string            `json:"variant,omitempty"`
	Phase      string            `json:"phase"`
	Attempt    int               `json:"attempt"`
	Request    string            `json:"request"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

// reply is the optional structured stdout of a worker process.
type reply struct {
	Deliverable *string  `json:"deliverable"`
	Next        []string `json:"next"`
}

// ExecInvoker runs each worker's configured command.
type ExecInvoker struct {
	mu     sync.RWMutex
	specs  map[string]registry.WorkerSpec
	logger *logging.Logger
}

// NewExecInvoker creates an invoker for the workers of cat.
func NewExecInvoker(cat *registry.Catalog, logger *logging.Logger) *ExecInvoker {
	e := &ExecInvoker{logger: logging.OrNop(logger).WithComponent("worker")}
	e.Update(cat)
	return e
}

// Update replaces the worker commands, typically after a catalog reload.
func (e *ExecInvoker) Update(cat *registry.Catalog) {
	specs := make(map[string]registry.WorkerSpec)
	if cat != nil {
		for _, w := range cat.Workers {
			specs[w.ID] = w
		}
	}
	e.mu.Lock()
	e.specs = specs
	e.mu.Unlock()
}

// Configured reports whether id has a command.
func (e *ExecInvoker) Configured(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.specs[id].Exec) > 0
}

// Invoke runs the worker process for inv.
func (e *ExecInvoker) Invoke(ctx context.Context, inv core.Invocation) (*core.Output, error) {
	e.mu.RLock()
	spec, ok := e.specs[inv.WorkerID]
	e.mu.RUnlock()
	if !ok || len(spec.Exec) == 0 {
		return nil, core.ErrNotFound("worker command", inv.WorkerID)
	}

	stdin, err := json.Marshal(newPayload(inv))
	if err != nil {
		return nil, fmt.Errorf("encoding invocation: %w", err)
	}

	// #nosec G204 -- command comes from the worker catalog
	cmd := exec.CommandContext(ctx, spec.Exec[0], spec.Exec[1:]...)
	configureProcAttr(cmd)
	cmd.WaitDelay = killGrace
	cmd.Dir = spec.Dir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(),
		"DISPATCH_MANAGED=true",
		"DISPATCH_WORKER="+inv.WorkerID,
		"DISPATCH_WORKFLOW="+string(inv.WorkflowID),
		"DISPATCH_TASK="+string(inv.TaskID),
		"DISPATCH_PHASE="+string(inv.Phase),
		"DISPATCH_ATTEMPT="+strconv.Itoa(inv.Attempt),
		"DISPATCH_VARIANT="+inv.Variant,
	)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := e.logger.WithWorker(inv.WorkerID).WithTask(string(inv.TaskID))
	log.Debug("starting worker process", "path", spec.Exec[0], "attempt", inv.Attempt)
	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	switch {
	case ctx.Err() != nil:
		log.Info("worker process stopped", "reason", ctx.Err(), "duration", duration)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, core.ErrTimeout(fmt.Sprintf("worker %s exceeded its deadline", inv.WorkerID))
		}
		return nil, ctx.Err()
	case err != nil:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, core.ErrExecution(core.CodeWorkerFailed, "starting worker process").
				WithCause(err).WithDetail("worker_id", inv.WorkerID)
		}
		log.Warn("worker process failed", "exit_code", exitErr.ExitCode(), "duration", duration,
			"stderr", core.TruncateForDisplay(strings.TrimSpace(stderr.String()), 500))
		return nil, classifyExit(inv.WorkerID, exitErr.ExitCode(), stderr.String())
	}

	log.Debug("worker process finished", "duration", duration, "stdout_length", stdout.Len())
	return parseOutput(stdout.Bytes()), nil
}

func newPayload(inv core.Invocation) payload {
	p := payload{
		WorkflowID: string(inv.WorkflowID),
		TaskID:     string(inv.TaskID),
		WorkerID:   inv.WorkerID,
		Variant:    inv.Variant,
		Phase:      string(inv.Phase),
		Attempt:    inv.Attempt,
		Request:    inv.Request.RawInput,
		Command:    inv.Request.Command,
		Args:       inv.Request.Args,
		Params:     inv.Request.Params,
	}
	if len(inv.Inputs) > 0 {
		p.Inputs = make(map[string]string, len(inv.Inputs))
		for id, out := range inv.Inputs {
			p.Inputs[string(id)] = out
		}
	}
	return p
}

// parseOutput reads a structured reply, falling back to raw text.
func parseOutput(raw []byte) *core.Output {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var r reply
		if err := json.Unmarshal(trimmed, &r); err == nil && r.Deliverable != nil {
			return &core.Output{Deliverable: *r.Deliverable, Next: r.Next}
		}
	}
	return &core.Output{Deliverable: string(trimmed)}
}

// classifyExit maps a failed process to the recovery taxonomy.
func classifyExit(workerID string, code int, stderr string) error {
	msg := strings.ToLower(stderr)
	switch {
	case code == ExitTempFail, containsAny(msg, "rate limit", "too many requests", "429", "busy"):
		return core.ErrWorkerBusy(workerID)
	case containsAny(msg, "timeout", "timed out", "connection", "network", "unreachable", "temporar"):
		return core.ErrTransient(fmt.Sprintf("worker %s: %s", workerID, firstLine(stderr)))
	}
	detail := firstLine(stderr)
	if detail == "" {
		detail = "(no error message captured)"
	}
	return core.ErrExecution(core.CodeWorkerFailed,
		fmt.Sprintf("worker %s exited with code %d: %s", workerID, code, detail))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

var _ core.WorkerInvoker = (*ExecInvoker)(nil)
