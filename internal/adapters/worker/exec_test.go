//go:build !windows

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/registry"
)

func catalogWith(id, script string) *registry.Catalog {
	return &registry.Catalog{Workers: []registry.WorkerSpec{{
		WorkerDescriptor: core.WorkerDescriptor{ID: id},
		Exec:             []string{"sh", "-c", script},
		Env:              map[string]string{"GREETING": "hola"},
	}}}
}

func invocation(id string) core.Invocation {
	return core.Invocation{
		WorkflowID: "wf-1",
		TaskID:     "task-1",
		WorkerID:   id,
		Phase:      core.PhaseImplementation,
		Attempt:    2,
		Request:    core.Request{RawInput: "build the thing"},
		Inputs:     map[core.TaskID]string{"task-0": "spec"},
	}
}

func TestInvoke_RawStdout(t *testing.T) {
	inv := NewExecInvoker(catalogWith("echo", `cat; echo " $DISPATCH_WORKER $DISPATCH_ATTEMPT $GREETING"`), nil)

	out, err := inv.Invoke(context.Background(), invocation("echo"))
	require.NoError(t, err)
	assert.Contains(t, out.Deliverable, `"request":"build the thing"`)
	assert.Contains(t, out.Deliverable, `"inputs":{"task-0":"spec"}`)
	assert.Contains(t, out.Deliverable, "echo 2 hola")
	assert.Empty(t, out.Next)
}

func TestInvoke_StructuredReply(t *testing.T) {
	inv := NewExecInvoker(catalogWith("json", `echo '{"deliverable":"done","next":["tester"]}'`), nil)

	out, err := inv.Invoke(context.Background(), invocation("json"))
	require.NoError(t, err)
	assert.Equal(t, "done", out.Deliverable)
	assert.Equal(t, []string{"tester"}, out.Next)
}

func TestInvoke_JSONWithoutDeliverableIsRaw(t *testing.T) {
	inv := NewExecInvoker(catalogWith("json", `echo '{"rows":3}'`), nil)

	out, err := inv.Invoke(context.Background(), invocation("json"))
	require.NoError(t, err)
	assert.Equal(t, `{"rows":3}`, out.Deliverable)
}

func TestInvoke_ExitClassification(t *testing.T) {
	tests := []struct {
		name   string
		script string
		code   string
	}{
		{"tempfail exit", "exit 75", core.CodeWorkerBusy},
		{"rate limited", "echo 'rate limit exceeded' >&2; exit 1", core.CodeWorkerBusy},
		{"network", "echo 'connection refused' >&2; exit 1", core.CodeTransientFailure},
		{"plain failure", "echo 'bad input' >&2; exit 3", core.CodeWorkerFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewExecInvoker(catalogWith("w", tt.script), nil)
			_, err := inv.Invoke(context.Background(), invocation("w"))
			require.Error(t, err)
			assert.Equal(t, tt.code, core.ErrorCode(err))
		})
	}
}

func TestInvoke_FailureMessageCarriesStderr(t *testing.T) {
	inv := NewExecInvoker(catalogWith("w", "echo 'schema mismatch' >&2; exit 4"), nil)

	_, err := inv.Invoke(context.Background(), invocation("w"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 4: schema mismatch")
}

func TestInvoke_Deadline(t *testing.T) {
	inv := NewExecInvoker(catalogWith("slow", "sleep 10"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := inv.Invoke(ctx, invocation("slow"))
	require.Error(t, err)
	assert.Equal(t, core.CodeTimeout, core.ErrorCode(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvoke_Cancelled(t *testing.T) {
	inv := NewExecInvoker(catalogWith("slow", "sleep 10"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := inv.Invoke(ctx, invocation("slow"))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestInvoke_UnknownWorker(t *testing.T) {
	inv := NewExecInvoker(&registry.Catalog{Workers: []registry.WorkerSpec{{
		WorkerDescriptor: core.WorkerDescriptor{ID: "no-exec"},
	}}}, nil)

	for _, id := range []string{"no-exec", "missing"} {
		_, err := inv.Invoke(context.Background(), invocation(id))
		assert.Equal(t, core.CodeNotFound, core.ErrorCode(err), id)
	}
	assert.False(t, inv.Configured("no-exec"))
}

func TestUpdate_ReplacesCommands(t *testing.T) {
	inv := NewExecInvoker(catalogWith("w", "echo one"), nil)
	inv.Update(catalogWith("w", "echo two"))

	out, err := inv.Invoke(context.Background(), invocation("w"))
	require.NoError(t, err)
	assert.Equal(t, "two", out.Deliverable)

	inv.Update(nil)
	assert.False(t, inv.Configured("w"))
}
