package engine

import (
	"context"
	"encoding/json"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
)

// Persist saves wf, retrying store failures with the persist backoff.
// It runs to completion even when ctx is cancelled.
func (e *Engine) Persist(ctx context.Context, wf *core.Workflow) error {
	if e.store == nil {
		return nil
	}
	return e.persist.Execute(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if err := e.store.Save(ctx, wf); err != nil {
			return core.ErrTransient("saving workflow state").WithCause(err)
		}
		return nil
	})
}

// save persists wf and logs a final failure; the run keeps going on the
// in-memory state.
func (e *Engine) save(ctx context.Context, wf *core.Workflow) {
	if err := e.Persist(ctx, wf); err != nil {
		e.logger.Error("workflow state not persisted", "workflow_id", wf.ID, "error", err)
	}
}

// Emit publishes ev on the bus and appends it to the audit log of wf.
func (e *Engine) Emit(ctx context.Context, wf *core.Workflow, ev events.Event, taskID core.TaskID) {
	e.emit(ctx, wf, ev, taskID)
}

// EmitPriority is Emit for events subscribers must never miss.
func (e *Engine) EmitPriority(ctx context.Context, wf *core.Workflow, ev events.Event, taskID core.TaskID) {
	e.emitPriority(ctx, wf, ev, taskID)
}

func (e *Engine) emit(ctx context.Context, wf *core.Workflow, ev events.Event, taskID core.TaskID) {
	events.Emit(e.bus, ev)
	e.appendEvent(ctx, wf, ev, taskID)
}

func (e *Engine) emitPriority(ctx context.Context, wf *core.Workflow, ev events.Event, taskID core.TaskID) {
	events.EmitPriority(e.bus, ev)
	e.appendEvent(ctx, wf, ev, taskID)
}

// appendEvent writes ev to the workflow audit log as a flat JSON object.
func (e *Engine) appendEvent(ctx context.Context, wf *core.Workflow, ev events.Event, taskID core.TaskID) {
	if e.store == nil {
		return
	}
	data, err := eventData(ev)
	if err != nil {
		e.logger.Warn("event not encodable", "type", ev.EventType(), "error", err)
		return
	}
	stored := core.StoredEvent{
		WorkflowID: wf.ID,
		Type:       ev.EventType(),
		TaskID:     taskID,
		Data:       data,
		Timestamp:  ev.Timestamp(),
	}
	if err := e.store.AppendEvent(context.WithoutCancel(ctx), wf.ID, stored); err != nil {
		e.logger.Warn("event not persisted", "workflow_id", wf.ID, "type", ev.EventType(), "error", err)
	}
}

func eventData(ev events.Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	for _, k := range []string{"type", "timestamp", "workflow_id"} {
		delete(data, k)
	}
	return data, nil
}

// handoff records and publishes the handoff of a terminal task.
func (e *Engine) handoff(ctx context.Context, wf *core.Workflow, t *core.Task, next []string) {
	if t.CompletedAt == nil {
		return
	}
	rec := core.HandoffRecord{
		TaskID:                 t.ID,
		WorkerID:               t.WorkerID,
		WorkflowID:             wf.ID,
		Phase:                  t.Phase,
		Status:                 t.State,
		Timestamp:              *t.CompletedAt,
		NextRecommendedWorkers: next,
	}
	if t.State == core.TaskSucceeded {
		rec.Deliverable = t.Result
	}
	wf.Handoffs = append(wf.Handoffs, rec)
	e.emit(ctx, wf, events.NewHandoffEvent(string(wf.ID), string(t.ID), t.WorkerID, string(t.Phase),
		string(rec.Status), rec.Deliverable, next), t.ID)
}

// handoffs emits the handoff of every terminal task not yet handed off.
// A task that was reopened and finished again gets a second record.
func (e *Engine) handoffs(ctx context.Context, wf *core.Workflow) {
	done := make(map[core.TaskID][]int64, len(wf.Handoffs))
	for _, h := range wf.Handoffs {
		done[h.TaskID] = append(done[h.TaskID], h.Timestamp.UnixNano())
	}
	for _, id := range wf.TaskOrder {
		t := wf.Tasks[id]
		if !t.IsTerminal() || t.CompletedAt == nil {
			continue
		}
		if containsInt64(done[id], t.CompletedAt.UnixNano()) {
			continue
		}
		e.handoff(ctx, wf, t, nil)
	}
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
