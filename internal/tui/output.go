package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
)

// EventWriter prints workflow events line by line for pipes, CI and
// scripts. ModeJSON writes one event object per line; ModeQuiet prints
// nothing until Summary.
type EventWriter struct {
	mu       sync.Mutex
	w        io.Writer
	mode     OutputMode
	useColor bool
	progress *Progress
}

// NewEventWriter creates a writer for the workflow wf.
func NewEventWriter(w io.Writer, mode OutputMode, useColor bool, wf *core.Workflow) *EventWriter {
	return &EventWriter{w: w, mode: mode, useColor: useColor, progress: NewProgress(wf)}
}

// Progress returns the folded state of the events written so far.
func (o *EventWriter) Progress() *Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Run writes events from ch until the workflow stops, ch closes or ctx is
// done.
func (o *EventWriter) Run(ctx context.Context, ch <-chan events.Event) error {
	if o.Progress().Stopped() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if o.Write(ev) {
				return nil
			}
		}
	}
}

// Write prints ev and reports whether the workflow stopped with it.
func (o *EventWriter) Write(ev events.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.progress.Apply(ev)
	switch o.mode {
	case ModeJSON:
		_ = json.NewEncoder(o.w).Encode(struct {
			Type string       `json:"type"`
			Data events.Event `json:"data"`
		}{ev.EventType(), ev})
	case ModeQuiet:
	default:
		if line := o.format(ev); line != "" {
			fmt.Fprintf(o.w, "%s %s\n", ev.Timestamp().Format("15:04:05"), line)
		}
	}
	return o.progress.Stopped()
}

func (o *EventWriter) style(s core.TaskState, text string) string {
	if !o.useColor {
		return text
	}
	return TaskStyle(s).Render(text)
}

func (o *EventWriter) format(ev events.Event) string {
	switch e := ev.(type) {
	case events.TaskEvent:
		row, _ := o.progress.Task(e.TaskID)
		label := strings.ToUpper(strings.TrimPrefix(e.EventType(), "task_"))
		line := fmt.Sprintf("%s [%s] %s %s (attempt %d)",
			o.style(row.State, TaskIcon(row.State)), label, e.TaskID, e.WorkerID, e.Attempt)
		if e.Duration > 0 {
			line += " " + e.Duration.Round(time.Millisecond).String()
		}
		if e.Fallback != "" {
			line += " -> " + e.Fallback
		}
		if e.Error != "" {
			line += ": " + e.Error
		}
		return line
	case events.WorkflowCreatedEvent:
		return fmt.Sprintf(">>> workflow %s created (%s, %d tasks)", e.WorkflowID(), e.Template, e.Tasks)
	case events.WorkflowStartedEvent:
		if e.Resumed {
			return fmt.Sprintf(">>> workflow %s resumed", e.WorkflowID())
		}
		return fmt.Sprintf(">>> workflow %s started", e.WorkflowID())
	case events.WorkflowCompletedEvent:
		status := "completed"
		if e.Partial {
			status = "completed partially"
		}
		return fmt.Sprintf(">>> workflow %s %s in %s", e.WorkflowID(), status, e.Duration.Round(time.Millisecond))
	case events.WorkflowFailedEvent:
		return fmt.Sprintf("!!! workflow %s failed: %s", e.WorkflowID(), e.Error)
	case events.WorkflowCancelledEvent:
		return fmt.Sprintf("!!! workflow %s cancelled (%d in flight)", e.WorkflowID(), e.InFlight)
	case events.WorkflowPausedEvent:
		return fmt.Sprintf("--- workflow %s paused", e.WorkflowID())
	case events.WorkflowResumedEvent:
		return fmt.Sprintf("--- workflow %s resumed", e.WorkflowID())
	case events.DecisionEvent:
		if e.EventType() == events.TypeDecisionOpened {
			return fmt.Sprintf("??? decision %s: %s [%s]", e.DecisionID, e.Reason, strings.Join(e.Options, "|"))
		}
		return fmt.Sprintf("--- decision %s resolved: %s", e.DecisionID, e.Resolution)
	case events.RoutingDecidedEvent:
		return fmt.Sprintf("--- routed %s to %s (score %.2f)", e.Method, strings.Join(e.Workers, ", "), e.Score)
	}
	return ""
}

// Summary prints the final state of the run.
func (o *EventWriter) Summary(wf *core.Workflow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mode == ModeJSON {
		_ = json.NewEncoder(o.w).Encode(struct {
			Type string         `json:"type"`
			Data *core.Workflow `json:"data"`
		}{"summary", wf})
		return
	}
	fmt.Fprint(o.w, SummaryText(wf))
}

// SummaryText renders the per-task outcome table of wf.
func SummaryText(wf *core.Workflow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nWorkflow %s: %s", wf.ID, wf.State)
	if wf.Partial {
		b.WriteString(" (partial)")
	}
	b.WriteString("\n")
	for _, id := range wf.TaskOrder {
		t := wf.Tasks[id]
		fmt.Fprintf(&b, "  %s %-12s %-10s %-14s %-14s attempts=%d", TaskIcon(t.State), t.ID, t.State, t.WorkerID, t.Phase, t.TotalAttempts)
		if t.Error != "" {
			fmt.Fprintf(&b, " %s", t.Error)
		}
		b.WriteString("\n")
	}
	if wf.Decision != nil {
		fmt.Fprintf(&b, "  decision %s pending: %s (options: %s)\n",
			wf.Decision.ID, wf.Decision.Reason, strings.Join(optionStrings(wf.Decision.Options), ", "))
	}
	if wf.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", wf.Error)
	}
	return b.String()
}
