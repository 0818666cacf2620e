package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
)

type fakeController struct {
	calls []string
	err   error
}

func (f *fakeController) Pause(id core.WorkflowID) error {
	f.calls = append(f.calls, "pause:"+string(id))
	return f.err
}

func (f *fakeController) Resume(id core.WorkflowID) error {
	f.calls = append(f.calls, "resume:"+string(id))
	return f.err
}

func (f *fakeController) Cancel(_ context.Context, id core.WorkflowID) error {
	f.calls = append(f.calls, "cancel:"+string(id))
	return f.err
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return nm, cmd
}

func TestModel_EventsUpdateView(t *testing.T) {
	ch := make(chan events.Event)
	m := NewModel(testWorkflow(t), ch)

	m, cmd := update(t, m, EventMsg{Event: task(events.TypeTaskRunning, "t-analyze", "analyst", 1)})
	if cmd == nil {
		t.Fatal("expected a command waiting for the next event")
	}
	row, _ := m.Progress().Task("t-analyze")
	if row.State != core.TaskRunning {
		t.Errorf("state = %s, want running", row.State)
	}

	view := m.View()
	for _, want := range []string{"wf-1", "t-analyze", "t-build", "running t-analyze on analyst"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_WaitForEvent(t *testing.T) {
	ch := make(chan events.Event, 1)
	ch <- events.NewWorkflowStartedEvent("wf-1", false)

	msg := waitForEvent(ch)()
	if em, ok := msg.(EventMsg); !ok || em.Event.EventType() != events.TypeWorkflowStarted {
		t.Fatalf("msg = %#v", msg)
	}

	close(ch)
	if _, ok := waitForEvent(ch)().(StreamClosedMsg); !ok {
		t.Fatal("expected StreamClosedMsg after close")
	}
}

func TestModel_ExitOnDone(t *testing.T) {
	m := NewModel(testWorkflow(t), make(chan events.Event), ExitOnDone())

	m, cmd := update(t, m, EventMsg{Event: events.NewWorkflowFailedEvent("wf-1", "abandoned")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if m.Progress().Error != "abandoned" {
		t.Errorf("error = %q", m.Progress().Error)
	}
}

func TestModel_DecisionBox(t *testing.T) {
	m := NewModel(testWorkflow(t), make(chan events.Event))
	m, _ = update(t, m, EventMsg{Event: events.NewDecisionOpenedEvent(
		"wf-1", "dp-7", "t-build", "no capable worker", []string{"retry", "abandon"})})

	view := m.View()
	if !strings.Contains(view, "dispatch resolve dp-7 <retry|abandon>") {
		t.Errorf("view missing resolve hint:\n%s", view)
	}
}

func TestModel_ControlKeys(t *testing.T) {
	ctrl := &fakeController{}
	m := NewModel(testWorkflow(t), make(chan events.Event), WithController(ctrl))
	m, _ = update(t, m, EventMsg{Event: events.NewWorkflowStartedEvent("wf-1", false)})

	m, cmd := update(t, m, key("p"))
	if cmd == nil {
		t.Fatal("expected pause command")
	}
	m, _ = update(t, m, cmd())
	if m.status != "pause requested" {
		t.Errorf("status = %q", m.status)
	}

	m, _ = update(t, m, EventMsg{Event: events.NewWorkflowPausedEvent("wf-1")})
	_, cmd = update(t, m, key("p"))
	cmd()

	ctrl.err = errors.New("not running")
	_, cmd = update(t, m, key("c"))
	m, _ = update(t, m, cmd())
	if !strings.Contains(m.status, "cancel failed: not running") {
		t.Errorf("status = %q", m.status)
	}

	want := []string{"pause:wf-1", "resume:wf-1", "cancel:wf-1"}
	if strings.Join(ctrl.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", ctrl.calls, want)
	}
}

func TestModel_ControlIgnoredWhenStopped(t *testing.T) {
	ctrl := &fakeController{}
	m := NewModel(testWorkflow(t), make(chan events.Event), WithController(ctrl))
	m, _ = update(t, m, EventMsg{Event: events.NewWorkflowCancelledEvent("wf-1", 0)})

	if _, cmd := update(t, m, key("c")); cmd != nil {
		t.Error("cancel on a stopped workflow should be a no-op")
	}
	if len(ctrl.calls) != 0 {
		t.Errorf("calls = %v", ctrl.calls)
	}
}

func TestModel_Selection(t *testing.T) {
	m := NewModel(testWorkflow(t), make(chan events.Event))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	if m.selected != 1 {
		t.Errorf("selected = %d, want 1", m.selected)
	}
	m, _ = update(t, m, key("k"))
	if m.selected != 0 {
		t.Errorf("selected = %d, want 0", m.selected)
	}

	// The selected row has no deliverable yet.
	_, cmd := update(t, m, key("y"))
	res, ok := cmd().(copyResultMsg)
	if !ok || res.text != "no deliverable for t-analyze" {
		t.Errorf("copy result = %#v", res)
	}
}

func TestModel_Quit(t *testing.T) {
	m := NewModel(testWorkflow(t), make(chan events.Event))
	m, cmd := update(t, m, key("q"))
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if m.View() != "" {
		t.Error("view should be empty after quitting")
	}
}
