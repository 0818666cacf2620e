package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/clip"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
)

const maxLogLines = 200

// Controller is the subset of the dispatcher the watch view drives.
type Controller interface {
	Pause(id core.WorkflowID) error
	Resume(id core.WorkflowID) error
	Cancel(ctx context.Context, id core.WorkflowID) error
}

// Option configures a Model.
type Option func(*Model)

// WithController enables the pause, resume and cancel keys.
func WithController(c Controller) Option {
	return func(m *Model) { m.ctrl = c }
}

// ExitOnDone quits the program once the workflow stops.
func ExitOnDone() Option {
	return func(m *Model) { m.exitOnDone = true }
}

// Model is the Bubble Tea watch view of one workflow.
type Model struct {
	progress *Progress
	events   <-chan events.Event
	ctrl     Controller

	spinner  spinner.Model
	bar      progress.Model
	log      viewport.Model
	logLines []string

	selected   int
	status     string
	width      int
	height     int
	exitOnDone bool
	closed     bool
	quitting   bool
	started    time.Time
}

// NewModel creates the watch view for wf fed by ch.
func NewModel(wf *core.Workflow, ch <-chan events.Event, opts ...Option) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = RunningStyle

	m := Model{
		progress: NewProgress(wf),
		events:   ch,
		spinner:  sp,
		bar: progress.New(
			progress.WithScaledGradient("#7c3aed", "#3b82f6"),
			progress.WithoutPercentage(),
		),
		log:     viewport.New(80, 8),
		width:   80,
		height:  24,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Progress exposes the folded workflow state.
func (m Model) Progress() *Progress {
	return m.progress
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(msg.Width-12, 10)
		m.log.Width = max(msg.Width-4, 20)
		m.log.Height = max(msg.Height/3, 4)
		m.log.SetContent(strings.Join(m.logLines, "\n"))
		return m, nil

	case EventMsg:
		m.progress.Apply(msg.Event)
		if line := describe(msg.Event); line != "" {
			m.appendLog(msg.Event.Timestamp().Format("15:04:05") + " " + line)
		}
		if m.exitOnDone && m.progress.Stopped() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case StreamClosedMsg:
		m.closed = true
		if m.exitOnDone {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case controlResultMsg:
		if msg.err != nil {
			m.status = ErrorStyle.Render(msg.action + " failed: " + msg.err.Error())
		} else {
			m.status = msg.action + " requested"
		}
		return m, nil

	case copyResultMsg:
		if msg.err != nil {
			m.status = ErrorStyle.Render("copy failed: " + msg.err.Error())
		} else {
			m.status = msg.text
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	tasks := m.progress.Tasks()
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(tasks)-1 {
			m.selected++
		}
	case "p":
		if m.ctrl == nil || m.progress.Stopped() {
			return m, nil
		}
		id := m.progress.WorkflowID
		if m.progress.Paused {
			return m, m.control("resume", func() error { return m.ctrl.Resume(id) })
		}
		return m, m.control("pause", func() error { return m.ctrl.Pause(id) })
	case "c":
		if m.ctrl == nil || m.progress.Stopped() {
			return m, nil
		}
		id := m.progress.WorkflowID
		return m, m.control("cancel", func() error { return m.ctrl.Cancel(context.Background(), id) })
	case "y":
		if m.selected < len(tasks) {
			return m, copyDeliverable(tasks[m.selected])
		}
	}
	return m, nil
}

func (m Model) control(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return controlResultMsg{action: action, err: fn()}
	}
}

func copyDeliverable(t *TaskView) tea.Cmd {
	return func() tea.Msg {
		if t.Deliverable == "" {
			return copyResultMsg{text: "no deliverable for " + t.ID}
		}
		res, err := clip.Copy(t.Deliverable, t.ID)
		if err != nil {
			return copyResultMsg{err: err}
		}
		if res.Method == clip.MethodFile {
			return copyResultMsg{text: "deliverable saved to " + res.FilePath}
		}
		return copyResultMsg{text: "deliverable of " + t.ID + " copied"}
	}
}

func (m *Model) appendLog(line string) {
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
	m.log.SetContent(strings.Join(m.logLines, "\n"))
	m.log.GotoBottom()
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n")
	b.WriteString(m.bar.ViewAs(m.progress.Fraction()))
	fmt.Fprintf(&b, " %3.0f%%\n\n", m.progress.Fraction()*100)
	b.WriteString(m.taskTable())
	if d := m.progress.Decision; d != nil {
		b.WriteString("\n")
		b.WriteString(m.decisionBox(d))
	}
	if m.progress.Error != "" {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render("error: " + m.progress.Error))
	}
	b.WriteString("\n")
	b.WriteString(BoxStyle.Width(max(m.width-2, 20)).Render(m.log.View()))
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString(m.help())
	return b.String()
}

func (m Model) header() string {
	p := m.progress
	state := string(p.State)
	if p.Paused {
		state = "paused"
	}
	badge := WorkflowStyle(p.State).Render(strings.ToUpper(state))
	title := TitleStyle.Render("Workflow " + string(p.WorkflowID))
	parts := []string{title, badge}
	if p.Template != "" {
		parts = append(parts, SubtleStyle.Render(p.Template))
	}
	if !p.Stopped() && !p.Paused {
		parts = append(parts, m.spinner.View())
	}
	elapsed := p.Elapsed
	if elapsed == 0 {
		elapsed = time.Since(m.started)
	}
	parts = append(parts, SubtleStyle.Render(elapsed.Round(time.Second).String()))
	return strings.Join(parts, "  ")
}

func (m Model) taskTable() string {
	tasks := m.progress.Tasks()
	if len(tasks) == 0 {
		return SubtleStyle.Render("no tasks yet")
	}
	rows := make([]string, 0, len(tasks))
	for i, t := range tasks {
		style := TaskStyle(t.State)
		line := fmt.Sprintf("%s %-18s %-14s %-16s %-10s",
			style.Render(TaskIcon(t.State)), t.ID, t.WorkerID, PhaseBadge(t.Phase), style.Render(string(t.State)))
		if t.Attempt > 1 {
			line += fmt.Sprintf(" #%d", t.Attempt)
		}
		if t.Duration > 0 {
			line += " " + SubtleStyle.Render(t.Duration.Round(time.Millisecond).String())
		}
		if t.Note != "" {
			line += " " + SubtleStyle.Render(t.Note)
		}
		if t.Error != "" && t.State != core.TaskSucceeded {
			line += " " + ErrorStyle.Render(truncate(t.Error, 60))
		}
		if i == m.selected {
			line = SelectedRowStyle.Render(line)
		}
		rows = append(rows, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m Model) decisionBox(d *events.DecisionEvent) string {
	body := fmt.Sprintf("Decision %s\n%s\n\nresolve with: dispatch resolve %s <%s>",
		d.DecisionID, d.Reason, d.DecisionID, strings.Join(d.Options, "|"))
	return DecisionBoxStyle.Width(max(m.width-2, 20)).Render(body)
}

func (m Model) help() string {
	keys := []string{"↑/↓ select", "y copy deliverable"}
	if m.ctrl != nil && !m.progress.Stopped() {
		if m.progress.Paused {
			keys = append(keys, "p resume")
		} else {
			keys = append(keys, "p pause")
		}
		keys = append(keys, "c cancel")
	}
	keys = append(keys, "q quit")
	return HelpStyle.Render(strings.Join(keys, " • "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// describe renders the log line for events that change what the user sees.
func describe(ev events.Event) string {
	switch e := ev.(type) {
	case events.TaskEvent:
		line := fmt.Sprintf("%s %s on %s", strings.TrimPrefix(e.EventType(), "task_"), e.TaskID, e.WorkerID)
		if e.Fallback != "" {
			line += " -> " + e.Fallback
		}
		if e.Error != "" {
			line += ": " + e.Error
		}
		return line
	case events.HandoffEvent:
		return fmt.Sprintf("handoff %s (%s)", e.TaskID, e.Status)
	case events.DecisionEvent:
		if e.EventType() == events.TypeDecisionOpened {
			return "decision opened: " + e.Reason
		}
		return "decision resolved: " + e.Resolution
	case events.WorkflowStartedEvent, events.WorkflowCompletedEvent, events.WorkflowFailedEvent,
		events.WorkflowCancelledEvent, events.WorkflowPausedEvent, events.WorkflowResumedEvent:
		return strings.ReplaceAll(ev.EventType(), "_", " ")
	}
	return ""
}

// Watch runs the watch view until the user quits or, with ExitOnDone, the
// workflow stops. It returns the final folded state.
func Watch(ctx context.Context, wf *core.Workflow, ch <-chan events.Event, opts ...Option) (*Progress, error) {
	m := NewModel(wf, ch, opts...)
	final, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if fm, ok := final.(Model); ok {
		return fm.progress, err
	}
	return m.progress, err
}
