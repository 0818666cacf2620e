package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
)

// EventMsg delivers one bus event to the model.
type EventMsg struct {
	Event events.Event
}

// StreamClosedMsg reports that the event channel was closed.
type StreamClosedMsg struct{}

type controlResultMsg struct {
	action string
	err    error
}

type copyResultMsg struct {
	text string
	err  error
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}
