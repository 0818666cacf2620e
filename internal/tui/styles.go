// Package tui renders workflow progress in the terminal: a Bubble Tea watch
// view for interactive sessions and line-oriented writers for pipes and CI.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Color palette
var (
	ColorPrimary   = lipgloss.Color("#7C3AED") // Purple
	ColorSecondary = lipgloss.Color("#06B6D4") // Cyan

	ColorSuccess = lipgloss.Color("#10B981") // Green
	ColorWarning = lipgloss.Color("#F59E0B") // Amber
	ColorError   = lipgloss.Color("#EF4444") // Red
	ColorInfo    = lipgloss.Color("#3B82F6") // Blue

	ColorText      = lipgloss.Color("#E5E7EB")
	ColorTextMuted = lipgloss.Color("#9CA3AF")
	ColorBorder    = lipgloss.Color("#374151")
	ColorHighlight = lipgloss.Color("#374151")

	ColorDiscovery      = lipgloss.Color("#8B5CF6")
	ColorDesign         = lipgloss.Color("#06B6D4")
	ColorImplementation = lipgloss.Color("#10B981")
	ColorValidation     = lipgloss.Color("#F59E0B")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	HelpStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted).
			Italic(true)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	DecisionBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(ColorWarning).
				Padding(0, 1)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)

	SelectedRowStyle = lipgloss.NewStyle().
				Background(ColorHighlight).
				Bold(true)

	PendingStyle   = lipgloss.NewStyle().Foreground(ColorTextMuted)
	RunningStyle   = lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true)
	SucceededStyle = lipgloss.NewStyle().Foreground(ColorSuccess)
	RetryingStyle  = lipgloss.NewStyle().Foreground(ColorWarning)
	FailedStyle    = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	SkippedStyle   = lipgloss.NewStyle().Foreground(ColorTextMuted).Italic(true)
)

// TaskStyle returns the style for a task state.
func TaskStyle(s core.TaskState) lipgloss.Style {
	switch s {
	case core.TaskDispatched, core.TaskRunning:
		return RunningStyle
	case core.TaskSucceeded:
		return SucceededStyle
	case core.TaskRetrying, core.TaskTimedOut:
		return RetryingStyle
	case core.TaskFailed:
		return FailedStyle
	case core.TaskSkipped:
		return SkippedStyle
	default:
		return PendingStyle
	}
}

// TaskIcon returns the status glyph for a task state.
func TaskIcon(s core.TaskState) string {
	switch s {
	case core.TaskDispatched, core.TaskRunning:
		return "●"
	case core.TaskSucceeded:
		return "✓"
	case core.TaskRetrying, core.TaskTimedOut:
		return "↻"
	case core.TaskFailed:
		return "✗"
	case core.TaskSkipped:
		return "⊘"
	default:
		return "○"
	}
}

// WorkflowStyle returns the badge style for a workflow state.
func WorkflowStyle(s core.WorkflowState) lipgloss.Style {
	base := lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("#FFFFFF"))
	switch s {
	case core.WorkflowActive:
		return base.Background(ColorInfo)
	case core.WorkflowCompleted:
		return base.Background(ColorSuccess)
	case core.WorkflowAwaitingDecision:
		return base.Background(ColorWarning)
	case core.WorkflowFailed, core.WorkflowCancelled:
		return base.Background(ColorError)
	default:
		return base.Background(ColorBorder)
	}
}

// PhaseBadge renders a phase name in its color.
func PhaseBadge(p core.Phase) string {
	color := ColorTextMuted
	switch p {
	case core.PhaseDiscovery:
		color = ColorDiscovery
	case core.PhaseDesign:
		color = ColorDesign
	case core.PhaseImplementation:
		color = ColorImplementation
	case core.PhaseValidation:
		color = ColorValidation
	}
	return lipgloss.NewStyle().Foreground(color).Render(string(p))
}
