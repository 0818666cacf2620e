package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown renders a deliverable for the terminal, wrapped at width.
// Plain text comes back unchanged when rendering fails or color is off.
func RenderMarkdown(text string, width int, color bool) string {
	if !color || strings.TrimSpace(text) == "" {
		return text
	}
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}
