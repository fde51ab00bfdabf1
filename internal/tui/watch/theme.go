// Package watch implements the liveswap deployment watch TUI: a read-only
// view over the deployment history store.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
// Even with a single default theme, this keeps all colors in one place
// and makes future theme support trivial.
type Theme struct {
	StatusSuccess    lipgloss.Style
	StatusInProgress lipgloss.Style
	StatusFailure    lipgloss.Style
	StatusQueued     lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Header lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusSuccess:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailure:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5C6370")),
	}
}
