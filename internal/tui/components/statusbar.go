package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/mergemeter/internal/tui/theme"
)

// RenderStatusBar renders the bottom bar: key hints on the left, status on
// the right. status is shown in orange when warn is set.
func RenderStatusBar(width int, status string, warn bool) string {
	t := theme.Active

	left := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface).
		Render(" [?]help  [r]efresh  [q]uit")

	rightStyle := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)
	if warn {
		rightStyle = rightStyle.Foreground(t.Orange)
	}
	right := rightStyle.Render(status + " ")

	pad := width - lipgloss.Width(left) - lipgloss.Width(right)
	if pad < 0 {
		pad = 0
	}
	return left + lipgloss.NewStyle().Background(t.Surface).Render(strings.Repeat(" ", pad)) + right
}
