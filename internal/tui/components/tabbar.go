package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/mergemeter/internal/tui/theme"
)

// Tab is one entry in the tab bar. Key is its shortcut.
type Tab struct {
	Name string
	Key  rune
}

// Tabs defines the dashboard tabs in order.
var Tabs = []Tab{
	{Name: "Overview", Key: 'o'},
	{Name: "Branches", Key: 'b'},
	{Name: "Merges", Key: 'm'},
	{Name: "Models", Key: 'd'},
}

// tabLabel renders one tab. The shortcut is bracketed after the name on
// inactive tabs so every label has the same shape.
func tabLabel(tab Tab, active bool) string {
	t := theme.Active
	if active {
		return lipgloss.NewStyle().
			Foreground(t.AccentBright).
			Background(t.SurfaceHover).
			Bold(true).
			Padding(0, 1).
			Render(tab.Name)
	}
	name := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface).PaddingLeft(1).Render(tab.Name)
	dim := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)
	key := lipgloss.NewStyle().Foreground(t.Accent).Background(t.Surface).Bold(true)
	return name + dim.Render("[") + key.Render(string(tab.Key)) + dim.Render("]") + dim.Render(" ")
}

// TabVisualWidth is the rendered width of a tab label.
func TabVisualWidth(tab Tab, active bool) int {
	return lipgloss.Width(tabLabel(tab, active))
}

// RenderTabBar renders the tab row with the title on the right.
func RenderTabBar(activeIdx, width int, title string) string {
	t := theme.Active
	sep := lipgloss.NewStyle().Background(t.Surface).Render(" ")

	parts := make([]string, 0, len(Tabs))
	for i, tab := range Tabs {
		parts = append(parts, tabLabel(tab, i == activeIdx))
	}
	left := strings.Join(parts, sep)

	right := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.Surface).Bold(true).Render(title + " ")
	pad := width - lipgloss.Width(left) - lipgloss.Width(right)
	if pad < 1 {
		return lipgloss.NewStyle().Background(t.Surface).Width(width).Render(left)
	}
	return left + lipgloss.NewStyle().Background(t.Surface).Render(strings.Repeat(" ", pad)) + right
}

// TabIdxByKey returns the tab for a shortcut key, or -1.
func TabIdxByKey(key rune) int {
	for i, tab := range Tabs {
		if tab.Key == key {
			return i
		}
	}
	return -1
}

// TabAtX returns the tab under column x of the tab bar, or -1.
func TabAtX(x, activeIdx int) int {
	pos := 0
	for i, tab := range Tabs {
		w := TabVisualWidth(tab, i == activeIdx)
		if x >= pos && x < pos+w {
			return i
		}
		pos += w + 1
	}
	return -1
}
