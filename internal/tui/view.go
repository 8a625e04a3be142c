package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/tui/components"
	"github.com/theirongolddev/mergemeter/internal/tui/theme"
)

// View implements tea.Model.
func (a App) View() string {
	if a.width == 0 {
		return ""
	}
	if a.width < minTerminalWidth {
		return fmt.Sprintf("\n  Terminal too narrow (%d cols)\n\n  mergemeter needs at least %d columns.\n",
			a.width, minTerminalWidth)
	}
	if !a.loaded {
		return a.viewLoading()
	}
	if a.showHelp {
		return a.viewHelp()
	}
	return a.viewMain()
}

func (a App) viewLoading() string {
	t := theme.Active
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.BorderAccent).
		Background(t.Surface).
		Padding(2, 4)
	logo := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.Surface).Bold(true)
	muted := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)

	body := logo.Render("◈ mergemeter") + muted.Render(" · AI cost per branch and merge") + "\n\n" +
		a.spinner.View() + muted.Render(" Loading reports...")
	return lipgloss.Place(a.width, a.height, lipgloss.Center, lipgloss.Center, card.Render(body),
		lipgloss.WithWhitespaceBackground(t.Background))
}

func (a App) viewHelp() string {
	t := theme.Active
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.BorderAccent).
		Background(t.Surface).
		Padding(1, 3)
	title := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.Surface).Bold(true)
	keyStyle := lipgloss.NewStyle().Foreground(t.Cyan).Background(t.Surface).Bold(true)
	desc := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)
	dim := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)

	bindings := []struct{ key, desc string }{
		{"o b m d", "Jump to tab"},
		{"← → / tab", "Previous / next tab"},
		{"j k", "Move selection"},
		{"g G", "First / last"},
		{"r", "Refresh now"},
		{"?", "Toggle help"},
		{"q", "Quit"},
	}

	var b strings.Builder
	b.WriteString(title.Render("◈ Keyboard Shortcuts"))
	b.WriteString("\n\n")
	for _, bind := range bindings {
		fmt.Fprintf(&b, "  %s  %s\n", keyStyle.Render(fmt.Sprintf("%-10s", bind.key)), desc.Render(bind.desc))
	}
	b.WriteString("\n")
	b.WriteString(dim.Render("Costs use the current pricing table. Press any key to close."))

	return lipgloss.Place(a.width, a.height, lipgloss.Center, lipgloss.Center, card.Render(b.String()),
		lipgloss.WithWhitespaceBackground(t.Background))
}

func (a App) viewMain() string {
	t := theme.Active
	w := a.width
	cw := a.contentWidth()

	header := components.RenderTabBar(a.activeTab, w, "◈ mergemeter")
	statusBar := components.RenderStatusBar(w, a.statusText(), a.err != nil)

	contentH := max(minContentHeight, a.height-lipgloss.Height(header)-lipgloss.Height(statusBar))

	var content string
	switch {
	case a.err != nil && a.recent == nil:
		content = components.ContentCard("Error", a.err.Error(), cw, true)
	default:
		switch a.activeTab {
		case tabOverview:
			content = a.renderOverview(cw)
		case tabBranches:
			content = a.renderBranches(cw, contentH)
		case tabMerges:
			content = a.renderMerges(cw, contentH)
		case tabModels:
			content = a.renderModels(cw)
		}
	}

	content = padHeight(truncateHeight(content, contentH), contentH)
	content = fillLinesWithBackground(content, cw, t.Background)
	content = lipgloss.Place(w, contentH, lipgloss.Center, lipgloss.Top, content,
		lipgloss.WithWhitespaceBackground(t.Background))

	out := lipgloss.JoinVertical(lipgloss.Left, header, content, statusBar)
	return lipgloss.Place(w, a.height, lipgloss.Left, lipgloss.Top, out,
		lipgloss.WithWhitespaceBackground(t.Background))
}

func (a App) statusText() string {
	switch {
	case a.refreshing:
		return a.spinner.View() + " refreshing"
	case a.err != nil:
		return "error: " + truncStr(a.err.Error(), 60)
	}
	s := fmt.Sprintf("window %s · loaded in %.1fs", formatWindow(a.opts.Window), a.loadTime.Seconds())
	if a.opts.RefreshInterval > 0 {
		s += " · auto " + a.opts.RefreshInterval.String()
	}
	return s
}

// ─── Overview ───────────────────────────────────────────────────

func (a App) renderOverview(cw int) string {
	r := a.recent
	metrics := []components.Metric{
		{
			Label: "Cost (" + formatWindow(a.opts.Window) + ")",
			Value: cli.FormatPartialCost(r.Totals.Cost, r.Totals.CostKnown),
			Note:  unpricedNote(r.Unpriced),
			Warn:  len(r.Unpriced) > 0,
		},
		{Label: "Tokens", Value: cli.FormatTokens(r.Totals.TotalTokens), Note: cli.FormatNumber(int64(r.Totals.Calls)) + " calls"},
		{Label: "Branches", Value: cli.FormatNumber(int64(len(r.Branches))), Note: fmt.Sprintf("%d contributors", len(r.Actors))},
	}
	if c := a.cumulative; c != nil {
		m := components.Metric{
			Label: "All merges",
			Value: cli.FormatPartialCost(c.Cost, c.CostKnown),
			Note:  fmt.Sprintf("%d merges · %s tokens", c.Merges, cli.FormatTokens(c.Tokens)),
		}
		if c.Merges > 0 && repriced(c.Cost, c.RecordedCost) {
			m.Note = "recorded " + cli.FormatCost(c.RecordedCost)
			m.Warn = true
		}
		metrics = append(metrics, m)
	}

	var b strings.Builder
	b.WriteString(components.MetricCardRow(metrics, cw))
	b.WriteString("\n")

	widths := components.LayoutRow(cw, 2)
	chart := components.ContentCard("Daily cost", a.dailyChart(widths[0]), widths[0], false)
	top := components.ContentCard("Top branches", a.topBranches(widths[1], 8), widths[1], false)
	b.WriteString(components.CardRow([]string{chart, top}))
	b.WriteString("\n")

	split := fmt.Sprintf("Prompt %s · Completion %s",
		cli.FormatCost(r.Split.PromptCost), cli.FormatCost(r.Split.CompletionCost))
	if total := r.Split.TotalCost; total > 0 {
		split += fmt.Sprintf("  (%s completion)", cli.FormatPercent(r.Split.CompletionCost/total))
	}
	b.WriteString(components.ContentCard("Cost split", split, cw, false))
	return b.String()
}

func (a App) dailyChart(outerWidth int) string {
	days := a.recent.Days
	if len(days) == 0 {
		return mutedText("No usage in this window.")
	}
	// Days are most recent first; bars read oldest to newest.
	n := len(days)
	values := make([]float64, n)
	labels := make([]string, n)
	for i, d := range days {
		j := n - 1 - i
		values[j] = d.Cost
		labels[j] = d.Date.Format("02")
		if j == 0 || d.Date.Day() == 1 {
			labels[j] = d.Date.Format("Jan 2")
		}
	}
	return components.CostBarChart(values, labels, components.CardInnerWidth(outerWidth), 8)
}

func (a App) topBranches(outerWidth, limit int) string {
	branches := a.recent.Branches
	if len(branches) == 0 {
		return mutedText("No branches yet.")
	}
	inner := components.CardInnerWidth(outerWidth)
	nameW := max(10, inner-22)
	var b strings.Builder
	for i, br := range branches {
		if i == limit {
			b.WriteString(mutedText(fmt.Sprintf("+%d more", len(branches)-limit)))
			break
		}
		fmt.Fprintf(&b, "%s %s %s\n",
			primaryText(fmt.Sprintf("%-*s", nameW, truncStr(br.Branch, nameW))),
			mutedText(fmt.Sprintf("%8s", cli.FormatTokens(br.TotalTokens))),
			accentText(fmt.Sprintf("%10s", cli.FormatPartialCost(br.Cost, br.CostKnown))))
	}
	return strings.TrimRight(b.String(), "\n")
}

// ─── Branches ───────────────────────────────────────────────────

func (a App) renderBranches(cw, h int) string {
	branches := a.recent.Branches
	if len(branches) == 0 {
		return components.ContentCard("Branches", mutedText("No usage recorded in this window."), cw, false)
	}
	widths := components.LayoutRow(cw, 2)
	listW, detailW := widths[0], widths[1]

	rows := make([]string, len(branches))
	nameW := max(10, components.CardInnerWidth(listW)-24)
	for i, br := range branches {
		rows[i] = fmt.Sprintf("%-*s %8s %10s", nameW, truncStr(br.Branch, nameW),
			cli.FormatTokens(br.TotalTokens), cli.FormatPartialCost(br.Cost, br.CostKnown))
	}
	list := components.ContentCard(
		fmt.Sprintf("Branches active in %s", formatWindow(a.opts.Window)),
		selectList(rows, a.branchCursor, h-3, components.CardInnerWidth(listW)),
		listW, true)

	branch := a.selectedBranch()
	var detail string
	switch rep, err := a.branches[branch], a.branchErr[branch]; {
	case err != nil:
		detail = components.ContentCard(branch, errorText(err.Error()), detailW, false)
	case rep == nil:
		detail = components.ContentCard(branch, a.spinner.View()+mutedText(" loading..."), detailW, false)
	default:
		body := kv([][2]string{
			{"All-time cost", cli.FormatPartialCost(rep.Totals.Cost, rep.Totals.CostKnown)},
			{"Tokens", cli.FormatNumber(rep.Totals.TotalTokens)},
			{"Calls", cli.FormatNumber(int64(rep.Totals.Calls))},
			{"First call", cli.FormatTime(rep.Since)},
			{"Last call", cli.FormatTime(rep.Until)},
			{"Contributors", strings.Join(rep.Actors, ", ")},
		}) + "\n\n" + modelRows(rep.Models, components.CardInnerWidth(detailW))
		detail = components.ContentCard(branch, body, detailW, false)
	}
	return components.CardRow([]string{list, detail})
}

// ─── Merges ─────────────────────────────────────────────────────

func (a App) renderMerges(cw, h int) string {
	if len(a.history) == 0 {
		return components.ContentCard("Merges", mutedText("No merges have been finalized yet."), cw, false)
	}
	widths := components.LayoutRow(cw, 2)
	listW, detailW := widths[0], widths[1]

	rows := make([]string, len(a.history))
	branchW := max(8, components.CardInnerWidth(listW)-34)
	for i, mr := range a.history {
		s := mr.Summary
		rows[i] = fmt.Sprintf("%-10s %-*s %10s %10s",
			cli.ShortCommit(s.CommitID), branchW, truncStr(s.SourceBranch, branchW),
			s.MergeTime.Local().Format("Jan 02"), cli.FormatPartialCost(mr.Totals.Cost, mr.Totals.CostKnown))
	}
	list := components.ContentCard("Merge history", selectList(rows, a.mergeCursor, h-3, components.CardInnerWidth(listW)), listW, true)

	mr := a.history[a.mergeCursor]
	s := mr.Summary
	pairs := [][2]string{
		{"Commit", s.CommitID},
		{"Branch", s.SourceBranch + " → " + orDash(s.TargetBranch)},
		{"Merged", cli.FormatTime(s.MergeTime) + " by " + orDash(s.MergedBy)},
		{"Tokens", cli.FormatNumber(s.TotalTokens)},
		{"Cost", cli.FormatPartialCost(mr.Totals.Cost, mr.Totals.CostKnown)},
		{"Running total", cli.FormatTokens(s.CumulativeTokens) + " tokens"},
	}
	body := kv(pairs)
	if repriced(mr.Totals.Cost, s.TotalCost) {
		body += "\n" + warnText("Recorded at merge: "+cli.FormatCost(s.TotalCost)+" (pricing has changed)")
	}
	body += "\n\n" + modelRows(mr.Models, components.CardInnerWidth(detailW))
	detail := components.ContentCard(cli.ShortCommit(s.CommitID), body, detailW, false)
	return components.CardRow([]string{list, detail})
}

// ─── Models ─────────────────────────────────────────────────────

func (a App) renderModels(cw int) string {
	r := a.recent
	if len(r.Models) == 0 {
		return components.ContentCard("Models", mutedText("No usage recorded in this window."), cw, false)
	}
	body := modelRows(r.Models, components.CardInnerWidth(cw))
	if len(r.Unpriced) > 0 {
		body += "\n\n" + warnText("No pricing for "+strings.Join(r.Unpriced, ", ")+"; totals exclude them.")
	}
	return components.ContentCard("Models in "+formatWindow(a.opts.Window), body, cw, false)
}

// modelRows renders a per-model table with a cost share bar.
func modelRows(models []model.ModelBreakdown, width int) string {
	if len(models) == 0 {
		return mutedText("No calls.")
	}
	total := 0.0
	for _, m := range models {
		if m.CostKnown {
			total += m.Cost
		}
	}
	nameW := max(12, min(32, width-50))
	barW := max(4, width-nameW-42)

	var b strings.Builder
	b.WriteString(mutedText(fmt.Sprintf("%-*s %6s %9s %9s %10s", nameW, "Model", "Calls", "Prompt", "Compl.", "Cost")))
	for _, m := range models {
		b.WriteString("\n")
		cost := cli.FormatCostKnown(m.Cost, m.CostKnown)
		line := fmt.Sprintf("%-*s %6d %9s %9s %10s ", nameW, truncStr(m.Model, nameW), m.Calls,
			cli.FormatTokens(m.PromptTokens), cli.FormatTokens(m.CompletionTokens), cost)
		b.WriteString(primaryText(line))
		if !m.CostKnown || total == 0 {
			b.WriteString(warnText(strings.Repeat("·", barW)))
			continue
		}
		filled := int(m.Cost / total * float64(barW))
		b.WriteString(accentText(strings.Repeat("█", filled)))
		b.WriteString(mutedText(strings.Repeat("░", barW-filled)))
	}
	return b.String()
}

// ─── Shared pieces ──────────────────────────────────────────────

// selectList renders rows with the cursor row highlighted, scrolled so the
// cursor stays inside height rows.
func selectList(rows []string, cursor, height, width int) string {
	t := theme.Active
	height = max(1, height)
	offset := 0
	if cursor >= height {
		offset = cursor - height + 1
	}
	end := min(len(rows), offset+height)

	selected := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.SurfaceHover).Bold(true).Width(width)
	normal := lipgloss.NewStyle().Foreground(t.TextPrimary).Background(t.Surface).Width(width)

	lines := make([]string, 0, end-offset)
	for i := offset; i < end; i++ {
		if i == cursor {
			lines = append(lines, selected.Render(truncStr(rows[i], width)))
		} else {
			lines = append(lines, normal.Render(truncStr(rows[i], width)))
		}
	}
	return strings.Join(lines, "\n")
}

func kv(pairs [][2]string) string {
	lines := make([]string, len(pairs))
	for i, p := range pairs {
		lines[i] = mutedText(fmt.Sprintf("%-14s", p[0])) + primaryText(p[1])
	}
	return strings.Join(lines, "\n")
}

func unpricedNote(models []string) string {
	if len(models) == 0 {
		return ""
	}
	return fmt.Sprintf("%d unpriced model(s)", len(models))
}

// repriced reports whether current pricing moved a cost by at least half a cent.
func repriced(current, recorded float64) bool {
	d := current - recorded
	return d > 0.005 || d < -0.005
}

func formatWindow(d time.Duration) string {
	h := d.Hours()
	if h >= 24 && int(h)%24 == 0 {
		return fmt.Sprintf("%dd", int(h)/24)
	}
	return fmt.Sprintf("%.0fh", h)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func mutedText(s string) string {
	return lipgloss.NewStyle().Foreground(theme.Active.TextMuted).Background(theme.Active.Surface).Render(s)
}

func primaryText(s string) string {
	return lipgloss.NewStyle().Foreground(theme.Active.TextPrimary).Background(theme.Active.Surface).Render(s)
}

func accentText(s string) string {
	return lipgloss.NewStyle().Foreground(theme.Active.Accent).Background(theme.Active.Surface).Render(s)
}

func warnText(s string) string {
	return lipgloss.NewStyle().Foreground(theme.Active.Orange).Background(theme.Active.Surface).Render(s)
}

func errorText(s string) string {
	return lipgloss.NewStyle().Foreground(theme.Active.Red).Background(theme.Active.Surface).Render(s)
}
