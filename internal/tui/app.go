// Package tui provides the interactive Bubble Tea dashboard over the cost reports.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/mergemeter/internal/report"
	"github.com/theirongolddev/mergemeter/internal/tui/components"
	"github.com/theirongolddev/mergemeter/internal/tui/theme"
)

// Reports is the read side the dashboard renders. *report.Generator
// satisfies it.
type Reports interface {
	RecentActivity(ctx context.Context, window time.Duration) (*report.Report, error)
	BranchSummary(ctx context.Context, branch string) (*report.Report, error)
	History(ctx context.Context, limit int) ([]report.MergeReport, error)
	Cumulative(ctx context.Context) (*report.CumulativeReport, error)
}

// Options configures the dashboard.
type Options struct {
	Window          time.Duration
	HistoryLimit    int
	RefreshInterval time.Duration // 0 disables auto refresh
	Theme           string
}

const (
	tabOverview = iota
	tabBranches
	tabMerges
	tabModels
)

const (
	minTerminalWidth = 80
	maxContentWidth  = 180
	minContentHeight = 5
	loadTimeout      = 30 * time.Second
)

// dataLoadedMsg carries one full load of the dashboard reports.
type dataLoadedMsg struct {
	recent     *report.Report
	history    []report.MergeReport
	cumulative *report.CumulativeReport
	err        error
	loadTime   time.Duration
}

// branchLoadedMsg carries the all-time summary of one branch.
type branchLoadedMsg struct {
	branch string
	report *report.Report
	err    error
}

type tickMsg struct{}

// App is the root Bubble Tea model.
type App struct {
	reports Reports
	opts    Options

	// Data
	loaded      bool
	err         error
	loadTime    time.Duration
	lastRefresh time.Time
	refreshing  bool
	recent      *report.Report
	history     []report.MergeReport
	cumulative  *report.CumulativeReport
	branches    map[string]*report.Report
	branchErr   map[string]error

	// UI state
	width        int
	height       int
	activeTab    int
	showHelp     bool
	branchCursor int
	mergeCursor  int
	spinner      spinner.Model
}

// NewApp returns the dashboard model.
func NewApp(r Reports, opts Options) App {
	if opts.Window <= 0 {
		opts.Window = report.DefaultWindow
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	theme.SetActive(opts.Theme)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Active.Accent).Background(theme.Active.Surface)

	return App{
		reports:   r,
		opts:      opts,
		branches:  make(map[string]*report.Report),
		branchErr: make(map[string]error),
		spinner:   sp,
	}
}

// Run starts the dashboard in the alternate screen and blocks until it exits.
func Run(ctx context.Context, r Reports, opts Options) error {
	p := tea.NewProgram(NewApp(r, opts), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		loadDataCmd(a.reports, a.opts),
		a.spinner.Tick,
		tickCmd(),
	)
}

// Update implements tea.Model.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case spinner.TickMsg:
		if a.loaded && !a.refreshing {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case dataLoadedMsg:
		a.loaded = true
		a.refreshing = false
		a.lastRefresh = time.Now()
		a.loadTime = msg.loadTime
		a.err = msg.err
		if msg.err == nil {
			a.recent = msg.recent
			a.history = msg.history
			a.cumulative = msg.cumulative
			// Branch details are all-time figures; drop them so they reload.
			a.branches = make(map[string]*report.Report)
			a.branchErr = make(map[string]error)
			a.clampCursors()
		}
		return a, a.loadSelectedBranch()

	case branchLoadedMsg:
		if msg.err != nil {
			a.branchErr[msg.branch] = msg.err
		} else {
			a.branches[msg.branch] = msg.report
		}
		return a, nil

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		if a.opts.RefreshInterval > 0 && a.loaded && !a.refreshing &&
			time.Since(a.lastRefresh) >= a.opts.RefreshInterval {
			a.refreshing = true
			cmds = append(cmds, loadDataCmd(a.reports, a.opts), a.spinner.Tick)
		}
		return a, tea.Batch(cmds...)

	case tea.MouseMsg:
		if msg.Action != tea.MouseActionPress {
			return a, nil
		}
		switch msg.Button {
		case tea.MouseButtonLeft:
			if msg.Y == 0 {
				if tab := components.TabAtX(msg.X, a.activeTab); tab >= 0 {
					return a.switchTab(tab)
				}
			}
		case tea.MouseButtonWheelDown:
			return a.moveCursor(1)
		case tea.MouseButtonWheelUp:
			return a.moveCursor(-1)
		}
		return a, nil

	case tea.KeyMsg:
		return a.updateKey(msg)
	}
	return a, nil
}

func (a App) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" {
		return a, tea.Quit
	}
	if a.showHelp {
		a.showHelp = false
		return a, nil
	}

	switch key {
	case "q", "esc":
		return a, tea.Quit
	case "?":
		a.showHelp = true
		return a, nil
	case "r":
		if a.refreshing || !a.loaded {
			return a, nil
		}
		a.refreshing = true
		return a, tea.Batch(loadDataCmd(a.reports, a.opts), a.spinner.Tick)
	case "right", "l", "tab":
		return a.switchTab((a.activeTab + 1) % len(components.Tabs))
	case "left", "h", "shift+tab":
		return a.switchTab((a.activeTab + len(components.Tabs) - 1) % len(components.Tabs))
	case "j", "down":
		return a.moveCursor(1)
	case "k", "up":
		return a.moveCursor(-1)
	case "g", "home":
		return a.moveCursor(-1 << 30)
	case "G", "end":
		return a.moveCursor(1 << 30)
	}

	if len(msg.Runes) == 1 {
		if tab := components.TabIdxByKey(msg.Runes[0]); tab >= 0 {
			return a.switchTab(tab)
		}
	}
	return a, nil
}

func (a App) switchTab(tab int) (tea.Model, tea.Cmd) {
	a.activeTab = tab
	return a, a.loadSelectedBranch()
}

// moveCursor moves the list cursor of the active tab by delta, clamped.
func (a App) moveCursor(delta int) (tea.Model, tea.Cmd) {
	switch a.activeTab {
	case tabBranches:
		a.branchCursor = clamp(a.branchCursor+delta, 0, len(a.branchList())-1)
		return a, a.loadSelectedBranch()
	case tabMerges:
		a.mergeCursor = clamp(a.mergeCursor+delta, 0, len(a.history)-1)
	}
	return a, nil
}

func (a *App) clampCursors() {
	a.branchCursor = clamp(a.branchCursor, 0, len(a.branchList())-1)
	a.mergeCursor = clamp(a.mergeCursor, 0, len(a.history)-1)
}

// selectedBranch is the branch under the cursor on the Branches tab.
func (a App) selectedBranch() string {
	list := a.branchList()
	if len(list) == 0 {
		return ""
	}
	return list[a.branchCursor]
}

func (a App) branchList() []string {
	if a.recent == nil {
		return nil
	}
	out := make([]string, len(a.recent.Branches))
	for i, b := range a.recent.Branches {
		out[i] = b.Branch
	}
	return out
}

// loadSelectedBranch fetches the selected branch's summary unless cached.
func (a App) loadSelectedBranch() tea.Cmd {
	if a.activeTab != tabBranches {
		return nil
	}
	branch := a.selectedBranch()
	if branch == "" {
		return nil
	}
	if _, ok := a.branches[branch]; ok {
		return nil
	}
	if _, ok := a.branchErr[branch]; ok {
		return nil
	}
	return loadBranchCmd(a.reports, branch)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

// loadDataCmd loads the reports every tab needs in one pass.
func loadDataCmd(r Reports, opts Options) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()

		recent, err := r.RecentActivity(ctx, opts.Window)
		if err != nil {
			return dataLoadedMsg{err: err, loadTime: time.Since(start)}
		}
		history, err := r.History(ctx, opts.HistoryLimit)
		if err != nil {
			return dataLoadedMsg{err: err, loadTime: time.Since(start)}
		}
		cumulative, err := r.Cumulative(ctx)
		if err != nil {
			return dataLoadedMsg{err: err, loadTime: time.Since(start)}
		}
		return dataLoadedMsg{
			recent:     recent,
			history:    history,
			cumulative: cumulative,
			loadTime:   time.Since(start),
		}
	}
}

func loadBranchCmd(r Reports, branch string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		rep, err := r.BranchSummary(ctx, branch)
		return branchLoadedMsg{branch: branch, report: rep, err: err}
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return max(lo, min(v, hi))
}

// ─── Layout helpers ─────────────────────────────────────────────

func (a App) contentWidth() int {
	return min(a.width, maxContentWidth)
}

func truncStr(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func truncateHeight(s string, limit int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= limit {
		return s
	}
	return strings.Join(lines[:limit], "\n")
}

func padHeight(s string, h int) string {
	lines := strings.Split(s, "\n")
	if len(lines) >= h {
		return s
	}
	return s + strings.Repeat("\n", h-len(lines))
}

// fillLinesWithBackground pads each line to width w so gaps between cards
// keep the background color.
func fillLinesWithBackground(s string, w int, bg lipgloss.Color) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = lipgloss.PlaceHorizontal(w, lipgloss.Left, line, lipgloss.WithWhitespaceBackground(bg))
	}
	return strings.Join(lines, "\n")
}
