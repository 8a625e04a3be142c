package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/meter"
	"github.com/theirongolddev/mergemeter/internal/tui"
	"github.com/theirongolddev/mergemeter/internal/tui/theme"
)

var (
	flagDashWindow  time.Duration
	flagDashRefresh time.Duration
	flagDashTheme   string
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	Aliases: []string{"tui"},
	Short:   "Interactive dashboard of recent activity, branches and merges",
	Args:    cobra.NoArgs,
	RunE:    runDashboard,
}

func init() {
	dashboardCmd.Flags().DurationVarP(&flagDashWindow, "window", "w", 0, "Recent activity window (default from config)")
	dashboardCmd.Flags().DurationVar(&flagDashRefresh, "refresh", 30*time.Second, "Auto refresh interval, 0 to disable")
	dashboardCmd.Flags().StringVar(&flagDashTheme, "theme", "", fmt.Sprintf("Color theme %v (default from config)", theme.Names()))
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	window := flagDashWindow
	if window <= 0 {
		window = cfg.Report.RecentWindow.Duration
	}
	themeName := flagDashTheme
	if themeName == "" {
		themeName = cfg.Report.Theme
	}

	ctx := cmd.Context()
	return withMeter(ctx, func(m *meter.Meter) error {
		return tui.Run(ctx, m.Reports(), tui.Options{
			Window:          window,
			RefreshInterval: flagDashRefresh,
			Theme:           themeName,
		})
	})
}
