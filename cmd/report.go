package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/meter"
	"github.com/theirongolddev/mergemeter/internal/report"
)

var (
	flagReportWindow time.Duration
	flagReportLimit  int
)

var reportCmd = &cobra.Command{
	Use:   "report {branch|recent|latest|cumulative|history} [branch]",
	Short: "Cost reports from the ledger and merge summaries",
	Long: "Reports are read-only. Costs are computed from the current pricing table.\n\n" +
		"  branch [name]  all usage ever recorded on a branch (default: current branch)\n" +
		"  recent         usage across branches in the trailing --window\n" +
		"  latest         the most recent merge summary\n" +
		"  cumulative     running total across all merges\n" +
		"  history        recent merge summaries (--limit)",
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"branch", "recent", "latest", "cumulative", "history"},
	RunE: func(cmd *cobra.Command, args []string) error {
		arg := ""
		if len(args) > 1 {
			arg = args[1]
		}
		return runReportKind(cmd.Context(), args[0], arg)
	},
}

func init() {
	reportCmd.Flags().DurationVarP(&flagReportWindow, "window", "w", 0, "Window for the recent report (default from config)")
	reportCmd.Flags().IntVar(&flagReportLimit, "limit", 10, "Number of merges for the history report (0 = all)")
	rootCmd.AddCommand(reportCmd)
}

func runReportKind(ctx context.Context, kind, arg string) error {
	k := report.Kind(strings.ToLower(kind))
	known := false
	for _, valid := range report.Kinds {
		if k == valid {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown report %q (want branch, recent, latest, cumulative or history)", kind)
	}

	return withMeter(ctx, func(m *meter.Meter) error {
		params := report.Params{Branch: arg, Window: flagReportWindow, Limit: flagReportLimit}
		if k == report.KindBranch && params.Branch == "" {
			params.Branch = m.Resolve(ctx).Branch
		}

		v, err := m.Report(ctx, k, params)
		if err != nil {
			return err
		}
		if flagJSON {
			return report.WriteJSON(os.Stdout, v)
		}
		return report.Render(os.Stdout, v)
	})
}
