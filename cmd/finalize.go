package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/meter"
	"github.com/theirongolddev/mergemeter/internal/merge"
	"github.com/theirongolddev/mergemeter/internal/report"
)

var (
	flagFinalizeSource   string
	flagFinalizeTarget   string
	flagFinalizeMergedBy string
	flagFinalizeAt       string
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize <commit>",
	Short: "Summarize a branch's usage for a merge commit",
	Long: "Creates the merge summary for <commit> from all usage recorded on the\n" +
		"source branch up to the merge time. Running it again for the same commit\n" +
		"returns the stored summary unchanged.",
	Args: cobra.ExactArgs(1),
	RunE: runFinalize,
}

func init() {
	finalizeCmd.Flags().StringVarP(&flagFinalizeSource, "source-branch", "s", "", "Branch being merged (required)")
	finalizeCmd.Flags().StringVarP(&flagFinalizeTarget, "target-branch", "t", "", "Branch merged into")
	finalizeCmd.Flags().StringVar(&flagFinalizeMergedBy, "merged-by", "", "Who performed the merge")
	finalizeCmd.Flags().StringVar(&flagFinalizeAt, "at", "", "Merge time, RFC 3339 (default: now)")
	_ = finalizeCmd.MarkFlagRequired("source-branch")
	rootCmd.AddCommand(finalizeCmd)
}

func runFinalize(cmd *cobra.Command, args []string) error {
	req := merge.Request{
		CommitID:     args[0],
		SourceBranch: flagFinalizeSource,
		TargetBranch: flagFinalizeTarget,
		MergedBy:     flagFinalizeMergedBy,
	}
	if flagFinalizeAt != "" {
		t, err := time.Parse(time.RFC3339, flagFinalizeAt)
		if err != nil {
			return fmt.Errorf("parsing --at: %w", err)
		}
		req.MergeTime = t
	}

	ctx := cmd.Context()
	return withMeter(ctx, func(m *meter.Meter) error {
		if req.MergedBy == "" {
			req.MergedBy = m.Resolve(ctx).Actor
		}
		sum, created, err := m.FinalizeMerge(ctx, req)
		if err != nil {
			return err
		}

		view := m.MergeReport(sum)
		if flagJSON {
			return report.WriteJSON(os.Stdout, map[string]any{"created": created, "report": view})
		}
		if !created {
			printNote("Commit %s was already finalized; showing the stored summary.", sum.CommitID)
		}
		return report.RenderMerge(os.Stdout, view)
	})
}
