package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/meter"
	"github.com/theirongolddev/mergemeter/internal/report"
)

var spoolFlags usageFlags

var spoolCmd = &cobra.Command{
	Use:   "spool",
	Short: "Queue one usage record for a later import",
	Long: "Writes a usage record to the spool instead of the ledger, for call sites\n" +
		"without ledger access. Run `mergemeter import` (or the daemon) to ingest it.",
	Args: cobra.NoArgs,
	RunE: runSpool,
}

var spoolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Count spool records by state",
	Args:  cobra.NoArgs,
	RunE:  runSpoolStatus,
}

func init() {
	spoolFlags.register(spoolCmd)
	spoolCmd.AddCommand(spoolStatusCmd)
	rootCmd.AddCommand(spoolCmd)
}

func runSpool(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return withMeter(ctx, func(m *meter.Meter) error {
		r, err := spoolFlags.record(m)
		if err != nil {
			return err
		}
		rec, err := m.Spool(ctx, r)
		if err != nil {
			return err
		}
		if flagJSON {
			return report.WriteJSON(os.Stdout, rec)
		}
		fmt.Printf("  Spooled %s (branch %s)\n", rec.ID, rec.Branch)
		return nil
	})
}

func runSpoolStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return withMeter(ctx, func(m *meter.Meter) error {
		st, err := m.SpoolStats(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return report.WriteJSON(os.Stdout, st)
		}
		fmt.Println()
		fmt.Print(cli.RenderKeyValues([][2]string{
			{"Driver", cfg.Spool.Driver},
			{"Pending", cli.FormatNumber(int64(st.Pending))},
			{"Imported", cli.FormatNumber(int64(st.Imported))},
			{"Rejected", cli.FormatNumber(int64(st.Rejected))},
		}))
		return nil
	})
}
