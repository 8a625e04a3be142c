package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/meter"
	"github.com/theirongolddev/mergemeter/internal/report"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import pending spool records into the ledger exactly once",
	Args:  cobra.NoArgs,
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return withMeter(ctx, func(m *meter.Meter) error {
		res, err := m.ImportPending(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return report.WriteJSON(os.Stdout, res)
		}

		fmt.Println()
		fmt.Print(cli.RenderKeyValues([][2]string{
			{"Imported", cli.FormatNumber(int64(res.Imported))},
			{"Already imported", cli.FormatNumber(int64(res.Duplicates))},
			{"Skipped", cli.FormatNumber(int64(res.Skipped))},
			{"Errors", cli.FormatNumber(int64(res.Errors))},
		}))
		if res.Skipped > 0 {
			fmt.Print(cli.RenderWarning("Malformed records were quarantined; see the spool's rejected entries."))
		}
		if res.Errors > 0 {
			fmt.Print(cli.RenderWarning("Some records could not be written and stay pending for the next import."))
		}
		return nil
	})
}
