package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/attribution"
	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/report"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show the branch, commit and actor new usage would be attributed to",
	Args:  cobra.NoArgs,
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, _ []string) error {
	// No ledger needed: resolution only consults git and the environment.
	ac := attribution.New(cfg.Attribution, logger).Resolve(cmd.Context())
	if flagJSON {
		return report.WriteJSON(os.Stdout, ac)
	}

	commit := ac.Commit
	if commit == "" {
		commit = "-"
	}
	actor := ac.Actor
	if actor == "" {
		actor = "-"
	}
	fmt.Println()
	fmt.Print(cli.RenderKeyValues([][2]string{
		{"Branch", ac.Branch},
		{"Commit", cli.ShortCommit(commit)},
		{"Actor", actor},
		{"Source", ac.Source},
	}))
	if ac.Source == attribution.SourceFallback {
		fmt.Print(cli.RenderWarning("No branch from git or the environment; usage will be recorded as " + ac.Branch + "."))
	}
	return nil
}
