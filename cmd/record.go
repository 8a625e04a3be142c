package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/meter"
	"github.com/theirongolddev/mergemeter/internal/model"
	"github.com/theirongolddev/mergemeter/internal/report"
)

// usageFlags are shared by record and spool.
type usageFlags struct {
	provider   string
	modelID    string
	endpoint   string
	prompt     int64
	completion int64
	branch     string
	commit     string
	actor      string
	at         string
}

func (f *usageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.modelID, "model", "m", "", "Model ID as reported by the provider")
	cmd.Flags().StringVar(&f.provider, "provider", "", "Provider name (default: from the pricing table)")
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "Endpoint or feature that made the call")
	cmd.Flags().Int64VarP(&f.prompt, "prompt", "p", 0, "Prompt tokens")
	cmd.Flags().Int64Var(&f.completion, "completion", 0, "Completion tokens")
	cmd.Flags().StringVarP(&f.branch, "branch", "b", "", "Branch (default: resolved)")
	cmd.Flags().StringVar(&f.commit, "commit", "", "Commit (default: resolved)")
	cmd.Flags().StringVar(&f.actor, "actor", "", "Actor (default: resolved)")
	cmd.Flags().StringVar(&f.at, "at", "", "Call time, RFC 3339 (default: now)")
	_ = cmd.MarkFlagRequired("model")
}

func (f *usageFlags) record(m *meter.Meter) (model.UsageRecord, error) {
	r := model.UsageRecord{
		Provider:         f.provider,
		ModelID:          f.modelID,
		Endpoint:         f.endpoint,
		PromptTokens:     f.prompt,
		CompletionTokens: f.completion,
		Branch:           f.branch,
		Commit:           f.commit,
		Actor:            f.actor,
	}
	if r.Provider == "" {
		r.Provider = m.Pricing().ProviderFor(r.ModelID)
	}
	if f.at != "" {
		t, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return r, fmt.Errorf("parsing --at: %w", err)
		}
		r.Timestamp = t
	}
	if r.PromptTokens < 0 || r.CompletionTokens < 0 {
		return r, model.ErrNegativeTokens
	}
	return r, nil
}

var recordFlags usageFlags

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Write one usage record straight to the ledger",
	Args:  cobra.NoArgs,
	RunE:  runRecord,
}

func init() {
	recordFlags.register(recordCmd)
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return withMeter(ctx, func(m *meter.Meter) error {
		r, err := recordFlags.record(m)
		if err != nil {
			return err
		}
		written, err := m.Record(ctx, r)
		if err != nil {
			return err
		}

		if flagJSON {
			return report.WriteJSON(os.Stdout, written)
		}
		cost, known := m.Pricing().Cost(written.ModelID, written.PromptTokens, written.CompletionTokens)
		fmt.Println()
		fmt.Print(cli.RenderKeyValues([][2]string{
			{"Recorded", written.SourceID},
			{"Branch", written.Branch},
			{"Model", written.ModelID},
			{"Tokens", cli.FormatTokens(written.TotalTokens)},
			{"Cost", cli.FormatCostKnown(cost, known)},
		}))
		return nil
	})
}
