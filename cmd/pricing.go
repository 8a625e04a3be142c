package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/report"
)

var (
	flagPricingPrompt     int64
	flagPricingCompletion int64
)

var pricingCmd = &cobra.Command{
	Use:   "pricing [model]",
	Short: "Show the pricing table, or price a token count for one model",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPricing,
}

func init() {
	pricingCmd.Flags().Int64VarP(&flagPricingPrompt, "prompt", "p", 1000, "Prompt tokens to price")
	pricingCmd.Flags().Int64Var(&flagPricingCompletion, "completion", 1000, "Completion tokens to price")
	rootCmd.AddCommand(pricingCmd)
}

type pricingRow struct {
	Model           string  `json:"model"`
	Provider        string  `json:"provider"`
	PromptPer1K     float64 `json:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k"`
}

func runPricing(_ *cobra.Command, args []string) error {
	table := cfg.PricingTable()

	if len(args) == 1 {
		name := args[0]
		cost, known := table.Cost(name, flagPricingPrompt, flagPricingCompletion)
		if flagJSON {
			return report.WriteJSON(os.Stdout, map[string]any{
				"model":             name,
				"matched":           table.NormalizeModelName(name),
				"prompt_tokens":     flagPricingPrompt,
				"completion_tokens": flagPricingCompletion,
				"cost":              cost,
				"cost_known":        known,
			})
		}
		fmt.Println()
		fmt.Print(cli.RenderKeyValues([][2]string{
			{"Model", name},
			{"Matched", table.NormalizeModelName(name)},
			{"Tokens", fmt.Sprintf("%s prompt, %s completion",
				cli.FormatTokens(flagPricingPrompt), cli.FormatTokens(flagPricingCompletion))},
			{"Cost", cli.FormatCostKnown(cost, known)},
		}))
		if !known {
			fmt.Print(cli.RenderWarning("No pricing for this model. Add [pricing.overrides.\"" + name + "\"] to the config."))
		}
		return nil
	}

	names := table.Models()
	rows := make([]pricingRow, 0, len(names))
	for _, name := range names {
		p, _ := table.Lookup(name)
		rows = append(rows, pricingRow{
			Model:           name,
			Provider:        p.Provider,
			PromptPer1K:     p.PromptPerMTok / 1000,
			CompletionPer1K: p.CompletionPerMTok / 1000,
		})
	}
	if flagJSON {
		return report.WriteJSON(os.Stdout, rows)
	}

	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{
			r.Model,
			r.Provider,
			fmt.Sprintf("$%.5f", r.PromptPer1K),
			fmt.Sprintf("$%.5f", r.CompletionPer1K),
		})
	}
	fmt.Println()
	fmt.Println(cli.RenderTitle("PRICING  per 1K tokens"))
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Model", "Provider", "Prompt", "Completion"},
		Rows:    cells,
	}))
	return nil
}
