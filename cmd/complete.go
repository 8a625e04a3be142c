package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/meter"
	"github.com/theirongolddev/mergemeter/internal/provider"
	"github.com/theirongolddev/mergemeter/internal/report"
)

var (
	flagCompleteProvider  string
	flagCompleteModel     string
	flagCompleteSystem    string
	flagCompleteMaxTokens int
)

var completeCmd = &cobra.Command{
	Use:   "complete <prompt>",
	Short: "Send one metered completion request to a provider",
	Long: "Calls the provider with the configured API key and records the usage\n" +
		"against the current branch. Useful for checking that metering works.",
	Args: cobra.MinimumNArgs(1),
	RunE: runComplete,
}

func init() {
	completeCmd.Flags().StringVar(&flagCompleteProvider, "provider", config.ProviderOpenAI, "Provider (openai or anthropic)")
	completeCmd.Flags().StringVarP(&flagCompleteModel, "model", "m", "", "Model (default depends on provider)")
	completeCmd.Flags().StringVar(&flagCompleteSystem, "system", "", "System prompt")
	completeCmd.Flags().IntVar(&flagCompleteMaxTokens, "max-tokens", 512, "Completion token limit")
	rootCmd.AddCommand(completeCmd)
}

func runComplete(cmd *cobra.Command, args []string) error {
	modelID := flagCompleteModel
	if modelID == "" {
		switch flagCompleteProvider {
		case config.ProviderAnthropic:
			modelID = "claude-haiku-4-5"
		default:
			modelID = "gpt-4o-mini"
		}
	}

	req := &provider.Request{Model: modelID, MaxTokens: flagCompleteMaxTokens}
	if flagCompleteSystem != "" {
		req.Messages = append(req.Messages, provider.Message{Role: "system", Content: flagCompleteSystem})
	}
	req.Messages = append(req.Messages, provider.Message{Role: "user", Content: strings.Join(args, " ")})

	ctx := cmd.Context()
	return withMeter(ctx, func(m *meter.Meter) error {
		call, err := m.Provider(flagCompleteProvider)
		if err != nil {
			return err
		}
		resp, err := call(ctx, req)
		if err != nil {
			return err
		}

		// The usage write is asynchronous; wait for it so the CLI can report it.
		flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = m.Flush(flushCtx)

		if flagJSON {
			return report.WriteJSON(os.Stdout, map[string]any{
				"response": resp,
				"tracker":  m.TrackerStats(),
			})
		}
		fmt.Println(resp.Content)
		if u, ok := provider.UsageOf(resp).(provider.HasUsage); ok {
			cost, known := m.Pricing().Cost(u.Model, u.PromptTokens, u.CompletionTokens)
			printNote("%s: %d prompt + %d completion tokens, cost %s",
				u.Model, u.PromptTokens, u.CompletionTokens, cli.FormatCostKnown(cost, known))
		} else {
			printNote("Provider returned no usage; nothing was recorded.")
		}
		if st := m.TrackerStats(); st.Failed > 0 {
			printNote("Usage write failed; run with --verbose for details.")
		}
		return nil
	})
}
