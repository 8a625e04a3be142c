// Package cmd implements the mergemeter CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/report"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	if flagJSON {
		shown := cfg
		shown.Providers.OpenAIAPIKey = maskAPIKey(shown.Providers.OpenAIAPIKey)
		shown.Providers.AnthropicAPIKey = maskAPIKey(shown.Providers.AnthropicAPIKey)
		shown.Store.DSN = maskDSN(shown.Store.DSN)
		return report.WriteJSON(os.Stdout, shown)
	}

	fmt.Printf("  Config file: %s\n", flagConfig)
	if fileExists(flagConfig) {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	fmt.Println("  [Store]")
	fmt.Printf("    Driver: %s\n", cfg.Store.Driver)
	switch cfg.Store.Driver {
	case config.StorePostgres:
		fmt.Printf("    DSN:    %s\n", maskDSN(cfg.Store.DSN))
	default:
		fmt.Printf("    Path:   %s\n", cfg.Store.Path)
	}
	fmt.Println()

	fmt.Println("  [Spool]")
	fmt.Printf("    Driver: %s\n", cfg.Spool.Driver)
	switch cfg.Spool.Driver {
	case config.SpoolRedis:
		fmt.Printf("    Redis:  %s (prefix %s)\n", cfg.Spool.RedisAddr, cfg.Spool.RedisPrefix)
	default:
		fmt.Printf("    Dir:    %s\n", cfg.Spool.Dir)
	}
	fmt.Println()

	fmt.Println("  [Attribution]")
	fmt.Printf("    Timeout:         %s\n", cfg.Attribution.Timeout)
	if cfg.Attribution.FallbackBranch != "" {
		fmt.Printf("    Fallback branch: %s\n", cfg.Attribution.FallbackBranch)
	}
	if len(cfg.Attribution.BranchEnv) > 0 {
		fmt.Printf("    Branch env:      %v\n", cfg.Attribution.BranchEnv)
	}
	fmt.Println()

	fmt.Println("  [Merge]")
	fmt.Printf("    Exclude claimed usage: %v\n", cfg.Merge.ExcludeClaimed)
	fmt.Println()

	fmt.Println("  [Report]")
	fmt.Printf("    Recent window: %s\n", cfg.Report.RecentWindow)
	fmt.Println()

	fmt.Println("  [Daemon]")
	fmt.Printf("    Address:  %s\n", cfg.Daemon.Addr)
	fmt.Printf("    Interval: %s\n", cfg.Daemon.Interval)
	fmt.Println()

	fmt.Println("  [Providers]")
	printKey("OpenAI API key:   ", cfg.Providers.OpenAIAPIKey)
	printKey("Anthropic API key:", cfg.Providers.AnthropicAPIKey)
	fmt.Println()

	fmt.Println("  [Pricing]")
	if n := len(cfg.Pricing.Overrides); n > 0 {
		fmt.Printf("    Overrides: %d model(s)\n", n)
	} else {
		fmt.Println("    Overrides: none (built-in table)")
	}
	fmt.Println()

	fmt.Println("  Run `mergemeter setup` to reconfigure.")
	return nil
}

func printKey(label, key string) {
	if key == "" {
		fmt.Printf("    %s not configured\n", label)
		return
	}
	fmt.Printf("    %s %s\n", label, maskAPIKey(key))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
