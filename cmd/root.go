package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/logging"
	"github.com/theirongolddev/mergemeter/internal/meter"
)

var (
	flagConfig   string
	flagVerbose  bool
	flagLogLevel string
	flagLogJSON  bool
	flagJSON     bool
)

// Loaded by the root PersistentPreRunE before any subcommand runs.
var (
	cfg    config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "mergemeter",
	Short: "AI API cost metering per branch and merge",
	Long: "Record generative-AI API usage, attribute it to branches and commits,\n" +
		"and roll it up exactly once per merge.",
	SilenceUsage:      true,
	PersistentPreRunE: loadRuntime,
	RunE:              runDefaultReport,
}

// Execute is the main entry point called from main.go.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", config.Path(), "Config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging on stderr")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print results as JSON")
}

func loadRuntime(_ *cobra.Command, _ []string) error {
	level := flagLogLevel
	if flagVerbose {
		level = "debug"
	}
	l, err := logging.New(logging.Config{Level: level, JSON: flagLogJSON})
	if err != nil {
		return err
	}
	logger = l

	c, err := config.LoadFile(flagConfig)
	if err != nil {
		return err
	}
	cfg = c
	logger.Debug("config loaded",
		zap.String("path", flagConfig),
		zap.String("store", cfg.Store.Driver),
		zap.String("spool", cfg.Spool.Driver),
	)
	return nil
}

// openMeter connects the configured store and spool.
func openMeter(ctx context.Context) (*meter.Meter, error) {
	m, err := meter.Open(ctx, cfg, meter.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return m, nil
}

// withMeter runs fn with an open meter and closes it afterwards.
func withMeter(ctx context.Context, fn func(*meter.Meter) error) (err error) {
	m, err := openMeter(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(m)
}

func runDefaultReport(cmd *cobra.Command, _ []string) error {
	return runReportKind(cmd.Context(), "recent", "")
}

func printNote(format string, args ...any) {
	fmt.Print(cli.RenderNote(fmt.Sprintf(format, args...)))
}
