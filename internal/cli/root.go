// Package cli wires the service together behind cobra commands. serve runs
// the HTTP surface with background drain, materialization and retention;
// the other commands run one pass each for an external scheduler.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"deliveryinsight/internal/config"
)

// RootOptions holds global flags and what PersistentPreRunE builds from them.
type RootOptions struct {
	LogLevel  string
	LogFormat string

	Config *config.Config
	Log    *zap.Logger
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "deliveryinsight",
		Short: "Engineering delivery metrics from source-control and issue-tracker webhooks",
		Long: `deliveryinsight ingests GitHub and Jira webhooks into a durable queue,
normalizes them into canonical delivery events and computes cycle time,
flow efficiency, DORA, defect escape, PR review health, cross-stream
blocking, sprint confidence and Monte Carlo completion forecasts.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			opts.Config = config.Load()
			if opts.LogLevel != "" {
				opts.Config.LogLevel = opts.LogLevel
			}
			if opts.LogFormat != "" {
				opts.Config.LogFormat = opts.LogFormat
			}
			log, err := NewLogger(opts.Config.LogLevel, opts.Config.LogFormat)
			if err != nil {
				return err
			}
			opts.Log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.Log != nil {
				_ = opts.Log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides APP_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|console), overrides APP_LOG_FORMAT")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewMaterializeCommand(opts))
	cmd.AddCommand(NewRetentionCommand(opts))
	cmd.AddCommand(NewAPIKeyCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewLogger builds a zap logger for level and format.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q: must be json or console", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
