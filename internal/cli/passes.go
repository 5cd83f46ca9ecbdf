package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deliveryinsight/internal/db"
)

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Normalize one batch of pending queue rows",
		Long: `Drain dispatches up to --batch pending rows, oldest first. Failed rows
stay pending until their retry ceiling and are retried by a later drain.
Do not run two drains at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			if batch <= 0 {
				batch = rootOpts.Config.DrainBatch
			}
			res, err := a.queue.Drain(cmd.Context(), batch, a.router)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "selected=%d completed=%d retried=%d dead_lettered=%d\n",
				res.Selected, res.Completed, res.Retried, res.DeadLettered)
			return nil
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 0, "maximum rows to drain (default APP_DRAIN_BATCH)")
	return cmd
}

// NewMaterializeCommand creates the materialize command.
func NewMaterializeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "materialize",
		Short: "Write today's rollups for every active stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			sum, err := a.job.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "delivery_streams=%d tech_streams=%d metric_rows=%d sprint_snapshots=%d forecasts=%d correlations=%d\n",
				sum.DeliveryStreams, sum.TechStreams, sum.MetricRows, sum.SprintSnapshots, sum.Forecasts, sum.Correlations)
			return err
		},
	}
}

// NewRetentionCommand creates the retention command.
func NewRetentionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Delete rows older than their retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			policy, err := a.retentionPolicy(cmd.Context())
			if err != nil {
				return err
			}
			res, err := db.RunRetention(cmd.Context(), a.db, time.Now(), policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "work_item_events=%d work_item_cycles=%d forecast_snapshots=%d\n",
				res.WorkItemEvents, res.WorkItemCycles, res.ForecastSnapshots)
			return nil
		},
	}
}

// NewAPIKeyCommand creates the apikey command group.
func NewAPIKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage read API keys",
	}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key and print its token once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			token, key, err := db.CreateAPIKey(a.db.WithContext(cmd.Context()), name)
			if err != nil {
				return fmt.Errorf("create api key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created key %q (prefix %s)\n%s\n", key.Name, key.Prefix, token)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(create)
	return cmd
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed [settings-file]",
		Short: "Upsert streams, repositories and mapping tables from a YAML file",
		Long: `Seed applies a YAML settings file. Without an argument the file named
by APP_SETTINGS_FILE is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config.SettingsFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no settings file given and APP_SETTINGS_FILE is empty")
			}
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			return a.seed(cmd.Context(), path)
		},
	}
}
