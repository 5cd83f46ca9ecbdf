package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/http/handlers"
	"deliveryinsight/internal/queue"
	"deliveryinsight/internal/settings"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and read API server with background workers",
		Long: `Serve accepts webhooks, exposes the read API and /metrics, and runs
the drain, daily materialization and retention workers in-process.
Pass --no-workers when an external scheduler runs those instead.
Edits to APP_SETTINGS_FILE are re-applied while the server runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, !noWorkers)
		},
	}

	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run drain, materialize and retention in-process")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, workers bool) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	if err := a.seed(ctx, opts.Config.SettingsFile); err != nil {
		return err
	}
	if opts.Config.SettingsFile != "" {
		w, err := settings.NewSeedWatcher(a.db, a.log.Named("settings"), opts.Config.SettingsFile)
		if err != nil {
			return err
		}
		go w.Run(ctx)
	}

	queue.RegisterMetrics(prometheus.DefaultRegisterer, a.queue)
	handlers.RegisterMetrics(prometheus.DefaultRegisterer)

	if workers {
		startDrainWorker(ctx, a, opts.Config.DrainInterval, opts.Config.DrainBatch)
		a.job.Start(ctx, opts.Config.MaterializeInterval)
		db.StartRetentionWorker(ctx, a.db, a.log.Named("retention"), a.retentionPolicy)
	}

	srv := &handlers.Server{
		DB:           a.db,
		Log:          a.log.Named("http"),
		Queue:        a.queue,
		GitHubSecret: opts.Config.GitHubWebhookSecret,
		Gatherer:     prometheus.DefaultGatherer,
		Reads: &handlers.Reads{
			Metrics:   a.metrics,
			Forecasts: a.forecasts,
			Settings:  a.settings,
			Queue:     a.queue,
			Log:       a.log.Named("http"),
		},
	}
	server := &fasthttp.Server{
		Handler:      srv.Handler(),
		Name:         "deliveryinsight",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info("deliveryinsight listening", zap.String("addr", opts.Config.ListenAddr))
		errc <- server.ListenAndServe(opts.Config.ListenAddr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.ShutdownWithContext(shutdownCtx)
}

// startDrainWorker drains one batch every interval until ctx is done. Each
// tick runs to completion before the next starts, so drains never overlap.
func startDrainWorker(ctx context.Context, a *app, interval time.Duration, batch int) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.queue.Drain(ctx, batch, a.router); err != nil {
					a.log.Error("drain error", zap.Error(err))
				}
			}
		}
	}()
}
