package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/forecast"
	"deliveryinsight/internal/materialize"
	"deliveryinsight/internal/metrics"
	"deliveryinsight/internal/normalize"
	"deliveryinsight/internal/queue"
	"deliveryinsight/internal/settings"
)

// app is the wired object graph shared by the commands.
type app struct {
	db  *gorm.DB
	log *zap.Logger

	settings  *settings.Loader
	queue     *queue.Queue
	router    *normalize.Router
	metrics   *metrics.Engine
	forecasts *forecast.Engine
	job       *materialize.Job
}

// openApp connects to the configured database and wires every component.
func openApp(opts *RootOptions) (*app, error) {
	gdb, err := db.Connect(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return newApp(gdb, opts), nil
}

func newApp(gdb *gorm.DB, opts *RootOptions) *app {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	loader := settings.NewLoader(gdb)
	a := &app{
		db:        gdb,
		log:       log,
		settings:  loader,
		queue:     queue.New(gdb, log.Named("queue")),
		router:    normalize.NewRouter(gdb, log.Named("normalize"), normalize.NewHasher(opts.Config.IdentityHMACKey), loader),
		metrics:   metrics.NewEngine(gdb, log.Named("metrics")),
		forecasts: forecast.NewEngine(gdb, log.Named("forecast")),
	}
	a.job = materialize.NewJob(gdb, log.Named("materialize"), a.metrics, a.forecasts, loader)
	a.job.Concurrency = opts.Config.MaterializeConcurrency
	a.job.WindowDays = opts.Config.MetricWindowDays
	return a
}

// retentionPolicy reads the retention windows from persisted settings.
func (a *app) retentionPolicy(ctx context.Context) (db.RetentionPolicy, error) {
	st, err := a.settings.Load(ctx)
	if err != nil {
		return db.RetentionPolicy{}, err
	}
	return st.Retention.Policy(), nil
}

// seed applies the configured settings file, if any.
func (a *app) seed(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := settings.ApplySeedFile(ctx, a.db, path); err != nil {
		return err
	}
	a.log.Info("settings file applied", zap.String("path", path))
	return nil
}
