package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RetentionPolicy holds per-table windows in months. A window of zero or
// less keeps rows forever.
type RetentionPolicy struct {
	WorkItemEventsMonths    int
	WorkItemCyclesMonths    int
	ForecastSnapshotsMonths int
}

// RetentionResult counts deleted rows per table.
type RetentionResult struct {
	WorkItemEvents    int64
	WorkItemCycles    int64
	ForecastSnapshots int64
}

// RunRetention performs a single retention pass relative to now.
func RunRetention(ctx context.Context, db *gorm.DB, now time.Time, p RetentionPolicy) (RetentionResult, error) {
	var res RetentionResult
	tx := db.WithContext(ctx)

	purge := func(months int, model any, column string, deleted *int64) error {
		if months <= 0 {
			return nil
		}
		cutoff := now.UTC().AddDate(0, -months, 0)
		r := tx.Where(column+" < ?", cutoff).Delete(model)
		if r.Error != nil {
			return fmt.Errorf("purge %T: %w", model, r.Error)
		}
		*deleted = r.RowsAffected
		return nil
	}

	if err := purge(p.WorkItemEventsMonths, &WorkItemEvent{}, "event_timestamp", &res.WorkItemEvents); err != nil {
		return res, err
	}
	if err := purge(p.WorkItemCyclesMonths, &WorkItemCycle{}, "completed_at", &res.WorkItemCycles); err != nil {
		return res, err
	}
	if err := purge(p.ForecastSnapshotsMonths, &ForecastSnapshot{}, "forecast_date", &res.ForecastSnapshots); err != nil {
		return res, err
	}
	return res, nil
}

// StartRetentionWorker runs a retention pass at startup and then once per
// day until ctx is done. policy is re-read before every pass.
func StartRetentionWorker(ctx context.Context, db *gorm.DB, log *zap.Logger, policy func(context.Context) (RetentionPolicy, error)) {
	run := func() {
		p, err := policy(ctx)
		if err != nil {
			log.Error("retention policy load failed", zap.Error(err))
			return
		}
		res, err := RunRetention(ctx, db, time.Now(), p)
		if err != nil {
			log.Error("retention cleanup failed", zap.Error(err))
			return
		}
		log.Info("retention cleanup done",
			zap.Int64("work_item_events", res.WorkItemEvents),
			zap.Int64("work_item_cycles", res.WorkItemCycles),
			zap.Int64("forecast_snapshots", res.ForecastSnapshots))
	}

	go func() {
		run()

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
