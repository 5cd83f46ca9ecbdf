package forecast

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"deliveryinsight/internal/cycle"
	"deliveryinsight/internal/db"
	"deliveryinsight/internal/metrics"
	"deliveryinsight/internal/settings"
)

// Engine computes and stores forecasts for delivery streams.
type Engine struct {
	db  *gorm.DB
	log *zap.Logger

	Now func() time.Time
	// NewSource returns the random source for one forecast.
	NewSource func() Source
}

// NewEngine returns an Engine seeded from the wall clock.
func NewEngine(gdb *gorm.DB, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		db:  gdb,
		log: log,
		Now: time.Now,
		NewSource: func() Source {
			seed := uint64(time.Now().UnixNano())
			return rand.New(rand.NewPCG(seed, seed>>32|seed<<32))
		},
	}
}

// Compute forecasts completion of the current remaining scope.
func (e *Engine) Compute(ctx context.Context, deliveryStreamID uint, st settings.Settings) (Result, error) {
	now := e.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	weekly, err := e.weeklyThroughput(ctx, deliveryStreamID, now)
	if err != nil {
		return Result{ForecastDate: today, Histogram: map[int]int{}}, err
	}
	remaining, err := e.remainingScope(ctx, deliveryStreamID, st)
	if err != nil {
		return Result{ForecastDate: today, Histogram: map[int]int{}}, err
	}
	return Simulate(weekly, remaining, today, e.NewSource()), nil
}

// Materialize computes a forecast and upserts it as the stream's snapshot
// for today.
func (e *Engine) Materialize(ctx context.Context, deliveryStreamID uint, st settings.Settings) (*db.ForecastSnapshot, error) {
	res, err := e.Compute(ctx, deliveryStreamID, st)
	if err != nil {
		return nil, err
	}

	row := db.ForecastSnapshot{
		DeliveryStreamID:      deliveryStreamID,
		ForecastDate:          res.ForecastDate,
		RemainingScope:        res.RemainingScope,
		SampleSize:            res.SampleSize,
		IsLowConfidence:       res.IsLowConfidence,
		LinearProjectionWeeks: res.LinearProjectionWeeks,
		SimulationRuns:        res.SimulationRuns,
		P50Date:               res.P50Date,
		P70Date:               res.P70Date,
		P85Date:               res.P85Date,
		P95Date:               res.P95Date,
		Histogram:             datatypes.NewJSONType(res.Histogram),
	}

	tx := e.db.WithContext(ctx)
	var existing db.ForecastSnapshot
	err = tx.Where("delivery_stream_id = ? AND forecast_date = ?", deliveryStreamID, res.ForecastDate).Limit(1).Find(&existing).Error
	if err != nil {
		return nil, fmt.Errorf("find forecast snapshot: %w", err)
	}
	row.ID = existing.ID
	if err := tx.Save(&row).Error; err != nil {
		return nil, fmt.Errorf("save forecast snapshot: %w", err)
	}

	e.log.Info("forecast materialized",
		zap.Uint("stream_id", deliveryStreamID),
		zap.Int("remaining", res.RemainingScope),
		zap.Bool("low_confidence", res.IsLowConfidence))
	return &row, nil
}

func (e *Engine) weeklyThroughput(ctx context.Context, deliveryStreamID uint, now time.Time) ([]float64, error) {
	var completions []time.Time
	since := now.AddDate(0, 0, -7*metrics.ThroughputHistoryWeeks)
	err := e.db.WithContext(ctx).Model(&db.WorkItemCycle{}).
		Where("delivery_stream_id = ? AND completed_at >= ?", deliveryStreamID, since).
		Pluck("completed_at", &completions).Error
	if err != nil {
		return nil, fmt.Errorf("load completions: %w", err)
	}
	return metrics.WeeklyThroughput(completions, now, metrics.ThroughputHistoryWeeks), nil
}

func (e *Engine) remainingScope(ctx context.Context, deliveryStreamID uint, st settings.Settings) (int, error) {
	var events []db.WorkItemEvent
	err := e.db.WithContext(ctx).
		Where("delivery_stream_id = ? AND event_kind IN ?", deliveryStreamID,
			[]string{db.WorkItemTransitioned, db.WorkItemCompleted}).
		Order("event_timestamp, id").
		Find(&events).Error
	if err != nil {
		return 0, fmt.Errorf("load work item events: %w", err)
	}
	return RemainingScope(events, st), nil
}

// RemainingScope counts tickets whose latest transition entered an active
// stage and that have not completed since.
func RemainingScope(events []db.WorkItemEvent, st settings.Settings) int {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b db.WorkItemEvent) int {
		return a.EventTimestamp.Compare(b.EventTimestamp)
	})

	active := map[string]bool{}
	for _, ev := range sorted {
		switch ev.EventKind {
		case db.WorkItemCompleted:
			active[ev.TicketID] = false
		case db.WorkItemTransitioned:
			_, isActive := cycle.ResolveStage(ev, st.StageTableFor(settings.ProjectKey(ev.TicketID)))
			active[ev.TicketID] = isActive
		}
	}

	n := 0
	for _, a := range active {
		if a {
			n++
		}
	}
	return n
}
