// Package materialize writes the daily rollups that trend reads are served
// from. Rows are sparse: a metric with an empty sample for the day is not
// written at all, and a second run on the same day overwrites in place.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/forecast"
	"deliveryinsight/internal/metrics"
	"deliveryinsight/internal/settings"
)

// Delivery stream metric names.
const (
	MetricCycleTimeDays     = "cycle_time_days"
	MetricLeadTimeDays      = "lead_time_days"
	MetricThroughput        = "throughput"
	MetricFlowEfficiencyPct = "flow_efficiency_pct"
	MetricDefectEscapePct   = "defect_escape_rate_pct"
	MetricSprintConfidence  = "sprint_confidence"
)

// Tech stream metric names.
const (
	MetricDeploysPerWeek         = "deploys_per_week"
	MetricChangeFailureRate      = "change_failure_rate"
	MetricTimeToRestoreHours     = "time_to_restore_hours"
	MetricTimeToRestoreMeanHours = "time_to_restore_mean_hours"
	MetricLeadTimeForChanges     = "lead_time_for_changes_hours"
	MetricPRFirstReviewHours     = "pr_time_to_first_review_hours"
	MetricPRMergeHours           = "pr_time_to_merge_hours"
	MetricPRReviewRounds         = "pr_review_rounds"
)

// DefaultWindowDays is the rolling window rollups are computed over.
const DefaultWindowDays = 30

// SettingsLoader supplies the configuration snapshot for one run.
type SettingsLoader interface {
	Load(ctx context.Context) (settings.Settings, error)
}

// Summary counts what one run wrote.
type Summary struct {
	DeliveryStreams int
	TechStreams     int
	MetricRows      int
	SprintSnapshots int
	Forecasts       int
	Correlations    int
}

// Job materializes every active stream.
type Job struct {
	db        *gorm.DB
	log       *zap.Logger
	metrics   *metrics.Engine
	forecasts *forecast.Engine
	settings  SettingsLoader

	// Now is the clock the metric date is taken from. It is shared with
	// both engines by SetClock.
	Now func() time.Time
	// Concurrency bounds how many streams are computed at once.
	Concurrency int
	WindowDays  int

	mu      sync.Mutex
	summary Summary
}

// NewJob returns a Job over gdb.
func NewJob(gdb *gorm.DB, log *zap.Logger, me *metrics.Engine, fe *forecast.Engine, loader SettingsLoader) *Job {
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{
		db:          gdb,
		log:         log,
		metrics:     me,
		forecasts:   fe,
		settings:    loader,
		Now:         time.Now,
		Concurrency: 4,
		WindowDays:  DefaultWindowDays,
	}
}

// SetClock pins the job and both engines to now.
func (j *Job) SetClock(now func() time.Time) {
	j.Now = now
	j.metrics.Now = now
	j.forecasts.Now = now
}

// RunOnce materializes all active streams for today. A failing stream does
// not stop the others; the first error is returned after every stream ran.
func (j *Job) RunOnce(ctx context.Context) (Summary, error) {
	st, err := j.settings.Load(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load settings: %w", err)
	}

	tx := j.db.WithContext(ctx)
	var deliveries []db.DeliveryStream
	if err := tx.Where("is_active = ?", true).Order("id").Find(&deliveries).Error; err != nil {
		return Summary{}, fmt.Errorf("load delivery streams: %w", err)
	}
	var techs []db.TechStream
	if err := tx.Where("is_active = ?", true).Order("id").Find(&techs).Error; err != nil {
		return Summary{}, fmt.Errorf("load tech streams: %w", err)
	}

	j.mu.Lock()
	j.summary = Summary{DeliveryStreams: len(deliveries), TechStreams: len(techs)}
	j.mu.Unlock()

	date := midnight(j.Now())
	limit := j.Concurrency
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, s := range deliveries {
		g.Go(func() error {
			if err := j.deliveryStream(ctx, s.ID, date, st); err != nil {
				j.log.Error("delivery stream materialization failed", zap.Uint("stream_id", s.ID), zap.Error(err))
				return fmt.Errorf("delivery stream %d: %w", s.ID, err)
			}
			return nil
		})
	}
	for _, s := range techs {
		g.Go(func() error {
			if err := j.techStream(ctx, s.ID, date, st); err != nil {
				j.log.Error("tech stream materialization failed", zap.Uint("stream_id", s.ID), zap.Error(err))
				return fmt.Errorf("tech stream %d: %w", s.ID, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	correlations, err := j.metrics.MaterializeCrossStream(ctx, st)
	if err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("cross stream: %w", err))
	}

	j.mu.Lock()
	j.summary.Correlations = len(correlations)
	sum := j.summary
	j.mu.Unlock()

	j.log.Info("materialization done",
		zap.Time("date", date),
		zap.Int("delivery_streams", sum.DeliveryStreams),
		zap.Int("tech_streams", sum.TechStreams),
		zap.Int("metric_rows", sum.MetricRows),
		zap.Int("forecasts", sum.Forecasts),
		zap.Int("correlations", sum.Correlations))
	return sum, runErr
}

// Start runs a pass at startup and then every interval until ctx is done.
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	go func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.Error("materialization error (startup)", zap.Error(err))
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := j.RunOnce(ctx); err != nil {
					j.log.Error("materialization error", zap.Error(err))
				}
			}
		}
	}()
}

func (j *Job) deliveryStream(ctx context.Context, id uint, date time.Time, st settings.Settings) error {
	scope := metrics.Scope{StreamID: &id}
	w := j.writer(ctx, date, db.StreamTypeDelivery, id)

	ct, err := j.metrics.CycleTime(ctx, scope, j.WindowDays)
	if err != nil {
		return err
	}
	w.distribution(MetricCycleTimeDays, ct.CycleTimeDays, 50, 85, 95)
	w.distribution(MetricLeadTimeDays, ct.LeadTimeDays, 50, 85, 95)
	w.value(MetricThroughput, nil, float64(ct.Completed), ct.Completed)

	flow, err := j.metrics.FlowEfficiency(ctx, scope, j.WindowDays)
	if err != nil {
		return err
	}
	w.value(MetricFlowEfficiencyPct, nil, flow.MeanFlowEfficiencyPct, flow.SampleSize)

	defects, err := j.metrics.DefectEscape(ctx, scope, j.WindowDays)
	if err != nil {
		return err
	}
	w.value(MetricDefectEscapePct, nil, defects.EscapeRatePct, defects.TotalDefects)

	if err := j.sprintSnapshot(ctx, id, date, st); err != nil {
		return err
	}
	conf, err := j.metrics.SprintConfidence(ctx, id, st)
	if err != nil {
		return err
	}
	if !conf.InsufficientData {
		w.value(MetricSprintConfidence, nil, conf.Confidence, 1)
	}

	if _, err := j.forecasts.Materialize(ctx, id, st); err != nil {
		return err
	}
	j.add(func(s *Summary) { s.Forecasts++ })
	return w.err
}

func (j *Job) techStream(ctx context.Context, id uint, date time.Time, st settings.Settings) error {
	scope := metrics.Scope{StreamID: &id}
	w := j.writer(ctx, date, db.StreamTypeTech, id)

	dora, err := j.metrics.DORA(ctx, scope, j.WindowDays)
	if err != nil {
		return err
	}
	w.value(MetricDeploysPerWeek, nil, dora.DeploysPerWeek, dora.DeployCount)
	w.value(MetricChangeFailureRate, nil, dora.ChangeFailureRate, dora.DeployCount)
	w.value(MetricTimeToRestoreHours, pct(50), dora.TimeToRestoreMedianHours, dora.RestoreSampleSize)
	w.value(MetricTimeToRestoreMeanHours, nil, dora.TimeToRestoreMeanHours, dora.RestoreSampleSize)
	w.value(MetricLeadTimeForChanges, pct(50), dora.LeadTimeP50Hours, dora.LeadTimeSampleSize)
	w.value(MetricLeadTimeForChanges, pct(85), dora.LeadTimeP85Hours, dora.LeadTimeSampleSize)

	pr, err := j.metrics.PRReviewHealth(ctx, scope, j.WindowDays, st)
	if err != nil {
		return err
	}
	w.distribution(MetricPRFirstReviewHours, pr.TimeToFirstReviewHours, 50, 85, 95)
	w.distribution(MetricPRMergeHours, pr.TimeToMergeHours, 50, 85, 95)
	w.value(MetricPRReviewRounds, nil, pr.MeanReviewRounds, pr.SampleSize)
	return w.err
}

// sprintSnapshot records the active sprint's scope for today.
func (j *Job) sprintSnapshot(ctx context.Context, deliveryStreamID uint, date time.Time, st settings.Settings) error {
	sprint, err := j.metrics.ActiveSprint(ctx, deliveryStreamID)
	if err != nil || sprint == nil {
		return err
	}
	committed, completed, err := j.metrics.SprintScope(ctx, sprint.ID)
	if err != nil {
		return err
	}

	row := db.SprintSnapshot{
		SprintID:         sprint.ID,
		SnapshotDate:     date,
		DeliveryStreamID: deliveryStreamID,
		CommittedCount:   committed,
		CompletedCount:   completed,
		RemainingCount:   committed - completed,
	}
	if sprint.EndDate != nil {
		row.WorkingDaysLeft = metrics.NewCalendar(st.Holidays).BusinessDaysBetween(j.Now(), *sprint.EndDate)
	}

	tx := j.db.WithContext(ctx)
	var existing db.SprintSnapshot
	err = tx.Where("sprint_id = ? AND snapshot_date = ?", sprint.ID, date).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = tx.Create(&row).Error
	} else if err == nil {
		err = tx.Model(&existing).Updates(map[string]interface{}{
			"committed_count":   row.CommittedCount,
			"completed_count":   row.CompletedCount,
			"remaining_count":   row.RemainingCount,
			"working_days_left": row.WorkingDaysLeft,
		}).Error
	}
	if err != nil {
		return fmt.Errorf("upsert sprint snapshot: %w", err)
	}
	j.add(func(s *Summary) { s.SprintSnapshots++ })
	return nil
}

func (j *Job) add(fn func(*Summary)) {
	j.mu.Lock()
	fn(&j.summary)
	j.mu.Unlock()
}

// writer upserts the rows of one stream, keeping the first error.
type writer struct {
	job        *Job
	ctx        context.Context
	date       time.Time
	streamType string
	streamID   uint
	err        error
}

func (j *Job) writer(ctx context.Context, date time.Time, streamType string, streamID uint) *writer {
	return &writer{job: j, ctx: ctx, date: date, streamType: streamType, streamID: streamID}
}

func (w *writer) distribution(name string, d metrics.Distribution, percentiles ...int) {
	for _, p := range percentiles {
		var v float64
		switch p {
		case 50:
			v = d.P50
		case 85:
			v = d.P85
		case 95:
			v = d.P95
		}
		w.value(name, pct(p), v, d.SampleSize)
	}
}

func (w *writer) value(name string, percentile *int, v float64, sampleSize int) {
	if w.err != nil || sampleSize <= 0 {
		return
	}
	if err := upsertMetric(w.ctx, w.job.db, db.DailyStreamMetric{
		MetricDate: w.date,
		StreamType: w.streamType,
		StreamID:   w.streamID,
		MetricName: name,
		Percentile: percentile,
		Value:      v,
		SampleSize: sampleSize,
	}); err != nil {
		w.err = err
		return
	}
	w.job.add(func(s *Summary) { s.MetricRows++ })
}

// upsertMetric writes row keyed on (date, stream, metric, percentile). The
// "no percentile" case is matched through PercentileKey, never through a
// NULL comparison.
func upsertMetric(ctx context.Context, gdb *gorm.DB, row db.DailyStreamMetric) error {
	row.PercentileKey = db.PercentileKeyFor(row.Percentile)
	tx := gdb.WithContext(ctx)

	var existing db.DailyStreamMetric
	err := tx.Where("metric_date = ? AND stream_type = ? AND stream_id = ? AND metric_name = ? AND percentile_key = ?",
		row.MetricDate, row.StreamType, row.StreamID, row.MetricName, row.PercentileKey).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = tx.Create(&row).Error
	} else if err == nil {
		err = tx.Model(&existing).Updates(map[string]interface{}{
			"value":       row.Value,
			"sample_size": row.SampleSize,
		}).Error
	}
	if err != nil {
		return fmt.Errorf("upsert %s/%d %s: %w", row.StreamType, row.StreamID, row.MetricName, err)
	}
	return nil
}

func pct(p int) *int {
	return &p
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
