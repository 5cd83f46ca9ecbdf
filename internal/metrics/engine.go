package metrics

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/settings"
)

// Scope restricts a read to one stream. A nil StreamID means every stream.
// Work item metrics (cycle time, flow, defects, sprint) scope by delivery
// stream; engineering metrics (DORA, PR review, cross-stream) by tech
// stream.
type Scope struct {
	StreamID *uint
}

// ThroughputHistoryWeeks is the trailing window used for throughput-based
// estimates.
const ThroughputHistoryWeeks = 26

// Engine serves metric reads over the canonical store.
type Engine struct {
	db  *gorm.DB
	log *zap.Logger

	// Now is the clock windows are measured from.
	Now func() time.Time
	// Confidence scores sprints; nil means DefaultConfidence.
	Confidence ConfidenceFunc
}

// NewEngine returns an Engine over gdb.
func NewEngine(gdb *gorm.DB, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{db: gdb, log: log, Now: time.Now}
}

func (e *Engine) since(windowDays int) time.Time {
	return e.Now().UTC().AddDate(0, 0, -windowDays)
}

func (e *Engine) scoped(tx *gorm.DB, column string, scope Scope) *gorm.DB {
	if scope.StreamID != nil {
		return tx.Where(column+" = ?", *scope.StreamID)
	}
	return tx
}

// CycleTimeResult summarizes completed work items over a window.
type CycleTimeResult struct {
	WindowDays    int          `json:"window_days"`
	Completed     int          `json:"completed"`
	CycleTimeDays Distribution `json:"cycle_time_days"`
	LeadTimeDays  Distribution `json:"lead_time_days"`
}

func (e *Engine) completedCycles(ctx context.Context, scope Scope, windowDays int) ([]db.WorkItemCycle, error) {
	var cycles []db.WorkItemCycle
	tx := e.scoped(e.db.WithContext(ctx), "delivery_stream_id", scope)
	if err := tx.Where("completed_at >= ?", e.since(windowDays)).Find(&cycles).Error; err != nil {
		return nil, fmt.Errorf("load work item cycles: %w", err)
	}
	return cycles, nil
}

// CycleTime returns cycle and lead time percentiles of items completed in
// the window. Items that never entered an active stage count towards lead
// time only.
func (e *Engine) CycleTime(ctx context.Context, scope Scope, windowDays int) (CycleTimeResult, error) {
	res := CycleTimeResult{WindowDays: windowDays}
	cycles, err := e.completedCycles(ctx, scope, windowDays)
	if err != nil {
		return res, err
	}

	var cycleDays, leadDays []float64
	for _, c := range cycles {
		leadDays = append(leadDays, c.LeadTimeDays)
		if c.CycleStartedAt != nil {
			cycleDays = append(cycleDays, c.CycleTimeDays)
		}
	}
	res.Completed = len(cycles)
	res.CycleTimeDays = Distribute(cycleDays)
	res.LeadTimeDays = Distribute(leadDays)
	return res, nil
}

// FlowEfficiency aggregates flow efficiency of items completed in the window.
func (e *Engine) FlowEfficiency(ctx context.Context, scope Scope, windowDays int) (FlowResult, error) {
	cycles, err := e.completedCycles(ctx, scope, windowDays)
	if err != nil {
		return ComputeFlowEfficiency(nil), err
	}
	var samples []FlowSample
	for _, c := range cycles {
		if c.CycleStartedAt == nil {
			continue
		}
		samples = append(samples, FlowSample{FlowEfficiencyPct: c.FlowEfficiencyPct, StageDays: c.StageDurations.Data()})
	}
	return ComputeFlowEfficiency(samples), nil
}

// DORA computes the four DORA metrics for deployments in the window.
func (e *Engine) DORA(ctx context.Context, scope Scope, windowDays int) (DORAResult, error) {
	since := e.since(windowDays)
	tx := e.db.WithContext(ctx)

	var records []db.DeploymentRecord
	if err := e.scoped(tx, "tech_stream_id", scope).Where("deployed_at >= ?", since).Find(&records).Error; err != nil {
		return DORAResult{WindowDays: windowDays}, fmt.Errorf("load deployments: %w", err)
	}

	var repos []db.Repository
	if err := tx.Find(&repos).Error; err != nil {
		return DORAResult{WindowDays: windowDays}, fmt.Errorf("load repositories: %w", err)
	}
	deployable := make(map[uint]bool, len(repos))
	for _, r := range repos {
		deployable[r.ID] = r.IsDeployable
	}

	deploys := make([]Deployment, 0, len(records))
	for _, r := range records {
		deploys = append(deploys, Deployment{
			DeployedAt:     r.DeployedAt,
			Environment:    r.Environment,
			TriggerType:    r.TriggerType,
			Deployable:     deployable[r.RepoID],
			CausedIncident: r.CausedIncident,
			LeadTimeHours:  r.LeadTimeHours,
		})
	}

	var resolved []db.IncidentEvent
	itx := e.scoped(tx, "tech_stream_id", scope)
	if err := itx.Where("event_kind = ? AND event_timestamp >= ?", db.IncidentResolved, since).Find(&resolved).Error; err != nil {
		return DORAResult{WindowDays: windowDays}, fmt.Errorf("load incidents: %w", err)
	}
	restores := make([]Restore, 0, len(resolved))
	for _, r := range resolved {
		restores = append(restores, Restore{ResolvedAt: r.EventTimestamp, TimeToRestoreMinutes: r.TimeToRestoreMinutes})
	}

	return ComputeDORA(deploys, restores, windowDays), nil
}

// DefectEscape classifies defects with any activity in the window, using
// each defect's full classification history.
func (e *Engine) DefectEscape(ctx context.Context, scope Scope, windowDays int) (DefectEscapeResult, error) {
	tx := e.db.WithContext(ctx)
	recent := e.scoped(tx.Model(&db.DefectEvent{}), "delivery_stream_id", scope).
		Select("ticket_id").
		Where("event_timestamp >= ?", e.since(windowDays))

	var events []db.DefectEvent
	if err := tx.Where("ticket_id IN (?)", recent).Order("event_timestamp, id").Find(&events).Error; err != nil {
		return ComputeDefectEscape(nil), fmt.Errorf("load defect events: %w", err)
	}

	classes := make([]DefectClassification, 0, len(events))
	for _, ev := range events {
		classes = append(classes, DefectClassification{
			TicketID:          ev.TicketID,
			At:                ev.EventTimestamp,
			FoundInStage:      ev.FoundInStage,
			IntroducedInStage: ev.IntroducedInStage,
		})
	}
	return ComputeDefectEscape(classes), nil
}

// PRReviewHealth aggregates PRs opened in the window and every review
// submitted in it.
func (e *Engine) PRReviewHealth(ctx context.Context, scope Scope, windowDays int, st settings.Settings) (PRReviewResult, error) {
	since := e.since(windowDays)
	tx := e.db.WithContext(ctx)

	var cycles []db.PrCycle
	if err := e.scoped(tx, "tech_stream_id", scope).Where("opened_at >= ?", since).Find(&cycles).Error; err != nil {
		return PRReviewResult{}, fmt.Errorf("load pr cycles: %w", err)
	}
	samples := make([]PRSample, 0, len(cycles))
	for _, c := range cycles {
		samples = append(samples, PRSample{
			TimeToFirstReviewHours: c.TimeToFirstReviewHours,
			TimeToMergeHours:       c.TimeToMergeHours,
			ReviewRounds:           c.ReviewRounds,
			LinesChanged:           c.LinesChanged,
		})
	}

	var reviewers []string
	err := e.scoped(tx.Model(&db.PrEvent{}), "tech_stream_id", scope).
		Where("event_kind IN ? AND reviewer_hash IS NOT NULL AND event_timestamp >= ?",
			[]string{db.PrReviewSubmitted, db.PrApproved, db.PrChangesRequested}, since).
		Pluck("reviewer_hash", &reviewers).Error
	if err != nil {
		return PRReviewResult{}, fmt.Errorf("load reviews: %w", err)
	}

	return ComputePRReviewHealth(samples, reviewers, st.ReviewerMinDistinct), nil
}

// SprintScope counts the tickets committed to a sprint and how many of
// them have completed.
func (e *Engine) SprintScope(ctx context.Context, sprintID uint) (committed, completed int, err error) {
	tx := e.db.WithContext(ctx)

	var all []string
	if err := tx.Model(&db.WorkItemEvent{}).Where("sprint_id = ?", sprintID).Distinct().Pluck("ticket_id", &all).Error; err != nil {
		return 0, 0, fmt.Errorf("load sprint tickets: %w", err)
	}
	if len(all) == 0 {
		return 0, 0, nil
	}
	var done []string
	err = tx.Model(&db.WorkItemEvent{}).
		Where("ticket_id IN ? AND event_kind = ?", all, db.WorkItemCompleted).
		Distinct().Pluck("ticket_id", &done).Error
	if err != nil {
		return 0, 0, fmt.Errorf("load sprint completions: %w", err)
	}
	return len(all), len(done), nil
}

// ActiveSprint returns the most recently started active sprint of a
// delivery stream, or nil.
func (e *Engine) ActiveSprint(ctx context.Context, deliveryStreamID uint) (*db.Sprint, error) {
	var sprints []db.Sprint
	err := e.db.WithContext(ctx).
		Where("delivery_stream_id = ? AND state = ?", deliveryStreamID, db.SprintActive).
		Order("start_date DESC, id DESC").Limit(1).Find(&sprints).Error
	if err != nil {
		return nil, fmt.Errorf("load active sprint: %w", err)
	}
	if len(sprints) == 0 {
		return nil, nil
	}
	return &sprints[0], nil
}

// WeeklyCompletions returns completed items per week for a delivery stream
// over the trailing weeks.
func (e *Engine) WeeklyCompletions(ctx context.Context, deliveryStreamID uint, weeks int) ([]float64, error) {
	now := e.Now().UTC()
	var completions []time.Time
	err := e.db.WithContext(ctx).Model(&db.WorkItemCycle{}).
		Where("delivery_stream_id = ? AND completed_at >= ?", deliveryStreamID, now.Add(-time.Duration(weeks)*week)).
		Pluck("completed_at", &completions).Error
	if err != nil {
		return nil, fmt.Errorf("load completions: %w", err)
	}
	return WeeklyThroughput(completions, now, weeks), nil
}

// SprintConfidence scores the active sprint of a delivery stream. The
// remaining scope comes from the latest sprint snapshot when one exists,
// otherwise it is counted live.
func (e *Engine) SprintConfidence(ctx context.Context, deliveryStreamID uint, st settings.Settings) (SprintConfidenceResult, error) {
	sprint, err := e.ActiveSprint(ctx, deliveryStreamID)
	if err != nil || sprint == nil {
		return ScoreSprint(SprintState{}, e.Confidence), err
	}

	state := SprintState{Active: true}
	var snaps []db.SprintSnapshot
	if err := e.db.WithContext(ctx).Where("sprint_id = ?", sprint.ID).Order("snapshot_date DESC").Limit(1).Find(&snaps).Error; err != nil {
		return ScoreSprint(SprintState{}, e.Confidence), fmt.Errorf("load sprint snapshot: %w", err)
	}
	if len(snaps) > 0 {
		state.Remaining = snaps[0].RemainingCount
	} else {
		committed, completed, err := e.SprintScope(ctx, sprint.ID)
		if err != nil {
			return ScoreSprint(SprintState{}, e.Confidence), err
		}
		state.Remaining = committed - completed
	}

	if sprint.EndDate != nil {
		state.WorkingDaysLeft = NewCalendar(st.Holidays).BusinessDaysBetween(e.Now(), *sprint.EndDate)
	}

	weekly, err := e.WeeklyCompletions(ctx, deliveryStreamID, ThroughputHistoryWeeks)
	if err != nil {
		return ScoreSprint(SprintState{}, e.Confidence), err
	}
	state.DailyThroughput = DailyRates(weekly)

	res := ScoreSprint(state, e.Confidence)
	res.SprintID = &sprint.ID
	return res, nil
}

// CrossStream correlates blocked events of the trailing fourteen days. With
// a scoped stream only that upstream stream is reported.
func (e *Engine) CrossStream(ctx context.Context, scope Scope, st settings.Settings) ([]CrossStreamResult, error) {
	var events []db.WorkItemEvent
	tx := e.scoped(e.db.WithContext(ctx), "tech_stream_id", scope)
	err := tx.Where("event_kind = ? AND tech_stream_id IS NOT NULL AND event_timestamp >= ?",
		db.WorkItemBlocked, e.since(CrossStreamWindowDays)).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("load blocked events: %w", err)
	}

	blocks := make([]BlockedEvent, 0, len(events))
	upstreams := map[uint]struct{}{}
	downstreams := map[uint]struct{}{}
	for _, ev := range events {
		blocks = append(blocks, BlockedEvent{UpstreamID: *ev.TechStreamID, DownstreamID: ev.DeliveryStreamID})
		upstreams[*ev.TechStreamID] = struct{}{}
		if ev.DeliveryStreamID != nil {
			downstreams[*ev.DeliveryStreamID] = struct{}{}
		}
	}
	if scope.StreamID != nil {
		upstreams[*scope.StreamID] = struct{}{}
	}

	confidence := map[uint]float64{}
	for id := range downstreams {
		sc, err := e.SprintConfidence(ctx, id, st)
		if err != nil {
			return nil, err
		}
		if !sc.InsufficientData {
			confidence[id] = sc.Confidence
		}
	}

	ids := make([]uint, 0, len(upstreams))
	for id := range upstreams {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]CrossStreamResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, CorrelateStream(id, blocks, confidence, st.Thresholds))
	}
	return out, nil
}

// MaterializeCrossStream stores today's correlation for every active tech
// stream, overwriting any earlier snapshot of the same day.
func (e *Engine) MaterializeCrossStream(ctx context.Context, st settings.Settings) ([]db.CrossStreamCorrelation, error) {
	var streams []db.TechStream
	if err := e.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&streams).Error; err != nil {
		return nil, fmt.Errorf("load tech streams: %w", err)
	}

	results, err := e.CrossStream(ctx, Scope{}, st)
	if err != nil {
		return nil, err
	}
	byStream := make(map[uint]CrossStreamResult, len(results))
	for _, r := range results {
		byStream[r.TechStreamID] = r
	}

	today := midnight(e.Now())
	out := make([]db.CrossStreamCorrelation, 0, len(streams))
	for _, s := range streams {
		r, ok := byStream[s.ID]
		if !ok {
			r = CorrelateStream(s.ID, nil, nil, st.Thresholds)
		}
		row := db.CrossStreamCorrelation{
			TechStreamID:      s.ID,
			SnapshotDate:      today,
			BlockCount:        r.BlockCount,
			ImpactedCount:     r.ImpactedCount,
			Confidence:        r.Confidence,
			Severity:          r.Severity,
			ImpactedStreamIDs: datatypes.NewJSONType(r.ImpactedStreamIDs),
		}
		if err := e.upsertCorrelation(ctx, &row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (e *Engine) upsertCorrelation(ctx context.Context, row *db.CrossStreamCorrelation) error {
	tx := e.db.WithContext(ctx)
	var existing db.CrossStreamCorrelation
	err := tx.Where("tech_stream_id = ? AND snapshot_date = ?", row.TechStreamID, row.SnapshotDate).Limit(1).Find(&existing).Error
	if err != nil {
		return fmt.Errorf("find correlation: %w", err)
	}
	row.ID = existing.ID
	if err := tx.Save(row).Error; err != nil {
		return fmt.Errorf("save correlation: %w", err)
	}
	return nil
}

// TrendPoint is one materialized daily value.
type TrendPoint struct {
	Date       time.Time `json:"date"`
	Percentile *int      `json:"percentile,omitempty"`
	Value      float64   `json:"value"`
	SampleSize int       `json:"sample_size"`
}

// Trend reads materialized values of one metric for one stream.
func (e *Engine) Trend(ctx context.Context, streamType string, streamID uint, metric string, windowDays int) ([]TrendPoint, error) {
	var rows []db.DailyStreamMetric
	err := e.db.WithContext(ctx).
		Where("stream_type = ? AND stream_id = ? AND metric_name = ? AND metric_date >= ?",
			streamType, streamID, metric, midnight(e.since(windowDays))).
		Order("metric_date, percentile_key").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load trend %s: %w", metric, err)
	}
	out := make([]TrendPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, TrendPoint{Date: r.MetricDate, Percentile: r.Percentile, Value: r.Value, SampleSize: r.SampleSize})
	}
	return out, nil
}
