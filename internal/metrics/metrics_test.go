package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/settings"
)

func ptr[T any](v T) *T { return &v }

func TestPercentile(t *testing.T) {
	values := []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}

	assert.InDelta(t, 5.5, Percentile(values, 50), 1e-9)
	assert.InDelta(t, 8.65, Percentile(values, 85), 1e-9)
	assert.InDelta(t, 9.55, Percentile(values, 95), 1e-9)
	assert.Equal(t, 1.0, Percentile(values, 0))
	assert.Equal(t, 10.0, Percentile(values, 100))
	assert.Equal(t, 10.0, values[0], "input must not be reordered")

	assert.Zero(t, Percentile(nil, 50))
	assert.Equal(t, 3.0, Percentile([]float64{3}, 95))
}

func TestDistribute(t *testing.T) {
	d := Distribute([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	assert.Equal(t, 10, d.SampleSize)
	assert.InDelta(t, 5.5, d.P50, 1e-9)
	assert.Equal(t, Distribution{}, Distribute(nil))
}

func TestComputeDORA(t *testing.T) {
	prod := func(failed bool, trigger string) Deployment {
		return Deployment{Environment: db.EnvironmentProduction, TriggerType: trigger, Deployable: true, CausedIncident: failed, LeadTimeHours: ptr(10.0)}
	}

	t.Run("change failure rate", func(t *testing.T) {
		deploys := []Deployment{prod(true, db.TriggerCode), prod(false, db.TriggerCode), prod(false, db.TriggerCode), prod(false, db.TriggerCode)}
		res := ComputeDORA(deploys, nil, 28)
		assert.Equal(t, 4, res.DeployCount)
		assert.Equal(t, 25.0, res.ChangeFailureRate)
		assert.Equal(t, 1.0, res.DeploysPerWeek)
	})

	t.Run("config deploys excluded from both sides", func(t *testing.T) {
		deploys := []Deployment{
			prod(true, db.TriggerCode), prod(false, db.TriggerCode), prod(false, db.TriggerCode), prod(false, db.TriggerCode),
			prod(true, db.TriggerConfig),
		}
		res := ComputeDORA(deploys, nil, 28)
		assert.Equal(t, 4, res.DeployCount)
		assert.Equal(t, 1, res.FailedDeploys)
		assert.Equal(t, 25.0, res.ChangeFailureRate)
	})

	t.Run("non-production and non-deployable excluded", func(t *testing.T) {
		staging := prod(false, db.TriggerCode)
		staging.Environment = "staging"
		docs := prod(true, db.TriggerCode)
		docs.Deployable = false
		res := ComputeDORA([]Deployment{staging, docs}, nil, 7)
		assert.Zero(t, res.DeployCount)
		assert.Zero(t, res.ChangeFailureRate)
		assert.Zero(t, res.LeadTimeSampleSize)
	})

	t.Run("restore times", func(t *testing.T) {
		restores := []Restore{{TimeToRestoreMinutes: ptr(60.0)}, {TimeToRestoreMinutes: ptr(180.0)}, {}}
		res := ComputeDORA(nil, restores, 7)
		assert.Equal(t, 2, res.RestoreSampleSize)
		assert.Equal(t, 2.0, res.TimeToRestoreMedianHours)
		assert.Equal(t, 2.0, res.TimeToRestoreMeanHours)
	})
}

func TestComputeFlowEfficiency_AbsentStagesDoNotCountAsZero(t *testing.T) {
	res := ComputeFlowEfficiency([]FlowSample{
		{FlowEfficiencyPct: 80, StageDays: map[string]float64{"dev": 4, "qa": 2}},
		{FlowEfficiencyPct: 40, StageDays: map[string]float64{"dev": 2}},
	})
	assert.Equal(t, 2, res.SampleSize)
	assert.Equal(t, 60.0, res.MeanFlowEfficiencyPct)
	assert.Equal(t, 3.0, res.MeanStageDays["dev"])
	assert.Equal(t, 2.0, res.MeanStageDays["qa"])
	assert.Equal(t, 1, res.StageSampleSize["qa"])
}

func TestFlowEfficiency(t *testing.T) {
	assert.Equal(t, 80.0, FlowEfficiency(4*24*time.Hour, 24*time.Hour))
	assert.Zero(t, FlowEfficiency(0, 0))
}

func TestCalendar(t *testing.T) {
	thu := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	wed := time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)

	t.Run("thursday to wednesday", func(t *testing.T) {
		assert.Equal(t, 4.0, NewCalendar(nil).BusinessDaysBetween(thu, wed))
	})
	t.Run("same instant", func(t *testing.T) {
		assert.Zero(t, NewCalendar(nil).BusinessDaysBetween(thu, thu))
	})
	t.Run("reversed range", func(t *testing.T) {
		assert.Zero(t, NewCalendar(nil).BusinessDaysBetween(wed, thu))
	})
	t.Run("weekday holiday subtracts one day", func(t *testing.T) {
		monday := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, 3.0, NewCalendar([]time.Time{monday}).BusinessDaysBetween(thu, wed))
	})
	t.Run("weekend holiday changes nothing", func(t *testing.T) {
		saturday := time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, 4.0, NewCalendar([]time.Time{saturday}).BusinessDaysBetween(thu, wed))
	})
	t.Run("partial days", func(t *testing.T) {
		start := thu.Add(18 * time.Hour)
		end := time.Date(2024, 5, 3, 6, 0, 0, 0, time.UTC)
		assert.Equal(t, 0.5, NewCalendar(nil).BusinessDaysBetween(start, end))
	})
}

func TestResolveSeverity(t *testing.T) {
	assert.Equal(t, settings.SeverityCritical, ResolveSeverity(nil, 3, 50, 5))
	assert.Equal(t, settings.SeverityHigh, ResolveSeverity(nil, 3, 70, 5))
	assert.Equal(t, settings.SeverityMedium, ResolveSeverity(nil, 2, 70, 2))
	assert.Equal(t, settings.SeverityLow, ResolveSeverity(nil, 1, 90, 1))
	assert.Equal(t, SeverityNone, ResolveSeverity(nil, 0, 0, 0))

	custom := []settings.Threshold{{MinImpactedStreams: 5, MaxConfidence: 60, Severity: settings.SeverityCritical}}
	assert.Equal(t, settings.SeverityLow, ResolveSeverity(custom, 3, 50, 5))

	custom = []settings.Threshold{{MinImpactedStreams: 3, MaxConfidence: 60, Severity: settings.SeverityMedium}}
	assert.Equal(t, settings.SeverityMedium, ResolveSeverity(custom, 3, 50, 5))
}

func TestCorrelateStream(t *testing.T) {
	d1, d2, d3 := uint(1), uint(2), uint(3)
	blocks := []BlockedEvent{
		{UpstreamID: 9, DownstreamID: &d2},
		{UpstreamID: 9, DownstreamID: &d1},
		{UpstreamID: 9, DownstreamID: &d2},
		{UpstreamID: 9, DownstreamID: &d3},
		{UpstreamID: 9},
		{UpstreamID: 4, DownstreamID: &d1},
	}

	res := CorrelateStream(9, blocks, map[uint]float64{1: 40, 2: 60}, nil)
	assert.Equal(t, 5, res.BlockCount)
	assert.Equal(t, []uint{1, 2, 3}, res.ImpactedStreamIDs)
	assert.Equal(t, 3, res.ImpactedCount)
	assert.Equal(t, 50.0, res.Confidence)
	assert.Equal(t, settings.SeverityCritical, res.Severity)

	none := CorrelateStream(9, blocks, nil, nil)
	assert.Zero(t, none.Confidence)
	assert.Equal(t, settings.SeverityCritical, none.Severity)

	idle := CorrelateStream(77, blocks, nil, nil)
	assert.Equal(t, SeverityNone, idle.Severity)
	assert.Empty(t, idle.ImpactedStreamIDs)
}

func TestComputeDefectEscape(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []DefectClassification{
		{TicketID: "PAY-1", At: at, FoundInStage: ptr("qa"), IntroducedInStage: ptr("dev")},
		{TicketID: "PAY-1", At: at.Add(time.Hour), FoundInStage: ptr("production"), IntroducedInStage: ptr("dev")},
		{TicketID: "PAY-2", At: at, FoundInStage: ptr("uat")},
		{TicketID: "PAY-3", At: at, FoundInStage: ptr("qa"), IntroducedInStage: ptr("ba")},
		{TicketID: "PAY-4", At: at},
	}

	res := ComputeDefectEscape(events)
	assert.Equal(t, 4, res.TotalDefects)
	assert.Equal(t, 2, res.Escaped)
	assert.Equal(t, 50.0, res.EscapeRatePct)
	assert.Equal(t, map[string]map[string]int{"dev": {"production": 1}, "ba": {"qa": 1}}, res.Attribution)
	assert.Equal(t, 2, res.Attributed)
	assert.Equal(t, 50.0, res.UnattributedPct)
	assert.Equal(t, 1, res.FoundByStage["qa"])

	empty := ComputeDefectEscape(nil)
	assert.Zero(t, empty.TotalDefects)
	assert.Zero(t, empty.EscapeRatePct)
}

func TestComputeDefectEscape_LatestClassificationWins(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []DefectClassification{
		{TicketID: "PAY-1", At: at.Add(time.Hour), IntroducedInStage: ptr("dev")},
		{TicketID: "PAY-1", At: at, FoundInStage: ptr("production"), IntroducedInStage: ptr("dev")},
	}

	res := ComputeDefectEscape(events)
	assert.Equal(t, 1, res.TotalDefects)
	assert.Zero(t, res.Escaped, "found-in label was removed")
	assert.Empty(t, res.FoundByStage)
	assert.Empty(t, res.Attribution)
	assert.Equal(t, 100.0, res.UnattributedPct)
}

func TestComputePRReviewHealth(t *testing.T) {
	samples := []PRSample{
		{TimeToFirstReviewHours: ptr(1.0), TimeToMergeHours: ptr(4.0), ReviewRounds: 1, LinesChanged: 100},
		{TimeToFirstReviewHours: ptr(3.0), ReviewRounds: 0, LinesChanged: 50},
	}

	suppressed := ComputePRReviewHealth(samples, []string{"a", "b", "a"}, 6)
	assert.Equal(t, 2, suppressed.SampleSize)
	assert.Equal(t, 2.0, suppressed.TimeToFirstReviewHours.P50)
	assert.Equal(t, 1, suppressed.TimeToMergeHours.SampleSize)
	assert.Equal(t, 0.5, suppressed.MeanReviewRounds)
	assert.True(t, suppressed.ConcentrationSuppressed)
	assert.Nil(t, suppressed.ReviewerShares)
	assert.Nil(t, suppressed.TopReviewerSharePct)

	open := ComputePRReviewHealth(samples, []string{"a", "b", "a", "c"}, 3)
	assert.False(t, open.ConcentrationSuppressed)
	require.NotNil(t, open.TopReviewerSharePct)
	assert.Equal(t, 50.0, *open.TopReviewerSharePct)
}

func TestScoreSprint(t *testing.T) {
	t.Run("no active sprint", func(t *testing.T) {
		res := ScoreSprint(SprintState{Remaining: 5, DailyThroughput: []float64{1}}, nil)
		assert.True(t, res.InsufficientData)
		assert.Zero(t, res.Confidence)
	})
	t.Run("no throughput", func(t *testing.T) {
		res := ScoreSprint(SprintState{Active: true, Remaining: 5, WorkingDaysLeft: 5}, nil)
		assert.True(t, res.InsufficientData)
		assert.Zero(t, res.Confidence)
	})
	t.Run("default score", func(t *testing.T) {
		res := ScoreSprint(SprintState{Active: true, Remaining: 10, WorkingDaysLeft: 4, DailyThroughput: []float64{1, 2}}, nil)
		assert.False(t, res.InsufficientData)
		assert.Equal(t, 60.0, res.Confidence)
	})
	t.Run("clamped", func(t *testing.T) {
		res := ScoreSprint(SprintState{Active: true, Remaining: 1, WorkingDaysLeft: 10, DailyThroughput: []float64{3}}, nil)
		assert.Equal(t, 100.0, res.Confidence)
	})
	t.Run("pluggable", func(t *testing.T) {
		res := ScoreSprint(SprintState{Active: true, Remaining: 1, DailyThroughput: []float64{1}}, func(SprintState) float64 { return 140 })
		assert.Equal(t, 100.0, res.Confidence)
	})
}

func TestWeeklyThroughput(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	completions := []time.Time{
		now.Add(-20 * 24 * time.Hour),
		now.Add(-2 * 24 * time.Hour),
		now.Add(-1 * 24 * time.Hour),
		now.Add(-400 * 24 * time.Hour),
	}

	weekly := WeeklyThroughput(completions, now, 8)
	assert.Equal(t, []float64{1, 0, 2}, weekly)
	assert.Nil(t, WeeklyThroughput(nil, now, 8))
	assert.Equal(t, []float64{0.2, 0, 0.4}, DailyRates(weekly))
}
