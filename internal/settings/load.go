package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"deliveryinsight/internal/db"
)

// Platform setting keys.
const (
	KeyReviewerMinDistinct     = "reviewer_min_distinct"
	KeyRetentionWorkItemEvents = "retention.work_item_events_months"
	KeyRetentionWorkItemCycles = "retention.work_item_cycles_months"
	KeyRetentionSurveys        = "retention.survey_responses_months"
	KeyRetentionForecasts      = "retention.forecast_snapshots_months"
)

// Loader reads Settings from the database.
type Loader struct {
	db *gorm.DB
}

// NewLoader returns a loader over db.
func NewLoader(db *gorm.DB) *Loader {
	return &Loader{db: db}
}

// Load builds a Settings value from persisted configuration, falling back
// to the built-in default for anything not persisted.
func (l *Loader) Load(ctx context.Context) (Settings, error) {
	s := Default()
	tx := l.db.WithContext(ctx)

	var mappings []db.StatusMapping
	if err := tx.Find(&mappings).Error; err != nil {
		return s, fmt.Errorf("load status mappings: %w", err)
	}
	for _, m := range mappings {
		project := strings.ToUpper(m.JiraProjectKey)
		if s.StageTables[project] == nil {
			s.StageTables[project] = StageTable{}
		}
		s.StageTables[project][normalizeStatus(m.StatusName)] = StageInfo{Stage: m.Stage, Active: m.IsActiveWork}
	}

	var thresholds []db.SeverityThreshold
	if err := tx.Order("position").Find(&thresholds).Error; err != nil {
		return s, fmt.Errorf("load severity thresholds: %w", err)
	}
	if len(thresholds) > 0 {
		s.Thresholds = make([]Threshold, 0, len(thresholds))
		for _, t := range thresholds {
			s.Thresholds = append(s.Thresholds, Threshold{
				MinImpactedStreams: t.MinImpactedStreams,
				MaxConfidence:      t.MaxConfidence,
				Severity:           t.Severity,
			})
		}
	}

	var priorities []db.PrioritySeverity
	if err := tx.Find(&priorities).Error; err != nil {
		return s, fmt.Errorf("load priority severities: %w", err)
	}
	if len(priorities) > 0 {
		s.PrioritySeverity = make(map[string]string, len(priorities))
		for _, p := range priorities {
			s.PrioritySeverity[strings.ToLower(p.Priority)] = p.Severity
		}
	}

	var holidays []db.Holiday
	if err := tx.Order("date").Find(&holidays).Error; err != nil {
		return s, fmt.Errorf("load holidays: %w", err)
	}
	for _, h := range holidays {
		s.Holidays = append(s.Holidays, h.Date)
	}

	var platform []db.PlatformSetting
	if err := tx.Find(&platform).Error; err != nil {
		return s, fmt.Errorf("load platform settings: %w", err)
	}
	for _, p := range platform {
		n, err := strconv.Atoi(strings.TrimSpace(p.Value))
		if err != nil || n <= 0 {
			continue
		}
		switch p.Key {
		case KeyReviewerMinDistinct:
			s.ReviewerMinDistinct = n
		case KeyRetentionWorkItemEvents:
			s.Retention.WorkItemEventsMonths = n
		case KeyRetentionWorkItemCycles:
			s.Retention.WorkItemCyclesMonths = n
		case KeyRetentionSurveys:
			s.Retention.SurveyResponsesMonths = n
		case KeyRetentionForecasts:
			s.Retention.ForecastSnapshotsMonths = n
		}
	}

	return s, nil
}
