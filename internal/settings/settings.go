// Package settings turns persisted, externally administered configuration
// into an immutable Settings value. Computations receive a Settings
// explicitly; nothing in this module reads configuration from globals.
package settings

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"deliveryinsight/internal/db"
)

// Pipeline stages.
const (
	StageBacklog    = "backlog"
	StageReady      = "ready"
	StageBA         = "ba"
	StageDev        = "dev"
	StageCodeReview = "code_review"
	StageQA         = "qa"
	StageUAT        = "uat"
	StageDone       = "done"
	StageProduction = "production"
)

// DefaultReviewerMinDistinct is the reviewer count below which reviewer
// concentration figures are withheld.
const DefaultReviewerMinDistinct = 6

// StageInfo is the resolved stage of one issue-tracker status.
type StageInfo struct {
	Stage  string
	Active bool
}

// StageTable maps a lower-cased status name to its stage.
type StageTable map[string]StageInfo

// Lookup resolves a status name. Unmapped statuses report ok=false.
func (t StageTable) Lookup(status string) (StageInfo, bool) {
	info, ok := t[normalizeStatus(status)]
	return info, ok
}

// IsActive reports whether time spent in status counts as active work.
// Unmapped statuses fall back to the stage's default activity.
func (t StageTable) IsActive(status string, stage string) bool {
	if info, ok := t.Lookup(status); ok {
		return info.Active
	}
	return defaultStageActivity[stage]
}

// normalizeStatus case-folds a status name. Statuses are free text in the
// issue tracker and may be localized.
func normalizeStatus(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

var defaultStageActivity = map[string]bool{
	StageBA:         true,
	StageDev:        true,
	StageCodeReview: true,
	StageQA:         true,
	StageUAT:        true,
}

// DefaultStageTable is used for projects without persisted mappings.
func DefaultStageTable() StageTable {
	return StageTable{
		"backlog":                  {Stage: StageBacklog},
		"to do":                    {Stage: StageBacklog},
		"selected for development": {Stage: StageReady},
		"ready":                    {Stage: StageReady},
		"ready for dev":            {Stage: StageReady},
		"in analysis":              {Stage: StageBA, Active: true},
		"in progress":              {Stage: StageDev, Active: true},
		"in development":           {Stage: StageDev, Active: true},
		"code review":              {Stage: StageCodeReview, Active: true},
		"in review":                {Stage: StageCodeReview, Active: true},
		"ready for qa":             {Stage: StageQA},
		"in qa":                    {Stage: StageQA, Active: true},
		"testing":                  {Stage: StageQA, Active: true},
		"uat":                      {Stage: StageUAT, Active: true},
		"done":                     {Stage: StageDone},
		"closed":                   {Stage: StageDone},
		"resolved":                 {Stage: StageDone},
	}
}

// Threshold is one row of the cross-stream severity table. A row matches
// when at least MinImpactedStreams are impacted and confidence is below
// MaxConfidence.
type Threshold struct {
	MinImpactedStreams int     `yaml:"min_impacted_streams"`
	MaxConfidence      float64 `yaml:"max_confidence"`
	Severity           string  `yaml:"severity"`
}

// Severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// DefaultThresholds is the built-in table used when none is persisted.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{MinImpactedStreams: 3, MaxConfidence: 60, Severity: SeverityCritical},
		{MinImpactedStreams: 3, MaxConfidence: 80, Severity: SeverityHigh},
		{MinImpactedStreams: 2, MaxConfidence: 60, Severity: SeverityHigh},
		{MinImpactedStreams: 2, MaxConfidence: 80, Severity: SeverityMedium},
		{MinImpactedStreams: 1, MaxConfidence: 60, Severity: SeverityMedium},
	}
}

// DefaultPrioritySeverity maps issue priorities to severities.
func DefaultPrioritySeverity() map[string]string {
	return map[string]string{
		"highest": SeverityCritical,
		"high":    SeverityHigh,
		"medium":  SeverityMedium,
		"low":     SeverityLow,
		"lowest":  SeverityLow,
	}
}

// Retention holds per-table retention windows in months.
type Retention struct {
	WorkItemEventsMonths    int
	WorkItemCyclesMonths    int
	SurveyResponsesMonths   int
	ForecastSnapshotsMonths int
}

// DefaultRetention returns the documented defaults.
func DefaultRetention() Retention {
	return Retention{
		WorkItemEventsMonths:    24,
		WorkItemCyclesMonths:    36,
		SurveyResponsesMonths:   12,
		ForecastSnapshotsMonths: 12,
	}
}

// Policy returns the windows of the tables this module owns. Survey
// responses are retained by the survey service.
func (r Retention) Policy() db.RetentionPolicy {
	return db.RetentionPolicy{
		WorkItemEventsMonths:    r.WorkItemEventsMonths,
		WorkItemCyclesMonths:    r.WorkItemCyclesMonths,
		ForecastSnapshotsMonths: r.ForecastSnapshotsMonths,
	}
}

// Settings is the full configuration snapshot handed to computations.
type Settings struct {
	// StageTables is keyed by upper-cased project key.
	StageTables map[string]StageTable

	Thresholds          []Threshold
	ReviewerMinDistinct int
	Retention           Retention
	Holidays            []time.Time

	// PrioritySeverity is keyed by lower-cased priority name.
	PrioritySeverity map[string]string
}

// Default returns settings with every built-in default applied.
func Default() Settings {
	return Settings{
		StageTables:         map[string]StageTable{},
		Thresholds:          DefaultThresholds(),
		ReviewerMinDistinct: DefaultReviewerMinDistinct,
		Retention:           DefaultRetention(),
		PrioritySeverity:    DefaultPrioritySeverity(),
	}
}

// StageTableFor returns the table for a project, or the built-in table
// when the project has no persisted mappings.
func (s Settings) StageTableFor(projectKey string) StageTable {
	if t, ok := s.StageTables[strings.ToUpper(projectKey)]; ok && len(t) > 0 {
		return t
	}
	return DefaultStageTable()
}

// SeverityForPriority maps a priority to a severity; unmapped returns nil.
func (s Settings) SeverityForPriority(priority string) *string {
	sev, ok := s.PrioritySeverity[strings.ToLower(strings.TrimSpace(priority))]
	if !ok {
		return nil
	}
	return &sev
}

// ProjectKey extracts the project key from a ticket key such as "PAY-123".
func ProjectKey(ticketID string) string {
	key, _, ok := strings.Cut(ticketID, "-")
	if !ok {
		return ""
	}
	return strings.ToUpper(key)
}
