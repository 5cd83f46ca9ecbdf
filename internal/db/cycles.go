package db

import (
	"time"

	"gorm.io/datatypes"
)

// WorkItemCycle is the derived lifecycle of one ticket. One row per
// ticket; recomputation overwrites it in place.
type WorkItemCycle struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	TicketID string `gorm:"size:64;not null;uniqueIndex"`

	DeliveryStreamID *uint `gorm:"index"`
	TechStreamID     *uint `gorm:"index"`
	SprintID         *uint `gorm:"index"`
	TicketType       string
	StoryPoints      *float64

	StartedAt      time.Time `gorm:"not null"`
	CycleStartedAt *time.Time
	CompletedAt    time.Time `gorm:"not null;index"`

	LeadTimeDays      float64 `gorm:"not null"`
	CycleTimeDays     float64 `gorm:"not null"`
	ActiveTimeDays    float64 `gorm:"not null"`
	WaitTimeDays      float64 `gorm:"not null"`
	FlowEfficiencyPct float64 `gorm:"not null"`

	// StageDurations maps pipeline stage to days spent there.
	StageDurations datatypes.JSONType[map[string]float64]
}

// PrCycle is the derived lifecycle of one pull request, keyed by
// (repo, number). Reviewer shares are empty when ConcentrationSuppressed.
type PrCycle struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	RepoID   uint `gorm:"not null;uniqueIndex:idx_pr_cycles_key,priority:1"`
	PrNumber int  `gorm:"not null;uniqueIndex:idx_pr_cycles_key,priority:2"`

	TechStreamID uint    `gorm:"not null;index"`
	TicketID     *string `gorm:"size:64"`
	AuthorHash   string  `gorm:"size:64;not null"`

	OpenedAt      time.Time `gorm:"not null"`
	FirstReviewAt *time.Time
	MergedAt      *time.Time `gorm:"index"`
	ClosedAt      *time.Time

	TimeToFirstReviewHours *float64
	TimeToMergeHours       *float64

	ReviewRounds  int `gorm:"not null"`
	ReviewCount   int `gorm:"not null"`
	ReviewerCount int `gorm:"not null"`

	ReviewerShares          datatypes.JSONType[map[string]float64]
	ConcentrationSuppressed bool `gorm:"not null"`

	LinesChanged int
}
