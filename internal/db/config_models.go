package db

import (
	"time"
)

// DeliveryStream is a product team consuming work from tech streams.
// Issue-tracker tickets resolve to a delivery stream by project key.
type DeliveryStream struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Name           string `gorm:"size:128;not null;uniqueIndex"`
	JiraProjectKey string `gorm:"size:32;index"`
	JiraBoardID    *int64 `gorm:"index"`
	IsActive       bool   `gorm:"not null;default:true"`
}

// TechStream is an engineering team owning repositories. Source-control
// webhooks resolve to a tech stream by installation id.
type TechStream struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Name                 string `gorm:"size:128;not null;uniqueIndex"`
	GithubOrg            string `gorm:"size:128"`
	GithubInstallationID *int64 `gorm:"uniqueIndex"`

	// TicketRegex overrides the default ticket-reference pattern. An empty
	// or invalid value falls back to the default.
	TicketRegex string `gorm:"size:255"`

	IsActive bool `gorm:"not null;default:true"`
}

// Repository belongs to a tech stream. Non-deployable repositories are
// excluded from DORA metrics.
type Repository struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	TechStreamID uint   `gorm:"not null;index"`
	Org          string `gorm:"size:128;not null;uniqueIndex:idx_repositories_org_name,priority:1"`
	Name         string `gorm:"size:128;not null;uniqueIndex:idx_repositories_org_name,priority:2"`
	IsDeployable bool   `gorm:"not null;default:true"`
	IsActive     bool   `gorm:"not null;default:true"`
}

// StatusMapping maps one issue-tracker status of a project onto a
// pipeline stage, and flags whether time there counts as active work.
type StatusMapping struct {
	ID uint `gorm:"primaryKey"`

	JiraProjectKey string `gorm:"size:32;not null;uniqueIndex:idx_status_mappings_key,priority:1"`
	StatusName     string `gorm:"size:64;not null;uniqueIndex:idx_status_mappings_key,priority:2"`
	Stage          string `gorm:"size:32;not null"`
	IsActiveWork   bool   `gorm:"not null;default:false"`
}

// SeverityThreshold is one row of the ordered cross-stream severity table.
type SeverityThreshold struct {
	ID uint `gorm:"primaryKey"`

	Position           int     `gorm:"not null;uniqueIndex"`
	MinImpactedStreams int     `gorm:"not null"`
	MaxConfidence      float64 `gorm:"not null"`
	Severity           string  `gorm:"size:16;not null"`
}

// PrioritySeverity maps an issue priority name to a defect/incident severity.
type PrioritySeverity struct {
	ID uint `gorm:"primaryKey"`

	Priority string `gorm:"size:32;not null;uniqueIndex"`
	Severity string `gorm:"size:16;not null"`
}

// PlatformSetting is a free-form key/value setting (reviewer minimum,
// retention windows).
type PlatformSetting struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	Key   string `gorm:"size:128;not null;uniqueIndex"`
	Value string `gorm:"size:255;not null"`
}

// Holiday is a non-working date excluded from business-day calculations.
type Holiday struct {
	ID uint `gorm:"primaryKey"`

	Date time.Time `gorm:"not null;uniqueIndex"` // midnight UTC
	Name string    `gorm:"size:128"`
}

// Sprint states as reported by the issue tracker.
const (
	SprintFuture = "future"
	SprintActive = "active"
	SprintClosed = "closed"
)

// Sprint mirrors an issue-tracker sprint, upserted from sprint webhooks.
type Sprint struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	JiraSprintID     int64  `gorm:"not null;uniqueIndex"`
	DeliveryStreamID uint   `gorm:"not null;index"`
	Name             string `gorm:"size:128"`
	State            string `gorm:"size:16;not null"`
	StartDate        *time.Time
	EndDate          *time.Time
}
