package db

import (
	"time"
)

// Work item event kinds.
const (
	WorkItemCreated      = "created"
	WorkItemTransitioned = "transitioned"
	WorkItemBlocked      = "blocked"
	WorkItemUnblocked    = "unblocked"
	WorkItemCompleted    = "completed"
)

// Pull request event kinds.
const (
	PrOpened           = "opened"
	PrReopened         = "reopened"
	PrClosed           = "closed"
	PrMerged           = "merged"
	PrReviewSubmitted  = "review_submitted"
	PrApproved         = "approved"
	PrChangesRequested = "changes_requested"
)

// Incident and defect event kinds.
const (
	IncidentOpened   = "opened"
	IncidentResolved = "resolved"

	DefectLogged       = "logged"
	DefectReclassified = "reclassified"
)

// Deployment trigger types. Config-only deploys never count towards DORA.
const (
	TriggerCode   = "code"
	TriggerConfig = "config"
)

// EnvironmentProduction is the only environment DORA metrics consider.
const EnvironmentProduction = "production"

// WorkItemEvent is an immutable fact about an issue-tracker ticket.
// The natural key is (ticket, kind, exact timestamp); a second insert of
// the same key is dropped, never overwritten.
type WorkItemEvent struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	Source string `gorm:"size:16;not null"`

	TicketID       string    `gorm:"size:64;not null;uniqueIndex:idx_work_item_events_key,priority:1"`
	EventKind      string    `gorm:"size:32;not null;uniqueIndex:idx_work_item_events_key,priority:2"`
	EventTimestamp time.Time `gorm:"not null;uniqueIndex:idx_work_item_events_key,priority:3;index"`

	DeliveryStreamID *uint `gorm:"index"`
	// TechStreamID is the upstream team the ticket is attributed to (for
	// blocked events, the team doing the blocking).
	TechStreamID *uint `gorm:"index"`
	SprintID     *uint `gorm:"index"`

	TicketType string `gorm:"size:32"`
	Priority   string `gorm:"size:32"`

	FromStatus string  `gorm:"size:64"`
	ToStatus   string  `gorm:"size:64"`
	FromStage  *string `gorm:"size:32"`
	ToStage    *string `gorm:"size:32"`

	AssigneeHash *string `gorm:"size:64"`
	StoryPoints  *float64
}

// PrEvent is an immutable fact about a pull request.
type PrEvent struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	RepoID         uint      `gorm:"not null;uniqueIndex:idx_pr_events_key,priority:1"`
	PrNumber       int       `gorm:"not null;uniqueIndex:idx_pr_events_key,priority:2"`
	EventKind      string    `gorm:"size:32;not null;uniqueIndex:idx_pr_events_key,priority:3"`
	EventTimestamp time.Time `gorm:"not null;uniqueIndex:idx_pr_events_key,priority:4"`

	TechStreamID uint `gorm:"not null;index"`

	AuthorHash   string  `gorm:"size:64;not null"`
	ReviewerHash *string `gorm:"size:64"`
	TicketID     *string `gorm:"size:64;index"`
	BranchName   string  `gorm:"size:255"`

	Additions      int
	Deletions      int
	ChangedFiles   int
	MergeCommitSha *string `gorm:"size:64;index"`
}

// CicdEvent records a completed CI run or a non-production deployment status.
type CicdEvent struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	RepoID         uint      `gorm:"not null;uniqueIndex:idx_cicd_events_key,priority:1"`
	RunID          int64     `gorm:"not null;uniqueIndex:idx_cicd_events_key,priority:2"`
	EventKind      string    `gorm:"size:48;not null;uniqueIndex:idx_cicd_events_key,priority:3"`
	EventTimestamp time.Time `gorm:"not null;uniqueIndex:idx_cicd_events_key,priority:4"`

	TechStreamID uint `gorm:"not null;index"`

	Name            string `gorm:"size:255"`
	Conclusion      string `gorm:"size:32"`
	Environment     string `gorm:"size:64"`
	Branch          string `gorm:"size:255"`
	CommitSha       string `gorm:"size:64"`
	DurationSeconds *float64
}

// DeploymentRecord is a successful deployment. CausedIncident and
// IncidentID are the only columns ever updated after creation, by the
// deploy/incident correlator.
type DeploymentRecord struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	RepoID     uint      `gorm:"not null;uniqueIndex:idx_deployment_records_key,priority:1"`
	ExternalID int64     `gorm:"not null;uniqueIndex:idx_deployment_records_key,priority:2"`
	DeployedAt time.Time `gorm:"not null;uniqueIndex:idx_deployment_records_key,priority:3;index"`

	TechStreamID uint   `gorm:"not null;index"`
	Environment  string `gorm:"size:64;not null"`
	Status       string `gorm:"size:32;not null"`
	CommitSha    string `gorm:"size:64"`
	TriggerType  string `gorm:"size:16;not null;default:code"`

	LeadTimeHours  *float64
	CausedIncident bool    `gorm:"not null;default:false"`
	IncidentID     *string `gorm:"size:64"`
}

// IncidentEvent records an incident ticket opening or resolving.
type IncidentEvent struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	IncidentID     string    `gorm:"size:64;not null;uniqueIndex:idx_incident_events_key,priority:1"`
	EventKind      string    `gorm:"size:16;not null;uniqueIndex:idx_incident_events_key,priority:2"`
	EventTimestamp time.Time `gorm:"not null;uniqueIndex:idx_incident_events_key,priority:3;index"`

	TechStreamID *uint   `gorm:"index"`
	Severity     *string `gorm:"size:16"`

	TimeToRestoreMinutes *float64
	RelatedDeploymentID  *uint
}

// DefectEvent records a bug being logged or reclassified.
type DefectEvent struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	TicketID       string    `gorm:"size:64;not null;uniqueIndex:idx_defect_events_key,priority:1"`
	EventKind      string    `gorm:"size:16;not null;uniqueIndex:idx_defect_events_key,priority:2"`
	EventTimestamp time.Time `gorm:"not null;uniqueIndex:idx_defect_events_key,priority:3;index"`

	DeliveryStreamID *uint `gorm:"index"`
	TechStreamID     *uint `gorm:"index"`

	FoundInStage      *string `gorm:"size:32"`
	IntroducedInStage *string `gorm:"size:32"`
	Severity          *string `gorm:"size:16"`
}
