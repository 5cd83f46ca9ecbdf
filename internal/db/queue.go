package db

import (
	"time"

	"gorm.io/datatypes"
)

// Event sources accepted by the queue.
const (
	EventSourceGitHub = "github"
	EventSourceJira   = "jira"
)

// QueueStatus is the lifecycle state of a QueueItem. The only legal
// forward moves are pending -> completed and pending -> dead_lettered.
type QueueStatus string

const (
	QueueStatusPending      QueueStatus = "pending"
	QueueStatusCompleted    QueueStatus = "completed"
	QueueStatusDeadLettered QueueStatus = "dead_lettered"
)

// Terminal reports whether no further transition is possible from s.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusDeadLettered
}

// QueueItem is one raw webhook delivery waiting for normalization.
// Rows are written by the ingress handlers and mutated only by Drain.
type QueueItem struct {
	ID uint `gorm:"primaryKey"`

	EventSource string  `gorm:"size:32;not null"`
	EventKind   *string `gorm:"size:64"`
	Signature   *string `gorm:"size:128"`

	// DeliveryID is the provider delivery header when present, otherwise
	// a generated uuid. It is provenance only and never used for dedup.
	DeliveryID string `gorm:"size:64;index"`

	Payload datatypes.JSON `gorm:"not null"`

	Status       QueueStatus `gorm:"size:16;not null;index:idx_queue_items_status_enqueued,priority:1"`
	AttemptCount int         `gorm:"not null;default:0"`
	LastError    *string

	EnqueuedAt  time.Time `gorm:"not null;index:idx_queue_items_status_enqueued,priority:2"`
	ProcessedAt *time.Time
}
