package db

import (
	"time"

	"gorm.io/datatypes"
)

// Stream types used in DailyStreamMetric rows.
const (
	StreamTypeDelivery = "delivery"
	StreamTypeTech     = "tech"
)

// NoPercentile is the PercentileKey of a metric row that carries no
// percentile. The unique index is built on PercentileKey so that two
// "no percentile" rows for the same key collide like any other value
// would, instead of relying on how the database compares NULLs.
const NoPercentile = -1

// PercentileKeyFor returns the unique-index discriminant for p.
func PercentileKeyFor(p *int) int {
	if p == nil {
		return NoPercentile
	}
	return *p
}

// DailyStreamMetric stores one materialized value per
// (date, stream, metric, percentile). Rows exist only for non-empty samples.
type DailyStreamMetric struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	MetricDate    time.Time `gorm:"not null;uniqueIndex:idx_daily_stream_metric_unique,priority:1"` // midnight UTC
	StreamType    string    `gorm:"size:16;not null;uniqueIndex:idx_daily_stream_metric_unique,priority:2"`
	StreamID      uint      `gorm:"not null;uniqueIndex:idx_daily_stream_metric_unique,priority:3"`
	MetricName    string    `gorm:"size:64;not null;uniqueIndex:idx_daily_stream_metric_unique,priority:4"`
	PercentileKey int       `gorm:"not null;uniqueIndex:idx_daily_stream_metric_unique,priority:5"`

	Percentile *int
	Value      float64 `gorm:"not null"`
	SampleSize int     `gorm:"not null"`
}

// ForecastSnapshot is the Monte Carlo outcome for one delivery stream on one day.
type ForecastSnapshot struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	DeliveryStreamID uint      `gorm:"not null;uniqueIndex:idx_forecast_snapshots_key,priority:1"`
	ForecastDate     time.Time `gorm:"not null;uniqueIndex:idx_forecast_snapshots_key,priority:2"`

	RemainingScope        int  `gorm:"not null"`
	SampleSize            int  `gorm:"not null"`
	IsLowConfidence       bool `gorm:"not null"`
	LinearProjectionWeeks *float64
	SimulationRuns        int `gorm:"not null"`

	P50Date *time.Time
	P70Date *time.Time
	P85Date *time.Time
	P95Date *time.Time

	// Histogram maps rounded week offset to simulation count.
	Histogram datatypes.JSONType[map[int]int]
}

// CrossStreamCorrelation summarizes how much one upstream tech stream
// blocked downstream delivery streams over the trailing window.
type CrossStreamCorrelation struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	TechStreamID uint      `gorm:"not null;uniqueIndex:idx_cross_stream_key,priority:1"`
	SnapshotDate time.Time `gorm:"not null;uniqueIndex:idx_cross_stream_key,priority:2"`

	BlockCount    int     `gorm:"not null"`
	ImpactedCount int     `gorm:"not null"`
	Confidence    float64 `gorm:"not null"`
	Severity      string  `gorm:"size:16;not null"`

	ImpactedStreamIDs datatypes.JSONType[[]uint]
}

// SprintSnapshot captures sprint scope on one day.
type SprintSnapshot struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	SprintID     uint      `gorm:"not null;uniqueIndex:idx_sprint_snapshots_key,priority:1"`
	SnapshotDate time.Time `gorm:"not null;uniqueIndex:idx_sprint_snapshots_key,priority:2"`

	DeliveryStreamID uint    `gorm:"not null;index"`
	CommittedCount   int     `gorm:"not null"`
	CompletedCount   int     `gorm:"not null"`
	RemainingCount   int     `gorm:"not null"`
	WorkingDaysLeft  float64 `gorm:"not null"`
}
