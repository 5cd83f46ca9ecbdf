package db

import (
	"errors"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"deliveryinsight/internal/config"
)

// Models lists every table owned by this service, in migration order.
func Models() []any {
	return []any{
		&QueueItem{},
		&DeliveryStream{}, &TechStream{}, &Repository{},
		&StatusMapping{}, &SeverityThreshold{}, &PrioritySeverity{},
		&PlatformSetting{}, &Holiday{}, &Sprint{},
		&WorkItemEvent{}, &PrEvent{}, &CicdEvent{},
		&DeploymentRecord{}, &IncidentEvent{}, &DefectEvent{},
		&WorkItemCycle{}, &PrCycle{},
		&DailyStreamMetric{}, &ForecastSnapshot{},
		&CrossStreamCorrelation{}, &SprintSnapshot{},
		&APIKey{},
	}
}

// Connect opens a GORM database connection using APP_DATABASE_URL (PostgreSQL URL).
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table in Models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
