package normalize

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"deliveryinsight/internal/db"
)

// insertOnce creates row unless a row with the same natural key exists.
// A duplicate is not an error.
func insertOnce(ctx context.Context, gdb *gorm.DB, row any) error {
	if err := gdb.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return fmt.Errorf("insert %T: %w", row, err)
	}
	return nil
}

// techStreamByInstallation resolves an installation id. nil means the
// stream is not onboarded.
func techStreamByInstallation(ctx context.Context, gdb *gorm.DB, installationID int64) (*db.TechStream, error) {
	var streams []db.TechStream
	err := gdb.WithContext(ctx).
		Where("github_installation_id = ? AND is_active = ?", installationID, true).
		Limit(1).Find(&streams).Error
	if err != nil {
		return nil, fmt.Errorf("resolve installation %d: %w", installationID, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return &streams[0], nil
}

func repositoryByName(ctx context.Context, gdb *gorm.DB, techStreamID uint, org, name string) (*db.Repository, error) {
	var repos []db.Repository
	err := gdb.WithContext(ctx).
		Where("tech_stream_id = ? AND LOWER(org) = ? AND LOWER(name) = ? AND is_active = ?",
			techStreamID, strings.ToLower(org), strings.ToLower(name), true).
		Limit(1).Find(&repos).Error
	if err != nil {
		return nil, fmt.Errorf("resolve repository %s/%s: %w", org, name, err)
	}
	if len(repos) == 0 {
		return nil, nil
	}
	return &repos[0], nil
}

func deliveryStreamByProject(ctx context.Context, gdb *gorm.DB, projectKey string) (*db.DeliveryStream, error) {
	var streams []db.DeliveryStream
	err := gdb.WithContext(ctx).
		Where("UPPER(jira_project_key) = ? AND is_active = ?", strings.ToUpper(projectKey), true).
		Limit(1).Find(&streams).Error
	if err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", projectKey, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return &streams[0], nil
}

func deliveryStreamByBoard(ctx context.Context, gdb *gorm.DB, boardID int64) (*db.DeliveryStream, error) {
	var streams []db.DeliveryStream
	err := gdb.WithContext(ctx).
		Where("jira_board_id = ? AND is_active = ?", boardID, true).
		Limit(1).Find(&streams).Error
	if err != nil {
		return nil, fmt.Errorf("resolve board %d: %w", boardID, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return &streams[0], nil
}

// techStreamByComponent matches issue components against tech stream names.
func techStreamByComponent(ctx context.Context, gdb *gorm.DB, components []string) (*uint, error) {
	if len(components) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(components))
	for _, c := range components {
		names = append(names, strings.ToLower(strings.TrimSpace(c)))
	}
	var streams []db.TechStream
	err := gdb.WithContext(ctx).
		Where("LOWER(name) IN ? AND is_active = ?", names, true).
		Order("id").Find(&streams).Error
	if err != nil {
		return nil, fmt.Errorf("resolve components: %w", err)
	}
	// Component order decides between several matching streams.
	for _, n := range names {
		for _, s := range streams {
			if strings.ToLower(s.Name) == n {
				id := s.ID
				return &id, nil
			}
		}
	}
	return nil, nil
}
