package settings

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"deliveryinsight/internal/db"
)

// SeedFile is the YAML layout accepted by ApplySeedFile. Every section is
// optional; rows are upserted by their natural key.
type SeedFile struct {
	DeliveryStreams []struct {
		Name           string `yaml:"name"`
		JiraProjectKey string `yaml:"jira_project_key"`
		JiraBoardID    *int64 `yaml:"jira_board_id"`
	} `yaml:"delivery_streams"`

	TechStreams []struct {
		Name           string `yaml:"name"`
		GithubOrg      string `yaml:"github_org"`
		InstallationID *int64 `yaml:"installation_id"`
		TicketRegex    string `yaml:"ticket_regex"`
		Repositories   []struct {
			Name       string `yaml:"name"`
			Deployable *bool  `yaml:"deployable"`
		} `yaml:"repositories"`
	} `yaml:"tech_streams"`

	StatusMappings map[string][]struct {
		Status string `yaml:"status"`
		Stage  string `yaml:"stage"`
		Active bool   `yaml:"active"`
	} `yaml:"status_mappings"`

	SeverityThresholds []Threshold `yaml:"severity_thresholds"`

	PrioritySeverity map[string]string `yaml:"priority_severity"`

	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
	} `yaml:"holidays"`

	Platform map[string]int `yaml:"platform"`
}

// ApplySeedFile parses path and upserts its contents.
func ApplySeedFile(ctx context.Context, gdb *gorm.DB, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse settings file: %w", err)
	}
	return gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return seed.apply(tx)
	})
}

func (s *SeedFile) apply(tx *gorm.DB) error {
	for _, ds := range s.DeliveryStreams {
		row := db.DeliveryStream{Name: ds.Name}
		if err := tx.Where(db.DeliveryStream{Name: ds.Name}).
			Assign(db.DeliveryStream{JiraProjectKey: strings.ToUpper(ds.JiraProjectKey), JiraBoardID: ds.JiraBoardID, IsActive: true}).
			FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("seed delivery stream %q: %w", ds.Name, err)
		}
	}

	for _, ts := range s.TechStreams {
		row := db.TechStream{Name: ts.Name}
		if err := tx.Where(db.TechStream{Name: ts.Name}).
			Assign(db.TechStream{GithubOrg: ts.GithubOrg, GithubInstallationID: ts.InstallationID, TicketRegex: ts.TicketRegex, IsActive: true}).
			FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("seed tech stream %q: %w", ts.Name, err)
		}
		for _, r := range ts.Repositories {
			deployable := true
			if r.Deployable != nil {
				deployable = *r.Deployable
			}
			repo := db.Repository{}
			if err := tx.Where(db.Repository{Org: ts.GithubOrg, Name: r.Name}).FirstOrCreate(&repo).Error; err != nil {
				return fmt.Errorf("seed repository %s/%s: %w", ts.GithubOrg, r.Name, err)
			}
			// Updates with a map so a false is written instead of the column default.
			if err := tx.Model(&repo).Updates(map[string]any{
				"tech_stream_id": row.ID,
				"is_deployable":  deployable,
				"is_active":      true,
			}).Error; err != nil {
				return fmt.Errorf("seed repository %s/%s: %w", ts.GithubOrg, r.Name, err)
			}
		}
	}

	for project, rows := range s.StatusMappings {
		for _, m := range rows {
			mapping := db.StatusMapping{}
			if err := tx.Where(db.StatusMapping{JiraProjectKey: strings.ToUpper(project), StatusName: m.Status}).
				Assign(map[string]any{"stage": m.Stage, "is_active_work": m.Active}).
				FirstOrCreate(&mapping).Error; err != nil {
				return fmt.Errorf("seed status mapping %s/%s: %w", project, m.Status, err)
			}
		}
	}

	if len(s.SeverityThresholds) > 0 {
		if err := tx.Where("1 = 1").Delete(&db.SeverityThreshold{}).Error; err != nil {
			return err
		}
		for i, t := range s.SeverityThresholds {
			row := db.SeverityThreshold{Position: i + 1, MinImpactedStreams: t.MinImpactedStreams, MaxConfidence: t.MaxConfidence, Severity: t.Severity}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("seed severity threshold %d: %w", i+1, err)
			}
		}
	}

	for priority, severity := range s.PrioritySeverity {
		row := db.PrioritySeverity{}
		if err := tx.Where(db.PrioritySeverity{Priority: priority}).
			Assign(db.PrioritySeverity{Severity: severity}).
			FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("seed priority %q: %w", priority, err)
		}
	}

	for _, h := range s.Holidays {
		date, err := time.Parse(time.DateOnly, h.Date)
		if err != nil {
			return fmt.Errorf("seed holiday %q: %w", h.Date, err)
		}
		row := db.Holiday{}
		if err := tx.Where(db.Holiday{Date: date.UTC()}).
			Assign(db.Holiday{Name: h.Name}).
			FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("seed holiday %q: %w", h.Date, err)
		}
	}

	for key, value := range s.Platform {
		row := db.PlatformSetting{}
		if err := tx.Where(db.PlatformSetting{Key: key}).
			Assign(db.PlatformSetting{Value: strconv.Itoa(value)}).
			FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("seed platform setting %q: %w", key, err)
		}
	}

	return nil
}
