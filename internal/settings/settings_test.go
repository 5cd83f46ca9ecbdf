package settings_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/settings"
	"deliveryinsight/internal/testutil"
)

func TestLoad_DefaultsWhenNothingPersisted(t *testing.T) {
	gdb := testutil.NewDB(t)

	s, err := settings.NewLoader(gdb).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, settings.DefaultThresholds(), s.Thresholds)
	assert.Equal(t, 6, s.ReviewerMinDistinct)
	assert.Equal(t, settings.DefaultRetention(), s.Retention)

	info, ok := s.StageTableFor("PAY").Lookup("In Progress")
	require.True(t, ok)
	assert.Equal(t, settings.StageDev, info.Stage)
	assert.True(t, info.Active)
}

func TestLoad_PersistedOverrides(t *testing.T) {
	gdb := testutil.NewDB(t)
	require.NoError(t, gdb.Create(&db.StatusMapping{JiraProjectKey: "PAY", StatusName: "Doing", Stage: settings.StageDev, IsActiveWork: true}).Error)
	require.NoError(t, gdb.Create(&db.SeverityThreshold{Position: 1, MinImpactedStreams: 1, MaxConfidence: 100, Severity: "medium"}).Error)
	require.NoError(t, gdb.Create(&db.PlatformSetting{Key: settings.KeyReviewerMinDistinct, Value: "3"}).Error)
	require.NoError(t, gdb.Create(&db.PlatformSetting{Key: settings.KeyRetentionWorkItemEvents, Value: "6"}).Error)
	require.NoError(t, gdb.Create(&db.PrioritySeverity{Priority: "P1", Severity: "critical"}).Error)

	s, err := settings.NewLoader(gdb).Load(context.Background())
	require.NoError(t, err)

	table := s.StageTableFor("pay")
	info, ok := table.Lookup("doing")
	require.True(t, ok)
	assert.Equal(t, settings.StageDev, info.Stage)

	_, ok = table.Lookup("In Progress")
	assert.False(t, ok, "persisted table replaces the built-in one")

	assert.Equal(t, []settings.Threshold{{MinImpactedStreams: 1, MaxConfidence: 100, Severity: "medium"}}, s.Thresholds)
	assert.Equal(t, 3, s.ReviewerMinDistinct)
	assert.Equal(t, 6, s.Retention.WorkItemEventsMonths)
	assert.Equal(t, 36, s.Retention.WorkItemCyclesMonths)

	require.NotNil(t, s.SeverityForPriority("p1"))
	assert.Equal(t, "critical", *s.SeverityForPriority("p1"))
	assert.Nil(t, s.SeverityForPriority("High"), "unmapped priority yields no severity")
}

func TestStageTable_IsActiveFallsBackToStage(t *testing.T) {
	table := settings.StageTable{}
	assert.True(t, table.IsActive("Hacking", settings.StageDev))
	assert.False(t, table.IsActive("Parked", settings.StageReady))
}

func TestStageTable_LookupFoldsCase(t *testing.T) {
	table := settings.StageTable{"in prüfung": {Stage: settings.StageQA, Active: true}}

	info, ok := table.Lookup("  IN PRÜFUNG ")
	require.True(t, ok)
	assert.Equal(t, settings.StageQA, info.Stage)

	info, ok = settings.DefaultStageTable().Lookup("In Progress")
	require.True(t, ok)
	assert.Equal(t, settings.StageDev, info.Stage)
}

func TestProjectKey(t *testing.T) {
	assert.Equal(t, "PAY", settings.ProjectKey("pay-12"))
	assert.Equal(t, "", settings.ProjectKey("nodash"))
}

const seedYAML = `
delivery_streams:
  - name: Payments
    jira_project_key: pay
    jira_board_id: 7
tech_streams:
  - name: platform
    github_org: acme
    installation_id: 42
    ticket_regex: "PAY-[0-9]+"
    repositories:
      - name: payments
      - name: docs
        deployable: false
status_mappings:
  PAY:
    - status: Doing
      stage: dev
      active: true
severity_thresholds:
  - min_impacted_streams: 2
    max_confidence: 50
    severity: critical
holidays:
  - date: "2024-12-25"
    name: Christmas
platform:
  reviewer_min_distinct: 4
`

func TestApplySeedFile_IsIdempotent(t *testing.T) {
	gdb := testutil.NewDB(t)
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	ctx := context.Background()
	require.NoError(t, settings.ApplySeedFile(ctx, gdb, path))
	require.NoError(t, settings.ApplySeedFile(ctx, gdb, path))

	var repos []db.Repository
	require.NoError(t, gdb.Order("name").Find(&repos).Error)
	require.Len(t, repos, 2)
	assert.Equal(t, "docs", repos[0].Name)
	assert.False(t, repos[0].IsDeployable)
	assert.True(t, repos[1].IsDeployable)

	var streams int64
	require.NoError(t, gdb.Model(&db.DeliveryStream{}).Count(&streams).Error)
	assert.Equal(t, int64(1), streams)

	s, err := settings.NewLoader(gdb).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, s.ReviewerMinDistinct)
	assert.Len(t, s.Holidays, 1)
	assert.Equal(t, []settings.Threshold{{MinImpactedStreams: 2, MaxConfidence: 50, Severity: "critical"}}, s.Thresholds)
}

func TestSeedWatcher_ReappliesOnWrite(t *testing.T) {
	gdb := testutil.NewDB(t)
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	w, err := settings.NewSeedWatcher(gdb, nil, path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	updated := strings.Replace(seedYAML, "reviewer_min_distinct: 4", "reviewer_min_distinct: 2", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	loader := settings.NewLoader(gdb)
	require.Eventually(t, func() bool {
		s, err := loader.Load(ctx)
		return err == nil && s.ReviewerMinDistinct == 2
	}, 5*time.Second, 20*time.Millisecond)
}
