package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliveryinsight/internal/config"
	"deliveryinsight/internal/db"
	"deliveryinsight/internal/normalize"
	"deliveryinsight/internal/queue"
	"deliveryinsight/internal/testutil"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "deliveryinsight", cmd.Use)

	for _, path := range [][]string{{"serve"}, {"drain"}, {"materialize"}, {"retention"}, {"apikey", "create"}, {"seed"}} {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}

	level := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, level)
	assert.Equal(t, "", level.DefValue)

	drain, _, err := cmd.Find([]string{"drain"})
	require.NoError(t, err)
	assert.NotNil(t, drain.Flags().Lookup("batch"))
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)

	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}

const pipelineSeed = `
delivery_streams:
  - name: Payments
    jira_project_key: PAY
tech_streams:
  - name: platform
    github_org: acme
    installation_id: 42
    repositories:
      - name: payments
`

func TestPipeline_EnqueueDrainMaterialize(t *testing.T) {
	gdb := testutil.NewDB(t)
	opts := &RootOptions{Config: &config.Config{MaterializeConcurrency: 2, MetricWindowDays: 30}}
	a := newApp(gdb, opts)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineSeed), 0o600))
	require.NoError(t, a.seed(ctx, path))

	opened := time.Now().UTC().Add(-30 * time.Hour).Truncate(time.Second)
	merged := opened.Add(24 * time.Hour)
	pr := func(action string, at time.Time) []byte {
		p := map[string]any{
			"action":       action,
			"installation": map[string]any{"id": 42},
			"repository":   map[string]any{"name": "payments", "owner": map[string]any{"login": "acme"}},
			"pull_request": map[string]any{
				"number":           7,
				"user":             map[string]any{"login": "alice"},
				"created_at":       opened,
				"updated_at":       at,
				"merged":           action == "closed",
				"merged_at":        merged,
				"merge_commit_sha": "abc123",
				"head":             map[string]any{"ref": "feature/PAY-7"},
				"additions":        3,
				"deletions":        1,
			},
		}
		if action != "closed" {
			delete(p["pull_request"].(map[string]any), "merged_at")
			delete(p["pull_request"].(map[string]any), "merge_commit_sha")
		}
		b, err := json.Marshal(p)
		require.NoError(t, err)
		return b
	}

	for _, body := range [][]byte{pr("opened", opened), pr("closed", merged)} {
		_, err := a.queue.Enqueue(ctx, db.EventSourceGitHub, body, queue.Meta{EventKind: normalize.GitHubPullRequest})
		require.NoError(t, err)
	}

	res, err := a.queue.Drain(ctx, 10, a.router)
	require.NoError(t, err)
	assert.Equal(t, queue.DrainResult{Selected: 2, Completed: 2}, res)

	var cycles []db.PrCycle
	require.NoError(t, gdb.Find(&cycles).Error)
	require.Len(t, cycles, 1)
	require.NotNil(t, cycles[0].TimeToMergeHours)
	assert.Equal(t, 24.0, *cycles[0].TimeToMergeHours)

	sum, err := a.job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.DeliveryStreams)
	assert.Equal(t, 1, sum.TechStreams)
	assert.Equal(t, 1, sum.Forecasts)

	var mergeRows int64
	require.NoError(t, gdb.Model(&db.DailyStreamMetric{}).Where("metric_name = ?", "pr_time_to_merge_hours").Count(&mergeRows).Error)
	assert.Equal(t, int64(3), mergeRows)

	policy, err := a.retentionPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24, policy.WorkItemEventsMonths)
}
