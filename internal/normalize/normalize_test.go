package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/queue"
	"deliveryinsight/internal/settings"
	"deliveryinsight/internal/testutil"
)

var t0 = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

type obj = map[string]any

type harness struct {
	db     *gorm.DB
	fx     testutil.Fixture
	router *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb := testutil.NewDB(t)
	fx := testutil.Seed(t, gdb)
	return &harness{
		db:     gdb,
		fx:     fx,
		router: NewRouter(gdb, nil, NewHasher("test-key"), settings.NewLoader(gdb)),
	}
}

func (h *harness) dispatch(t *testing.T, source, kind string, payload any) error {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	item := db.QueueItem{EventSource: source, Payload: body}
	if kind != "" {
		item.EventKind = &kind
	}
	return h.router.Dispatch(context.Background(), item)
}

func count[T any](t *testing.T, gdb *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	tx := gdb.Model(new(T))
	if query != "" {
		tx = tx.Where(query, args...)
	}
	require.NoError(t, tx.Count(&n).Error)
	return n
}

func ghRepo(installation int64) obj {
	return obj{
		"installation": obj{"id": installation},
		"repository":   obj{"name": "payments", "owner": obj{"login": "acme"}},
	}
}

func prPayload(action string, merged bool, at time.Time, sha string) obj {
	pr := obj{
		"number":        12,
		"title":         "Add refunds",
		"body":          "Implements PAY-99",
		"user":          obj{"login": "alice"},
		"created_at":    t0,
		"updated_at":    at,
		"merged":        merged,
		"head":          obj{"ref": "feature/PAY-12-refunds"},
		"additions":     10,
		"deletions":     5,
		"changed_files": 2,
	}
	if merged {
		pr["merged_at"] = at
		pr["merge_commit_sha"] = sha
	}
	p := ghRepo(42)
	p["action"] = action
	p["pull_request"] = pr
	return p
}

func reviewPayload(state, reviewer string, at time.Time) obj {
	p := prPayload("submitted", false, at, "")
	p["review"] = obj{"state": state, "user": obj{"login": reviewer}, "submitted_at": at}
	return p
}

func deployPayload(id int64, sha string, at time.Time, extra obj) obj {
	dep := obj{"id": id, "sha": sha, "environment": "production", "task": "deploy", "payload": obj{}}
	for k, v := range extra {
		dep[k] = v
	}
	p := ghRepo(42)
	p["action"] = "created"
	p["deployment_status"] = obj{"state": "success", "environment": "production", "created_at": at}
	p["deployment"] = dep
	return p
}

func jiraTS(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000-0700")
}

func issue(key, issueType, priority, status string, created time.Time, extra obj) obj {
	fields := obj{
		"issuetype": obj{"name": issueType},
		"priority":  obj{"name": priority},
		"status":    obj{"name": status},
		"created":   jiraTS(created),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return obj{"key": key, "fields": fields}
}

func issueCreated(iss obj, at time.Time) obj {
	return obj{"webhookEvent": JiraIssueCreated, "timestamp": at.UnixMilli(), "issue": iss}
}

func issueUpdated(iss obj, at time.Time, items ...obj) obj {
	return obj{"webhookEvent": JiraIssueUpdated, "timestamp": at.UnixMilli(), "issue": iss, "changelog": obj{"items": items}}
}

func statusChange(from, to string) obj {
	return obj{"field": "status", "fromString": from, "toString": to}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"action":"opened"}`)

	assert.NoError(t, VerifySignature(secret, Sign(secret, body), body))
	assert.ErrorIs(t, VerifySignature(secret, Sign(secret, body), []byte(`{"action":"closed"}`)), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature([]byte("other"), Sign(secret, body), body), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(secret, "", body), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(secret, "sha1=abcd", body), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(secret, "sha256=zz", body), ErrInvalidSignature)
}

func TestHasher(t *testing.T) {
	keyed := NewHasher("k")
	plain := NewHasher("")

	assert.Equal(t, keyed.Hash("Alice"), keyed.Hash("alice"))
	assert.NotEqual(t, keyed.Hash("alice"), plain.Hash("alice"))
	assert.NotEqual(t, keyed.Hash("alice"), NewHasher("k2").Hash("alice"))
	assert.Len(t, plain.Hash("alice"), 64)
	assert.NotContains(t, keyed.Hash("alice"), "alice")
	assert.Empty(t, keyed.Hash(" "))
}

func TestExtractTicketRef(t *testing.T) {
	re := TicketMatcher("")
	got := ExtractTicketRef(re, "feature/PAY-12-x", "OPS-1 title", "body PAY-3")
	require.NotNil(t, got)
	assert.Equal(t, "PAY-12", *got)

	got = ExtractTicketRef(re, "main", "Fix OPS-77", "")
	require.NotNil(t, got)
	assert.Equal(t, "OPS-77", *got)

	assert.Nil(t, ExtractTicketRef(re, "main", "no ticket", ""))

	assert.Same(t, defaultTicketRe, TicketMatcher("([unclosed"))

	custom := TicketMatcher(`#\d+`)
	got = ExtractTicketRef(custom, "fix-PAY-1", "closes #45", "")
	require.NotNil(t, got)
	assert.Equal(t, "#45", *got)
}

func TestGitHub_PullRequestLifecycle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, prPayload("opened", false, t0, "")))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequestReview, reviewPayload("APPROVED", "bob", t0.Add(time.Hour))))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequestReview, reviewPayload("commented", "alice", t0.Add(2*time.Hour))))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, prPayload("synchronize", false, t0.Add(3*time.Hour), "")))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, prPayload("closed", true, t0.Add(5*time.Hour), "abc123")))

	var events []db.PrEvent
	require.NoError(t, h.db.Order("event_timestamp").Find(&events).Error)
	require.Len(t, events, 3, "self review and synchronize are not recorded")
	assert.Equal(t, []string{db.PrOpened, db.PrApproved, db.PrMerged}, []string{events[0].EventKind, events[1].EventKind, events[2].EventKind})
	require.NotNil(t, events[0].TicketID)
	assert.Equal(t, "PAY-12", *events[0].TicketID)
	assert.NotEqual(t, "alice", events[0].AuthorHash)
	assert.Equal(t, NewHasher("test-key").Hash("alice"), events[0].AuthorHash)

	var cycles []db.PrCycle
	require.NoError(t, h.db.Find(&cycles).Error)
	require.Len(t, cycles, 1)
	require.NotNil(t, cycles[0].TimeToMergeHours)
	assert.Equal(t, 5.0, *cycles[0].TimeToMergeHours)
	require.NotNil(t, cycles[0].TimeToFirstReviewHours)
	assert.Equal(t, 1.0, *cycles[0].TimeToFirstReviewHours)
	assert.True(t, cycles[0].ConcentrationSuppressed)
}

func TestGitHub_UnresolvedEntitiesAreSkipped(t *testing.T) {
	h := newHarness(t)

	unknownInstall := prPayload("opened", false, t0, "")
	unknownInstall["installation"] = obj{"id": 999}
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, unknownInstall))

	unknownRepo := prPayload("opened", false, t0, "")
	unknownRepo["repository"] = obj{"name": "ghost", "owner": obj{"login": "acme"}}
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, unknownRepo))

	noInstall := prPayload("opened", false, t0, "")
	delete(noInstall, "installation")
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, noInstall))

	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, "star", obj{"action": "created"}))

	assert.Zero(t, count[db.PrEvent](t, h.db, ""))
}

func TestGitHub_WorkflowRun(t *testing.T) {
	h := newHarness(t)
	p := ghRepo(42)
	p["action"] = "completed"
	p["workflow_run"] = obj{
		"id": 77, "name": "ci", "conclusion": "success", "head_branch": "main", "head_sha": "abc",
		"run_started_at": t0, "updated_at": t0.Add(90 * time.Second),
	}

	for range 2 {
		require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubWorkflowRun, p))
	}

	var runs []db.CicdEvent
	require.NoError(t, h.db.Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, CicdWorkflowCompleted, runs[0].EventKind)
	require.NotNil(t, runs[0].DurationSeconds)
	assert.Equal(t, 90.0, *runs[0].DurationSeconds)
}

func TestGitHub_DeploymentAndIncidentCorrelation(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, prPayload("opened", false, t0, "")))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, prPayload("closed", true, t0.Add(5*time.Hour), "abc123")))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubDeploymentStatus, deployPayload(900, "abc123", t0.Add(6*time.Hour), nil)))

	var dep db.DeploymentRecord
	require.NoError(t, h.db.First(&dep).Error)
	assert.Equal(t, db.TriggerCode, dep.TriggerType)
	require.NotNil(t, dep.LeadTimeHours)
	assert.Equal(t, 6.0, *dep.LeadTimeHours)
	assert.False(t, dep.CausedIncident)

	opened := t0.Add(6*time.Hour + 30*time.Minute)
	inc := issue("PAY-500", "Incident", "Highest", "Open", opened, obj{"components": []obj{{"name": "platform"}}})
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueCreated(inc, opened)))

	require.NoError(t, h.db.First(&dep, dep.ID).Error)
	assert.True(t, dep.CausedIncident)
	require.NotNil(t, dep.IncidentID)
	assert.Equal(t, "PAY-500", *dep.IncidentID)

	var openedEv db.IncidentEvent
	require.NoError(t, h.db.Where("event_kind = ?", db.IncidentOpened).First(&openedEv).Error)
	require.NotNil(t, openedEv.Severity)
	assert.Equal(t, settings.SeverityCritical, *openedEv.Severity)
	require.NotNil(t, openedEv.RelatedDeploymentID)
	assert.Equal(t, dep.ID, *openedEv.RelatedDeploymentID)

	resolvedAt := opened.Add(2 * time.Hour)
	update := issueUpdated(inc, resolvedAt, obj{"field": "resolution", "fromString": "", "toString": "Fixed"})
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", update))

	var resolved db.IncidentEvent
	require.NoError(t, h.db.Where("event_kind = ?", db.IncidentResolved).First(&resolved).Error)
	require.NotNil(t, resolved.TimeToRestoreMinutes)
	assert.Equal(t, 120.0, *resolved.TimeToRestoreMinutes)
}

func TestGitHub_IncidentBeforeDeploymentIsLinkedByDeployment(t *testing.T) {
	h := newHarness(t)

	opened := t0.Add(20 * time.Minute)
	inc := issue("PAY-501", "Incident", "High", "Open", opened, obj{"components": []obj{{"name": "platform"}}})
	require.NoError(t, h.dispatch(t, db.EventSourceJira, JiraIssueCreated, issueCreated(inc, opened)))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubDeploymentStatus, deployPayload(901, "zzz", t0, nil)))

	var dep db.DeploymentRecord
	require.NoError(t, h.db.First(&dep).Error)
	assert.True(t, dep.CausedIncident)
	assert.Nil(t, dep.LeadTimeHours)
}

func TestGitHub_ConfigDeploymentsAndStaging(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubDeploymentStatus,
		deployPayload(1, "a", t0, obj{"task": "deploy:config"})))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubDeploymentStatus,
		deployPayload(2, "b", t0.Add(time.Hour), obj{"payload": `{"trigger":"config"}`})))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubDeploymentStatus,
		deployPayload(3, "c", t0.Add(2*time.Hour), nil)))

	staging := deployPayload(4, "d", t0.Add(3*time.Hour), nil)
	staging["deployment_status"] = obj{"state": "success", "environment": "staging", "created_at": t0.Add(3 * time.Hour)}
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubDeploymentStatus, staging))

	var deps []db.DeploymentRecord
	require.NoError(t, h.db.Order("external_id").Find(&deps).Error)
	require.Len(t, deps, 3)
	assert.Equal(t, db.TriggerConfig, deps[0].TriggerType)
	assert.Equal(t, db.TriggerConfig, deps[1].TriggerType)
	assert.Equal(t, db.TriggerCode, deps[2].TriggerType)
	assert.Equal(t, int64(1), count[db.CicdEvent](t, h.db, "environment = ?", "staging"))
}

func TestJira_WorkItemFlow(t *testing.T) {
	h := newHarness(t)
	day := func(n int) time.Time { return t0.AddDate(0, 0, n) }

	iss := issue("PAY-1", "Story", "Medium", "To Do", t0, obj{"customfield_10016": 3})
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueCreated(iss, t0)))
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueUpdated(iss, day(1), statusChange("To Do", "In Progress"))))
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueUpdated(iss, day(5), statusChange("In Progress", "Ready for QA"))))
	assert.Zero(t, count[db.WorkItemCycle](t, h.db, ""), "no cycle before completion")

	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueUpdated(iss, day(6), statusChange("Ready for QA", "Done"))))

	var cycles []db.WorkItemCycle
	require.NoError(t, h.db.Find(&cycles).Error)
	require.Len(t, cycles, 1)
	c := cycles[0]
	assert.Equal(t, 80.0, c.FlowEfficiencyPct)
	assert.Equal(t, 6.0, c.LeadTimeDays)
	require.NotNil(t, c.DeliveryStreamID)
	assert.Equal(t, h.fx.Delivery.ID, *c.DeliveryStreamID)
	require.NotNil(t, c.StoryPoints)
	assert.Equal(t, 3.0, *c.StoryPoints)

	var transitioned db.WorkItemEvent
	require.NoError(t, h.db.Where("event_kind = ? AND to_status = ?", db.WorkItemTransitioned, "In Progress").First(&transitioned).Error)
	require.NotNil(t, transitioned.ToStage)
	assert.Equal(t, settings.StageDev, *transitioned.ToStage)
	require.NotNil(t, transitioned.FromStage)
	assert.Equal(t, settings.StageBacklog, *transitioned.FromStage)
}

func TestJira_UnmappedStatusHasNullStage(t *testing.T) {
	h := newHarness(t)
	iss := issue("PAY-2", "Story", "Medium", "To Do", t0, nil)
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueUpdated(iss, t0, statusChange("To Do", "Limbo"))))

	var ev db.WorkItemEvent
	require.NoError(t, h.db.First(&ev).Error)
	assert.Nil(t, ev.ToStage)
}

func TestJira_BugEmitsDefect(t *testing.T) {
	h := newHarness(t)

	bug := issue("PAY-3", "Bug", "High", "To Do", t0, obj{"labels": []string{"found-in:uat", "introduced-in:dev"}})
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueCreated(bug, t0)))

	odd := issue("PAY-4", "Bug", "Blocker", "To Do", t0, nil)
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueCreated(odd, t0)))

	var logged db.DefectEvent
	require.NoError(t, h.db.Where("ticket_id = ?", "PAY-3").First(&logged).Error)
	assert.Equal(t, db.DefectLogged, logged.EventKind)
	require.NotNil(t, logged.Severity)
	assert.Equal(t, settings.SeverityHigh, *logged.Severity)
	require.NotNil(t, logged.FoundInStage)
	assert.Equal(t, settings.StageUAT, *logged.FoundInStage)
	require.NotNil(t, logged.IntroducedInStage)
	assert.Equal(t, settings.StageDev, *logged.IntroducedInStage)

	var unmapped db.DefectEvent
	require.NoError(t, h.db.Where("ticket_id = ?", "PAY-4").First(&unmapped).Error)
	assert.Nil(t, unmapped.Severity)

	reclassified := issue("PAY-3", "Bug", "High", "To Do", t0, obj{"labels": []string{"found-in:production"}})
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "",
		issueUpdated(reclassified, t0.Add(time.Hour), obj{"field": "labels", "fromString": "found-in:uat", "toString": "found-in:production"})))
	assert.Equal(t, int64(1), count[db.DefectEvent](t, h.db, "event_kind = ?", db.DefectReclassified))
}

func TestJira_FlaggedAttributesUpstream(t *testing.T) {
	h := newHarness(t)
	iss := issue("PAY-5", "Story", "Medium", "In Progress", t0, obj{"components": []obj{{"name": "Platform"}}})

	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueUpdated(iss, t0, obj{"field": "Flagged", "fromString": "", "toString": "Impediment"})))
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueUpdated(iss, t0.Add(time.Hour), obj{"field": "Flagged", "fromString": "Impediment", "toString": ""})))

	var blocked db.WorkItemEvent
	require.NoError(t, h.db.Where("event_kind = ?", db.WorkItemBlocked).First(&blocked).Error)
	require.NotNil(t, blocked.TechStreamID)
	assert.Equal(t, h.fx.Tech.ID, *blocked.TechStreamID)
	require.NotNil(t, blocked.DeliveryStreamID)
	assert.Equal(t, h.fx.Delivery.ID, *blocked.DeliveryStreamID)
	assert.Equal(t, int64(1), count[db.WorkItemEvent](t, h.db, "event_kind = ?", db.WorkItemUnblocked))
}

func TestJira_UnknownProjectIsSkipped(t *testing.T) {
	h := newHarness(t)
	iss := issue("ZZZ-1", "Story", "Medium", "To Do", t0, nil)
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", issueCreated(iss, t0)))
	assert.Zero(t, count[db.WorkItemEvent](t, h.db, ""))
}

func TestJira_SprintEvents(t *testing.T) {
	h := newHarness(t)
	sprint := func(event string, board int64) obj {
		return obj{
			"webhookEvent": event,
			"timestamp":    t0.UnixMilli(),
			"sprint": obj{
				"id": 55, "name": "Sprint 9", "state": "future", "originBoardId": board,
				"startDate": jiraTS(t0), "endDate": jiraTS(t0.AddDate(0, 0, 14)),
			},
		}
	}

	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", sprint(JiraSprintCreated, 7)))
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", sprint(JiraSprintStarted, 7)))
	require.NoError(t, h.dispatch(t, db.EventSourceJira, "", sprint(JiraSprintStarted, 8)))

	var sprints []db.Sprint
	require.NoError(t, h.db.Find(&sprints).Error)
	require.Len(t, sprints, 1)
	assert.Equal(t, db.SprintActive, sprints[0].State)
	assert.Equal(t, h.fx.Delivery.ID, sprints[0].DeliveryStreamID)
	require.NotNil(t, sprints[0].EndDate)
	assert.True(t, sprints[0].EndDate.Equal(t0.AddDate(0, 0, 14)))
}

func TestRouter_Errors(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.dispatch(t, "gitlab", "push", obj{}), ErrUnknownSource)
	assert.ErrorIs(t, h.dispatch(t, db.EventSourceGitHub, "", obj{}), ErrMalformedPayload)
	assert.ErrorIs(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, obj{"pull_request": "nope"}), ErrMalformedPayload)
	assert.ErrorIs(t, h.dispatch(t, db.EventSourceJira, JiraIssueCreated, obj{"issue": obj{"fields": obj{}}}), ErrMalformedPayload)
	assert.NoError(t, h.dispatch(t, db.EventSourceJira, "comment_created", obj{}))
}

func TestRedrainIsIdempotent(t *testing.T) {
	h := newHarness(t)
	q := queue.New(h.db, nil)
	ctx := context.Background()

	merged, err := json.Marshal(prPayload("closed", true, t0.Add(5*time.Hour), "abc123"))
	require.NoError(t, err)
	iss := issue("PAY-1", "Story", "Medium", "To Do", t0, nil)
	done, err := json.Marshal(issueUpdated(iss, t0.Add(48*time.Hour), statusChange("In Progress", "Done")))
	require.NoError(t, err)

	for range 2 {
		_, err := q.Enqueue(ctx, db.EventSourceGitHub, merged, queue.Meta{EventKind: GitHubPullRequest})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, db.EventSourceJira, done, queue.Meta{})
		require.NoError(t, err)

		res, err := q.Drain(ctx, 10, h.router)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Completed)
	}

	assert.Equal(t, int64(1), count[db.PrEvent](t, h.db, ""))
	assert.Equal(t, int64(1), count[db.PrCycle](t, h.db, ""))
	assert.Equal(t, int64(1), count[db.WorkItemEvent](t, h.db, "event_kind = ?", db.WorkItemTransitioned))
	assert.Equal(t, int64(1), count[db.WorkItemEvent](t, h.db, "event_kind = ?", db.WorkItemCompleted))
	assert.Equal(t, int64(1), count[db.WorkItemCycle](t, h.db, ""))
}

// failCreateOnce makes the first insert into table fail.
func failCreateOnce(t *testing.T, gdb *gorm.DB, table string) {
	t.Helper()
	failed := false
	err := gdb.Callback().Create().Before("gorm:create").Register("test:fail_once_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table == table && !failed {
			failed = true
			_ = tx.AddError(errors.New("connection reset by peer"))
		}
	})
	require.NoError(t, err)
}

func TestRetryCompletesFailedCycleWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("pull request", func(t *testing.T) {
		h := newHarness(t)
		q := queue.New(h.db, nil)
		for _, p := range []obj{prPayload("opened", false, t0, ""), prPayload("closed", true, t0.Add(5*time.Hour), "abc123")} {
			body, err := json.Marshal(p)
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, db.EventSourceGitHub, body, queue.Meta{EventKind: GitHubPullRequest})
			require.NoError(t, err)
		}
		failCreateOnce(t, h.db, "pr_cycles")

		res, err := q.Drain(ctx, 10, h.router)
		require.NoError(t, err)
		assert.Equal(t, queue.DrainResult{Selected: 2, Completed: 1, Retried: 1}, res)
		assert.Equal(t, int64(2), count[db.PrEvent](t, h.db, ""))
		assert.Zero(t, count[db.PrCycle](t, h.db, ""))

		res, err = q.Drain(ctx, 10, h.router)
		require.NoError(t, err)
		assert.Equal(t, queue.DrainResult{Selected: 1, Completed: 1}, res)

		var cycles []db.PrCycle
		require.NoError(t, h.db.Find(&cycles).Error)
		require.Len(t, cycles, 1)
		require.NotNil(t, cycles[0].TimeToMergeHours)
		assert.Equal(t, 5.0, *cycles[0].TimeToMergeHours)
	})

	t.Run("work item", func(t *testing.T) {
		h := newHarness(t)
		q := queue.New(h.db, nil)
		iss := issue("PAY-1", "Story", "Medium", "To Do", t0, nil)
		body, err := json.Marshal(issueUpdated(iss, t0.Add(48*time.Hour), statusChange("In Progress", "Done")))
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, db.EventSourceJira, body, queue.Meta{})
		require.NoError(t, err)
		failCreateOnce(t, h.db, "work_item_cycles")

		res, err := q.Drain(ctx, 10, h.router)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retried)
		assert.Equal(t, int64(2), count[db.WorkItemEvent](t, h.db, ""))
		assert.Zero(t, count[db.WorkItemCycle](t, h.db, ""))

		res, err = q.Drain(ctx, 10, h.router)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Completed)
		assert.Equal(t, int64(1), count[db.WorkItemCycle](t, h.db, ""))
	})
}

func TestGitHub_ReviewAfterMergeUpdatesCycle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, prPayload("opened", false, t0, "")))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, prPayload("closed", true, t0.Add(5*time.Hour), "abc123")))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequestReview, reviewPayload("changes_requested", "bob", t0.Add(time.Hour))))

	var cycle db.PrCycle
	require.NoError(t, h.db.First(&cycle).Error)
	require.NotNil(t, cycle.FirstReviewAt)
	assert.True(t, cycle.FirstReviewAt.Equal(t0.Add(time.Hour)))
	require.NotNil(t, cycle.TimeToFirstReviewHours)
	assert.Equal(t, 1.0, *cycle.TimeToFirstReviewHours)
	assert.Equal(t, 1, cycle.ReviewRounds)
	assert.Equal(t, 1, cycle.ReviewCount)
	assert.Equal(t, int64(1), count[db.PrCycle](t, h.db, ""))
}

func TestGitHub_OpenReviewDoesNotCreateCycle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequest, prPayload("opened", false, t0, "")))
	require.NoError(t, h.dispatch(t, db.EventSourceGitHub, GitHubPullRequestReview, reviewPayload("approved", "bob", t0.Add(time.Hour))))

	assert.Zero(t, count[db.PrCycle](t, h.db, ""))
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestCorrelation_IndependentOfArrivalOrder(t *testing.T) {
	opened := t0.Add(30 * time.Minute)
	inc := issue("PAY-600", "Incident", "High", "Open", opened, obj{"components": []obj{{"name": "platform"}}})

	type delivery struct {
		source, kind string
		payload      obj
	}
	deliveries := []delivery{
		{db.EventSourceGitHub, GitHubDeploymentStatus, deployPayload(1, "a", t0, nil)},
		{db.EventSourceGitHub, GitHubDeploymentStatus, deployPayload(2, "b", t0.Add(10*time.Minute), nil)},
		{db.EventSourceGitHub, GitHubDeploymentStatus, deployPayload(3, "c", t0.Add(20*time.Minute), obj{"task": "deploy:config"})},
		{db.EventSourceJira, JiraIssueCreated, issueCreated(inc, opened)},
	}

	for _, order := range permutations(len(deliveries)) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			h := newHarness(t)
			for _, i := range order {
				d := deliveries[i]
				require.NoError(t, h.dispatch(t, d.source, d.kind, d.payload))
			}

			var deps []db.DeploymentRecord
			require.NoError(t, h.db.Order("external_id").Find(&deps).Error)
			require.Len(t, deps, 3)
			assert.Equal(t, []bool{false, true, false},
				[]bool{deps[0].CausedIncident, deps[1].CausedIncident, deps[2].CausedIncident})
			require.NotNil(t, deps[1].IncidentID)
			assert.Equal(t, "PAY-600", *deps[1].IncidentID)
			assert.Nil(t, deps[0].IncidentID)

			var ev db.IncidentEvent
			require.NoError(t, h.db.Where("event_kind = ?", db.IncidentOpened).First(&ev).Error)
			require.NotNil(t, ev.RelatedDeploymentID)
			assert.Equal(t, deps[1].ID, *ev.RelatedDeploymentID)
		})
	}
}
