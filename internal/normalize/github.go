package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"deliveryinsight/internal/cycle"
	"deliveryinsight/internal/db"
	"deliveryinsight/internal/settings"
)

// GitHub event kinds, as sent in the X-GitHub-Event header.
const (
	GitHubPullRequest       = "pull_request"
	GitHubPullRequestReview = "pull_request_review"
	GitHubWorkflowRun       = "workflow_run"
	GitHubDeploymentStatus  = "deployment_status"
)

// CI event kinds stored in CicdEvent.EventKind.
const (
	CicdWorkflowCompleted    = "workflow_run_completed"
	cicdDeploymentStatusKind = "deployment_status_"
)

type ghUser struct {
	Login string `json:"login"`
}

type ghEnvelope struct {
	Action       string `json:"action"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repository struct {
		Name  string `json:"name"`
		Owner ghUser `json:"owner"`
	} `json:"repository"`
}

func (e ghEnvelope) envelope() ghEnvelope { return e }

type ghPullRequest struct {
	Number         int        `json:"number"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	User           ghUser     `json:"user"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ClosedAt       *time.Time `json:"closed_at"`
	MergedAt       *time.Time `json:"merged_at"`
	Merged         bool       `json:"merged"`
	MergeCommitSHA *string    `json:"merge_commit_sha"`
	Head           struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	ChangedFiles int `json:"changed_files"`
}

// githubTarget is the resolved owner of an event.
type githubTarget struct {
	stream *db.TechStream
	repo   *db.Repository
}

// githubEvent is implemented by every supported GitHub event kind.
type githubEvent interface {
	envelope() ghEnvelope
	normalize(ctx context.Context, g *GitHub, t githubTarget, st settings.Settings) error
}

type pullRequestEvent struct {
	ghEnvelope
	PullRequest ghPullRequest `json:"pull_request"`
}

type pullRequestReviewEvent struct {
	ghEnvelope
	Review struct {
		State       string    `json:"state"`
		User        ghUser    `json:"user"`
		SubmittedAt time.Time `json:"submitted_at"`
	} `json:"review"`
	PullRequest ghPullRequest `json:"pull_request"`
}

type workflowRunEvent struct {
	ghEnvelope
	WorkflowRun struct {
		ID           int64      `json:"id"`
		Name         string     `json:"name"`
		Conclusion   string     `json:"conclusion"`
		HeadBranch   string     `json:"head_branch"`
		HeadSHA      string     `json:"head_sha"`
		RunStartedAt *time.Time `json:"run_started_at"`
		UpdatedAt    time.Time  `json:"updated_at"`
	} `json:"workflow_run"`
}

type deploymentStatusEvent struct {
	ghEnvelope
	DeploymentStatus struct {
		State       string    `json:"state"`
		Environment string    `json:"environment"`
		CreatedAt   time.Time `json:"created_at"`
	} `json:"deployment_status"`
	Deployment struct {
		ID          int64           `json:"id"`
		SHA         string          `json:"sha"`
		Environment string          `json:"environment"`
		Task        string          `json:"task"`
		Payload     json.RawMessage `json:"payload"`
	} `json:"deployment"`
}

// decodeGitHub decodes a payload into the type of its kind. Unsupported
// kinds decode to nil.
func decodeGitHub(kind string, payload []byte) (githubEvent, error) {
	var ev githubEvent
	switch kind {
	case GitHubPullRequest:
		ev = &pullRequestEvent{}
	case GitHubPullRequestReview:
		ev = &pullRequestReviewEvent{}
	case GitHubWorkflowRun:
		ev = &workflowRunEvent{}
	case GitHubDeploymentStatus:
		ev = &deploymentStatusEvent{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
	}
	return ev, nil
}

// GitHub normalizes source-control webhooks.
type GitHub struct {
	db         *gorm.DB
	log        *zap.Logger
	hasher     Hasher
	cycles     *cycle.Service
	correlator *Correlator
}

// NewGitHub returns a GitHub normalizer.
func NewGitHub(gdb *gorm.DB, log *zap.Logger, hasher Hasher, cycles *cycle.Service, correlator *Correlator) *GitHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &GitHub{db: gdb, log: log, hasher: hasher, cycles: cycles, correlator: correlator}
}

// Normalize turns one queued GitHub webhook into canonical events.
func (g *GitHub) Normalize(ctx context.Context, kind string, payload []byte, st settings.Settings) error {
	ev, err := decodeGitHub(kind, payload)
	if err != nil {
		return err
	}
	if ev == nil {
		g.log.Debug("github event kind ignored", zap.String("event_kind", kind))
		return nil
	}

	env := ev.envelope()
	if env.Installation == nil {
		g.log.Debug("github event without installation skipped", zap.String("event_kind", kind))
		return nil
	}
	stream, err := techStreamByInstallation(ctx, g.db, env.Installation.ID)
	if err != nil {
		return err
	}
	if stream == nil {
		g.log.Debug("unknown installation skipped", zap.Int64("installation_id", env.Installation.ID))
		return nil
	}
	repo, err := repositoryByName(ctx, g.db, stream.ID, env.Repository.Owner.Login, env.Repository.Name)
	if err != nil {
		return err
	}
	if repo == nil {
		g.log.Debug("unknown repository skipped",
			zap.String("org", env.Repository.Owner.Login),
			zap.String("repo", env.Repository.Name))
		return nil
	}

	return ev.normalize(ctx, g, githubTarget{stream: stream, repo: repo}, st)
}

func (g *GitHub) prEvent(t githubTarget, pr ghPullRequest, kind string, at time.Time) db.PrEvent {
	re := TicketMatcher(t.stream.TicketRegex)
	return db.PrEvent{
		RepoID:         t.repo.ID,
		PrNumber:       pr.Number,
		EventKind:      kind,
		EventTimestamp: at.UTC(),
		TechStreamID:   t.stream.ID,
		AuthorHash:     g.hasher.Hash(pr.User.Login),
		TicketID:       ExtractTicketRef(re, pr.Head.Ref, pr.Title, pr.Body),
		BranchName:     pr.Head.Ref,
		Additions:      pr.Additions,
		Deletions:      pr.Deletions,
		ChangedFiles:   pr.ChangedFiles,
	}
}

func (e *pullRequestEvent) normalize(ctx context.Context, g *GitHub, t githubTarget, st settings.Settings) error {
	pr := e.PullRequest

	var row db.PrEvent
	switch e.Action {
	case "opened":
		row = g.prEvent(t, pr, db.PrOpened, pr.CreatedAt)
	case "reopened":
		row = g.prEvent(t, pr, db.PrReopened, pr.UpdatedAt)
	case "closed":
		if pr.Merged && pr.MergedAt != nil {
			row = g.prEvent(t, pr, db.PrMerged, *pr.MergedAt)
			row.MergeCommitSha = pr.MergeCommitSHA
		} else {
			at := pr.UpdatedAt
			if pr.ClosedAt != nil {
				at = *pr.ClosedAt
			}
			row = g.prEvent(t, pr, db.PrClosed, at)
		}
	default:
		return nil
	}

	// A duplicate still recomputes: an earlier attempt may have stored the
	// event and then failed before the cycle was written.
	if err := insertOnce(ctx, g.db, &row); err != nil {
		return err
	}
	if row.EventKind == db.PrMerged || row.EventKind == db.PrClosed {
		if _, err := g.cycles.RecomputePR(ctx, t.repo.ID, pr.Number, st); err != nil {
			return err
		}
	}
	return nil
}

func (e *pullRequestReviewEvent) normalize(ctx context.Context, g *GitHub, t githubTarget, st settings.Settings) error {
	if e.Action != "submitted" {
		return nil
	}

	var kind string
	switch strings.ToLower(e.Review.State) {
	case "approved":
		kind = db.PrApproved
	case "changes_requested":
		kind = db.PrChangesRequested
	case "commented":
		kind = db.PrReviewSubmitted
	default:
		return nil
	}

	row := g.prEvent(t, e.PullRequest, kind, e.Review.SubmittedAt)
	row.ReviewerHash = g.hasher.hashPtr(e.Review.User.Login)
	if row.ReviewerHash == nil || *row.ReviewerHash == row.AuthorHash {
		return nil
	}
	if err := insertOnce(ctx, g.db, &row); err != nil {
		return err
	}

	// Reviews that arrive after the merge or close still count.
	finished, err := g.prFinished(ctx, t.repo.ID, e.PullRequest.Number)
	if err != nil || !finished {
		return err
	}
	_, err = g.cycles.RecomputePR(ctx, t.repo.ID, e.PullRequest.Number, st)
	return err
}

// prFinished reports whether a pull request has a merge or close event.
func (g *GitHub) prFinished(ctx context.Context, repoID uint, number int) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&db.PrEvent{}).
		Where("repo_id = ? AND pr_number = ? AND event_kind IN ?", repoID, number, []string{db.PrMerged, db.PrClosed}).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("find pr %d close: %w", number, err)
	}
	return n > 0, nil
}

func (e *workflowRunEvent) normalize(ctx context.Context, g *GitHub, t githubTarget, _ settings.Settings) error {
	if e.Action != "completed" {
		return nil
	}
	run := e.WorkflowRun
	row := db.CicdEvent{
		RepoID:         t.repo.ID,
		RunID:          run.ID,
		EventKind:      CicdWorkflowCompleted,
		EventTimestamp: run.UpdatedAt.UTC(),
		TechStreamID:   t.stream.ID,
		Name:           run.Name,
		Conclusion:     run.Conclusion,
		Branch:         run.HeadBranch,
		CommitSha:      run.HeadSHA,
	}
	if run.RunStartedAt != nil {
		secs := run.UpdatedAt.Sub(*run.RunStartedAt).Seconds()
		row.DurationSeconds = &secs
	}
	return insertOnce(ctx, g.db, &row)
}

func (e *deploymentStatusEvent) environment() string {
	env := e.DeploymentStatus.Environment
	if env == "" {
		env = e.Deployment.Environment
	}
	return strings.ToLower(env)
}

// triggerType reports config-only deployments, marked either by the
// deploy:config task or a "trigger":"config" deployment payload.
func (e *deploymentStatusEvent) triggerType() string {
	if e.Deployment.Task == "deploy:config" {
		return db.TriggerConfig
	}
	var payload struct {
		Trigger string `json:"trigger"`
	}
	raw := e.Deployment.Payload
	// GitHub sends the payload either as an object or as a JSON string.
	var s string
	if json.Unmarshal(raw, &s) == nil {
		raw = []byte(s)
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Trigger == db.TriggerConfig {
		return db.TriggerConfig
	}
	return db.TriggerCode
}

func (e *deploymentStatusEvent) normalize(ctx context.Context, g *GitHub, t githubTarget, _ settings.Settings) error {
	state := strings.ToLower(e.DeploymentStatus.State)
	env := e.environment()
	at := e.DeploymentStatus.CreatedAt.UTC()

	if state != "success" || env != db.EnvironmentProduction {
		row := db.CicdEvent{
			RepoID:         t.repo.ID,
			RunID:          e.Deployment.ID,
			EventKind:      cicdDeploymentStatusKind + state,
			EventTimestamp: at,
			TechStreamID:   t.stream.ID,
			Conclusion:     state,
			Environment:    env,
			CommitSha:      e.Deployment.SHA,
		}
		return insertOnce(ctx, g.db, &row)
	}

	dep := db.DeploymentRecord{
		RepoID:       t.repo.ID,
		ExternalID:   e.Deployment.ID,
		DeployedAt:   at,
		TechStreamID: t.stream.ID,
		Environment:  env,
		Status:       state,
		CommitSha:    e.Deployment.SHA,
		TriggerType:  e.triggerType(),
	}
	lead, err := g.leadTime(ctx, t.repo.ID, e.Deployment.SHA, at)
	if err != nil {
		return err
	}
	dep.LeadTimeHours = lead

	if err := insertOnce(ctx, g.db, &dep); err != nil {
		return err
	}
	// Reload the stored row: ON CONFLICT inserts do not always return the
	// id, and a retried delivery must correlate the row that exists.
	var stored db.DeploymentRecord
	if err := g.db.WithContext(ctx).Where("repo_id = ? AND external_id = ? AND deployed_at = ?",
		dep.RepoID, dep.ExternalID, dep.DeployedAt).First(&stored).Error; err != nil {
		return fmt.Errorf("reload deployment: %w", err)
	}
	return g.correlator.OnDeployment(ctx, &stored)
}

// leadTime measures from the opening of the PR whose merge produced sha.
func (g *GitHub) leadTime(ctx context.Context, repoID uint, sha string, deployedAt time.Time) (*float64, error) {
	if sha == "" {
		return nil, nil
	}
	tx := g.db.WithContext(ctx)

	var merged db.PrEvent
	err := tx.Where("repo_id = ? AND event_kind = ? AND merge_commit_sha = ?", repoID, db.PrMerged, sha).First(&merged).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find merged pr for %s: %w", sha, err)
	}

	var first db.PrEvent
	err = tx.Where("repo_id = ? AND pr_number = ?", repoID, merged.PrNumber).Order("event_timestamp").First(&first).Error
	if err != nil {
		return nil, fmt.Errorf("find pr %d opening: %w", merged.PrNumber, err)
	}
	h := deployedAt.Sub(first.EventTimestamp).Hours()
	return &h, nil
}
