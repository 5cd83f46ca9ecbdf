package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"deliveryinsight/internal/cycle"
	"deliveryinsight/internal/db"
	"deliveryinsight/internal/settings"
)

// Jira webhook event names.
const (
	JiraIssueCreated  = "jira:issue_created"
	JiraIssueUpdated  = "jira:issue_updated"
	JiraSprintCreated = "sprint_created"
	JiraSprintStarted = "sprint_started"
	JiraSprintUpdated = "sprint_updated"
	JiraSprintClosed  = "sprint_closed"
)

// Label prefixes carrying defect classification.
const (
	labelFoundIn      = "found-in:"
	labelIntroducedIn = "introduced-in:"
)

const (
	ticketTypeBug      = "bug"
	ticketTypeIncident = "incident"
)

// jiraTime parses Jira's timestamp layout, which has no colon in the zone
// offset.
type jiraTime struct {
	time.Time
}

var jiraLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

func (t *jiraTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	for _, layout := range jiraLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized jira time %q", s)
}

type jiraNamed struct {
	Name string `json:"name"`
}

type jiraSprint struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	State         string    `json:"state"`
	StartDate     *jiraTime `json:"startDate"`
	EndDate       *jiraTime `json:"endDate"`
	OriginBoardID int64     `json:"originBoardId"`
}

type jiraFields struct {
	IssueType  jiraNamed   `json:"issuetype"`
	Priority   *jiraNamed  `json:"priority"`
	Status     jiraNamed   `json:"status"`
	Created    *jiraTime   `json:"created"`
	Labels     []string    `json:"labels"`
	Components []jiraNamed `json:"components"`
	Assignee   *struct {
		AccountID string `json:"accountId"`
	} `json:"assignee"`
	// Story points and sprints live in the standard Jira Cloud custom fields.
	StoryPoints *float64     `json:"customfield_10016"`
	Sprints     []jiraSprint `json:"customfield_10020"`
}

type jiraIssue struct {
	Key    string     `json:"key"`
	Fields jiraFields `json:"fields"`
}

type jiraChangeItem struct {
	Field      string `json:"field"`
	FromString string `json:"fromString"`
	ToString   string `json:"toString"`
}

type jiraEnvelope struct {
	WebhookEvent string `json:"webhookEvent"`
	// Timestamp is epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func (e jiraEnvelope) at() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// jiraEvent is implemented by every supported Jira event kind.
type jiraEvent interface {
	normalize(ctx context.Context, j *Jira, st settings.Settings) error
}

type issueCreatedEvent struct {
	jiraEnvelope
	Issue jiraIssue `json:"issue"`
}

type issueUpdatedEvent struct {
	jiraEnvelope
	Issue     jiraIssue `json:"issue"`
	Changelog *struct {
		Items []jiraChangeItem `json:"items"`
	} `json:"changelog"`
}

type sprintEvent struct {
	jiraEnvelope
	Sprint jiraSprint `json:"sprint"`
}

// JiraEventKind reads the webhookEvent name of a Jira payload.
func JiraEventKind(payload []byte) string {
	var env jiraEnvelope
	if json.Unmarshal(payload, &env) != nil {
		return ""
	}
	return env.WebhookEvent
}

func decodeJira(kind string, payload []byte) (jiraEvent, error) {
	var ev jiraEvent
	switch kind {
	case JiraIssueCreated:
		ev = &issueCreatedEvent{}
	case JiraIssueUpdated:
		ev = &issueUpdatedEvent{}
	case JiraSprintCreated, JiraSprintStarted, JiraSprintUpdated, JiraSprintClosed:
		ev = &sprintEvent{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
	}
	return ev, nil
}

// Jira normalizes issue-tracker webhooks.
type Jira struct {
	db         *gorm.DB
	log        *zap.Logger
	hasher     Hasher
	cycles     *cycle.Service
	correlator *Correlator
}

// NewJira returns a Jira normalizer.
func NewJira(gdb *gorm.DB, log *zap.Logger, hasher Hasher, cycles *cycle.Service, correlator *Correlator) *Jira {
	if log == nil {
		log = zap.NewNop()
	}
	return &Jira{db: gdb, log: log, hasher: hasher, cycles: cycles, correlator: correlator}
}

// Normalize turns one queued Jira webhook into canonical events. kind
// falls back to the payload's webhookEvent when empty.
func (j *Jira) Normalize(ctx context.Context, kind string, payload []byte, st settings.Settings) error {
	if kind == "" {
		kind = JiraEventKind(payload)
	}
	ev, err := decodeJira(kind, payload)
	if err != nil {
		return err
	}
	if ev == nil {
		j.log.Debug("jira event kind ignored", zap.String("event_kind", kind))
		return nil
	}
	return ev.normalize(ctx, j, st)
}

// issueContext is what every event of one issue shares.
type issueContext struct {
	ticketID   string
	stream     *db.DeliveryStream
	techStream *uint
	sprintID   *uint
	table      settings.StageTable
	ticketType string
	priority   string
}

func (j *Jira) resolveIssue(ctx context.Context, issue jiraIssue, st settings.Settings) (*issueContext, error) {
	if issue.Key == "" {
		return nil, fmt.Errorf("%w: issue key missing", ErrMalformedPayload)
	}
	project := settings.ProjectKey(issue.Key)
	stream, err := deliveryStreamByProject(ctx, j.db, project)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		j.log.Debug("unknown project skipped", zap.String("project", project))
		return nil, nil
	}

	components := make([]string, 0, len(issue.Fields.Components))
	for _, c := range issue.Fields.Components {
		components = append(components, c.Name)
	}
	tech, err := techStreamByComponent(ctx, j.db, components)
	if err != nil {
		return nil, err
	}

	ic := &issueContext{
		ticketID:   issue.Key,
		stream:     stream,
		techStream: tech,
		table:      st.StageTableFor(project),
		ticketType: strings.ToLower(issue.Fields.IssueType.Name),
	}
	if issue.Fields.Priority != nil {
		ic.priority = issue.Fields.Priority.Name
	}
	if n := len(issue.Fields.Sprints); n > 0 {
		sprint, err := j.upsertSprint(ctx, issue.Fields.Sprints[n-1], stream.ID, "")
		if err != nil {
			return nil, err
		}
		ic.sprintID = &sprint.ID
	}
	return ic, nil
}

func (j *Jira) workItemEvent(ic *issueContext, issue jiraIssue, kind string, at time.Time) db.WorkItemEvent {
	ev := db.WorkItemEvent{
		Source:           db.EventSourceJira,
		TicketID:         ic.ticketID,
		EventKind:        kind,
		EventTimestamp:   at,
		DeliveryStreamID: &ic.stream.ID,
		TechStreamID:     ic.techStream,
		SprintID:         ic.sprintID,
		TicketType:       ic.ticketType,
		Priority:         ic.priority,
		StoryPoints:      issue.Fields.StoryPoints,
	}
	if issue.Fields.Assignee != nil {
		ev.AssigneeHash = j.hasher.hashPtr(issue.Fields.Assignee.AccountID)
	}
	return ev
}

func stageOf(table settings.StageTable, status string) *string {
	info, ok := table.Lookup(status)
	if !ok {
		return nil
	}
	return &info.Stage
}

func (e *issueCreatedEvent) normalize(ctx context.Context, j *Jira, st settings.Settings) error {
	ic, err := j.resolveIssue(ctx, e.Issue, st)
	if err != nil || ic == nil {
		return err
	}
	at := e.at()
	if c := e.Issue.Fields.Created; c != nil && !c.IsZero() {
		at = c.Time
	}

	ev := j.workItemEvent(ic, e.Issue, db.WorkItemCreated, at)
	ev.ToStatus = e.Issue.Fields.Status.Name
	ev.ToStage = stageOf(ic.table, ev.ToStatus)
	if err := insertOnce(ctx, j.db, &ev); err != nil {
		return err
	}

	switch ic.ticketType {
	case ticketTypeBug:
		if err := j.recordDefect(ctx, ic, e.Issue, db.DefectLogged, at, st); err != nil {
			return err
		}
	case ticketTypeIncident:
		if err := j.openIncident(ctx, ic, at, st); err != nil {
			return err
		}
	}

	_, err = j.cycles.RecomputeWorkItem(ctx, ic.ticketID, st)
	return err
}

func (e *issueUpdatedEvent) normalize(ctx context.Context, j *Jira, st settings.Settings) error {
	if e.Changelog == nil || len(e.Changelog.Items) == 0 {
		return nil
	}
	if e.Timestamp == 0 {
		return fmt.Errorf("%w: timestamp missing", ErrMalformedPayload)
	}
	ic, err := j.resolveIssue(ctx, e.Issue, st)
	if err != nil || ic == nil {
		return err
	}
	at := e.at()

	recompute := false
	for _, item := range e.Changelog.Items {
		var rows []db.WorkItemEvent
		switch strings.ToLower(item.Field) {
		case "status":
			ev := j.workItemEvent(ic, e.Issue, db.WorkItemTransitioned, at)
			ev.FromStatus, ev.ToStatus = item.FromString, item.ToString
			ev.FromStage = stageOf(ic.table, item.FromString)
			ev.ToStage = stageOf(ic.table, item.ToString)
			rows = append(rows, ev)
			if ev.ToStage != nil && *ev.ToStage == settings.StageDone {
				done := j.workItemEvent(ic, e.Issue, db.WorkItemCompleted, at)
				done.ToStatus, done.ToStage = ev.ToStatus, ev.ToStage
				rows = append(rows, done)
			}
		case "flagged":
			kind := db.WorkItemBlocked
			if item.ToString == "" {
				kind = db.WorkItemUnblocked
			}
			rows = append(rows, j.workItemEvent(ic, e.Issue, kind, at))
		case "resolution":
			if item.ToString == "" {
				continue
			}
			done := j.workItemEvent(ic, e.Issue, db.WorkItemCompleted, at)
			done.ToStatus = e.Issue.Fields.Status.Name
			done.ToStage = stageOf(ic.table, done.ToStatus)
			rows = append(rows, done)
			if ic.ticketType == ticketTypeIncident {
				if err := j.resolveIncident(ctx, ic, e.Issue, at); err != nil {
					return err
				}
			}
		case "labels":
			if ic.ticketType == ticketTypeBug {
				if err := j.recordDefect(ctx, ic, e.Issue, db.DefectReclassified, at, st); err != nil {
					return err
				}
			}
		}

		for i := range rows {
			if err := insertOnce(ctx, j.db, &rows[i]); err != nil {
				return err
			}
			// Duplicates recompute too, so a retry finishes a failed chain.
			if rows[i].EventKind != db.WorkItemBlocked && rows[i].EventKind != db.WorkItemUnblocked {
				recompute = true
			}
		}
	}

	if recompute {
		if _, err := j.cycles.RecomputeWorkItem(ctx, ic.ticketID, st); err != nil {
			return err
		}
	}
	return nil
}

// defectStages reads found-in:/introduced-in: labels.
func defectStages(labels []string) (found, introduced *string) {
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if v, ok := strings.CutPrefix(l, labelFoundIn); ok && v != "" {
			found = &v
		}
		if v, ok := strings.CutPrefix(l, labelIntroducedIn); ok && v != "" {
			introduced = &v
		}
	}
	return found, introduced
}

func (j *Jira) recordDefect(ctx context.Context, ic *issueContext, issue jiraIssue, kind string, at time.Time, st settings.Settings) error {
	found, introduced := defectStages(issue.Fields.Labels)
	row := db.DefectEvent{
		TicketID:          ic.ticketID,
		EventKind:         kind,
		EventTimestamp:    at,
		DeliveryStreamID:  &ic.stream.ID,
		TechStreamID:      ic.techStream,
		FoundInStage:      found,
		IntroducedInStage: introduced,
		Severity:          st.SeverityForPriority(ic.priority),
	}
	return insertOnce(ctx, j.db, &row)
}

func (j *Jira) openIncident(ctx context.Context, ic *issueContext, at time.Time, st settings.Settings) error {
	row := db.IncidentEvent{
		IncidentID:     ic.ticketID,
		EventKind:      db.IncidentOpened,
		EventTimestamp: at,
		TechStreamID:   ic.techStream,
		Severity:       st.SeverityForPriority(ic.priority),
	}
	if err := insertOnce(ctx, j.db, &row); err != nil {
		return err
	}
	var stored db.IncidentEvent
	if err := j.db.WithContext(ctx).Where("incident_id = ? AND event_kind = ?", row.IncidentID, row.EventKind).
		Order("event_timestamp").First(&stored).Error; err != nil {
		return fmt.Errorf("reload incident: %w", err)
	}
	return j.correlator.OnIncident(ctx, &stored)
}

func (j *Jira) resolveIncident(ctx context.Context, ic *issueContext, issue jiraIssue, at time.Time) error {
	opened := time.Time{}
	var first []db.IncidentEvent
	err := j.db.WithContext(ctx).Where("incident_id = ? AND event_kind = ?", ic.ticketID, db.IncidentOpened).
		Order("event_timestamp").Limit(1).Find(&first).Error
	if err != nil {
		return fmt.Errorf("find incident opening %s: %w", ic.ticketID, err)
	}
	switch {
	case len(first) > 0:
		opened = first[0].EventTimestamp
	case issue.Fields.Created != nil:
		opened = issue.Fields.Created.Time
	}

	row := db.IncidentEvent{
		IncidentID:     ic.ticketID,
		EventKind:      db.IncidentResolved,
		EventTimestamp: at,
		TechStreamID:   ic.techStream,
	}
	if len(first) > 0 {
		row.Severity = first[0].Severity
		row.RelatedDeploymentID = first[0].RelatedDeploymentID
	}
	if !opened.IsZero() && at.After(opened) {
		minutes := at.Sub(opened).Minutes()
		row.TimeToRestoreMinutes = &minutes
	}
	return insertOnce(ctx, j.db, &row)
}

func (e *sprintEvent) normalize(ctx context.Context, j *Jira, _ settings.Settings) error {
	if e.Sprint.ID == 0 {
		return fmt.Errorf("%w: sprint id missing", ErrMalformedPayload)
	}
	stream, err := deliveryStreamByBoard(ctx, j.db, e.Sprint.OriginBoardID)
	if err != nil {
		return err
	}
	if stream == nil {
		j.log.Debug("unknown board skipped", zap.Int64("board_id", e.Sprint.OriginBoardID))
		return nil
	}

	state := ""
	switch e.WebhookEvent {
	case JiraSprintStarted:
		state = db.SprintActive
	case JiraSprintClosed:
		state = db.SprintClosed
	}
	_, err = j.upsertSprint(ctx, e.Sprint, stream.ID, state)
	return err
}

// upsertSprint records the latest known state of a sprint. A non-empty
// state overrides the payload's.
func (j *Jira) upsertSprint(ctx context.Context, s jiraSprint, deliveryStreamID uint, state string) (*db.Sprint, error) {
	if state == "" {
		state = strings.ToLower(s.State)
	}
	if state == "" {
		state = db.SprintFuture
	}

	attrs := map[string]any{
		"delivery_stream_id": deliveryStreamID,
		"name":               s.Name,
		"state":              state,
	}
	if s.StartDate != nil && !s.StartDate.IsZero() {
		attrs["start_date"] = s.StartDate.Time
	}
	if s.EndDate != nil && !s.EndDate.IsZero() {
		attrs["end_date"] = s.EndDate.Time
	}

	var sprint db.Sprint
	tx := j.db.WithContext(ctx)
	if err := tx.Where(db.Sprint{JiraSprintID: s.ID}).Attrs(attrs).FirstOrCreate(&sprint).Error; err != nil {
		return nil, fmt.Errorf("upsert sprint %d: %w", s.ID, err)
	}
	if err := tx.Model(&sprint).Updates(attrs).Error; err != nil {
		return nil, fmt.Errorf("update sprint %d: %w", s.ID, err)
	}
	return &sprint, nil
}
