// Package cycle derives work item and pull request lifecycles from their
// canonical event histories and stores the result as one row per entity.
package cycle

import (
	"slices"
	"time"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/metrics"
	"deliveryinsight/internal/settings"
)

// UnmappedStage collects time spent in statuses with no configured stage.
const UnmappedStage = "unmapped"

// WorkItem is a derived ticket lifecycle.
type WorkItem struct {
	StartedAt      time.Time
	CycleStartedAt *time.Time
	CompletedAt    time.Time

	LeadTimeDays      float64
	CycleTimeDays     float64
	ActiveTimeDays    float64
	WaitTimeDays      float64
	FlowEfficiencyPct float64

	StageDurations map[string]float64
}

// DeriveWorkItem computes the lifecycle of one ticket. ok is false while
// the ticket has no completion event. Events after the last completion are
// ignored. Stages are resolved through table so that a mapping change
// applies to history on the next recomputation.
func DeriveWorkItem(events []db.WorkItemEvent, table settings.StageTable) (WorkItem, bool) {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b db.WorkItemEvent) int {
		return a.EventTimestamp.Compare(b.EventTimestamp)
	})

	completion := -1
	for i, e := range sorted {
		if e.EventKind == db.WorkItemCompleted {
			completion = i
		}
	}
	if completion < 0 {
		return WorkItem{}, false
	}
	completedAt := sorted[completion].EventTimestamp

	var created *time.Time
	var transitions []db.WorkItemEvent
	for _, e := range sorted[:completion+1] {
		switch e.EventKind {
		case db.WorkItemCreated:
			if created == nil {
				ts := e.EventTimestamp
				created = &ts
			}
		case db.WorkItemTransitioned:
			transitions = append(transitions, e)
		}
	}

	started := completedAt
	switch {
	case created != nil:
		started = *created
	case len(transitions) > 0:
		started = transitions[0].EventTimestamp
	}

	wi := WorkItem{
		StartedAt:      started,
		CompletedAt:    completedAt,
		LeadTimeDays:   days(completedAt.Sub(started)),
		StageDurations: map[string]float64{},
	}

	first := slices.IndexFunc(transitions, func(e db.WorkItemEvent) bool {
		_, active := ResolveStage(e, table)
		return active
	})
	if first < 0 {
		return wi, true
	}
	cycleStart := transitions[first].EventTimestamp
	wi.CycleStartedAt = &cycleStart

	var active, wait time.Duration
	for i := first; i < len(transitions); i++ {
		from := transitions[i].EventTimestamp
		to := completedAt
		if i+1 < len(transitions) {
			to = transitions[i+1].EventTimestamp
		}
		elapsed := to.Sub(from)
		if elapsed <= 0 {
			continue
		}
		stage, isActive := ResolveStage(transitions[i], table)
		wi.StageDurations[stage] += days(elapsed)
		if isActive {
			active += elapsed
		} else {
			wait += elapsed
		}
	}

	wi.ActiveTimeDays = days(active)
	wi.WaitTimeDays = days(wait)
	wi.CycleTimeDays = days(active + wait)
	wi.FlowEfficiencyPct = metrics.FlowEfficiency(active, wait)
	return wi, true
}

// ResolveStage returns the stage a transition entered and whether time in
// it is active work.
func ResolveStage(e db.WorkItemEvent, table settings.StageTable) (string, bool) {
	if info, ok := table.Lookup(e.ToStatus); ok {
		return info.Stage, info.Active
	}
	if e.ToStage != nil && *e.ToStage != "" {
		return *e.ToStage, table.IsActive(e.ToStatus, *e.ToStage)
	}
	return UnmappedStage, false
}

// PullRequest is a derived PR lifecycle.
type PullRequest struct {
	AuthorHash string
	TicketID   *string

	OpenedAt      time.Time
	FirstReviewAt *time.Time
	MergedAt      *time.Time
	ClosedAt      *time.Time

	TimeToFirstReviewHours *float64
	TimeToMergeHours       *float64

	ReviewRounds  int
	ReviewCount   int
	ReviewerCount int

	ReviewerShares          map[string]float64
	ConcentrationSuppressed bool

	LinesChanged int
}

// DerivePR computes the lifecycle of one pull request. ok is false for an
// empty history.
func DerivePR(events []db.PrEvent, minReviewers int) (PullRequest, bool) {
	if len(events) == 0 {
		return PullRequest{}, false
	}
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b db.PrEvent) int {
		return a.EventTimestamp.Compare(b.EventTimestamp)
	})

	pr := PullRequest{
		AuthorHash: sorted[0].AuthorHash,
		OpenedAt:   sorted[0].EventTimestamp,
	}
	if i := slices.IndexFunc(sorted, func(e db.PrEvent) bool { return e.EventKind == db.PrOpened }); i >= 0 {
		pr.AuthorHash = sorted[i].AuthorHash
		pr.OpenedAt = sorted[i].EventTimestamp
	}

	var reviewers []string
	for _, e := range sorted {
		if pr.TicketID == nil && e.TicketID != nil {
			pr.TicketID = e.TicketID
		}
		if e.Additions+e.Deletions > 0 {
			pr.LinesChanged = e.Additions + e.Deletions
		}

		switch e.EventKind {
		case db.PrMerged:
			ts := e.EventTimestamp
			pr.MergedAt = &ts
		case db.PrClosed:
			ts := e.EventTimestamp
			pr.ClosedAt = &ts
		case db.PrReopened:
			pr.ClosedAt = nil
		case db.PrReviewSubmitted, db.PrApproved, db.PrChangesRequested:
			if e.ReviewerHash == nil {
				continue
			}
			if pr.FirstReviewAt == nil {
				ts := e.EventTimestamp
				pr.FirstReviewAt = &ts
			}
			if e.EventKind == db.PrChangesRequested {
				pr.ReviewRounds++
			}
			reviewers = append(reviewers, *e.ReviewerHash)
		}
	}

	if pr.FirstReviewAt != nil {
		h := hours(pr.FirstReviewAt.Sub(pr.OpenedAt))
		pr.TimeToFirstReviewHours = &h
	}
	if pr.MergedAt != nil {
		h := hours(pr.MergedAt.Sub(pr.OpenedAt))
		pr.TimeToMergeHours = &h
	}

	pr.ReviewCount = len(reviewers)
	pr.ReviewerShares, pr.ReviewerCount, pr.ConcentrationSuppressed = metrics.ReviewerConcentration(reviewers, minReviewers)
	return pr, true
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}

func hours(d time.Duration) float64 {
	return d.Hours()
}
