package cycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/settings"
)

// Service recomputes and stores cycles. Recomputation reads the complete
// history of the entity, so calling it again after any new event converges
// to the same row.
type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewService returns a Service over gdb.
func NewService(gdb *gorm.DB, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: gdb, log: log}
}

// RecomputeWorkItem derives the cycle of ticketID and upserts it. It
// returns nil without error while the ticket is not complete.
func (s *Service) RecomputeWorkItem(ctx context.Context, ticketID string, st settings.Settings) (*db.WorkItemCycle, error) {
	tx := s.db.WithContext(ctx)

	var events []db.WorkItemEvent
	if err := tx.Where("ticket_id = ?", ticketID).Order("event_timestamp, id").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load work item events %s: %w", ticketID, err)
	}

	wi, ok := DeriveWorkItem(events, st.StageTableFor(settings.ProjectKey(ticketID)))
	if !ok {
		return nil, nil
	}

	row := db.WorkItemCycle{
		TicketID:          ticketID,
		StartedAt:         wi.StartedAt,
		CycleStartedAt:    wi.CycleStartedAt,
		CompletedAt:       wi.CompletedAt,
		LeadTimeDays:      wi.LeadTimeDays,
		CycleTimeDays:     wi.CycleTimeDays,
		ActiveTimeDays:    wi.ActiveTimeDays,
		WaitTimeDays:      wi.WaitTimeDays,
		FlowEfficiencyPct: wi.FlowEfficiencyPct,
		StageDurations:    datatypes.NewJSONType(wi.StageDurations),
	}
	// Attributes come from the latest event that carries them.
	for _, e := range events {
		if e.DeliveryStreamID != nil {
			row.DeliveryStreamID = e.DeliveryStreamID
		}
		if e.TechStreamID != nil && e.EventKind != db.WorkItemBlocked && e.EventKind != db.WorkItemUnblocked {
			row.TechStreamID = e.TechStreamID
		}
		if e.SprintID != nil {
			row.SprintID = e.SprintID
		}
		if e.TicketType != "" {
			row.TicketType = e.TicketType
		}
		if e.StoryPoints != nil {
			row.StoryPoints = e.StoryPoints
		}
	}

	var existing db.WorkItemCycle
	if err := tx.Where("ticket_id = ?", ticketID).Limit(1).Find(&existing).Error; err != nil {
		return nil, fmt.Errorf("find work item cycle %s: %w", ticketID, err)
	}
	row.ID = existing.ID
	if err := tx.Save(&row).Error; err != nil {
		return nil, fmt.Errorf("save work item cycle %s: %w", ticketID, err)
	}

	s.log.Debug("work item cycle recomputed",
		zap.String("ticket_id", ticketID),
		zap.Float64("cycle_time_days", row.CycleTimeDays),
		zap.Float64("flow_efficiency_pct", row.FlowEfficiencyPct))
	return &row, nil
}

// RecomputePR derives the cycle of one pull request and upserts it.
func (s *Service) RecomputePR(ctx context.Context, repoID uint, number int, st settings.Settings) (*db.PrCycle, error) {
	tx := s.db.WithContext(ctx)

	var events []db.PrEvent
	if err := tx.Where("repo_id = ? AND pr_number = ?", repoID, number).Order("event_timestamp, id").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load pr events %d#%d: %w", repoID, number, err)
	}

	pr, ok := DerivePR(events, st.ReviewerMinDistinct)
	if !ok {
		return nil, nil
	}

	shares := pr.ReviewerShares
	if shares == nil {
		shares = map[string]float64{}
	}
	row := db.PrCycle{
		RepoID:                  repoID,
		PrNumber:                number,
		TechStreamID:            events[0].TechStreamID,
		TicketID:                pr.TicketID,
		AuthorHash:              pr.AuthorHash,
		OpenedAt:                pr.OpenedAt,
		FirstReviewAt:           pr.FirstReviewAt,
		MergedAt:                pr.MergedAt,
		ClosedAt:                pr.ClosedAt,
		TimeToFirstReviewHours:  pr.TimeToFirstReviewHours,
		TimeToMergeHours:        pr.TimeToMergeHours,
		ReviewRounds:            pr.ReviewRounds,
		ReviewCount:             pr.ReviewCount,
		ReviewerCount:           pr.ReviewerCount,
		ReviewerShares:          datatypes.NewJSONType(shares),
		ConcentrationSuppressed: pr.ConcentrationSuppressed,
		LinesChanged:            pr.LinesChanged,
	}

	var existing db.PrCycle
	if err := tx.Where("repo_id = ? AND pr_number = ?", repoID, number).Limit(1).Find(&existing).Error; err != nil {
		return nil, fmt.Errorf("find pr cycle %d#%d: %w", repoID, number, err)
	}
	row.ID = existing.ID
	if err := tx.Save(&row).Error; err != nil {
		return nil, fmt.Errorf("save pr cycle %d#%d: %w", repoID, number, err)
	}
	return &row, nil
}
