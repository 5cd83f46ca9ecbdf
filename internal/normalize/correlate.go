package normalize

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"deliveryinsight/internal/db"
)

// CorrelationWindow is how long after a production deploy an incident is
// attributed to it.
const CorrelationWindow = 60 * time.Minute

// Correlator links production deployments to the incidents they caused.
//
// Every incident is owned by at most one deployment: the latest counted
// code deployment of its tech stream in the window before it opened. The
// owner is recomputed whenever either side arrives, so the final links do
// not depend on delivery order and re-running either side changes nothing.
type Correlator struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewCorrelator returns a Correlator over gdb.
func NewCorrelator(gdb *gorm.DB, log *zap.Logger) *Correlator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Correlator{db: gdb, log: log}
}

// OnDeployment re-links incidents of the same tech stream opened within
// the window after dep.
func (c *Correlator) OnDeployment(ctx context.Context, dep *db.DeploymentRecord) error {
	var incidents []db.IncidentEvent
	err := c.db.WithContext(ctx).
		Where("tech_stream_id = ? AND event_kind = ? AND event_timestamp >= ? AND event_timestamp <= ?",
			dep.TechStreamID, db.IncidentOpened, dep.DeployedAt, dep.DeployedAt.Add(CorrelationWindow)).
		Order("event_timestamp, id").
		Find(&incidents).Error
	if err != nil {
		return fmt.Errorf("find incidents for deployment %d: %w", dep.ID, err)
	}
	for i := range incidents {
		if err := c.link(ctx, &incidents[i]); err != nil {
			return err
		}
	}
	return nil
}

// OnIncident links an opened incident to its owning deployment.
func (c *Correlator) OnIncident(ctx context.Context, inc *db.IncidentEvent) error {
	if inc.EventKind != db.IncidentOpened {
		return nil
	}
	return c.link(ctx, inc)
}

func (c *Correlator) link(ctx context.Context, inc *db.IncidentEvent) error {
	if inc.TechStreamID == nil {
		return nil
	}
	owner, err := c.owner(ctx, *inc.TechStreamID, inc.EventTimestamp)
	if err != nil {
		return fmt.Errorf("find deployment for incident %s: %w", inc.IncidentID, err)
	}

	var ownerID *uint
	if owner != nil {
		ownerID = &owner.ID
	}
	prev := inc.RelatedDeploymentID
	if prev != nil && ownerID != nil && *prev == *ownerID {
		return c.refresh(ctx, *ownerID)
	}
	if prev == nil && ownerID == nil {
		return nil
	}

	// Resolution rows carry the link too.
	err = c.db.WithContext(ctx).Model(&db.IncidentEvent{}).
		Where("incident_id = ?", inc.IncidentID).
		Update("related_deployment_id", ownerID).Error
	if err != nil {
		return fmt.Errorf("link incident %s: %w", inc.IncidentID, err)
	}
	inc.RelatedDeploymentID = ownerID

	if prev != nil {
		if err := c.refresh(ctx, *prev); err != nil {
			return err
		}
	}
	if ownerID != nil {
		if err := c.refresh(ctx, *ownerID); err != nil {
			return err
		}
		c.log.Info("deployment linked to incident",
			zap.Uint("deployment_id", *ownerID),
			zap.String("incident_id", inc.IncidentID))
	}
	return nil
}

// owner returns the latest production code deployment of a deployable
// repository within the window before openedAt, or nil.
func (c *Correlator) owner(ctx context.Context, techStreamID uint, openedAt time.Time) (*db.DeploymentRecord, error) {
	var deploys []db.DeploymentRecord
	err := c.db.WithContext(ctx).
		Where("tech_stream_id = ? AND environment = ? AND trigger_type = ? AND deployed_at >= ? AND deployed_at <= ?",
			techStreamID, db.EnvironmentProduction, db.TriggerCode, openedAt.Add(-CorrelationWindow), openedAt).
		Where("repo_id IN (?)", c.db.Model(&db.Repository{}).Select("id").Where("is_deployable = ?", true)).
		Order("deployed_at DESC, id DESC").Limit(1).
		Find(&deploys).Error
	if err != nil {
		return nil, err
	}
	if len(deploys) == 0 {
		return nil, nil
	}
	return &deploys[0], nil
}

// refresh derives a deployment's caused flag from the incidents linked to
// it. IncidentID names the earliest of them.
func (c *Correlator) refresh(ctx context.Context, deploymentID uint) error {
	tx := c.db.WithContext(ctx)

	var linked []db.IncidentEvent
	err := tx.Where("related_deployment_id = ? AND event_kind = ?", deploymentID, db.IncidentOpened).
		Order("event_timestamp, id").Limit(1).
		Find(&linked).Error
	if err != nil {
		return fmt.Errorf("find incidents of deployment %d: %w", deploymentID, err)
	}

	updates := map[string]any{"caused_incident": false, "incident_id": nil}
	if len(linked) > 0 {
		updates = map[string]any{"caused_incident": true, "incident_id": linked[0].IncidentID}
	}
	err = tx.Model(&db.DeploymentRecord{}).Where("id = ?", deploymentID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("mark deployment %d: %w", deploymentID, err)
	}
	return nil
}
