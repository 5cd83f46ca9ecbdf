package metrics

import (
	"time"

	"deliveryinsight/internal/db"
)

// Deployment is the DORA view of one deployment record.
type Deployment struct {
	DeployedAt     time.Time
	Environment    string
	TriggerType    string
	Deployable     bool
	CausedIncident bool
	LeadTimeHours  *float64
}

// Restore is one resolved incident.
type Restore struct {
	ResolvedAt           time.Time
	TimeToRestoreMinutes *float64
}

// DORAResult holds the four DORA metrics over a window.
type DORAResult struct {
	WindowDays int `json:"window_days"`

	DeployCount    int     `json:"deploy_count"`
	DeploysPerWeek float64 `json:"deploys_per_week"`

	FailedDeploys     int     `json:"failed_deploys"`
	ChangeFailureRate float64 `json:"change_failure_rate"`

	TimeToRestoreMedianHours float64 `json:"time_to_restore_median_hours"`
	TimeToRestoreMeanHours   float64 `json:"time_to_restore_mean_hours"`
	RestoreSampleSize        int     `json:"restore_sample_size"`

	LeadTimeP50Hours   float64 `json:"lead_time_p50_hours"`
	LeadTimeP85Hours   float64 `json:"lead_time_p85_hours"`
	LeadTimeSampleSize int     `json:"lead_time_sample_size"`
}

// ComputeDORA aggregates deployments and restores already restricted to
// the window. Only production deploys of deployable repositories that were
// not configuration-only count, in both numerator and denominator.
func ComputeDORA(deploys []Deployment, restores []Restore, windowDays int) DORAResult {
	res := DORAResult{WindowDays: windowDays}

	var leadTimes []float64
	for _, d := range deploys {
		if d.Environment != db.EnvironmentProduction || !d.Deployable || d.TriggerType == db.TriggerConfig {
			continue
		}
		res.DeployCount++
		if d.CausedIncident {
			res.FailedDeploys++
		}
		if d.LeadTimeHours != nil {
			leadTimes = append(leadTimes, *d.LeadTimeHours)
		}
	}

	if windowDays > 0 {
		res.DeploysPerWeek = float64(res.DeployCount) / (float64(windowDays) / 7)
	}
	if res.DeployCount > 0 {
		res.ChangeFailureRate = float64(res.FailedDeploys) / float64(res.DeployCount) * 100
	}

	var restoreHours []float64
	for _, r := range restores {
		if r.TimeToRestoreMinutes == nil {
			continue
		}
		restoreHours = append(restoreHours, *r.TimeToRestoreMinutes/60)
	}
	if len(restoreHours) > 0 {
		res.TimeToRestoreMedianHours = Percentile(restoreHours, 50)
		res.TimeToRestoreMeanHours = Mean(restoreHours)
		res.RestoreSampleSize = len(restoreHours)
	}

	if len(leadTimes) > 0 {
		res.LeadTimeP50Hours = Percentile(leadTimes, 50)
		res.LeadTimeP85Hours = Percentile(leadTimes, 85)
		res.LeadTimeSampleSize = len(leadTimes)
	}
	return res
}
