package metrics

import "time"

// FlowEfficiency returns the share of cycle time spent in active stages as
// a percentage, or 0 when there is no cycle time.
func FlowEfficiency(active, wait time.Duration) float64 {
	total := active + wait
	if total <= 0 {
		return 0
	}
	return 100 * float64(active) / float64(total)
}

// FlowSample is one completed cycle.
type FlowSample struct {
	FlowEfficiencyPct float64
	StageDays         map[string]float64
}

// FlowResult aggregates flow samples.
type FlowResult struct {
	SampleSize            int                `json:"sample_size"`
	MeanFlowEfficiencyPct float64            `json:"mean_flow_efficiency_pct"`
	MeanStageDays         map[string]float64 `json:"mean_stage_days"`
	StageSampleSize       map[string]int     `json:"stage_sample_size"`
}

// ComputeFlowEfficiency averages flow efficiency across samples. Per-stage
// means only include cycles that passed through the stage; a cycle that
// skipped a stage does not contribute a zero.
func ComputeFlowEfficiency(samples []FlowSample) FlowResult {
	res := FlowResult{
		MeanStageDays:   map[string]float64{},
		StageSampleSize: map[string]int{},
	}
	if len(samples) == 0 {
		return res
	}

	effs := make([]float64, 0, len(samples))
	sums := map[string]float64{}
	for _, s := range samples {
		effs = append(effs, s.FlowEfficiencyPct)
		for stage, days := range s.StageDays {
			sums[stage] += days
			res.StageSampleSize[stage]++
		}
	}
	for stage, sum := range sums {
		res.MeanStageDays[stage] = sum / float64(res.StageSampleSize[stage])
	}
	res.SampleSize = len(samples)
	res.MeanFlowEfficiencyPct = Mean(effs)
	return res
}
