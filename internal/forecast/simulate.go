// Package forecast projects when a delivery stream will finish its
// remaining scope by resampling historical weekly throughput.
package forecast

import (
	"math"
	"slices"
	"time"

	"deliveryinsight/internal/metrics"
)

const (
	// SimulationRuns is the number of Monte Carlo trials per forecast.
	SimulationRuns = 10000
	// MinHistoryWeeks is the history below which no simulation is run.
	MinHistoryWeeks = 6
	// MaxSimulatedWeeks caps a single trial so zero throughput terminates.
	MaxSimulatedWeeks = 520
)

// Source draws uniformly distributed ints in [0, n). *rand.Rand from
// math/rand/v2 satisfies it.
type Source interface {
	IntN(n int) int
}

// Result is one forecast.
type Result struct {
	ForecastDate   time.Time `json:"forecast_date"`
	RemainingScope int       `json:"remaining_scope"`
	SampleSize     int       `json:"sample_size"`

	IsLowConfidence       bool     `json:"is_low_confidence"`
	LinearProjectionWeeks *float64 `json:"linear_projection_weeks"`

	SimulationRuns int        `json:"simulation_runs"`
	P50Date        *time.Time `json:"p50_date"`
	P70Date        *time.Time `json:"p70_date"`
	P85Date        *time.Time `json:"p85_date"`
	P95Date        *time.Time `json:"p95_date"`

	// Histogram maps week offset to the number of trials finishing then.
	Histogram map[int]int `json:"histogram"`
}

// Simulate forecasts completion of remaining items from weekly throughput
// history, oldest first. With fewer than MinHistoryWeeks of history it
// returns a low-confidence linear projection and no dates. A forecast where
// any trial hits MaxSimulatedWeeks is also flagged low confidence.
func Simulate(weekly []float64, remaining int, today time.Time, src Source) Result {
	res := Result{
		ForecastDate:   today,
		RemainingScope: remaining,
		SampleSize:     len(weekly),
		Histogram:      map[int]int{},
	}

	if len(weekly) < MinHistoryWeeks {
		res.IsLowConfidence = true
		if mean := metrics.Mean(weekly); mean > 0 {
			weeks := float64(remaining) / mean
			res.LinearProjectionWeeks = &weeks
		}
		return res
	}

	outcomes := make([]float64, SimulationRuns)
	for i := range outcomes {
		var done float64
		elapsed := 0
		for done < float64(remaining) && elapsed < MaxSimulatedWeeks {
			done += weekly[src.IntN(len(weekly))]
			elapsed++
		}
		if done < float64(remaining) {
			res.IsLowConfidence = true
		}
		outcomes[i] = float64(elapsed)
		res.Histogram[elapsed]++
	}
	slices.Sort(outcomes)

	res.SimulationRuns = SimulationRuns
	res.P50Date = projectDate(today, metrics.PercentileSorted(outcomes, 50))
	res.P70Date = projectDate(today, metrics.PercentileSorted(outcomes, 70))
	res.P85Date = projectDate(today, metrics.PercentileSorted(outcomes, 85))
	res.P95Date = projectDate(today, metrics.PercentileSorted(outcomes, 95))
	return res
}

func projectDate(today time.Time, weeks float64) *time.Time {
	d := today.AddDate(0, 0, int(math.Round(weeks*7)))
	return &d
}
