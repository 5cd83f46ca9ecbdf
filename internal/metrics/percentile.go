// Package metrics computes derived delivery metrics.
//
// The pure functions in this package (percentiles, DORA, flow efficiency,
// defect escape, PR review health, business-day calendar, cross-stream
// severity, sprint confidence) take already-loaded facts and explicit
// configuration and never fail: missing data yields a zero-sample result.
// Engine wraps them with the database reads needed by the read API and the
// daily materializer.
package metrics

import (
	"math"
	"slices"
)

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between the closest ranks. values need not be sorted and
// is not modified. An empty input yields 0.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return PercentileSorted(sorted, p)
}

// PercentileSorted is Percentile for input already sorted ascending.
func PercentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p / 100 * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo < 0 {
		return sorted[0]
	}
	if hi >= n {
		return sorted[n-1]
	}
	frac := idx - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Mean returns the arithmetic mean, or 0 for an empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Distribution is a p50/p85/p95 summary.
type Distribution struct {
	P50        float64 `json:"p50"`
	P85        float64 `json:"p85"`
	P95        float64 `json:"p95"`
	SampleSize int     `json:"sample_size"`
}

// Distribute summarizes values.
func Distribute(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return Distribution{
		P50:        PercentileSorted(sorted, 50),
		P85:        PercentileSorted(sorted, 85),
		P95:        PercentileSorted(sorted, 95),
		SampleSize: len(sorted),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
