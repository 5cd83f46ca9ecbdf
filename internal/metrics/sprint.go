package metrics

// SprintState is the input to a sprint confidence score.
type SprintState struct {
	Active          bool
	Remaining       int
	WorkingDaysLeft float64
	// DailyThroughput holds historical completions per working day.
	DailyThroughput []float64
}

// ConfidenceFunc scores a sprint with usable data on a 0-100 scale.
type ConfidenceFunc func(SprintState) float64

// DefaultConfidence compares expected completions over the working days
// left against remaining scope.
func DefaultConfidence(s SprintState) float64 {
	if s.Remaining <= 0 {
		return 100
	}
	expected := Mean(s.DailyThroughput) * s.WorkingDaysLeft
	return clamp(expected/float64(s.Remaining)*100, 0, 100)
}

// SprintConfidenceResult is the confidence that the active sprint finishes
// its remaining scope.
type SprintConfidenceResult struct {
	SprintID         *uint   `json:"sprint_id"`
	InsufficientData bool    `json:"insufficient_data"`
	Confidence       float64 `json:"confidence"`
	Remaining        int     `json:"remaining"`
	WorkingDaysLeft  float64 `json:"working_days_left"`
	MeanDailyRate    float64 `json:"mean_daily_rate"`
}

// ScoreSprint applies fn to s. Without an active sprint or any throughput
// history the result is flagged insufficient with confidence 0.
func ScoreSprint(s SprintState, fn ConfidenceFunc) SprintConfidenceResult {
	res := SprintConfidenceResult{
		Remaining:       s.Remaining,
		WorkingDaysLeft: s.WorkingDaysLeft,
		MeanDailyRate:   Mean(s.DailyThroughput),
	}
	if !s.Active || !hasThroughput(s.DailyThroughput) {
		res.InsufficientData = true
		return res
	}
	if fn == nil {
		fn = DefaultConfidence
	}
	res.Confidence = round2(clamp(fn(s), 0, 100))
	return res
}

func hasThroughput(daily []float64) bool {
	for _, v := range daily {
		if v > 0 {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
