package metrics

import "time"

const week = 7 * 24 * time.Hour

// WeeklyThroughput buckets completion instants into consecutive seven-day
// windows ending at now, oldest first. Weeks before the first completion
// in the window are not history and are dropped; an empty result means no
// history at all.
func WeeklyThroughput(completions []time.Time, now time.Time, weeks int) []float64 {
	if weeks <= 0 {
		return nil
	}
	end := now.UTC()
	start := end.Add(-time.Duration(weeks) * week)

	counts := make([]float64, weeks)
	for _, c := range completions {
		c = c.UTC()
		if c.Before(start) || c.After(end) {
			continue
		}
		idx := int(c.Sub(start) / week)
		if idx >= weeks {
			idx = weeks - 1
		}
		counts[idx]++
	}

	for i, v := range counts {
		if v > 0 {
			return counts[i:]
		}
	}
	return nil
}

// DailyRates converts weekly completion counts into completions per
// working day.
func DailyRates(weekly []float64) []float64 {
	out := make([]float64, len(weekly))
	for i, w := range weekly {
		out[i] = w / 5
	}
	return out
}
