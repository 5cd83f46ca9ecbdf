package metrics

// ReviewerConcentration computes each reviewer's share (0-1) of all
// reviews. When fewer than minDistinct reviewers took part the shares are
// withheld and suppressed is true.
func ReviewerConcentration(reviewers []string, minDistinct int) (shares map[string]float64, distinct int, suppressed bool) {
	counts := map[string]int{}
	for _, r := range reviewers {
		counts[r]++
	}
	distinct = len(counts)
	if distinct == 0 || distinct < minDistinct {
		return nil, distinct, true
	}

	shares = make(map[string]float64, distinct)
	total := float64(len(reviewers))
	for r, n := range counts {
		shares[r] = float64(n) / total
	}
	return shares, distinct, false
}

// PRSample is one pull request cycle.
type PRSample struct {
	TimeToFirstReviewHours *float64
	TimeToMergeHours       *float64
	ReviewRounds           int
	LinesChanged           int
}

// PRReviewResult aggregates PR review health over a window.
type PRReviewResult struct {
	SampleSize int `json:"sample_size"`

	TimeToFirstReviewHours Distribution `json:"time_to_first_review_hours"`
	TimeToMergeHours       Distribution `json:"time_to_merge_hours"`

	MeanReviewRounds float64 `json:"mean_review_rounds"`
	MeanLinesChanged float64 `json:"mean_lines_changed"`

	ReviewerCount           int                `json:"reviewer_count"`
	ConcentrationSuppressed bool               `json:"concentration_suppressed"`
	ReviewerShares          map[string]float64 `json:"reviewer_shares,omitempty"`
	TopReviewerSharePct     *float64           `json:"top_reviewer_share_pct,omitempty"`
}

// ComputePRReviewHealth aggregates PR cycles and the reviewer identity of
// every review submitted in the same window.
func ComputePRReviewHealth(samples []PRSample, reviewers []string, minDistinct int) PRReviewResult {
	res := PRReviewResult{SampleSize: len(samples)}

	var ttfr, ttm, rounds, lines []float64
	for _, s := range samples {
		if s.TimeToFirstReviewHours != nil {
			ttfr = append(ttfr, *s.TimeToFirstReviewHours)
		}
		if s.TimeToMergeHours != nil {
			ttm = append(ttm, *s.TimeToMergeHours)
		}
		rounds = append(rounds, float64(s.ReviewRounds))
		lines = append(lines, float64(s.LinesChanged))
	}
	res.TimeToFirstReviewHours = Distribute(ttfr)
	res.TimeToMergeHours = Distribute(ttm)
	res.MeanReviewRounds = Mean(rounds)
	res.MeanLinesChanged = Mean(lines)

	shares, distinct, suppressed := ReviewerConcentration(reviewers, minDistinct)
	res.ReviewerCount = distinct
	res.ConcentrationSuppressed = suppressed
	if !suppressed {
		res.ReviewerShares = shares
		var top float64
		for _, s := range shares {
			top = max(top, s)
		}
		pct := round2(top * 100)
		res.TopReviewerSharePct = &pct
	}
	return res
}
