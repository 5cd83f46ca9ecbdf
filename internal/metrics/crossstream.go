package metrics

import (
	"slices"

	"deliveryinsight/internal/settings"
)

// CrossStreamWindowDays is the trailing window over which blocked events
// are counted.
const CrossStreamWindowDays = 14

// SeverityNone is reported for an upstream stream that blocked nobody.
const SeverityNone = "none"

// ResolveSeverity walks thresholds in order and returns the severity of
// the first matching row. An empty table means the built-in default. When
// nothing matches, any block at all is still "low".
func ResolveSeverity(thresholds []settings.Threshold, impacted int, confidence float64, blocks int) string {
	if blocks == 0 {
		return SeverityNone
	}
	if len(thresholds) == 0 {
		thresholds = settings.DefaultThresholds()
	}
	for _, t := range thresholds {
		if impacted >= t.MinImpactedStreams && confidence < t.MaxConfidence {
			return t.Severity
		}
	}
	return settings.SeverityLow
}

// BlockedEvent is one "blocked" work item event attributed to an upstream
// tech stream.
type BlockedEvent struct {
	UpstreamID   uint
	DownstreamID *uint
}

// CrossStreamResult is the blocking footprint of one upstream stream.
type CrossStreamResult struct {
	TechStreamID      uint    `json:"tech_stream_id"`
	BlockCount        int     `json:"block_count"`
	ImpactedStreamIDs []uint  `json:"impacted_stream_ids"`
	ImpactedCount     int     `json:"impacted_count"`
	Confidence        float64 `json:"confidence"`
	Severity          string  `json:"severity"`
}

// CorrelateStream summarizes blocks raised against upstream. confidence
// holds the sprint confidence of downstream streams with active sprint
// data; streams missing from it do not contribute. With no contributing
// stream the confidence is 0.
func CorrelateStream(upstream uint, blocks []BlockedEvent, confidence map[uint]float64, thresholds []settings.Threshold) CrossStreamResult {
	res := CrossStreamResult{TechStreamID: upstream, ImpactedStreamIDs: []uint{}}

	seen := map[uint]struct{}{}
	for _, b := range blocks {
		if b.UpstreamID != upstream {
			continue
		}
		res.BlockCount++
		if b.DownstreamID == nil {
			continue
		}
		if _, ok := seen[*b.DownstreamID]; ok {
			continue
		}
		seen[*b.DownstreamID] = struct{}{}
		res.ImpactedStreamIDs = append(res.ImpactedStreamIDs, *b.DownstreamID)
	}
	slices.Sort(res.ImpactedStreamIDs)
	res.ImpactedCount = len(res.ImpactedStreamIDs)

	var scores []float64
	for _, id := range res.ImpactedStreamIDs {
		if c, ok := confidence[id]; ok {
			scores = append(scores, c)
		}
	}
	res.Confidence = Mean(scores)
	res.Severity = ResolveSeverity(thresholds, res.ImpactedCount, res.Confidence, res.BlockCount)
	return res
}
