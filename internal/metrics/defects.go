package metrics

import (
	"slices"
	"time"

	"deliveryinsight/internal/settings"
)

// DefectClassification is one logged or reclassified defect event.
type DefectClassification struct {
	TicketID          string
	At                time.Time
	FoundInStage      *string
	IntroducedInStage *string
}

// DefectEscapeResult summarizes where defects were found and introduced.
type DefectEscapeResult struct {
	TotalDefects  int     `json:"total_defects"`
	Escaped       int     `json:"escaped"`
	EscapeRatePct float64 `json:"escape_rate_pct"`

	FoundByStage map[string]int `json:"found_by_stage"`

	// Attribution is introduced stage -> found stage -> count, built only
	// from defects whose introduced and found stages are both known.
	Attribution     map[string]map[string]int `json:"attribution"`
	Attributed      int                       `json:"attributed"`
	UnattributedPct float64                   `json:"unattributed_pct"`
}

// ComputeDefectEscape classifies each defect by its most recent
// classification. A defect escaped when it was found in UAT
// or production.
func ComputeDefectEscape(events []DefectClassification) DefectEscapeResult {
	res := DefectEscapeResult{
		FoundByStage: map[string]int{},
		Attribution:  map[string]map[string]int{},
	}

	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b DefectClassification) int { return a.At.Compare(b.At) })

	type latest struct{ found, introduced *string }
	byTicket := map[string]*latest{}
	var order []string
	for _, ev := range sorted {
		l, ok := byTicket[ev.TicketID]
		if !ok {
			l = &latest{}
			byTicket[ev.TicketID] = l
			order = append(order, ev.TicketID)
		}
		// Each event carries the full label set, so a missing stage clears it.
		l.found = ev.FoundInStage
		l.introduced = ev.IntroducedInStage
	}

	res.TotalDefects = len(order)
	if res.TotalDefects == 0 {
		return res
	}
	for _, id := range order {
		l := byTicket[id]
		if l.found == nil {
			continue
		}
		found := *l.found
		res.FoundByStage[found]++
		if found == settings.StageUAT || found == settings.StageProduction {
			res.Escaped++
		}
		if l.introduced == nil {
			continue
		}
		row := res.Attribution[*l.introduced]
		if row == nil {
			row = map[string]int{}
			res.Attribution[*l.introduced] = row
		}
		row[found]++
		res.Attributed++
	}

	total := float64(res.TotalDefects)
	res.EscapeRatePct = float64(res.Escaped) / total * 100
	res.UnattributedPct = float64(res.TotalDefects-res.Attributed) / total * 100
	return res
}
