package trace

// TraceSummary aggregates statistics from a NegotiationTrace.
type TraceSummary struct {
	TotalRecords   int
	Outcomes       map[Outcome]int
	AcceptanceRate float64        // accepted / (accepted + rejected + expired)
	AcceptedBy     map[string]int // provider → accepted offers
	SpillOvers     int            // routings redirected inside a pool
}

// Summarize computes aggregate statistics from a NegotiationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(nt *NegotiationTrace) *TraceSummary {
	summary := &TraceSummary{
		Outcomes:   make(map[Outcome]int),
		AcceptedBy: make(map[string]int),
	}
	if nt == nil {
		return summary
	}

	summary.TotalRecords = len(nt.Offers)
	for _, r := range nt.Offers {
		summary.Outcomes[r.Outcome]++
		if r.Outcome == OutcomeAccepted {
			summary.AcceptedBy[r.Provider]++
		}
	}

	settled := summary.Outcomes[OutcomeAccepted] + summary.Outcomes[OutcomeRejected] + summary.Outcomes[OutcomeExpired]
	if settled > 0 {
		summary.AcceptanceRate = float64(summary.Outcomes[OutcomeAccepted]) / float64(settled)
	}

	for _, r := range nt.Routings {
		if r.Requested != r.Chosen {
			summary.SpillOvers++
		}
	}
	return summary
}
