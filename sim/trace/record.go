// Package trace provides decision-trace recording for negotiation analysis.
// This package has no dependencies on sim/; it stores pure data types.
package trace

// Outcome is how a single offer ended, or why an attempt on it failed.
type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeRejected          Outcome = "rejected"
	OutcomeExpired           Outcome = "expired"
	OutcomeCapacityExhausted Outcome = "capacity-exhausted"
	OutcomeStale             Outcome = "stale"
	OutcomeUnaffordable      Outcome = "unaffordable"
)

// OfferRecord captures a single provider decision or offer transition.
type OfferRecord struct {
	OfferID   string
	ServiceID string
	Provider  string
	Consumer  string
	Clock     int64
	Price     string // decimal rendered as text, so this package stays dependency-free
	Outcome   Outcome
	Reason    string
}

// RoutingRecord captures which provider a rental intent was sent to.
type RoutingRecord struct {
	ServiceID string
	Clock     int64
	Requested string // provider picked by the routing draw
	Chosen    string // provider the offer went to (differs on pool spill-over)
	Reason    string
}
