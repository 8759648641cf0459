package trace

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures every offer outcome and routing choice.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// NegotiationTrace collects decision records during a market simulation.
type NegotiationTrace struct {
	Config   TraceConfig
	Offers   []OfferRecord
	Routings []RoutingRecord
}

// NewNegotiationTrace creates a NegotiationTrace ready for recording.
func NewNegotiationTrace(config TraceConfig) *NegotiationTrace {
	return &NegotiationTrace{
		Config:   config,
		Offers:   make([]OfferRecord, 0),
		Routings: make([]RoutingRecord, 0),
	}
}

// Enabled reports whether records should be collected. Safe on nil.
func (nt *NegotiationTrace) Enabled() bool {
	return nt != nil && nt.Config.Level == TraceLevelDecisions
}

// RecordOffer appends an offer record.
func (nt *NegotiationTrace) RecordOffer(record OfferRecord) {
	nt.Offers = append(nt.Offers, record)
}

// RecordRouting appends a routing record.
func (nt *NegotiationTrace) RecordRouting(record RoutingRecord) {
	nt.Routings = append(nt.Routings, record)
}
