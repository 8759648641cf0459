package trace

import (
	"testing"
)

func TestNegotiationTrace_RecordOffer_AppendsRecord(t *testing.T) {
	// GIVEN a trace configured for decisions
	nt := NewNegotiationTrace(TraceConfig{Level: TraceLevelDecisions})

	// WHEN an offer record is recorded
	nt.RecordOffer(OfferRecord{
		OfferID:  "o1",
		Provider: "p1",
		Clock:    1000,
		Price:    "7",
		Outcome:  OutcomeAccepted,
	})

	// THEN the trace contains one offer record with correct data
	if len(nt.Offers) != 1 {
		t.Fatalf("expected 1 offer record, got %d", len(nt.Offers))
	}
	if nt.Offers[0].OfferID != "o1" {
		t.Errorf("expected offer ID o1, got %s", nt.Offers[0].OfferID)
	}
	if nt.Offers[0].Outcome != OutcomeAccepted {
		t.Errorf("expected accepted, got %s", nt.Offers[0].Outcome)
	}
}

func TestNegotiationTrace_RecordRouting_AppendsRecord(t *testing.T) {
	// GIVEN a trace configured for decisions
	nt := NewNegotiationTrace(TraceConfig{Level: TraceLevelDecisions})

	// WHEN a routing record is recorded
	nt.RecordRouting(RoutingRecord{ServiceID: "s1", Clock: 2000, Requested: "p1", Chosen: "p2", Reason: "pool-spillover"})

	// THEN the trace contains one routing record with correct data
	if len(nt.Routings) != 1 {
		t.Fatalf("expected 1 routing, got %d", len(nt.Routings))
	}
	if nt.Routings[0].Chosen != "p2" {
		t.Errorf("expected p2, got %s", nt.Routings[0].Chosen)
	}
}

func TestNegotiationTrace_Enabled(t *testing.T) {
	var nilTrace *NegotiationTrace
	if nilTrace.Enabled() {
		t.Error("nil trace must report disabled")
	}
	if NewNegotiationTrace(TraceConfig{Level: TraceLevelNone}).Enabled() {
		t.Error("level none must report disabled")
	}
	if !NewNegotiationTrace(TraceConfig{Level: TraceLevelDecisions}).Enabled() {
		t.Error("level decisions must report enabled")
	}
}

func TestIsValidTraceLevel(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"none", true},
		{"decisions", true},
		{"", true},
		{"verbose", false},
	}
	for _, tc := range tests {
		if got := IsValidTraceLevel(tc.level); got != tc.valid {
			t.Errorf("IsValidTraceLevel(%q) = %v, want %v", tc.level, got, tc.valid)
		}
	}
}
