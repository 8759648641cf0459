package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/inference-sim/market-sim/sim"
)

func TestMarketCollectorRecordsObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewMarketCollector(reg)
	if err != nil {
		t.Fatalf("NewMarketCollector: %v", err)
	}

	c.ObserveOffer("accepted")
	c.ObserveOffer("accepted")
	c.ObserveOffer("expired")
	c.ObserveBenign(sim.KindCapacityExhausted)
	c.ObserveOccupancy("p-1", 2, 4)
	c.ObserveServiceCompleted(decimal.NewFromInt(7))
	c.ObserveServiceCompleted(decimal.RequireFromString("2.5"))

	if got := testutil.ToFloat64(c.Offers.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("accepted offers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.BenignRaces.WithLabelValues("CapacityExhausted")); got != 1 {
		t.Fatalf("benign races = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ActiveServices.WithLabelValues("p-1")); got != 2 {
		t.Fatalf("active services = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Capacity.WithLabelValues("p-1")); got != 4 {
		t.Fatalf("capacity = %v, want 4", got)
	}
	if got := testutil.ToFloat64(c.ServicesCompleted); got != 2 {
		t.Fatalf("services completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Revenue); got != 9.5 {
		t.Fatalf("revenue = %v, want 9.5", got)
	}
	if n := testutil.CollectAndCount(c.Occupancy); n != 1 {
		t.Fatalf("occupancy series = %d, want 1", n)
	}
}

func TestMarketCollectorZeroCapacitySkipsRatio(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewMarketCollector(reg)
	if err != nil {
		t.Fatalf("NewMarketCollector: %v", err)
	}
	c.ObserveOccupancy("p-0", 0, 0)

	var buf bytes.Buffer
	if err := c.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if !strings.Contains(buf.String(), "market_occupancy_ratio_count 0") {
		t.Fatalf("expected empty occupancy histogram, got:\n%s", buf.String())
	}
}

func TestMarketCollectorReusesExistingRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMarketCollector(reg)
	if err != nil {
		t.Fatalf("first NewMarketCollector: %v", err)
	}
	second, err := NewMarketCollector(reg)
	if err != nil {
		t.Fatalf("second NewMarketCollector: %v", err)
	}

	second.ObserveOffer("rejected")
	if got := testutil.ToFloat64(first.Offers.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestMarketCollectorWriteText(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewMarketCollector(reg)
	if err != nil {
		t.Fatalf("NewMarketCollector: %v", err)
	}
	c.ObserveOffer("accepted")

	var buf bytes.Buffer
	if err := c.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# TYPE market_offer_outcomes_total counter",
		`market_offer_outcomes_total{outcome="accepted"} 1`,
		"market_services_completed_total 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
