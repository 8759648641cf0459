// Tracks market-wide counters and per-provider occupancy histograms for the
// end-of-run report.

package sim

import (
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// Observer receives market events as they happen. The Prometheus collectors
// in internal/observability implement it.
type Observer interface {
	ObserveOffer(outcome string)
	ObserveBenign(kind ErrorKind)
	ObserveOccupancy(provider ID, active, limit int)
	ObserveServiceCompleted(price decimal.Decimal)
}

// OccupancyHistogram counts how often a provider was sampled with
// 0..Limit slots occupied.
type OccupancyHistogram struct {
	Limit   int
	Counts  []int // Counts[k] = samples with k active services
	Samples int
}

// NewOccupancyHistogram creates a histogram with Limit+1 buckets.
func NewOccupancyHistogram(limit int) *OccupancyHistogram {
	return &OccupancyHistogram{Limit: limit, Counts: make([]int, limit+1)}
}

// Record bins one sample, clamping into [0, Limit].
func (h *OccupancyHistogram) Record(active int) {
	active = max(0, min(active, h.Limit))
	h.Counts[active]++
	h.Samples++
}

// Percentages returns each bucket's share of samples, in percent.
func (h *OccupancyHistogram) Percentages() []float64 {
	out := make([]float64, len(h.Counts))
	if h.Samples == 0 {
		return out
	}
	for i, c := range h.Counts {
		out[i] = 100 * float64(c) / float64(h.Samples)
	}
	return out
}

// OccupancySample is one provider's occupancy at a sampling instant.
type OccupancySample struct {
	Provider ID
	Clock    int64
	Active   int
	Limit    int
}

// Metrics aggregates statistics about the market for final reporting.
type Metrics struct {
	RentalsInitiated  int // services created
	RentalsRefused    int // PriorServiceUnfinished refusals
	OffersOpened      int
	OffersAccepted    int
	OffersRejected    int
	OffersExpired     int
	ServicesCompleted int
	Revenue           decimal.Decimal // sum of settled prices

	BenignRaces map[ErrorKind]int

	// Occupancy holds one histogram per provider, in registration order.
	Occupancy      map[ID]*OccupancyHistogram
	occupancyOrder []ID
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		BenignRaces: make(map[ErrorKind]int),
		Occupancy:   make(map[ID]*OccupancyHistogram),
	}
}

func (m *Metrics) trackProvider(id ID, limit int) {
	if _, ok := m.Occupancy[id]; ok {
		return
	}
	m.Occupancy[id] = NewOccupancyHistogram(limit)
	m.occupancyOrder = append(m.occupancyOrder, id)
}

// Print displays aggregated metrics at the end of the simulation.
func (m *Metrics) Print(w io.Writer, clock int64) {
	fmt.Fprintln(w, "=== Market Metrics ===")
	fmt.Fprintf(w, "Simulated ticks      : %d\n", clock)
	fmt.Fprintf(w, "Rentals initiated    : %d\n", m.RentalsInitiated)
	fmt.Fprintf(w, "Rentals refused      : %d\n", m.RentalsRefused)
	fmt.Fprintf(w, "Offers opened        : %d\n", m.OffersOpened)
	fmt.Fprintf(w, "Offers accepted      : %d\n", m.OffersAccepted)
	fmt.Fprintf(w, "Offers rejected      : %d\n", m.OffersRejected)
	fmt.Fprintf(w, "Offers expired       : %d\n", m.OffersExpired)
	fmt.Fprintf(w, "Services completed   : %d\n", m.ServicesCompleted)
	fmt.Fprintf(w, "Revenue              : %s\n", m.Revenue.StringFixed(2))
	for kind := KindStaleState; kind <= KindAlreadyPooled; kind++ {
		if n := m.BenignRaces[kind]; n > 0 {
			fmt.Fprintf(w, "Benign %-22s: %d\n", kind, n)
		}
	}
}

// PrintOccupancy prints the per-provider occupancy table; names maps provider
// ids to display names (ids are used when a name is missing).
func (m *Metrics) PrintOccupancy(w io.Writer, names map[ID]string) {
	maxLimit := 0
	for _, id := range m.occupancyOrder {
		maxLimit = max(maxLimit, m.Occupancy[id].Limit)
	}
	header := []string{fmt.Sprintf("%-12s", "Agent"), "Empty(0)"}
	for k := 1; k <= maxLimit; k++ {
		header = append(header, fmt.Sprintf("%d Used", k))
	}
	fmt.Fprintln(w, strings.Join(header, " | "))
	fmt.Fprintln(w, strings.Repeat("-", 12+11*(maxLimit+1)))
	for _, id := range m.occupancyOrder {
		name := names[id]
		if name == "" {
			name = string(id)
		}
		cols := []string{fmt.Sprintf("%-12s", name)}
		for _, p := range m.Occupancy[id].Percentages() {
			cols = append(cols, fmt.Sprintf("%7.1f%%", p))
		}
		fmt.Fprintln(w, strings.Join(cols, " | "))
	}
}
