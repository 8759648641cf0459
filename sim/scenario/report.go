package scenario

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/inference-sim/market-sim/sim"
	"github.com/inference-sim/market-sim/sim/trace"
)

// AgentRow is one provider's line in the occupancy table.
type AgentRow struct {
	Provider    sim.ID
	Name        string
	Agent       sim.AgentType
	Limit       int
	Percentages []float64 // share of samples with 0..Limit slots occupied
}

// Report summarizes a finished scenario run.
type Report struct {
	Name     string
	Seed     int64
	Clock    int64
	Metrics  *sim.Metrics
	Stats    sim.SchedulerStats
	Agents   []AgentRow
	Intents  int // rental intents the driver issued
	Reoffers int // intents that re-offered a lapsed service instead
	Samples  int

	PoolActive, PoolLimit int // final pool occupancy (pooled runs only)

	Trace *trace.TraceSummary // nil unless decision tracing was on

	names map[sim.ID]string
}

// Print writes the occupancy table followed by the market counters.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "\n=== %s RESULT (seed %d) ===\n", strings.ToUpper(r.Name), r.Seed)
	r.Metrics.PrintOccupancy(w, r.names)
	fmt.Fprintln(w)
	r.Metrics.Print(w, r.Clock)
	fmt.Fprintf(w, "Rental intents       : %d\n", r.Intents)
	fmt.Fprintf(w, "Re-offers            : %d\n", r.Reoffers)
	fmt.Fprintf(w, "Occupancy samples    : %d\n", r.Samples)
	fmt.Fprintf(w, "Drain passes         : %d\n", r.Stats.DrainPasses)
	fmt.Fprintf(w, "Tasks run            : %d\n", r.Stats.TasksRun)
	if r.PoolLimit > 0 {
		fmt.Fprintf(w, "Pool occupancy       : %d/%d\n", r.PoolActive, r.PoolLimit)
	}
	if r.Trace != nil {
		r.printTrace(w)
	}
}

func (r *Report) printTrace(w io.Writer) {
	fmt.Fprintln(w, "=== Decision Trace ===")
	fmt.Fprintf(w, "Offer records        : %d\n", r.Trace.TotalRecords)
	fmt.Fprintf(w, "Acceptance rate      : %.3f\n", r.Trace.AcceptanceRate)
	fmt.Fprintf(w, "Pool spill-overs     : %d\n", r.Trace.SpillOvers)
	providers := make([]string, 0, len(r.Trace.AcceptedBy))
	for p := range r.Trace.AcceptedBy {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		name := r.names[sim.ID(p)]
		if name == "" {
			name = p
		}
		fmt.Fprintf(w, "  accepted by %-12s: %d\n", name, r.Trace.AcceptedBy[p])
	}
}
