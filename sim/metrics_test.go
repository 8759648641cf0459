package sim

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOccupancyHistogram_RecordClamps(t *testing.T) {
	h := NewOccupancyHistogram(2)
	h.Record(0)
	h.Record(2)
	h.Record(5)  // clamps to 2
	h.Record(-1) // clamps to 0

	assert.Equal(t, []int{2, 0, 2}, h.Counts)
	assert.Equal(t, 4, h.Samples)
	assert.Equal(t, []float64{50, 0, 50}, h.Percentages())
}

func TestOccupancyHistogram_EmptyPercentages(t *testing.T) {
	assert.Equal(t, []float64{0, 0}, NewOccupancyHistogram(1).Percentages())
}

func TestMetrics_Print(t *testing.T) {
	m := NewMetrics()
	m.OffersAccepted = 3
	m.Revenue = decimal.NewFromInt(12)
	m.BenignRaces[KindCapacityExhausted] = 2

	var buf bytes.Buffer
	m.Print(&buf, 500)

	out := buf.String()
	assert.Contains(t, out, "=== Market Metrics ===")
	assert.Contains(t, out, "Simulated ticks      : 500")
	assert.Contains(t, out, "Offers accepted      : 3")
	assert.Contains(t, out, "Revenue              : 12.00")
	assert.Contains(t, out, "CapacityExhausted")
	assert.NotContains(t, out, "StaleState", "zero counts are omitted")
}

func TestMetrics_PrintOccupancy(t *testing.T) {
	m := NewMetrics()
	m.trackProvider("p-1", 2)
	m.trackProvider("p-2", 1)
	m.trackProvider("p-1", 9) // already tracked, ignored
	m.Occupancy["p-1"].Record(1)
	m.Occupancy["p-2"].Record(0)

	var buf bytes.Buffer
	m.PrintOccupancy(&buf, map[ID]string{"p-1": "Agent 1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], "Empty(0)")
	assert.Contains(t, lines[0], "2 Used")
	assert.True(t, strings.HasPrefix(lines[2], "Agent 1"))
	assert.Contains(t, lines[2], "100.0%")
	assert.True(t, strings.HasPrefix(lines[3], "p-2"))
}
