package scenario

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/market-sim/sim"
	"github.com/inference-sim/market-sim/sim/store"
	"github.com/inference-sim/market-sim/sim/trace"
)

func run(t *testing.T, cfg *Config, repo sim.Repository, tracing bool) *Report {
	t.Helper()
	m, err := NewMarket(cfg, repo)
	require.NoError(t, err)
	if tracing {
		m.SetTrace(trace.NewNegotiationTrace(trace.TraceConfig{Level: trace.TraceLevelDecisions}))
	}
	rep, err := NewRunner(cfg, m).Run(context.Background())
	require.NoError(t, err)
	return rep
}

func shortened(t *testing.T, name string, duration int64) *Config {
	t.Helper()
	cfg, err := Preset(name)
	require.NoError(t, err)
	cfg.Duration = duration
	return cfg
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	yamlData := `
name: custom
seed: 7
duration: 3000
traffic_interval: 250
pooled: true
history_prices: [4, 6]
providers:
  - name: R
    count: 2
    agent: random
    slots: 2
  - name: H
    count: 1
    agent: ai
consumers:
  count: 6
  balance: 100
market:
  offer_ttl: 400
  service_duration: 900
  accept_probability: 0.75
  cold_start_accept: false
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "custom", cfg.Name)
	assert.Equal(t, int64(7), cfg.SeedValue())
	assert.Equal(t, int64(250), cfg.sampleEvery())
	assert.Equal(t, []int64{4, 6}, cfg.historyPrices())
	require.Len(t, cfg.Providers, 2)
	assert.Nil(t, cfg.Providers[1].Slots)

	mc := cfg.MarketConfig()
	assert.Equal(t, int64(400), mc.OfferTTL)
	assert.Equal(t, int64(900), mc.ServiceDuration)
	assert.Equal(t, 0.75, mc.Agent.AcceptProbability)
	assert.False(t, mc.Agent.ColdStartAccept)
	assert.Equal(t, sim.DefaultMarketConfig().MaxPrice, mc.MaxPrice, "unset fields keep defaults")
	assert.Equal(t, mc.DefaultServicesLimit, cfg.Providers[1].slots(mc))
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: [unterminated"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	neg := int64(-1)
	zero := int64(0)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero duration", func(c *Config) { c.Duration = 0 }},
		{"negative interval", func(c *Config) { c.TrafficInterval = -5 }},
		{"no traffic at all", func(c *Config) { c.TrafficInterval = 0; c.RentAtStart = false }},
		{"zero sample interval", func(c *Config) { c.SampleInterval = &zero }},
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"zero provider count", func(c *Config) { c.Providers[0].Count = 0 }},
		{"unknown agent", func(c *Config) { c.Providers[0].Agent = "oracle" }},
		{"negative provider balance", func(c *Config) { c.Providers[0].Balance = &neg }},
		{"no consumers", func(c *Config) { c.Consumers.Count = 0 }},
		{"negative consumer balance", func(c *Config) { c.Consumers.Balance = &neg }},
		{"non-positive history price", func(c *Config) { c.HistoryPrices = []int64{3, 0} }},
		{"bad market override", func(c *Config) { c.Market.OfferTTL = &zero }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := shortened(t, "scenario2", 1000)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPresets(t *testing.T) {
	assert.Equal(t, []string{"scenario2", "scenario3", "scenario4", "single"}, PresetNames())
	for _, name := range PresetNames() {
		cfg, err := Preset(name)
		require.NoError(t, err)
		assert.NoError(t, cfg.Validate(), name)
	}

	s3, err := Preset("scenario3")
	require.NoError(t, err)
	assert.Equal(t, 3, *s3.Providers[0].Slots)
	s4, err := Preset("scenario4")
	require.NoError(t, err)
	assert.True(t, s4.Pooled)
	assert.Equal(t, int64(60000), s4.Duration)

	// Presets are fresh copies.
	s3.Duration = 1
	again, err := Preset("scenario3")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), again.Duration)

	_, err = Preset("nope")
	assert.Error(t, err)
}

func TestRunner_Single_RentsOnceAndCompletes(t *testing.T) {
	// GIVEN the single-provider preset with an always-accepting agent
	cfg := shortened(t, "single", 18000)
	p := 1.0
	cfg.Market.AcceptProbability = &p

	// WHEN it runs to completion
	rep := run(t, cfg, store.NewMemory(), false)

	// THEN the one rental was served and settled
	assert.Equal(t, 1, rep.Metrics.RentalsInitiated)
	assert.Equal(t, 1, rep.Metrics.OffersAccepted)
	assert.Equal(t, 1, rep.Metrics.ServicesCompleted)
	assert.Equal(t, int64(18000), rep.Clock)
	assert.Equal(t, 18, rep.Samples)
	assert.Equal(t, 0, rep.PoolActive)
	assert.Equal(t, 5, rep.PoolLimit)
	require.Len(t, rep.Agents, 1)
	assert.Equal(t, "Provider", rep.Agents[0].Name)
}

func TestRunner_Scenario2_Shortened(t *testing.T) {
	cfg := shortened(t, "scenario2", 20000)
	rep := run(t, cfg, store.NewMemory(), true)

	assert.Equal(t, 40, rep.Intents)
	assert.Equal(t, 40, rep.Samples)
	assert.Positive(t, rep.Metrics.OffersAccepted)
	require.Len(t, rep.Agents, 5)
	assert.Equal(t, "Random_1", rep.Agents[0].Name)
	assert.Equal(t, "AI_Agent", rep.Agents[4].Name)
	assert.Equal(t, sim.AgentHistory, rep.Agents[4].Agent)
	for _, a := range rep.Agents {
		assert.Len(t, a.Percentages, a.Limit+1)
		total := 0.0
		for _, p := range a.Percentages {
			total += p
		}
		assert.InDelta(t, 100, total, 1e-6, a.Name)
	}
	require.NotNil(t, rep.Trace)
	assert.Equal(t, rep.Metrics.OffersAccepted, rep.Trace.Outcomes[trace.OutcomeAccepted])
}

// busyConfig keeps both consumers occupied for most of the run so that most
// traffic ticks end in a benign PriorServiceUnfinished.
func busyConfig() *Config {
	slots := 1
	ttl, duration := int64(10000), int64(3000)
	accept := 1.0
	return &Config{
		Name:            "busy",
		Duration:        5000,
		TrafficInterval: 100,
		Providers:       []ProviderGroup{{Name: "P", Count: 1, Agent: "random", Slots: &slots}},
		Consumers:       ConsumerGroup{Count: 2},
		Market: MarketOverrides{
			OfferTTL:          &ttl,
			ServiceDuration:   &duration,
			AcceptProbability: &accept,
		},
	}
}

func TestRunner_TrafficSurvivesBenignFailures(t *testing.T) {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	defer db.Close()

	for name, repo := range map[string]sim.Repository{"memory": store.NewMemory(), "sqlite": db} {
		t.Run(name, func(t *testing.T) {
			// GIVEN two consumers competing for one long-lived slot
			cfg := busyConfig()

			// WHEN the run keeps generating traffic while they are busy
			rep := run(t, cfg, repo, false)

			// THEN every traffic tick fired despite the refused intents
			assert.Equal(t, int(cfg.Duration/cfg.TrafficInterval), rep.Intents)
			assert.Equal(t, int(cfg.Duration/cfg.TrafficInterval), rep.Samples)
			assert.Positive(t, rep.Stats.BenignFailures[sim.KindPriorServiceUnfinished])
			assert.Positive(t, rep.Metrics.RentalsRefused)
			assert.Equal(t, 1, rep.Metrics.ServicesCompleted)
		})
	}
}

func TestRunner_Scenario4_PoolStaysConsistent(t *testing.T) {
	cfg := shortened(t, "scenario4", 15000)
	rep := run(t, cfg, store.NewMemory(), true)

	assert.Equal(t, 25, rep.PoolLimit)
	assert.LessOrEqual(t, rep.PoolActive, rep.PoolLimit)
	assert.Positive(t, rep.Metrics.OffersAccepted)
}

func TestRunner_SameSeedSameReport(t *testing.T) {
	render := func() string {
		rep := run(t, shortened(t, "scenario3", 10000), store.NewMemory(), true)
		var buf bytes.Buffer
		rep.Print(&buf)
		return buf.String()
	}
	first, second := render(), render()
	assert.Equal(t, first, second)
	assert.Contains(t, first, "=== SCENARIO3 RESULT (seed 42) ===")
	assert.Contains(t, first, "AI_Agent")
	assert.Contains(t, first, "=== Decision Trace ===")
}

func TestRunner_DifferentSeedDiverges(t *testing.T) {
	a := shortened(t, "scenario2", 10000)
	b := shortened(t, "scenario2", 10000)
	seed := int64(7)
	b.Seed = &seed

	ra := run(t, a, store.NewMemory(), false)
	rb := run(t, b, store.NewMemory(), false)

	var bufA, bufB bytes.Buffer
	ra.Print(&bufA)
	rb.Print(&bufB)
	assert.NotEqual(t, bufA.String(), bufB.String())
}

func TestRunner_SQLiteMatchesMemory(t *testing.T) {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	defer db.Close()

	mem := run(t, shortened(t, "scenario2", 4000), store.NewMemory(), false)
	sql := run(t, shortened(t, "scenario2", 4000), db, false)

	var a, b bytes.Buffer
	mem.Print(&a)
	sql.Print(&b)
	assert.Equal(t, a.String(), b.String())

	n, err := db.Count(context.Background(), sim.KindOffer)
	require.NoError(t, err)
	assert.Equal(t, mem.Metrics.OffersOpened+len(DefaultHistoryPrices), n)
}

func TestRunner_InvalidConfig(t *testing.T) {
	cfg := shortened(t, "single", 100)
	cfg.Consumers.Count = 0
	m, err := NewMarket(cfg, store.NewMemory())
	require.NoError(t, err)
	_, err = NewRunner(cfg, m).Run(context.Background())
	assert.Error(t, err)
}
