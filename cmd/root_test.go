package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleOpts(t *testing.T) runOptions {
	t.Helper()
	return runOptions{
		Preset:     "single",
		Duration:   6000,
		LogLevel:   "error",
		Store:      "memory",
		TraceLevel: "none",
	}
}

func TestRunScenario_PrintsReportToWriter(t *testing.T) {
	// GIVEN the single preset on the in-memory store
	opts := singleOpts(t)

	// WHEN the scenario runs
	var buf bytes.Buffer
	require.NoError(t, runScenario(context.Background(), opts, &buf))

	// THEN the occupancy report and counters are printed
	out := buf.String()
	assert.Contains(t, out, "=== SINGLE RESULT (seed 42) ===")
	assert.Contains(t, out, "=== Market Metrics ===")
	assert.Contains(t, out, "Simulated ticks      : 6000")
	assert.NotContains(t, out, "Decision Trace")
}

func TestRunScenario_SQLiteStoreAndMetricsFile(t *testing.T) {
	dir := t.TempDir()
	opts := singleOpts(t)
	opts.Store = "sqlite"
	opts.DBPath = filepath.Join(dir, "market.db")
	opts.TraceLevel = "decisions"
	opts.MetricsOut = filepath.Join(dir, "metrics.txt")

	var buf bytes.Buffer
	require.NoError(t, runScenario(context.Background(), opts, &buf))

	assert.Contains(t, buf.String(), "=== Decision Trace ===")
	assert.FileExists(t, opts.DBPath)
	data, err := os.ReadFile(opts.MetricsOut)
	require.NoError(t, err)
	assert.Contains(t, string(data), "market_provider_capacity")
	assert.Contains(t, string(data), "market_occupancy_ratio")
}

func TestRunScenario_SeedOverrideChangesReport(t *testing.T) {
	render := func(seed int64, set bool) string {
		opts := runOptions{Preset: "scenario2", Duration: 5000, LogLevel: "error", Store: "memory", TraceLevel: "none",
			Seed: seed, SeedSet: set}
		var buf bytes.Buffer
		require.NoError(t, runScenario(context.Background(), opts, &buf))
		return buf.String()
	}

	assert.Equal(t, render(0, false), render(42, true), "the default seed is 42")
	assert.Contains(t, render(7, true), "(seed 7)")
}

func TestRunScenario_RejectsBadOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*runOptions)
	}{
		{"unknown preset", func(o *runOptions) { o.Preset = "nope" }},
		{"unknown store", func(o *runOptions) { o.Store = "postgres" }},
		{"unknown trace level", func(o *runOptions) { o.TraceLevel = "verbose" }},
		{"missing config file", func(o *runOptions) { o.ConfigPath = filepath.Join(t.TempDir(), "none.yaml") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := singleOpts(t)
			tt.mutate(&opts)
			assert.Error(t, runScenario(context.Background(), opts, &bytes.Buffer{}))
		})
	}
}

func TestLoadScenario_ConfigFileNamesScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
duration: 1000
rent_at_start: true
providers:
  - count: 1
    agent: random
consumers:
  count: 2
`), 0o644))

	cfg, err := loadScenario(runOptions{ConfigPath: path, Preset: "scenario2", Duration: 0})
	require.NoError(t, err)
	assert.Equal(t, "tiny", cfg.Name)
	assert.Equal(t, int64(1000), cfg.Duration)
	assert.Nil(t, cfg.Seed)
}

func TestOptionsFrom_EnvironmentOverridesDefaults(t *testing.T) {
	// GIVEN MARKETSIM_* variables and the run flags bound through viper
	t.Setenv("MARKETSIM_PRESET", "scenario3")
	t.Setenv("MARKETSIM_METRICS_OUT", "out.prom")
	t.Setenv("MARKETSIM_SEED", "9")

	v, err := newRunViper(runCmd)
	require.NoError(t, err)

	// WHEN options are resolved
	opts := optionsFrom(v)

	// THEN the environment wins over flag defaults
	assert.Equal(t, "scenario3", opts.Preset)
	assert.Equal(t, "out.prom", opts.MetricsOut)
	assert.Equal(t, int64(9), opts.Seed)
	assert.True(t, opts.SeedSet)
	assert.Equal(t, "memory", opts.Store, "unset keys keep flag defaults")
}

func TestPrintPresets_ListsEveryPreset(t *testing.T) {
	var buf bytes.Buffer
	printPresets(&buf)
	out := buf.String()
	for _, name := range []string{"scenario2", "scenario3", "scenario4", "single"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "pooled=true")
}
