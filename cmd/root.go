package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inference-sim/market-sim/internal/observability"
	"github.com/inference-sim/market-sim/sim"
	"github.com/inference-sim/market-sim/sim/scenario"
	"github.com/inference-sim/market-sim/sim/store"
	"github.com/inference-sim/market-sim/sim/trace"
)

// runOptions collects the resolved `run` settings (flags, then MARKETSIM_* env).
type runOptions struct {
	Preset     string
	ConfigPath string
	Seed       int64
	SeedSet    bool
	Duration   int64 // 0 keeps the scenario's duration
	LogLevel   string
	Store      string
	DBPath     string
	TraceLevel string
	MetricsOut string
}

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "market-sim",
	Short: "Discrete-event simulator for capacity-constrained service marketplaces",
}

// runCmd plays one scenario and prints its occupancy report
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a market scenario",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newRunViper(cmd)
		if err != nil {
			return err
		}
		opts := optionsFrom(v)

		level, err := logrus.ParseLevel(opts.LogLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", opts.LogLevel)
		}
		logrus.SetLevel(level)

		return runScenario(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

// presetsCmd lists the bundled scenarios
var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the bundled scenario presets",
	Run: func(cmd *cobra.Command, args []string) {
		printPresets(cmd.OutOrStdout())
	},
}

// newRunViper binds cmd's flags to MARKETSIM_* environment variables
// (--metrics-out reads MARKETSIM_METRICS_OUT).
func newRunViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	return v, nil
}

func optionsFrom(v *viper.Viper) runOptions {
	return runOptions{
		Preset:     v.GetString("preset"),
		ConfigPath: v.GetString("config"),
		Seed:       v.GetInt64("seed"),
		SeedSet:    v.IsSet("seed"),
		Duration:   v.GetInt64("duration"),
		LogLevel:   v.GetString("log"),
		Store:      v.GetString("store"),
		DBPath:     v.GetString("db"),
		TraceLevel: v.GetString("trace"),
		MetricsOut: v.GetString("metrics-out"),
	}
}

// loadScenario resolves the scenario from a YAML file or a preset and applies
// the CLI overrides.
func loadScenario(opts runOptions) (*scenario.Config, error) {
	var (
		cfg *scenario.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = scenario.LoadConfig(opts.ConfigPath)
		if cfg != nil && cfg.Name == "" {
			cfg.Name = strings.TrimSuffix(filepath.Base(opts.ConfigPath), filepath.Ext(opts.ConfigPath))
		}
	} else {
		cfg, err = scenario.Preset(opts.Preset)
	}
	if err != nil {
		return nil, err
	}
	if opts.SeedSet {
		seed := opts.Seed
		cfg.Seed = &seed
	}
	if opts.Duration > 0 {
		cfg.Duration = opts.Duration
	}
	return cfg, nil
}

// openStore returns the repository selected by --store and a close func.
func openStore(opts runOptions) (sim.Repository, func() error, error) {
	switch opts.Store {
	case "", "memory":
		return sim.NewDefaultStore(), func() error { return nil }, nil
	case "sqlite":
		db, err := store.OpenSQLite(opts.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q (valid: memory, sqlite)", opts.Store)
	}
}

func runScenario(ctx context.Context, opts runOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !trace.IsValidTraceLevel(opts.TraceLevel) {
		return fmt.Errorf("unknown trace level %q (valid: none, decisions)", opts.TraceLevel)
	}
	cfg, err := loadScenario(opts)
	if err != nil {
		return err
	}
	repo, closeRepo, err := openStore(opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeRepo(); cerr != nil {
			logrus.Warnf("closing store: %v", cerr)
		}
	}()

	m, err := scenario.NewMarket(cfg, repo)
	if err != nil {
		return err
	}
	m.SetTrace(trace.NewNegotiationTrace(trace.TraceConfig{Level: trace.TraceLevel(opts.TraceLevel)}))

	var collector *observability.MarketCollector
	if opts.MetricsOut != "" {
		collector, err = observability.NewMarketCollector(prometheus.NewRegistry())
		if err != nil {
			return err
		}
		m.AddObserver(collector)
	}

	logrus.Infof("Starting scenario %s (seed=%d, store=%s, trace=%s)", cfg.Name, cfg.SeedValue(), opts.Store, opts.TraceLevel)
	startTime := time.Now()
	rep, err := scenario.NewRunner(cfg, m).Run(ctx)
	if err != nil {
		return err
	}
	rep.Print(out)
	logrus.Infof("Scenario complete in %s", time.Since(startTime))

	if collector != nil {
		if err := writeMetrics(collector, opts.MetricsOut); err != nil {
			return err
		}
	}
	return nil
}

func writeMetrics(c *observability.MarketCollector, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if err := c.WriteText(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing metrics: %w", err)
	}
	return f.Close()
}

func printPresets(w io.Writer) {
	for _, name := range scenario.PresetNames() {
		cfg, err := scenario.Preset(name)
		if err != nil {
			continue
		}
		providers := 0
		for _, g := range cfg.Providers {
			providers += g.Count
		}
		fmt.Fprintf(w, "%-10s providers=%-2d consumers=%-3d duration=%-6d pooled=%v\n",
			name, providers, cfg.Consumers.Count, cfg.Duration, cfg.Pooled)
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().String("preset", "scenario2", "Bundled scenario to run (see `presets`)")
	runCmd.Flags().String("config", "", "Path to a YAML scenario file (overrides --preset)")
	runCmd.Flags().Int64("seed", 42, "Master seed; overrides the scenario's seed when set")
	runCmd.Flags().Int64("duration", 0, "Ticks to simulate; 0 keeps the scenario's duration")
	runCmd.Flags().String("log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().String("store", "memory", "Entity store (memory, sqlite)")
	runCmd.Flags().String("db", "market.db", "SQLite database path for --store sqlite")
	runCmd.Flags().String("trace", "none", "Decision trace level (none, decisions)")
	runCmd.Flags().String("metrics-out", "", "Write Prometheus text metrics to this file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(presetsCmd)
}
