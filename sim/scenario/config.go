package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/market-sim/sim"
)

// Config describes one market scenario: who trades, for how long, and how
// often consumers come looking for capacity. Loadable from YAML.
// Nil pointer fields mean "not set" and fall back to defaults.
type Config struct {
	Name            string          `yaml:"name"`
	Seed            *int64          `yaml:"seed"`
	Duration        int64           `yaml:"duration"`         // ticks to simulate
	TrafficInterval int64           `yaml:"traffic_interval"` // ticks between rental intents (0 = none)
	SampleInterval  *int64          `yaml:"sample_interval"`  // ticks between occupancy samples (defaults to traffic_interval)
	RentAtStart     bool            `yaml:"rent_at_start"`    // every consumer initiates one rental at tick 0
	Pooled          bool            `yaml:"pooled"`           // all providers join one pool
	HistoryPrices   []int64         `yaml:"history_prices"`   // seeded for history agents
	Providers       []ProviderGroup `yaml:"providers"`
	Consumers       ConsumerGroup   `yaml:"consumers"`
	Market          MarketOverrides `yaml:"market"`
}

// ProviderGroup declares Count identical providers.
type ProviderGroup struct {
	Name    string `yaml:"name"`
	Count   int    `yaml:"count"`
	Agent   string `yaml:"agent"`
	Slots   *int   `yaml:"slots"`
	Balance *int64 `yaml:"balance"`
}

// ConsumerGroup declares the consumer population.
type ConsumerGroup struct {
	Count   int    `yaml:"count"`
	Balance *int64 `yaml:"balance"`
}

// MarketOverrides holds the optional sim.MarketConfig fields a scenario may set.
type MarketOverrides struct {
	OfferTTL          *int64   `yaml:"offer_ttl"`
	ServiceDuration   *int64   `yaml:"service_duration"`
	MinPrice          *int64   `yaml:"min_price"`
	MaxPrice          *int64   `yaml:"max_price"`
	DefaultSlots      *int     `yaml:"default_slots"`
	MaxDrainPasses    *int     `yaml:"max_drain_passes"`
	AcceptProbability *float64 `yaml:"accept_probability"`
	HistoryWindow     *int     `yaml:"history_window"`
	ColdStartAccept   *bool    `yaml:"cold_start_accept"`
}

const (
	defaultProviderBalance = 1000
	defaultConsumerBalance = 5000
	defaultSampleInterval  = 1000
)

// DefaultHistoryPrices seeds history agents when a scenario lists none.
var DefaultHistoryPrices = []int64{5, 8, 4, 9, 6, 10, 3, 7, 5, 8}

// LoadConfig reads and parses a YAML scenario file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing scenario config: %w", err)
	}
	return &cfg, nil
}

// Validate checks counts, intervals and agent names, then the resulting
// market parameters.
func (c *Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %d", c.Duration)
	}
	if c.TrafficInterval < 0 {
		return fmt.Errorf("traffic_interval must be non-negative, got %d", c.TrafficInterval)
	}
	if c.TrafficInterval == 0 && !c.RentAtStart {
		return fmt.Errorf("scenario generates no traffic: set traffic_interval or rent_at_start")
	}
	if c.SampleInterval != nil && *c.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be positive, got %d", *c.SampleInterval)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider group is required")
	}
	for i, g := range c.Providers {
		if g.Count <= 0 {
			return fmt.Errorf("providers[%d]: count must be positive, got %d", i, g.Count)
		}
		if !sim.IsValidAgentType(g.Agent) {
			return fmt.Errorf("providers[%d]: unknown agent type %q", i, g.Agent)
		}
		if g.Slots != nil && *g.Slots < 0 {
			return fmt.Errorf("providers[%d]: slots must be non-negative, got %d", i, *g.Slots)
		}
		if g.Balance != nil && *g.Balance < 0 {
			return fmt.Errorf("providers[%d]: balance must be non-negative, got %d", i, *g.Balance)
		}
	}
	if c.Consumers.Count <= 0 {
		return fmt.Errorf("consumers.count must be positive, got %d", c.Consumers.Count)
	}
	if c.Consumers.Balance != nil && *c.Consumers.Balance < 0 {
		return fmt.Errorf("consumers.balance must be non-negative, got %d", *c.Consumers.Balance)
	}
	for _, p := range c.HistoryPrices {
		if p <= 0 {
			return fmt.Errorf("history_prices must be positive, got %d", p)
		}
	}
	return c.MarketConfig().Validate()
}

// MarketConfig applies the overrides to sim.DefaultMarketConfig.
func (c *Config) MarketConfig() sim.MarketConfig {
	mc := sim.DefaultMarketConfig()
	o := c.Market
	if o.OfferTTL != nil {
		mc.OfferTTL = *o.OfferTTL
	}
	if o.ServiceDuration != nil {
		mc.ServiceDuration = *o.ServiceDuration
	}
	if o.MinPrice != nil {
		mc.MinPrice = *o.MinPrice
	}
	if o.MaxPrice != nil {
		mc.MaxPrice = *o.MaxPrice
	}
	if o.DefaultSlots != nil {
		mc.DefaultServicesLimit = *o.DefaultSlots
	}
	if o.MaxDrainPasses != nil {
		mc.MaxDrainPasses = *o.MaxDrainPasses
	}
	if o.AcceptProbability != nil {
		mc.Agent.AcceptProbability = *o.AcceptProbability
	}
	if o.HistoryWindow != nil {
		mc.Agent.HistoryWindow = *o.HistoryWindow
	}
	if o.ColdStartAccept != nil {
		mc.Agent.ColdStartAccept = *o.ColdStartAccept
	}
	return mc
}

// SeedValue returns the configured seed, or 42.
func (c *Config) SeedValue() int64 {
	if c.Seed != nil {
		return *c.Seed
	}
	return 42
}

func (c *Config) sampleEvery() int64 {
	switch {
	case c.SampleInterval != nil:
		return *c.SampleInterval
	case c.TrafficInterval > 0:
		return c.TrafficInterval
	default:
		return defaultSampleInterval
	}
}

func (c *Config) historyPrices() []int64 {
	if len(c.HistoryPrices) > 0 {
		return c.HistoryPrices
	}
	return DefaultHistoryPrices
}

func (g ProviderGroup) slots(mc sim.MarketConfig) int {
	if g.Slots != nil {
		return *g.Slots
	}
	return mc.DefaultServicesLimit
}

func (g ProviderGroup) balance() int64 {
	if g.Balance != nil {
		return *g.Balance
	}
	return defaultProviderBalance
}

func (g ConsumerGroup) balance() int64 {
	if g.Balance != nil {
		return *g.Balance
	}
	return defaultConsumerBalance
}
