package sim

import "fmt"

// MarketConfig groups the negotiation and capacity parameters of a Market.
type MarketConfig struct {
	OfferTTL             int64   // ticks an offer stays in MARKET before it expires (must be > 0)
	ServiceDuration      int64   // ticks an accepted service stays ACTIVE (must be > 0)
	MinPrice             int64   // lowest price a rental intent offers (must be > 0)
	MaxPrice             int64   // highest price a rental intent offers (>= MinPrice)
	DefaultServicesLimit int     // slot limit scenarios give providers that do not set one
	MaxDrainPasses       int     // drain passes per tick before a stall is reported (0 = default)
	Agent                AgentConfig
}

// AgentConfig parameterizes the decision policies.
type AgentConfig struct {
	AcceptProbability float64 // random policy: chance to accept any offer, in [0, 1]
	HistoryWindow     int     // history policy: number of most recent accepted prices averaged (0 = all)
	ColdStartAccept   bool    // history policy: accept when the provider has no history yet
}

// DefaultMarketConfig returns the parameters the bundled scenarios run with.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		OfferTTL:             2000,
		ServiceDuration:      5000,
		MinPrice:             1,
		MaxPrice:             10,
		DefaultServicesLimit: 5,
		MaxDrainPasses:       DefaultMaxDrainPasses,
		Agent: AgentConfig{
			AcceptProbability: 0.5,
			HistoryWindow:     10,
			ColdStartAccept:   true,
		},
	}
}

// Validate checks parameter ranges.
func (c MarketConfig) Validate() error {
	if c.OfferTTL <= 0 {
		return fmt.Errorf("offer TTL must be positive, got %d", c.OfferTTL)
	}
	if c.ServiceDuration <= 0 {
		return fmt.Errorf("service duration must be positive, got %d", c.ServiceDuration)
	}
	if c.MinPrice <= 0 {
		return fmt.Errorf("min price must be positive, got %d", c.MinPrice)
	}
	if c.MaxPrice < c.MinPrice {
		return fmt.Errorf("max price %d below min price %d", c.MaxPrice, c.MinPrice)
	}
	if c.DefaultServicesLimit < 0 {
		return fmt.Errorf("default services limit must be non-negative, got %d", c.DefaultServicesLimit)
	}
	if c.MaxDrainPasses < 0 {
		return fmt.Errorf("max drain passes must be non-negative, got %d", c.MaxDrainPasses)
	}
	if c.Agent.AcceptProbability < 0 || c.Agent.AcceptProbability > 1 {
		return fmt.Errorf("accept probability must be in [0, 1], got %f", c.Agent.AcceptProbability)
	}
	if c.Agent.HistoryWindow < 0 {
		return fmt.Errorf("history window must be non-negative, got %d", c.Agent.HistoryWindow)
	}
	return nil
}
