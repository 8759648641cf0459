package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultMarketConfig_Valid(t *testing.T) {
	assert.NoError(t, DefaultMarketConfig().Validate())
}

func TestMarketConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MarketConfig)
	}{
		{"zero ttl", func(c *MarketConfig) { c.OfferTTL = 0 }},
		{"zero duration", func(c *MarketConfig) { c.ServiceDuration = 0 }},
		{"zero min price", func(c *MarketConfig) { c.MinPrice = 0 }},
		{"max below min", func(c *MarketConfig) { c.MinPrice, c.MaxPrice = 5, 4 }},
		{"negative default limit", func(c *MarketConfig) { c.DefaultServicesLimit = -1 }},
		{"negative drain passes", func(c *MarketConfig) { c.MaxDrainPasses = -1 }},
		{"probability above one", func(c *MarketConfig) { c.Agent.AcceptProbability = 1.5 }},
		{"negative window", func(c *MarketConfig) { c.Agent.HistoryWindow = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMarketConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMarketConfig_SinglePriceRangeIsValid(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.MinPrice, cfg.MaxPrice = 3, 3
	assert.NoError(t, cfg.Validate())
}
