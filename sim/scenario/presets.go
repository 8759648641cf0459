package scenario

import (
	"fmt"
	"sort"
)

func intPtr(v int) *int { return &v }

// presets reproduce the bundled market studies. Ticks stand for milliseconds.
var presets = map[string]func() *Config{
	// 4 random agents and 1 history agent with 5 slots each, 25 consumers.
	"scenario2": func() *Config {
		return highDemand("scenario2", 5, false, 100000)
	},
	// Same population, 3 slots each.
	"scenario3": func() *Config {
		return highDemand("scenario3", 3, false, 100000)
	},
	// 5 slots each, every provider in one capacity pool.
	"scenario4": func() *Config {
		return highDemand("scenario4", 5, true, 60000)
	},
	// One pooled provider, one consumer renting once.
	"single": func() *Config {
		return &Config{
			Name:        "single",
			Duration:    18000,
			RentAtStart: true,
			Pooled:      true,
			Providers:   []ProviderGroup{{Name: "Provider", Count: 1, Agent: "random"}},
			Consumers:   ConsumerGroup{Count: 1},
		}
	},
}

func highDemand(name string, slots int, pooled bool, duration int64) *Config {
	return &Config{
		Name:            name,
		Duration:        duration,
		TrafficInterval: 500,
		Pooled:          pooled,
		Providers: []ProviderGroup{
			{Name: "Random", Count: 4, Agent: "random", Slots: intPtr(slots)},
			{Name: "AI_Agent", Count: 1, Agent: "history", Slots: intPtr(slots)},
		},
		Consumers: ConsumerGroup{Count: 25},
	}
}

// Preset returns a fresh copy of a named scenario.
func Preset(name string) (*Config, error) {
	build, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q (valid: %v)", name, PresetNames())
	}
	return build(), nil
}

// PresetNames lists the bundled presets in lexical order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
