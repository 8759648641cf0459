package sim

import (
	"hash/fnv"
	"math/rand"
)

// SimulationKey is the master seed of a market run. A scenario replayed with
// the same key and population prints the same report.
type SimulationKey int64

// NewSimulationKey wraps seed.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// Random streams the market draws from.
const (
	// SubsystemTraffic picks which consumer sends the next rental intent.
	// It is seeded with the master key itself.
	SubsystemTraffic = "traffic"

	// SubsystemRouting picks the provider a rental targets.
	SubsystemRouting = "routing"

	// SubsystemPricing draws offer prices.
	SubsystemPricing = "pricing"
)

// SubsystemAgent names one provider's decision stream. Each provider flips
// its own coin, so adding a provider never shifts another's decisions.
func SubsystemAgent(provider ID) string {
	return "agent_" + string(provider)
}

// PartitionedRNG hands each market stream its own *rand.Rand. Traffic uses
// the master key; every other stream is seeded with the key XOR the FNV-1a
// hash of its name, so draws on one stream never move another.
//
// Only the scheduler goroutine may call it.
type PartitionedRNG struct {
	key        SimulationKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates the stream set for key.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns the stream for name, creating it on first use.
// Later calls with the same name return the same instance.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}

	seed := int64(p.key)
	if name != SubsystemTraffic {
		seed ^= fnv1a64(name)
	}
	rng := rand.New(rand.NewSource(seed))
	p.subsystems[name] = rng
	return rng
}

// Key returns the master key.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
