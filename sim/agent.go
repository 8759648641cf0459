package sim

import (
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"
)

// Decision is a provider's answer to an offer.
type Decision int

const (
	Reject Decision = iota
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// AgentPolicy decides whether a provider takes an offer.
// Decide runs synchronously inside a drain pass and must not defer work.
// history holds the provider's previously accepted prices, oldest first.
type AgentPolicy interface {
	Decide(offer *Offer, history []decimal.Decimal) Decision
}

// RandomPolicy accepts with a fixed probability, ignoring price and history.
type RandomPolicy struct {
	rng               *rand.Rand
	acceptProbability float64
}

// NewRandomPolicy creates a RandomPolicy drawing from rng.
func NewRandomPolicy(rng *rand.Rand, acceptProbability float64) *RandomPolicy {
	return &RandomPolicy{rng: rng, acceptProbability: acceptProbability}
}

func (p *RandomPolicy) Decide(_ *Offer, _ []decimal.Decimal) Decision {
	if p.rng.Float64() < p.acceptProbability {
		return Accept
	}
	return Reject
}

// HistoryPolicy accepts an offer priced at or above the moving average of the
// provider's last window accepted prices.
type HistoryPolicy struct {
	window          int
	coldStartAccept bool
}

// NewHistoryPolicy creates a HistoryPolicy. window <= 0 averages all history.
func NewHistoryPolicy(window int, coldStartAccept bool) *HistoryPolicy {
	return &HistoryPolicy{window: window, coldStartAccept: coldStartAccept}
}

func (p *HistoryPolicy) Decide(offer *Offer, history []decimal.Decimal) Decision {
	if len(history) == 0 {
		if p.coldStartAccept {
			return Accept
		}
		return Reject
	}
	if offer.Price.GreaterThanOrEqual(MovingAverage(history, p.window)) {
		return Accept
	}
	return Reject
}

// MovingAverage averages the last window prices (all of them if window <= 0).
// Returns zero for empty input.
func MovingAverage(prices []decimal.Decimal, window int) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	if window > 0 && len(prices) > window {
		prices = prices[len(prices)-window:]
	}
	return decimal.Sum(prices[0], prices[1:]...).Div(decimal.NewFromInt(int64(len(prices))))
}

// NewAgentPolicy creates the decision policy for an agent type.
// Valid names are defined in validAgentTypes (entity.go); an empty name
// defaults to random. Panics on unrecognized names.
func NewAgentPolicy(agentType AgentType, rng *rand.Rand, cfg AgentConfig) AgentPolicy {
	if !IsValidAgentType(string(agentType)) {
		panic(fmt.Sprintf("unknown agent type %q", agentType))
	}
	switch agentType.Normalize() {
	case AgentRandom:
		return NewRandomPolicy(rng, cfg.AcceptProbability)
	case AgentHistory:
		return NewHistoryPolicy(cfg.HistoryWindow, cfg.ColdStartAccept)
	default:
		panic(fmt.Sprintf("unhandled agent type %q", agentType))
	}
}
