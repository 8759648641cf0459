package sim

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// Entity is anything the Repository persists.
type Entity interface {
	EntityID() ID
	EntityKind() EntityKind
	// Owner is the secondary reference the repository indexes on:
	// the seller provider for offers, the provider for services,
	// the account for actors. Empty when the entity has none.
	Owner() ID
	// Clone returns a deep copy, so stored documents never alias live values.
	Clone() Entity
}

// Stateful entities carry a lifecycle state guarded by UpdateIfState.
type Stateful interface {
	Entity
	CurrentState() string
	SetState(state string)
}

// AgentType selects the decision policy a provider negotiates with.
type AgentType string

const (
	AgentRandom  AgentType = "random"
	AgentHistory AgentType = "history"
)

// validAgentTypes maps accepted agent names. "ai" is kept as an alias of
// history for scenario files written against the earlier naming.
var validAgentTypes = map[AgentType]bool{
	AgentRandom:  true,
	AgentHistory: true,
	"ai":         true,
	"":           true, // empty defaults to random
}

// IsValidAgentType returns true if name is a recognized agent type.
func IsValidAgentType(name string) bool {
	return validAgentTypes[AgentType(name)]
}

// Normalize folds aliases and the empty default into a canonical agent type.
func (a AgentType) Normalize() AgentType {
	switch a {
	case "", AgentRandom:
		return AgentRandom
	case "ai", AgentHistory:
		return AgentHistory
	default:
		return a
	}
}

// Account holds an actor's balance. Balance never goes negative.
type Account struct {
	ID      ID              `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

func (a *Account) EntityID() ID           { return a.ID }
func (a *Account) EntityKind() EntityKind { return KindAccount }
func (a *Account) Owner() ID              { return "" }
func (a *Account) Clone() Entity          { c := *a; return &c }

// Provider offers services with a bounded number of concurrent slots.
// ActiveServices mirrors the Ledger and is only written after a reserve or release.
type Provider struct {
	ID             ID        `json:"id"`
	Account        ID        `json:"account"`
	ServicesLimit  int       `json:"services_limit"`
	ActiveServices int       `json:"active_services"`
	AgentType      AgentType `json:"agent_type"`
	Pool           ID        `json:"pool,omitempty"`
	Services       []ID      `json:"services,omitempty"`
}

func (p *Provider) EntityID() ID           { return p.ID }
func (p *Provider) EntityKind() EntityKind { return KindProvider }
func (p *Provider) Owner() ID              { return p.Account }
func (p *Provider) Clone() Entity {
	c := *p
	c.Services = slices.Clone(p.Services)
	return &c
}

func (p Provider) String() string {
	return fmt.Sprintf("Provider: (ID: %s, Agent: %s, Active: %d/%d)", p.ID, p.AgentType, p.ActiveServices, p.ServicesLimit)
}

// Consumer rents services, one outstanding rental at a time.
type Consumer struct {
	ID       ID   `json:"id"`
	Account  ID   `json:"account"`
	Services []ID `json:"services,omitempty"`
}

func (c *Consumer) EntityID() ID           { return c.ID }
func (c *Consumer) EntityKind() EntityKind { return KindConsumer }
func (c *Consumer) Owner() ID              { return c.Account }
func (c *Consumer) Clone() Entity {
	cp := *c
	cp.Services = slices.Clone(c.Services)
	return &cp
}

// LastService returns the most recent rental, if any.
func (c *Consumer) LastService() (ID, bool) {
	if len(c.Services) == 0 {
		return "", false
	}
	return c.Services[len(c.Services)-1], true
}

// Pool groups providers that share capacity bookkeeping.
// Members are non-owning references.
type Pool struct {
	ID      ID   `json:"id"`
	Members []ID `json:"members,omitempty"`
}

func (p *Pool) EntityID() ID           { return p.ID }
func (p *Pool) EntityKind() EntityKind { return KindPool }
func (p *Pool) Owner() ID              { return "" }
func (p *Pool) Clone() Entity {
	c := *p
	c.Members = slices.Clone(p.Members)
	return &c
}
