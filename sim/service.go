// Defines the Service entity: a single rental from its creation in the market
// until the provider has fulfilled it.

package sim

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ServiceState represents the lifecycle state of a rental.
// Transitions only move forward: MARKET → ACTIVE → DONE.
type ServiceState string

const (
	ServiceIdle   ServiceState = "IDLE" // unused; services are created directly into MARKET
	ServiceMarket ServiceState = "MARKET"
	ServiceActive ServiceState = "ACTIVE"
	ServiceDone   ServiceState = "DONE"
)

var serviceOrder = map[ServiceState]int{
	ServiceIdle:   0,
	ServiceMarket: 1,
	ServiceActive: 2,
	ServiceDone:   3,
}

// CanTransitionTo reports whether next is the immediate successor of s.
func (s ServiceState) CanTransitionTo(next ServiceState) bool {
	cur, ok := serviceOrder[s]
	if !ok {
		return false
	}
	n, ok := serviceOrder[next]
	return ok && n == cur+1
}

// Terminal reports whether no further transition is possible.
func (s ServiceState) Terminal() bool { return s == ServiceDone }

// Service is a rental linking a consumer and the provider fulfilling it.
type Service struct {
	ID       ID           `json:"id"`
	Consumer ID           `json:"consumer"`
	Provider ID           `json:"provider,omitempty"` // set once an offer targets a provider
	State    ServiceState `json:"state"`
	Duration int64        `json:"duration"` // ticks the service stays ACTIVE
	Count    int          `json:"count"`    // offers issued for this service

	Price     decimal.Decimal `json:"price"` // agreed price, set on acceptance
	CreatedAt int64           `json:"created_at"`
	StartedAt int64           `json:"started_at,omitempty"`
	EndsAt    int64           `json:"ends_at,omitempty"`
}

func (s *Service) EntityID() ID           { return s.ID }
func (s *Service) EntityKind() EntityKind { return KindService }
func (s *Service) Owner() ID              { return s.Provider }
func (s *Service) Clone() Entity          { c := *s; return &c }
func (s *Service) CurrentState() string   { return string(s.State) }
func (s *Service) SetState(state string)  { s.State = ServiceState(state) }

func (s Service) String() string {
	return fmt.Sprintf("Service: (ID: %s, State: %s, Consumer: %s, Provider: %s)", s.ID, s.State, s.Consumer, s.Provider)
}

// NewService constructs a rental directly in MARKET.
func NewService(id, consumer ID, duration, now int64) *Service {
	return &Service{
		ID:        id,
		Consumer:  consumer,
		State:     ServiceMarket,
		Duration:  duration,
		CreatedAt: now,
	}
}
