package sim

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OfferState represents the negotiation state of an Offer.
type OfferState string

const (
	OfferIdle     OfferState = "IDLE"
	OfferMarket   OfferState = "MARKET"
	OfferExpired  OfferState = "EXPIRED"
	OfferAccepted OfferState = "ACCEPTED"
	OfferRejected OfferState = "REJECTED"
)

// Terminal reports whether the offer can no longer change.
func (s OfferState) Terminal() bool {
	return s == OfferExpired || s == OfferAccepted || s == OfferRejected
}

// CanTransitionTo encodes IDLE → MARKET → {EXPIRED, ACCEPTED, REJECTED}.
func (s OfferState) CanTransitionTo(next OfferState) bool {
	switch s {
	case OfferIdle:
		return next == OfferMarket
	case OfferMarket:
		return next.Terminal()
	default:
		return false
	}
}

// Offer is a direct, priced proposal from a consumer to one provider
// for one service. At most one offer per service is in MARKET at a time.
type Offer struct {
	ID              ID              `json:"id"`
	Seller          ID              `json:"seller"` // provider
	Buyer           ID              `json:"buyer"`  // consumer
	Service         ID              `json:"service"`
	Price           decimal.Decimal `json:"price"`
	ExpiryTimestamp int64           `json:"expiry_timestamp"`
	State           OfferState      `json:"state"`
	CreatedAt       int64           `json:"created_at"`
}

func (o *Offer) EntityID() ID           { return o.ID }
func (o *Offer) EntityKind() EntityKind { return KindOffer }
func (o *Offer) Owner() ID              { return o.Seller }
func (o *Offer) Clone() Entity          { c := *o; return &c }
func (o *Offer) CurrentState() string   { return string(o.State) }
func (o *Offer) SetState(state string)  { o.State = OfferState(state) }

// ExpiredAt reports whether the offer has lapsed at virtual time now.
func (o *Offer) ExpiredAt(now int64) bool {
	return o.ExpiryTimestamp <= now
}

func (o Offer) String() string {
	return fmt.Sprintf("Offer: (ID: %s, State: %s, Price: %s, Expiry: %d)", o.ID, o.State, o.Price, o.ExpiryTimestamp)
}
