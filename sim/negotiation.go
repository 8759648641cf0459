package sim

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/market-sim/sim/trace"
)

// Negotiation flow. A rental intent is split into continuations so that
// several actors interleave within one tick exactly as they would against a
// shared document store:
//
//	InitiateRental ─defer→ route + OpenOffer ─defer→ provider decides → AcceptOffer | RejectOffer
//	AcceptOffer ─schedule(+duration)→ ServiceCompletionEvent
//
// Offers still in MARKET at their expiry are lapsed by the ExpireOffers
// drain hook. Every transition re-checks the persisted state through
// Repository.UpdateIfState; losing a race yields a benign error kind.

// InitiateRental creates a MARKET service for consumer and queues the
// routing continuation. A consumer whose last service is not DONE is refused
// with PriorServiceUnfinished.
func (m *Market) InitiateRental(ctx context.Context, consumer ID) (*Service, error) {
	const op = "initiate-rental"
	now := m.Now()
	c, err := findConsumer(ctx, m.repo, consumer)
	if err != nil {
		return nil, err
	}
	if last, ok := c.LastService(); ok {
		prev, err := findService(ctx, m.repo, last)
		if err != nil {
			return nil, err
		}
		if !prev.State.Terminal() {
			m.metrics.RentalsRefused++
			return nil, &Error{Kind: KindPriorServiceUnfinished, Op: op, Entity: KindConsumer, ID: consumer,
				Err: fmt.Errorf("service %s is %s", prev.ID, prev.State)}
		}
	}

	svc := NewService(m.ids.Next(KindService), consumer, m.cfg.ServiceDuration, now)
	if err := m.repo.Save(ctx, svc); err != nil {
		return nil, err
	}
	c.Services = append(c.Services, svc.ID)
	if err := m.repo.Save(ctx, c); err != nil {
		return nil, err
	}
	m.metrics.RentalsInitiated++
	logrus.Debugf("[tick %07d] Consumer %s initiated rental %s", now, consumer, svc.ID)

	id := svc.ID
	m.sched.Defer("route-rental", func(ctx context.Context, _ int64) error {
		_, err := m.routeRental(ctx, id)
		return err
	})
	return svc, nil
}

// Reoffer opens a fresh offer for a MARKET service whose previous offer has
// terminated. It is the driver's retry path after an offer lapses.
func (m *Market) Reoffer(ctx context.Context, service ID) (*Offer, error) {
	return m.routeRental(ctx, service)
}

// routeRental draws a target provider and a price, redirects to a spare pool
// member when the target is full, and opens the offer.
func (m *Market) routeRental(ctx context.Context, service ID) (*Offer, error) {
	if len(m.providers) == 0 {
		return nil, &Error{Kind: KindInvalidArgument, Op: "route-rental", Entity: KindService, ID: service,
			Err: fmt.Errorf("no providers registered")}
	}
	requested := m.providers[m.rng.ForSubsystem(SubsystemRouting).Intn(len(m.providers))]
	chosen, reason := m.routeWithinPool(requested)
	if m.trace.Enabled() {
		m.trace.RecordRouting(trace.RoutingRecord{
			ServiceID: string(service),
			Clock:     m.Now(),
			Requested: string(requested),
			Chosen:    string(chosen),
			Reason:    reason,
		})
	}
	return m.OpenOffer(ctx, service, chosen, m.drawPrice())
}

func (m *Market) routeWithinPool(requested ID) (ID, string) {
	if m.ledger.Spare(requested) > 0 {
		return requested, "direct"
	}
	pool, ok := m.ledger.PoolOf(requested)
	if !ok {
		return requested, "direct"
	}
	if alt, ok := m.ledger.SpareMember(pool); ok {
		return alt, "pool-spillover"
	}
	return requested, "pool-full"
}

func (m *Market) drawPrice() decimal.Decimal {
	span := m.cfg.MaxPrice - m.cfg.MinPrice + 1
	return decimal.NewFromInt(m.cfg.MinPrice + m.rng.ForSubsystem(SubsystemPricing).Int63n(span))
}

// OpenOffer puts a priced offer for service in front of provider. Fails with
// PriorOfferOpen if the service already has an offer in MARKET and with
// StaleState if the service has left MARKET. The provider's decision is
// queued for the next drain pass.
func (m *Market) OpenOffer(ctx context.Context, service, provider ID, price decimal.Decimal) (*Offer, error) {
	const op = "open-offer"
	now := m.Now()
	if !price.IsPositive() {
		return nil, &Error{Kind: KindInvalidArgument, Op: op, Entity: KindService, ID: service,
			Err: fmt.Errorf("non-positive price %s", price)}
	}
	svc, err := findService(ctx, m.repo, service)
	if err != nil {
		return nil, err
	}
	if svc.State != ServiceMarket {
		return nil, &Error{Kind: KindStaleState, Op: op, Entity: KindService, ID: service,
			Err: fmt.Errorf("service is %s", svc.State)}
	}
	if open, ok := m.openOffers[service]; ok {
		return nil, &Error{Kind: KindPriorOfferOpen, Op: op, Entity: KindService, ID: service,
			Err: fmt.Errorf("offer %s is still in MARKET", open)}
	}
	if _, err := findProvider(ctx, m.repo, provider); err != nil {
		return nil, err
	}

	svc.Provider = provider
	svc.Count++
	// Same-state write: records the target without a lifecycle step.
	ok, err := m.repo.UpdateIfState(ctx, svc, string(ServiceMarket), string(ServiceMarket))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(KindStaleState, op, KindService, service)
	}

	offer := &Offer{
		ID:              m.ids.Next(KindOffer),
		Seller:          provider,
		Buyer:           svc.Consumer,
		Service:         service,
		Price:           price,
		ExpiryTimestamp: now + m.cfg.OfferTTL,
		State:           OfferMarket,
		CreatedAt:       now,
	}
	if err := m.repo.Save(ctx, offer); err != nil {
		return nil, err
	}
	m.openOffers[service] = offer.ID
	m.expiries.push(offer.ID, offer.ExpiryTimestamp)
	m.metrics.OffersOpened++
	logrus.Debugf("[tick %07d] Offer %s opened: service %s → provider %s at %s", now, offer.ID, service, provider, price)

	id := offer.ID
	m.sched.Defer("respond-offer", func(ctx context.Context, _ int64) error {
		return m.respond(ctx, id)
	})
	return offer, nil
}

// respond asks the seller's policy about an offer and acts on the answer.
func (m *Market) respond(ctx context.Context, offerID ID) error {
	offer, err := findOffer(ctx, m.repo, offerID)
	if err != nil {
		return err
	}
	if offer.State != OfferMarket {
		return &Error{Kind: KindOfferNotOpen, Op: "respond-offer", Entity: KindOffer, ID: offerID,
			Err: fmt.Errorf("offer is %s", offer.State)}
	}
	policy, ok := m.policies[offer.Seller]
	if !ok {
		return newError(KindNotFound, "respond-offer", KindProvider, offer.Seller)
	}
	history, err := m.acceptedPrices(ctx, offer.Seller)
	if err != nil {
		return err
	}
	if policy.Decide(offer, history) == Accept {
		return m.AcceptOffer(ctx, offerID)
	}
	return m.RejectOffer(ctx, offerID)
}

// AcceptOffer settles an offer in the provider's favour: it reserves a slot,
// moves the service MARKET → ACTIVE and the offer MARKET → ACCEPTED in one
// uninterrupted step, then schedules the service's completion.
//
// If no slot is free the acceptance fails with CapacityExhausted and the
// offer stays in MARKET. Losing to another transition yields OfferNotOpen or
// StaleState.
func (m *Market) AcceptOffer(ctx context.Context, offerID ID) error {
	const op = "accept-offer"
	now := m.Now()
	offer, err := findOffer(ctx, m.repo, offerID)
	if err != nil {
		return err
	}
	if offer.State != OfferMarket {
		m.recordOffer(offer, trace.OutcomeStale, "offer is "+string(offer.State))
		return &Error{Kind: KindOfferNotOpen, Op: op, Entity: KindOffer, ID: offerID,
			Err: fmt.Errorf("offer is %s", offer.State)}
	}
	if offer.ExpiredAt(now) {
		if err := m.expireOffer(ctx, offer); err != nil {
			return err
		}
		return &Error{Kind: KindOfferNotOpen, Op: op, Entity: KindOffer, ID: offerID,
			Err: fmt.Errorf("offer expired at %d", offer.ExpiryTimestamp)}
	}
	svc, err := findService(ctx, m.repo, offer.Service)
	if err != nil {
		return err
	}
	if svc.State != ServiceMarket {
		m.recordOffer(offer, trace.OutcomeStale, "service is "+string(svc.State))
		return &Error{Kind: KindStaleState, Op: op, Entity: KindService, ID: svc.ID,
			Err: fmt.Errorf("service is %s", svc.State)}
	}
	if err := m.checkFunds(ctx, svc.Consumer, offer.Price); err != nil {
		if IsBenign(err) {
			m.recordOffer(offer, trace.OutcomeUnaffordable, err.Error())
		}
		return err
	}

	res, err := m.ledger.TryReserve(offer.Seller)
	if err != nil {
		if KindOf(err) == KindCapacityExhausted {
			m.recordOffer(offer, trace.OutcomeCapacityExhausted, "no spare slot")
		}
		return err
	}

	svc.Provider = offer.Seller
	svc.Price = offer.Price
	svc.StartedAt = now
	svc.EndsAt = now + svc.Duration
	ok, err := transition(ctx, m.repo, op, svc, svc.State, ServiceActive)
	if err != nil || !ok {
		if relErr := m.ledger.Release(res); relErr != nil {
			return relErr
		}
		if err != nil {
			return err
		}
		m.recordOffer(offer, trace.OutcomeStale, "service left MARKET")
		return newError(KindStaleState, op, KindService, svc.ID)
	}
	ok, err = transition(ctx, m.repo, op, offer, OfferMarket, OfferAccepted)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: KindInvariantViolated, Op: op, Entity: KindOffer, ID: offerID,
			Err: fmt.Errorf("service %s went ACTIVE but the offer was settled concurrently", svc.ID)}
	}

	m.reservations[svc.ID] = res
	m.closeOffer(offer)
	if err := m.syncProvider(ctx, offer.Seller, svc.ID); err != nil {
		return err
	}
	if err := m.sched.Schedule(NewServiceCompletionEvent(svc.EndsAt, svc.ID, m)); err != nil {
		return err
	}
	m.metrics.OffersAccepted++
	m.recordOffer(offer, trace.OutcomeAccepted, "")
	logrus.Debugf("[tick %07d] Offer %s accepted: service %s active on %s until %d", now, offerID, svc.ID, offer.Seller, svc.EndsAt)
	return nil
}

// RejectOffer closes an offer in MARKET as REJECTED.
func (m *Market) RejectOffer(ctx context.Context, offerID ID) error {
	offer, err := findOffer(ctx, m.repo, offerID)
	if err != nil {
		return err
	}
	ok, err := transition(ctx, m.repo, "reject-offer", offer, OfferMarket, OfferRejected)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: KindOfferNotOpen, Op: "reject-offer", Entity: KindOffer, ID: offerID,
			Err: fmt.Errorf("offer is %s", offer.State)}
	}
	m.closeOffer(offer)
	m.metrics.OffersRejected++
	m.recordOffer(offer, trace.OutcomeRejected, "")
	return nil
}

// ExpireOffers lapses every offer still in MARKET whose expiry is at or
// before now. It runs at the top of every drain pass and is idempotent:
// offers settled in the meantime are skipped.
func (m *Market) ExpireOffers(ctx context.Context, now int64) error {
	for {
		id, ok := m.expiries.popDue(now)
		if !ok {
			return nil
		}
		offer, err := findOffer(ctx, m.repo, id)
		if err != nil {
			return err
		}
		if offer.State != OfferMarket {
			continue
		}
		if err := m.expireOffer(ctx, offer); err != nil {
			return err
		}
	}
}

func (m *Market) expireOffer(ctx context.Context, offer *Offer) error {
	ok, err := transition(ctx, m.repo, "expire-offer", offer, OfferMarket, OfferExpired)
	if err != nil || !ok {
		return err
	}
	m.closeOffer(offer)
	m.metrics.OffersExpired++
	m.recordOffer(offer, trace.OutcomeExpired, "")
	logrus.Debugf("[tick %07d] Offer %s expired", m.Now(), offer.ID)
	return nil
}

// lifecycleState is a state enum with a forward-only transition relation.
type lifecycleState[S any] interface {
	~string
	CanTransitionTo(next S) bool
}

// transition persists e moving from → to. An edge the lifecycle does not
// allow is InvariantViolated and never reaches the repository; a stored
// state other than from yields (false, nil).
func transition[S lifecycleState[S]](ctx context.Context, repo Repository, op string, e Stateful, from, to S) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, &Error{Kind: KindInvariantViolated, Op: op, Entity: e.EntityKind(), ID: e.EntityID(),
			Err: fmt.Errorf("illegal transition %s → %s", from, to)}
	}
	return repo.UpdateIfState(ctx, e, string(from), string(to))
}

func (m *Market) closeOffer(offer *Offer) {
	if m.openOffers[offer.Service] == offer.ID {
		delete(m.openOffers, offer.Service)
	}
}

// OpenOfferFor returns the offer currently in MARKET for service, if any.
func (m *Market) OpenOfferFor(service ID) (ID, bool) {
	id, ok := m.openOffers[service]
	return id, ok
}

// completeService moves an ACTIVE service to DONE, releases its slot and
// settles the price between the two accounts.
func (m *Market) completeService(ctx context.Context, service ID) error {
	const op = "complete-service"
	svc, err := findService(ctx, m.repo, service)
	if err != nil {
		return err
	}
	res, ok := m.reservations[service]
	if !ok {
		return &Error{Kind: KindInvariantViolated, Op: op, Entity: KindService, ID: service,
			Err: fmt.Errorf("no reservation held")}
	}
	ok, err = transition(ctx, m.repo, op, svc, svc.State, ServiceDone)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: KindInvariantViolated, Op: op, Entity: KindService, ID: service,
			Err: fmt.Errorf("service left ACTIVE before completion")}
	}
	if err := m.ledger.Release(res); err != nil {
		return err
	}
	delete(m.reservations, service)
	if err := m.settle(ctx, svc); err != nil {
		return err
	}
	if err := m.syncProvider(ctx, svc.Provider, ""); err != nil {
		return err
	}
	m.metrics.ServicesCompleted++
	m.metrics.Revenue = m.metrics.Revenue.Add(svc.Price)
	for _, o := range m.observers {
		o.ObserveServiceCompleted(svc.Price)
	}
	logrus.Debugf("[tick %07d] Service %s done on %s", m.Now(), service, svc.Provider)
	return nil
}

func (m *Market) checkFunds(ctx context.Context, consumer ID, price decimal.Decimal) error {
	c, err := findConsumer(ctx, m.repo, consumer)
	if err != nil {
		return err
	}
	acct, err := findAccount(ctx, m.repo, c.Account)
	if err != nil {
		return err
	}
	if acct.Balance.LessThan(price) {
		return &Error{Kind: KindInsufficientFunds, Op: "accept-offer", Entity: KindAccount, ID: acct.ID,
			Err: fmt.Errorf("balance %s below price %s", acct.Balance, price)}
	}
	return nil
}

// settle debits the consumer's account and credits the provider's.
func (m *Market) settle(ctx context.Context, svc *Service) error {
	c, err := findConsumer(ctx, m.repo, svc.Consumer)
	if err != nil {
		return err
	}
	p, err := findProvider(ctx, m.repo, svc.Provider)
	if err != nil {
		return err
	}
	payer, err := findAccount(ctx, m.repo, c.Account)
	if err != nil {
		return err
	}
	payee, err := findAccount(ctx, m.repo, p.Account)
	if err != nil {
		return err
	}
	if payer.Balance.LessThan(svc.Price) {
		return &Error{Kind: KindInvariantViolated, Op: "settle", Entity: KindAccount, ID: payer.ID,
			Err: fmt.Errorf("balance %s cannot cover %s", payer.Balance, svc.Price)}
	}
	payer.Balance = payer.Balance.Sub(svc.Price)
	payee.Balance = payee.Balance.Add(svc.Price)
	if err := m.repo.Save(ctx, payer); err != nil {
		return err
	}
	return m.repo.Save(ctx, payee)
}

// syncProvider mirrors the ledger's occupancy onto the stored provider and
// records a newly started service.
func (m *Market) syncProvider(ctx context.Context, provider, started ID) error {
	p, err := findProvider(ctx, m.repo, provider)
	if err != nil {
		return err
	}
	p.ActiveServices = m.ledger.Active(provider)
	if started != "" {
		p.Services = append(p.Services, started)
	}
	return m.repo.Save(ctx, p)
}

func (m *Market) recordOffer(offer *Offer, outcome trace.Outcome, reason string) {
	m.observeOffer(outcome)
	if !m.trace.Enabled() {
		return
	}
	m.trace.RecordOffer(trace.OfferRecord{
		OfferID:   string(offer.ID),
		ServiceID: string(offer.Service),
		Provider:  string(offer.Seller),
		Consumer:  string(offer.Buyer),
		Clock:     m.Now(),
		Price:     offer.Price.String(),
		Outcome:   outcome,
		Reason:    reason,
	})
}

// ServiceCompletionEvent fires when an ACTIVE service's duration elapses.
type ServiceCompletionEvent struct {
	time    int64
	Service ID
	market  *Market
}

// NewServiceCompletionEvent creates the completion event for service at tick t.
func NewServiceCompletionEvent(t int64, service ID, m *Market) *ServiceCompletionEvent {
	return &ServiceCompletionEvent{time: t, Service: service, market: m}
}

func (e *ServiceCompletionEvent) Timestamp() int64 { return e.time }
func (e *ServiceCompletionEvent) Name() string     { return "complete-service" }

// Execute completes the service.
func (e *ServiceCompletionEvent) Execute(ctx context.Context, _ *Scheduler) error {
	return e.market.completeService(ctx, e.Service)
}

// expiryEntry orders pending expiry checks by (expiry, insertion).
type expiryEntry struct {
	offer  ID
	expiry int64
	seq    int64
}

// expiryQueue is a min-heap of offers awaiting their lazy expiry check.
// Implements heap.Interface.
type expiryQueue struct {
	entries []expiryEntry
	seq     int64
}

func (q *expiryQueue) Len() int { return len(q.entries) }

func (q *expiryQueue) Less(i, j int) bool {
	if q.entries[i].expiry != q.entries[j].expiry {
		return q.entries[i].expiry < q.entries[j].expiry
	}
	return q.entries[i].seq < q.entries[j].seq
}

func (q *expiryQueue) Swap(i, j int) { q.entries[i], q.entries[j] = q.entries[j], q.entries[i] }

func (q *expiryQueue) Push(x any) { q.entries = append(q.entries, x.(expiryEntry)) }

func (q *expiryQueue) Pop() any {
	n := len(q.entries)
	item := q.entries[n-1]
	q.entries = q.entries[:n-1]
	return item
}

func (q *expiryQueue) push(offer ID, expiry int64) {
	q.seq++
	heap.Push(q, expiryEntry{offer: offer, expiry: expiry, seq: q.seq})
}

func (q *expiryQueue) popDue(now int64) (ID, bool) {
	if q.Len() == 0 || q.entries[0].expiry > now {
		return "", false
	}
	return heap.Pop(q).(expiryEntry).offer, true
}
