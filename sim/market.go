package sim

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/market-sim/sim/trace"
)

// Market is the core object: it owns the scheduler (and with it the virtual
// clock), the capacity ledger and the agent policies, and routes every entity
// mutation through the repository.
type Market struct {
	cfg     MarketConfig
	sched   *Scheduler
	repo    Repository
	history HistoryReader // nil when the repository cannot serve history
	seeder  Seeder        // nil when the repository cannot bulk-insert
	ledger  *Ledger
	rng     *PartitionedRNG
	ids     *IDGenerator

	policies  map[ID]AgentPolicy
	providers []ID // registration order
	consumers []ID

	// reservations maps an ACTIVE service to the slot it holds.
	reservations map[ID]*Reservation
	// openOffers maps a service to its single offer in MARKET.
	openOffers map[ID]ID
	expiries   expiryQueue

	metrics   *Metrics
	trace     *trace.NegotiationTrace
	observers []Observer
}

// NewMarket creates a market at tick 0 backed by repo.
// If repo also implements HistoryReader and Seeder, history-informed agents
// read through it and SeedHistory writes through it.
func NewMarket(cfg MarketConfig, repo Repository, key SimulationKey) (*Market, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market config: %w", err)
	}
	if repo == nil {
		return nil, fmt.Errorf("market needs a repository")
	}
	m := &Market{
		cfg:          cfg,
		sched:        NewScheduler(cfg.MaxDrainPasses),
		repo:         repo,
		ledger:       NewLedger(),
		rng:          NewPartitionedRNG(key),
		ids:          NewIDGenerator(key),
		policies:     make(map[ID]AgentPolicy),
		reservations: make(map[ID]*Reservation),
		openOffers:   make(map[ID]ID),
		metrics:      NewMetrics(),
	}
	if h, ok := repo.(HistoryReader); ok {
		m.history = h
	}
	if s, ok := repo.(Seeder); ok {
		m.seeder = s
	}
	m.sched.AddDrainHook(m.ExpireOffers)
	m.sched.OnBenign(func(_ string, err error) {
		kind := KindOf(err)
		m.metrics.BenignRaces[kind]++
		for _, o := range m.observers {
			o.ObserveBenign(kind)
		}
	})
	return m, nil
}

// SetTrace enables decision tracing into nt.
func (m *Market) SetTrace(nt *trace.NegotiationTrace) { m.trace = nt }

// Trace returns the decision trace (nil if tracing is off).
func (m *Market) Trace() *trace.NegotiationTrace { return m.trace }

// AddObserver registers an observer for live market events.
func (m *Market) AddObserver(o Observer) { m.observers = append(m.observers, o) }

// Scheduler exposes the clock owner so drivers can schedule periodic work.
func (m *Market) Scheduler() *Scheduler { return m.sched }

// Now returns the current virtual time.
func (m *Market) Now() int64 { return m.sched.Now() }

// Metrics returns the live metrics.
func (m *Market) Metrics() *Metrics { return m.metrics }

// Config returns the market configuration.
func (m *Market) Config() MarketConfig { return m.cfg }

// Providers returns provider ids in registration order.
func (m *Market) Providers() []ID { return append([]ID(nil), m.providers...) }

// Consumers returns consumer ids in registration order.
func (m *Market) Consumers() []ID { return append([]ID(nil), m.consumers...) }

// RNG returns the partitioned RNG for driver-side draws.
func (m *Market) RNG() *PartitionedRNG { return m.rng }

// AdvanceClock is the only entry point that moves simulated time.
func (m *Market) AdvanceClock(ctx context.Context, ticks int64) error {
	return m.sched.Advance(ctx, ticks)
}

// CreateAccount opens an account with a non-negative starting balance.
func (m *Market) CreateAccount(ctx context.Context, balance decimal.Decimal) (*Account, error) {
	if balance.IsNegative() {
		return nil, &Error{Kind: KindInvalidArgument, Op: "create-account", Entity: KindAccount,
			Err: fmt.Errorf("negative balance %s", balance)}
	}
	a := &Account{ID: m.ids.Next(KindAccount), Balance: balance}
	if err := m.repo.Save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateProvider onboards a provider with capacityLimit slots negotiating
// through the policy selected by agentType.
func (m *Market) CreateProvider(ctx context.Context, account ID, capacityLimit int, agentType AgentType) (*Provider, error) {
	const op = "create-provider"
	if !IsValidAgentType(string(agentType)) {
		return nil, &Error{Kind: KindInvalidArgument, Op: op, Entity: KindProvider,
			Err: fmt.Errorf("unknown agent type %q", agentType)}
	}
	if capacityLimit < 0 {
		return nil, &Error{Kind: KindInvalidArgument, Op: op, Entity: KindProvider,
			Err: fmt.Errorf("negative capacity limit %d", capacityLimit)}
	}
	if _, err := findAccount(ctx, m.repo, account); err != nil {
		return nil, err
	}
	p := &Provider{
		ID:            m.ids.Next(KindProvider),
		Account:       account,
		ServicesLimit: capacityLimit,
		AgentType:     agentType.Normalize(),
	}
	if err := m.ledger.Register(p.ID, capacityLimit); err != nil {
		return nil, err
	}
	if err := m.repo.Save(ctx, p); err != nil {
		return nil, err
	}
	m.policies[p.ID] = NewAgentPolicy(p.AgentType, m.rng.ForSubsystem(SubsystemAgent(p.ID)), m.cfg.Agent)
	m.providers = append(m.providers, p.ID)
	m.metrics.trackProvider(p.ID, capacityLimit)
	logrus.Infof("[tick %07d] Provider %s onboarded (agent=%s, slots=%d)", m.Now(), p.ID, p.AgentType, capacityLimit)
	return p, nil
}

// CreateConsumer onboards a consumer.
func (m *Market) CreateConsumer(ctx context.Context, account ID) (*Consumer, error) {
	if _, err := findAccount(ctx, m.repo, account); err != nil {
		return nil, err
	}
	c := &Consumer{ID: m.ids.Next(KindConsumer), Account: account}
	if err := m.repo.Save(ctx, c); err != nil {
		return nil, err
	}
	m.consumers = append(m.consumers, c.ID)
	return c, nil
}

// CreatePool creates an empty capacity pool.
func (m *Market) CreatePool(ctx context.Context) (*Pool, error) {
	p := &Pool{ID: m.ids.Next(KindPool)}
	if err := m.ledger.CreatePool(p.ID); err != nil {
		return nil, err
	}
	if err := m.repo.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddProviderToPool makes provider a member of pool. A provider already in
// another pool is refused with AlreadyPooled; it must be removed first.
func (m *Market) AddProviderToPool(ctx context.Context, pool, provider ID) error {
	pl, err := findPool(ctx, m.repo, pool)
	if err != nil {
		return err
	}
	p, err := findProvider(ctx, m.repo, provider)
	if err != nil {
		return err
	}
	if p.Pool == pool {
		return nil
	}
	if err := m.ledger.JoinPool(pool, provider); err != nil {
		return err
	}
	pl.Members = append(pl.Members, provider)
	p.Pool = pool
	if err := m.repo.Save(ctx, pl); err != nil {
		return err
	}
	return m.repo.Save(ctx, p)
}

// RemoveProviderFromPool drops provider from pool.
func (m *Market) RemoveProviderFromPool(ctx context.Context, pool, provider ID) error {
	pl, err := findPool(ctx, m.repo, pool)
	if err != nil {
		return err
	}
	p, err := findProvider(ctx, m.repo, provider)
	if err != nil {
		return err
	}
	if err := m.ledger.LeavePool(pool, provider); err != nil {
		return err
	}
	for i, id := range pl.Members {
		if id == provider {
			pl.Members = append(pl.Members[:i], pl.Members[i+1:]...)
			break
		}
	}
	p.Pool = ""
	if err := m.repo.Save(ctx, pl); err != nil {
		return err
	}
	return m.repo.Save(ctx, p)
}

// Service loads a copy of a stored service.
func (m *Market) Service(ctx context.Context, id ID) (*Service, error) {
	return findService(ctx, m.repo, id)
}

// Consumer loads a copy of a stored consumer.
func (m *Market) Consumer(ctx context.Context, id ID) (*Consumer, error) {
	return findConsumer(ctx, m.repo, id)
}

// Provider loads a copy of a stored provider.
func (m *Market) Provider(ctx context.Context, id ID) (*Provider, error) {
	return findProvider(ctx, m.repo, id)
}

// ActiveServiceCount returns the provider's current occupancy.
func (m *Market) ActiveServiceCount(provider ID) int {
	return m.ledger.Active(provider)
}

// CapacityLimit returns the provider's slot limit.
func (m *Market) CapacityLimit(provider ID) int {
	return m.ledger.Limit(provider)
}

// PoolOccupancy returns a pool's aggregate active count and slot limit.
func (m *Market) PoolOccupancy(pool ID) (active, limit int) {
	return m.ledger.PoolOccupancy(pool)
}

// PoolOf returns the pool a provider belongs to.
func (m *Market) PoolOf(provider ID) (ID, bool) {
	return m.ledger.PoolOf(provider)
}

// SampleOccupancy snapshots every provider's occupancy, bins it into the
// occupancy histograms and forwards it to observers. This is the hook
// external reporting samples through.
func (m *Market) SampleOccupancy() []OccupancySample {
	now := m.Now()
	samples := make([]OccupancySample, 0, len(m.providers))
	for _, id := range m.providers {
		s := OccupancySample{Provider: id, Clock: now, Active: m.ledger.Active(id), Limit: m.ledger.Limit(id)}
		samples = append(samples, s)
		m.metrics.Occupancy[id].Record(s.Active)
		for _, o := range m.observers {
			o.ObserveOccupancy(id, s.Active, s.Limit)
		}
	}
	return samples
}

// SeedHistory bulk-inserts one DONE service and one ACCEPTED offer per price,
// so a history-informed provider starts with a price memory. The records have
// no consumer or buyer.
func (m *Market) SeedHistory(ctx context.Context, provider ID, prices []decimal.Decimal) error {
	if m.seeder == nil {
		return &Error{Kind: KindInvalidArgument, Op: "seed-history", Entity: KindProvider, ID: provider,
			Err: fmt.Errorf("repository does not support bulk insert")}
	}
	p, err := findProvider(ctx, m.repo, provider)
	if err != nil {
		return err
	}
	now := m.Now()
	records := make([]Entity, 0, 2*len(prices))
	for _, price := range prices {
		if !price.IsPositive() {
			return &Error{Kind: KindInvalidArgument, Op: "seed-history", Entity: KindProvider, ID: provider,
				Err: fmt.Errorf("non-positive price %s", price)}
		}
		svc := &Service{
			ID:       m.ids.Next(KindService),
			Provider: p.ID,
			State:    ServiceDone,
			Duration: m.cfg.ServiceDuration,
			Price:    price,
		}
		offer := &Offer{
			ID:              m.ids.Next(KindOffer),
			Seller:          p.ID,
			Service:         svc.ID,
			Price:           price,
			ExpiryTimestamp: now - 1,
			State:           OfferAccepted,
		}
		records = append(records, svc, offer)
	}
	logrus.Infof("[tick %07d] Seeding %d historical prices for provider %s", now, len(prices), provider)
	return m.seeder.BulkInsert(ctx, records)
}

// CheckInvariants audits the ledger and the negotiation bookkeeping:
// capacity within limits, pool sums consistent, one reservation per ACTIVE
// service, and every indexed open offer really in MARKET.
func (m *Market) CheckInvariants(ctx context.Context) error {
	if err := m.ledger.Check(); err != nil {
		return err
	}
	held := make(map[ID]int, len(m.providers))
	for _, r := range m.reservations {
		held[r.Provider]++
	}
	for _, id := range m.providers {
		if held[id] != m.ledger.Active(id) {
			return &Error{Kind: KindInvariantViolated, Op: "check", Entity: KindProvider, ID: id,
				Err: fmt.Errorf("%d reservations held but ledger reports %d active", held[id], m.ledger.Active(id))}
		}
	}
	for svcID, offerID := range m.openOffers {
		o, err := findOffer(ctx, m.repo, offerID)
		if err != nil {
			return err
		}
		if o.State != OfferMarket || o.Service != svcID {
			return &Error{Kind: KindInvariantViolated, Op: "check", Entity: KindOffer, ID: offerID,
				Err: fmt.Errorf("indexed as open for service %s but is %s for %s", svcID, o.State, o.Service)}
		}
	}
	return nil
}

func (m *Market) acceptedPrices(ctx context.Context, provider ID) ([]decimal.Decimal, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.AcceptedPrices(ctx, provider)
}

func (m *Market) observeOffer(outcome trace.Outcome) {
	for _, o := range m.observers {
		o.ObserveOffer(string(outcome))
	}
}
