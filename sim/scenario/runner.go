// Package scenario drives a sim.Market through a configured population and
// traffic pattern and reports the resulting occupancy.
package scenario

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/market-sim/sim"
	"github.com/inference-sim/market-sim/sim/trace"
)

// NewMarket builds the market a scenario runs on.
func NewMarket(cfg *Config, repo sim.Repository) (*sim.Market, error) {
	return sim.NewMarket(cfg.MarketConfig(), repo, sim.NewSimulationKey(cfg.SeedValue()))
}

// Runner plays a scenario against a market. The market's clock is owned by
// its scheduler; the runner only schedules periodic traffic and sampling
// events on it and advances it to the configured duration.
type Runner struct {
	cfg    *Config
	market *sim.Market

	names     map[sim.ID]string
	agents    map[sim.ID]sim.AgentType
	consumers []sim.ID
	pool      sim.ID

	intents  int
	reoffers int
	samples  int
}

// NewRunner creates a runner for cfg over market.
func NewRunner(cfg *Config, market *sim.Market) *Runner {
	return &Runner{
		cfg:    cfg,
		market: market,
		names:  make(map[sim.ID]string),
		agents: make(map[sim.ID]sim.AgentType),
	}
}

// Run populates the market, plays traffic until the configured duration and
// returns the report. Fatal market errors abort the run.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", r.cfg.Name, err)
	}
	if err := r.populate(ctx); err != nil {
		return nil, fmt.Errorf("populating scenario %q: %w", r.cfg.Name, err)
	}
	if err := r.schedule(); err != nil {
		return nil, err
	}

	logrus.Infof("[tick %07d] Scenario %s running for %d ticks", r.market.Now(), r.cfg.Name, r.cfg.Duration)
	if err := r.market.AdvanceClock(ctx, r.cfg.Duration); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", r.cfg.Name, err)
	}
	if err := r.market.CheckInvariants(ctx); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", r.cfg.Name, err)
	}
	logrus.Infof("[tick %07d] Scenario %s finished", r.market.Now(), r.cfg.Name)
	return r.report(), nil
}

func (r *Runner) populate(ctx context.Context) error {
	m := r.market
	if r.cfg.Pooled {
		pool, err := m.CreatePool(ctx)
		if err != nil {
			return err
		}
		r.pool = pool.ID
	}

	mc := m.Config()
	for _, g := range r.cfg.Providers {
		for i := 0; i < g.Count; i++ {
			acct, err := m.CreateAccount(ctx, decimal.NewFromInt(g.balance()))
			if err != nil {
				return err
			}
			p, err := m.CreateProvider(ctx, acct.ID, g.slots(mc), sim.AgentType(g.Agent))
			if err != nil {
				return err
			}
			r.names[p.ID] = groupMemberName(g, i)
			r.agents[p.ID] = p.AgentType
			if r.pool != "" {
				if err := m.AddProviderToPool(ctx, r.pool, p.ID); err != nil {
					return err
				}
			}
			if p.AgentType == sim.AgentHistory {
				if err := m.SeedHistory(ctx, p.ID, toDecimals(r.cfg.historyPrices())); err != nil {
					return err
				}
			}
		}
	}

	for i := 0; i < r.cfg.Consumers.Count; i++ {
		acct, err := m.CreateAccount(ctx, decimal.NewFromInt(r.cfg.Consumers.balance()))
		if err != nil {
			return err
		}
		c, err := m.CreateConsumer(ctx, acct.ID)
		if err != nil {
			return err
		}
		r.consumers = append(r.consumers, c.ID)
	}
	logrus.Infof("[tick %07d] Scenario %s: %d providers, %d consumers, pooled=%v",
		m.Now(), r.cfg.Name, len(r.names), len(r.consumers), r.cfg.Pooled)
	return nil
}

func (r *Runner) schedule() error {
	s := r.market.Scheduler()
	if r.cfg.RentAtStart {
		for _, c := range r.consumers {
			c := c
			s.Defer("rent-at-start", func(ctx context.Context, _ int64) error {
				return r.rent(ctx, c)
			})
		}
	}
	if r.cfg.TrafficInterval > 0 {
		if err := r.every(r.cfg.TrafficInterval, "traffic", r.traffic); err != nil {
			return err
		}
	}
	return r.every(r.cfg.sampleEvery(), "sample-occupancy", r.sample)
}

// every schedules fn at each multiple of interval up to the duration.
func (r *Runner) every(interval int64, name string, fn sim.TaskFunc) error {
	s := r.market.Scheduler()
	var tick sim.TaskFunc
	tick = func(ctx context.Context, now int64) error {
		// Rearm before running fn: a benign failure is swallowed by the
		// drain loop and must not end the series.
		if next := now + interval; next <= r.cfg.Duration {
			if err := s.Schedule(sim.NewTaskEvent(next, name, tick)); err != nil {
				return err
			}
		}
		return fn(ctx, now)
	}
	first := r.market.Now() + interval
	if first > r.cfg.Duration {
		return nil
	}
	return s.Schedule(sim.NewTaskEvent(first, name, tick))
}

// traffic sends one rental intent from a uniformly drawn consumer.
func (r *Runner) traffic(ctx context.Context, _ int64) error {
	rng := r.market.RNG().ForSubsystem(sim.SubsystemTraffic)
	return r.rent(ctx, r.consumers[rng.Intn(len(r.consumers))])
}

// rent initiates a rental. A consumer still waiting on a MARKET service whose
// offer has lapsed gets a fresh offer instead.
func (r *Runner) rent(ctx context.Context, consumer sim.ID) error {
	r.intents++
	_, err := r.market.InitiateRental(ctx, consumer)
	if sim.KindOf(err) != sim.KindPriorServiceUnfinished {
		return err
	}
	c, cerr := r.market.Consumer(ctx, consumer)
	if cerr != nil {
		return cerr
	}
	last, ok := c.LastService()
	if !ok {
		return err
	}
	svc, serr := r.market.Service(ctx, last)
	if serr != nil {
		return serr
	}
	if svc.State != sim.ServiceMarket {
		return err
	}
	if _, open := r.market.OpenOfferFor(svc.ID); open {
		return err
	}
	if _, err := r.market.Reoffer(ctx, svc.ID); err != nil {
		return err
	}
	r.reoffers++
	return nil
}

func (r *Runner) sample(ctx context.Context, _ int64) error {
	r.market.SampleOccupancy()
	r.samples++
	return r.market.CheckInvariants(ctx)
}

func (r *Runner) report() *Report {
	m := r.market
	rep := &Report{
		Name:     r.cfg.Name,
		Seed:     r.cfg.SeedValue(),
		Clock:    m.Now(),
		Metrics:  m.Metrics(),
		Stats:    m.Scheduler().Stats(),
		Intents:  r.intents,
		Reoffers: r.reoffers,
		Samples:  r.samples,
		names:    r.names,
	}
	for _, id := range m.Providers() {
		h := m.Metrics().Occupancy[id]
		rep.Agents = append(rep.Agents, AgentRow{
			Provider:    id,
			Name:        r.names[id],
			Agent:       r.agents[id],
			Limit:       m.CapacityLimit(id),
			Percentages: h.Percentages(),
		})
	}
	if r.pool != "" {
		rep.PoolActive, rep.PoolLimit = m.PoolOccupancy(r.pool)
	}
	if nt := m.Trace(); nt.Enabled() {
		rep.Trace = trace.Summarize(nt)
	}
	return rep
}

func groupMemberName(g ProviderGroup, i int) string {
	name := g.Name
	if name == "" {
		name = string(sim.AgentType(g.Agent).Normalize())
	}
	if g.Count == 1 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, i+1)
}

func toDecimals(vs []int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vs))
	for i, v := range vs {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}
