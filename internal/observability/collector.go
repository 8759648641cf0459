// Package observability exposes market activity as Prometheus metrics.
package observability

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/shopspring/decimal"

	"github.com/inference-sim/market-sim/sim"
)

// MarketCollector bundles the Prometheus metrics for one market run and
// implements sim.Observer so the market can drive them directly.
type MarketCollector struct {
	gatherer prometheus.Gatherer

	Offers            *prometheus.CounterVec
	BenignRaces       *prometheus.CounterVec
	ActiveServices    *prometheus.GaugeVec
	Capacity          *prometheus.GaugeVec
	Occupancy         prometheus.Histogram
	ServicesCompleted prometheus.Counter
	Revenue           prometheus.Counter
}

var _ sim.Observer = (*MarketCollector)(nil)

// NewMarketCollector registers market metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewMarketCollector(reg prometheus.Registerer) (*MarketCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	offers, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "market_offer_outcomes_total",
		Help: "Offer settlement attempts, labeled by outcome.",
	}, []string{"outcome"}), "market_offer_outcomes_total")
	if err != nil {
		return nil, err
	}
	benign, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "market_benign_races_total",
		Help: "Lost races dropped by the drain loop, labeled by error kind.",
	}, []string{"kind"}), "market_benign_races_total")
	if err != nil {
		return nil, err
	}
	active, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "market_provider_active_services",
		Help: "Occupied slots per provider at the last occupancy sample.",
	}, []string{"provider"}), "market_provider_active_services")
	if err != nil {
		return nil, err
	}
	capacity, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "market_provider_capacity",
		Help: "Slot limit per provider.",
	}, []string{"provider"}), "market_provider_capacity")
	if err != nil {
		return nil, err
	}
	occupancy, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "market_occupancy_ratio",
		Help:    "Sampled provider occupancy as a fraction of capacity.",
		Buckets: []float64{0, 0.25, 0.5, 0.75, 1},
	}), "market_occupancy_ratio")
	if err != nil {
		return nil, err
	}
	completed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "market_services_completed_total",
		Help: "Services that reached DONE.",
	}), "market_services_completed_total")
	if err != nil {
		return nil, err
	}
	revenue, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "market_revenue_total",
		Help: "Sum of settled service prices.",
	}), "market_revenue_total")
	if err != nil {
		return nil, err
	}

	return &MarketCollector{
		gatherer:          gatherer,
		Offers:            offers,
		BenignRaces:       benign,
		ActiveServices:    active,
		Capacity:          capacity,
		Occupancy:         occupancy,
		ServicesCompleted: completed,
		Revenue:           revenue,
	}, nil
}

func (c *MarketCollector) ObserveOffer(outcome string) {
	c.Offers.WithLabelValues(outcome).Inc()
}

func (c *MarketCollector) ObserveBenign(kind sim.ErrorKind) {
	c.BenignRaces.WithLabelValues(kind.String()).Inc()
}

func (c *MarketCollector) ObserveOccupancy(provider sim.ID, active, limit int) {
	c.ActiveServices.WithLabelValues(string(provider)).Set(float64(active))
	c.Capacity.WithLabelValues(string(provider)).Set(float64(limit))
	if limit > 0 {
		c.Occupancy.Observe(float64(active) / float64(limit))
	}
}

func (c *MarketCollector) ObserveServiceCompleted(price decimal.Decimal) {
	c.ServicesCompleted.Inc()
	c.Revenue.Add(price.InexactFloat64())
}

// WriteText dumps every gathered metric family in the Prometheus text
// exposition format.
func (c *MarketCollector) WriteText(w io.Writer) error {
	families, err := c.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
