// Package store provides the market's Repository implementations: an
// in-memory document map for simulations and a SQLite-backed store for runs
// that should leave an inspectable database behind.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/inference-sim/market-sim/sim"
)

type record struct {
	entity sim.Entity
	seq    uint64 // write order, for oldest-first history
}

// Memory is an in-memory sim.Store. Every document is cloned on the way in
// and out, so callers never alias stored state.
type Memory struct {
	mu      sync.RWMutex
	docs    map[sim.EntityKind]map[sim.ID]*record
	byOwner map[sim.EntityKind]map[sim.ID]map[sim.ID]struct{}
	seq     uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[sim.EntityKind]map[sim.ID]*record),
		byOwner: make(map[sim.EntityKind]map[sim.ID]map[sim.ID]struct{}),
	}
}

// Save inserts or overwrites e.
func (m *Memory) Save(ctx context.Context, e sim.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(e)
	return nil
}

// FindByID returns a copy of the stored entity.
func (m *Memory) FindByID(ctx context.Context, kind sim.EntityKind, id sim.ID) (sim.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.docs[kind][id]
	if !ok {
		return nil, sim.NewError(sim.KindNotFound, "find", kind, id, nil)
	}
	return r.entity.Clone(), nil
}

// UpdateIfState stores e with state next if the stored state is expected.
func (m *Memory) UpdateIfState(ctx context.Context, e sim.Stateful, expected, next string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.docs[e.EntityKind()][e.EntityID()]
	if !ok {
		return false, sim.NewError(sim.KindNotFound, "update", e.EntityKind(), e.EntityID(), nil)
	}
	stored, ok := r.entity.(sim.Stateful)
	if !ok || stored.CurrentState() != expected {
		return false, nil
	}
	e.SetState(next)
	m.put(e)
	return true, nil
}

// DeleteAll drops every entity of kind.
func (m *Memory) DeleteAll(ctx context.Context, kind sim.EntityKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, kind)
	delete(m.byOwner, kind)
	return nil
}

// BulkInsert saves every entity under one lock.
func (m *Memory) BulkInsert(ctx context.Context, entities []sim.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entities {
		m.put(e)
	}
	return nil
}

// AcceptedPrices returns the prices of the provider's ACCEPTED offers,
// oldest write first.
func (m *Memory) AcceptedPrices(ctx context.Context, provider sim.ID) ([]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var accepted []*record
	for id := range m.byOwner[sim.KindOffer][provider] {
		r := m.docs[sim.KindOffer][id]
		if o, ok := r.entity.(*sim.Offer); ok && o.State == sim.OfferAccepted {
			accepted = append(accepted, r)
		}
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].seq < accepted[j].seq })
	prices := make([]decimal.Decimal, len(accepted))
	for i, r := range accepted {
		prices[i] = r.entity.(*sim.Offer).Price
	}
	return prices, nil
}

// Len returns the number of stored entities of kind.
func (m *Memory) Len(kind sim.EntityKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[kind])
}

func (m *Memory) put(e sim.Entity) {
	kind, id := e.EntityKind(), e.EntityID()
	if m.docs[kind] == nil {
		m.docs[kind] = make(map[sim.ID]*record)
	}
	if prev, ok := m.docs[kind][id]; ok && prev.entity.Owner() != e.Owner() {
		delete(m.byOwner[kind][prev.entity.Owner()], id)
	}
	m.seq++
	m.docs[kind][id] = &record{entity: e.Clone(), seq: m.seq}
	if owner := e.Owner(); owner != "" {
		if m.byOwner[kind] == nil {
			m.byOwner[kind] = make(map[sim.ID]map[sim.ID]struct{})
		}
		if m.byOwner[kind][owner] == nil {
			m.byOwner[kind][owner] = make(map[sim.ID]struct{})
		}
		m.byOwner[kind][owner][id] = struct{}{}
	}
}
