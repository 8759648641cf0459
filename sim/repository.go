package sim

import (
	"context"

	"github.com/shopspring/decimal"
)

// Repository persists market entities. It carries no business logic; the
// only concurrency primitive it offers is UpdateIfState, a compare-and-set
// on the stored lifecycle state.
type Repository interface {
	// Save inserts or overwrites the entity.
	Save(ctx context.Context, e Entity) error
	// FindByID returns a copy of the stored entity, or a NotFound error.
	FindByID(ctx context.Context, kind EntityKind, id ID) (Entity, error)
	// UpdateIfState stores e with state next only if the stored state is
	// still expected. On success e.CurrentState() == next. Returns false,
	// with e untouched, if the stored state moved on.
	UpdateIfState(ctx context.Context, e Stateful, expected, next string) (bool, error)
	// DeleteAll drops every entity of the given kind.
	DeleteAll(ctx context.Context, kind EntityKind) error
}

// Seeder bulk-inserts historical records for agent warm-up.
type Seeder interface {
	BulkInsert(ctx context.Context, entities []Entity) error
}

// HistoryReader answers the history-informed policy's only question:
// which prices has this provider accepted before, oldest first.
type HistoryReader interface {
	AcceptedPrices(ctx context.Context, provider ID) ([]decimal.Decimal, error)
}

// Store is a repository that can also seed and serve history.
// Both bundled implementations (sim/store) satisfy it.
type Store interface {
	Repository
	Seeder
	HistoryReader
}

// NewStoreFunc is set by sim/store's init() to build the default in-memory store.
// Tests and callers that do not care about persistence use it to avoid
// importing sim/store (which would create an import cycle from package sim).
var NewStoreFunc func() Store

// NewDefaultStore returns the registered in-memory store.
// Panics if sim/store has not been linked in.
func NewDefaultStore() Store {
	if NewStoreFunc == nil {
		panic("NewStoreFunc not registered: import sim/store to register it")
	}
	return NewStoreFunc()
}

// findService and findOffer narrow FindByID results.

func findService(ctx context.Context, repo Repository, id ID) (*Service, error) {
	e, err := repo.FindByID(ctx, KindService, id)
	if err != nil {
		return nil, err
	}
	s, ok := e.(*Service)
	if !ok {
		return nil, newError(KindInvariantViolated, "find", KindService, id)
	}
	return s, nil
}

func findOffer(ctx context.Context, repo Repository, id ID) (*Offer, error) {
	e, err := repo.FindByID(ctx, KindOffer, id)
	if err != nil {
		return nil, err
	}
	o, ok := e.(*Offer)
	if !ok {
		return nil, newError(KindInvariantViolated, "find", KindOffer, id)
	}
	return o, nil
}

func findProvider(ctx context.Context, repo Repository, id ID) (*Provider, error) {
	e, err := repo.FindByID(ctx, KindProvider, id)
	if err != nil {
		return nil, err
	}
	p, ok := e.(*Provider)
	if !ok {
		return nil, newError(KindInvariantViolated, "find", KindProvider, id)
	}
	return p, nil
}

func findConsumer(ctx context.Context, repo Repository, id ID) (*Consumer, error) {
	e, err := repo.FindByID(ctx, KindConsumer, id)
	if err != nil {
		return nil, err
	}
	c, ok := e.(*Consumer)
	if !ok {
		return nil, newError(KindInvariantViolated, "find", KindConsumer, id)
	}
	return c, nil
}

func findAccount(ctx context.Context, repo Repository, id ID) (*Account, error) {
	e, err := repo.FindByID(ctx, KindAccount, id)
	if err != nil {
		return nil, err
	}
	a, ok := e.(*Account)
	if !ok {
		return nil, newError(KindInvariantViolated, "find", KindAccount, id)
	}
	return a, nil
}

func findPool(ctx context.Context, repo Repository, id ID) (*Pool, error) {
	e, err := repo.FindByID(ctx, KindPool, id)
	if err != nil {
		return nil, err
	}
	p, ok := e.(*Pool)
	if !ok {
		return nil, newError(KindInvariantViolated, "find", KindPool, id)
	}
	return p, nil
}
