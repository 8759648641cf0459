package sim

import (
	"fmt"
)

// Reservation is the handle returned by a successful TryReserve. It must be
// released exactly once.
type Reservation struct {
	ID       uint64
	Provider ID
	Pool     ID // pool the provider belonged to when reserved (may be empty)
	released bool
}

// Released reports whether the reservation has been returned to the ledger.
func (r *Reservation) Released() bool { return r.released }

type slotAccount struct {
	limit  int
	active int
	pool   ID
}

type poolAccount struct {
	members []ID // registration order, used for deterministic tie-breaking
	active  int
}

// Ledger is the only component allowed to change slot occupancy.
//
// TryReserve checks and increments in one uninterrupted step; no drain pass
// can run between the two, which is what keeps active <= limit without locks.
// Pool occupancy is bookkept alongside and always equals the sum of member
// actives.
//
// Thread-safety: NOT thread-safe. Must be called from the scheduler goroutine.
type Ledger struct {
	providers map[ID]*slotAccount
	order     []ID
	pools     map[ID]*poolAccount
	nextID    uint64
	live      map[uint64]*Reservation
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		providers: make(map[ID]*slotAccount),
		pools:     make(map[ID]*poolAccount),
		live:      make(map[uint64]*Reservation),
	}
}

// Register adds a provider with the given slot limit.
func (l *Ledger) Register(provider ID, limit int) error {
	if limit < 0 {
		return &Error{Kind: KindInvalidArgument, Op: "register", Entity: KindProvider, ID: provider,
			Err: fmt.Errorf("negative capacity limit %d", limit)}
	}
	if _, exists := l.providers[provider]; exists {
		return &Error{Kind: KindInvalidArgument, Op: "register", Entity: KindProvider, ID: provider,
			Err: fmt.Errorf("provider already registered")}
	}
	l.providers[provider] = &slotAccount{limit: limit}
	l.order = append(l.order, provider)
	return nil
}

func (l *Ledger) account(op string, provider ID) (*slotAccount, error) {
	acc, ok := l.providers[provider]
	if !ok {
		return nil, newError(KindNotFound, op, KindProvider, provider)
	}
	return acc, nil
}

// TryReserve takes one slot from provider, or fails with CapacityExhausted
// and changes nothing.
func (l *Ledger) TryReserve(provider ID) (*Reservation, error) {
	acc, err := l.account("reserve", provider)
	if err != nil {
		return nil, err
	}
	if acc.active >= acc.limit {
		return nil, newError(KindCapacityExhausted, "reserve", KindProvider, provider)
	}
	acc.active++
	if acc.pool != "" {
		l.pools[acc.pool].active++
	}
	l.nextID++
	r := &Reservation{ID: l.nextID, Provider: provider, Pool: acc.pool}
	l.live[r.ID] = r
	return r, nil
}

// Release returns the slot held by r. Releasing twice is a fatal
// DoubleRelease and never decrements again.
func (l *Ledger) Release(r *Reservation) error {
	if r == nil {
		return &Error{Kind: KindInvalidArgument, Op: "release", Err: fmt.Errorf("nil reservation")}
	}
	if r.released {
		return &Error{Kind: KindDoubleRelease, Op: "release", Entity: KindProvider, ID: r.Provider,
			Err: fmt.Errorf("reservation %d already released", r.ID)}
	}
	if _, ok := l.live[r.ID]; !ok {
		return &Error{Kind: KindInvariantViolated, Op: "release", Entity: KindProvider, ID: r.Provider,
			Err: fmt.Errorf("reservation %d not issued by this ledger", r.ID)}
	}
	acc, err := l.account("release", r.Provider)
	if err != nil {
		return err
	}
	acc.active--
	// The provider may have moved pools since reserving; debit where it lives now,
	// since membership changes carried the live count across.
	if acc.pool != "" {
		l.pools[acc.pool].active--
	}
	r.released = true
	delete(l.live, r.ID)
	return nil
}

// Active returns the provider's current occupancy (0 if unknown).
func (l *Ledger) Active(provider ID) int {
	if acc, ok := l.providers[provider]; ok {
		return acc.active
	}
	return 0
}

// Limit returns the provider's slot limit (0 if unknown).
func (l *Ledger) Limit(provider ID) int {
	if acc, ok := l.providers[provider]; ok {
		return acc.limit
	}
	return 0
}

// Spare returns the number of free slots.
func (l *Ledger) Spare(provider ID) int {
	if acc, ok := l.providers[provider]; ok {
		return acc.limit - acc.active
	}
	return 0
}

// Providers returns registered providers in registration order.
func (l *Ledger) Providers() []ID {
	out := make([]ID, len(l.order))
	copy(out, l.order)
	return out
}

// CreatePool registers an empty pool.
func (l *Ledger) CreatePool(pool ID) error {
	if _, exists := l.pools[pool]; exists {
		return &Error{Kind: KindInvalidArgument, Op: "create-pool", Entity: KindPool, ID: pool,
			Err: fmt.Errorf("pool already exists")}
	}
	l.pools[pool] = &poolAccount{}
	return nil
}

// JoinPool adds provider to pool, carrying its live occupancy across.
// A provider belongs to at most one pool; joining a second fails with
// AlreadyPooled. Rejoining the same pool is a no-op.
func (l *Ledger) JoinPool(pool, provider ID) error {
	p, ok := l.pools[pool]
	if !ok {
		return newError(KindNotFound, "join-pool", KindPool, pool)
	}
	acc, err := l.account("join-pool", provider)
	if err != nil {
		return err
	}
	if acc.pool == pool {
		return nil
	}
	if acc.pool != "" {
		return &Error{Kind: KindAlreadyPooled, Op: "join-pool", Entity: KindProvider, ID: provider,
			Err: fmt.Errorf("member of pool %s", acc.pool)}
	}
	acc.pool = pool
	p.members = append(p.members, provider)
	p.active += acc.active
	return nil
}

// LeavePool removes provider from pool, taking its live occupancy with it.
func (l *Ledger) LeavePool(pool, provider ID) error {
	p, ok := l.pools[pool]
	if !ok {
		return newError(KindNotFound, "leave-pool", KindPool, pool)
	}
	acc, err := l.account("leave-pool", provider)
	if err != nil {
		return err
	}
	if acc.pool != pool {
		return &Error{Kind: KindStaleState, Op: "leave-pool", Entity: KindProvider, ID: provider,
			Err: fmt.Errorf("not a member of pool %s", pool)}
	}
	for i, m := range p.members {
		if m == provider {
			p.members = append(p.members[:i], p.members[i+1:]...)
			break
		}
	}
	p.active -= acc.active
	acc.pool = ""
	return nil
}

// PoolOf returns the pool provider belongs to.
func (l *Ledger) PoolOf(provider ID) (ID, bool) {
	acc, ok := l.providers[provider]
	if !ok || acc.pool == "" {
		return "", false
	}
	return acc.pool, true
}

// PoolMembers returns the members of pool in join order.
func (l *Ledger) PoolMembers(pool ID) []ID {
	p, ok := l.pools[pool]
	if !ok {
		return nil
	}
	out := make([]ID, len(p.members))
	copy(out, p.members)
	return out
}

// PoolOccupancy returns the pool's aggregate active count and slot limit.
func (l *Ledger) PoolOccupancy(pool ID) (active, limit int) {
	p, ok := l.pools[pool]
	if !ok {
		return 0, 0
	}
	for _, m := range p.members {
		limit += l.providers[m].limit
	}
	return p.active, limit
}

// SpareMember returns the pool member with the most free slots; ties go to
// the earliest joiner. Returns false if every member is full.
func (l *Ledger) SpareMember(pool ID) (ID, bool) {
	p, ok := l.pools[pool]
	if !ok {
		return "", false
	}
	best, bestSpare := ID(""), 0
	for _, m := range p.members {
		if spare := l.Spare(m); spare > bestSpare {
			best, bestSpare = m, spare
		}
	}
	return best, bestSpare > 0
}

// Check verifies the capacity invariants: every provider within its limit,
// every pool's occupancy equal to the sum of its members, and pool
// membership consistent on both sides.
func (l *Ledger) Check() error {
	for _, id := range l.order {
		acc := l.providers[id]
		if acc.active < 0 || acc.active > acc.limit {
			return &Error{Kind: KindInvariantViolated, Op: "check", Entity: KindProvider, ID: id,
				Err: fmt.Errorf("active %d outside [0, %d]", acc.active, acc.limit)}
		}
		if acc.pool != "" {
			if _, ok := l.pools[acc.pool]; !ok {
				return &Error{Kind: KindInvariantViolated, Op: "check", Entity: KindProvider, ID: id,
					Err: fmt.Errorf("member of unknown pool %s", acc.pool)}
			}
		}
	}
	for pid, p := range l.pools {
		sum := 0
		for _, m := range p.members {
			acc := l.providers[m]
			if acc.pool != pid {
				return &Error{Kind: KindInvariantViolated, Op: "check", Entity: KindPool, ID: pid,
					Err: fmt.Errorf("lists %s which belongs to %q", m, acc.pool)}
			}
			sum += acc.active
		}
		if sum != p.active {
			return &Error{Kind: KindInvariantViolated, Op: "check", Entity: KindPool, ID: pid,
				Err: fmt.Errorf("pool active %d != member sum %d", p.active, sum)}
		}
	}
	return nil
}
