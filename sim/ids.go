package sim

import (
	"strconv"

	"github.com/google/uuid"
)

// ID identifies a persisted entity.
type ID string

// EntityKind names an entity collection in the repository.
type EntityKind string

const (
	KindAccount  EntityKind = "account"
	KindProvider EntityKind = "provider"
	KindConsumer EntityKind = "consumer"
	KindPool     EntityKind = "pool"
	KindService  EntityKind = "service"
	KindOffer    EntityKind = "offer"
)

// AllEntityKinds lists every collection, in the order DeleteAll should clear them.
var AllEntityKinds = []EntityKind{KindOffer, KindService, KindPool, KindConsumer, KindProvider, KindAccount}

// marketNamespace roots the name-based UUIDs handed out by an IDGenerator.
var marketNamespace = uuid.MustParse("6f1c7a52-3d0e-4c5b-9a57-2b8e4f1d9c30")

// IDGenerator hands out deterministic ids: the same seed and call sequence
// always yields the same ids, so runs stay reproducible.
//
// Thread-safety: NOT thread-safe. Must be called from the scheduler goroutine.
type IDGenerator struct {
	seed int64
	next uint64
}

// NewIDGenerator creates a generator scoped to a simulation key.
func NewIDGenerator(key SimulationKey) *IDGenerator {
	return &IDGenerator{seed: int64(key)}
}

// Next returns a fresh id for an entity of the given kind.
func (g *IDGenerator) Next(kind EntityKind) ID {
	g.next++
	name := string(kind) + "/" + strconv.FormatInt(g.seed, 10) + "/" + strconv.FormatUint(g.next, 10)
	return ID(uuid.NewSHA1(marketNamespace, []byte(name)).String())
}
