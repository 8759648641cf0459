// Package sim provides the core discrete-event engine of the market simulator.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - scheduler.go: virtual clock, ready queue, timer heap and the drain loop
//   - service.go, offer.go: Service and Offer state machines (forward-only)
//   - ledger.go: per-provider slots and pool-level capacity accounting
//   - negotiation.go: rental intents, offers, accept/reject/expire, completion
//   - market.go: the facade that owns all of the above
//
// # Architecture
//
// The sim package defines the entities, the scheduler and the interfaces;
// implementations live in sub-packages:
//   - sim/store/: Repository implementations (in-memory, SQLite)
//   - sim/scenario/: scenario config, presets and the traffic driver
//   - sim/trace/: Decision trace recording
//
// sim/store registers its in-memory store via init() by setting the
// package-level factory variable NewStoreFunc.
//
// Every state change runs inside a scheduler task on a single goroutine.
// Entities are mutated only through Repository.UpdateIfState, so a task that
// acted on stale state fails with a benign error kind instead of corrupting
// the ledger. Benign kinds are counted and swallowed by the drain loop; fatal
// kinds abort the run.
//
// # Key Interfaces
//
//   - Repository: entity persistence with compare-and-set state transitions
//   - AgentPolicy: a provider's accept/reject decision on an offer
//   - Observer: receives offer outcomes, benign races and occupancy samples
package sim
