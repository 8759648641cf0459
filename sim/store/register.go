package store

import "github.com/inference-sim/market-sim/sim"

func init() {
	sim.NewStoreFunc = func() sim.Store {
		return NewMemory()
	}
}

var (
	_ sim.Store = (*Memory)(nil)
	_ sim.Store = (*SQLite)(nil)
)
