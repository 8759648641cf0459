package sim_test

// Blank import triggers sim/store's init(), which registers NewStoreFunc.
// This allows package sim's internal test files to build markets without
// directly importing sim/store (which would create an import cycle).
import _ "github.com/inference-sim/market-sim/sim/store"
