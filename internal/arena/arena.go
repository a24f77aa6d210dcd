package arena

import (
	"fmt"
	"sync"

	"github.com/gholt/psvm/internal/format"
)

// CollectMode selects how much of the heap a collection traces, the
// vmreclaim-style distinction recovered from original_source/ (see
// SPEC_FULL.md Expansion 3): a local-only collection must never trace
// global-mode roots, which matters for the "global persistence across
// local restores" invariant.
type CollectMode uint8

const (
	CollectLocalOnly CollectMode = iota
	CollectFull
)

// Collector is supplied by the owning VM facade (internal/vm) so Arena
// itself stays ignorant of root scanning and the fix protocol — Arena
// only owns memory, internal/scan and internal/root own tracing.
type Collector interface {
	Trace(mode CollectMode) (reclaimed uintptr)
}

// Arena is the top-level managed-memory authority: one Pool per Class,
// and the address-ownership index a scanner or write barrier consults to
// ask "does this pointer fall inside the managed heap" (spec.md §4.A
// arena_create, has_addr).
type Arena struct {
	cfg   *Config
	mu    sync.RWMutex
	pools map[Class]*Pool
	coll  Collector
}

// New creates an Arena with one pool per Class, already committed to
// accept allocations — the arena_create operation from spec.md §4.A.
func New(cfg *Config, coll Collector) *Arena {
	if cfg == nil {
		cfg = NewConfig("")
	}
	a := &Arena{cfg: cfg, pools: make(map[Class]*Pool), coll: coll}
	for _, c := range []Class{ClassAMC, ClassWeakAMC, ClassSNC, ClassDebug} {
		a.pools[c] = newPool(c, cfg)
	}
	return a
}

// Pool returns the pool backing the given class.
func (a *Arena) Pool(c Class) *Pool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pools[c]
}

// Alloc carves a block of the given format variant and size from the
// named class's pool.
func (a *Arena) Alloc(c Class, v format.Variant, size uintptr, fmtClass string) *format.Block {
	return a.Pool(c).Alloc(v, size, fmtClass)
}

// HasAddr reports whether addr falls inside any pool this arena owns —
// the has_addr ABI entry point. The write barrier does not consult it; it
// relies on each slot's not-VM bit instead (invariant 6).
func (a *Arena) HasAddr(addr uintptr) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.pools {
		if p.HasAddr(addr) {
			return true
		}
	}
	return false
}

// Collect runs a collection in the requested mode via the configured
// Collector and returns what the Collector reports as reclaimed (0 when
// no Collector is configured). Any split between CollectLocalOnly and
// CollectFull is the Collector's responsibility; Collect itself clears
// no pool.
func (a *Arena) Collect(mode CollectMode) uintptr {
	if a.coll == nil {
		return 0
	}
	return a.coll.Trace(mode)
}

// PoolClear runs pool_clear on the named class, per spec.md §4.A.
func (a *Arena) PoolClear(c Class) {
	a.Pool(c).Clear()
}

// AllStats aggregates per-class Pool stats for reporting.
func (a *Arena) AllStats() []Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Stats, 0, len(a.pools))
	for _, c := range []Class{ClassAMC, ClassWeakAMC, ClassSNC, ClassDebug} {
		out = append(out, a.pools[c].Stats())
	}
	return out
}

func (a *Arena) String() string {
	out := "arena:\n"
	for _, s := range a.AllStats() {
		out += fmt.Sprintf("  %s: committed=%d spare=%d reserved=%d live=%d\n",
			s.Class, s.Committed, s.Spare, s.Reserved, s.LiveBlocks)
	}
	return out
}
