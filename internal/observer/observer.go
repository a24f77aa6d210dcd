// Package observer implements the observer registry: subsystems that
// must be notified, in a fixed phase order, around a restore or a
// collection pass — spec.md §4.G, driving the 19-step restore
// orchestration named in §4.F.
//
// The registration-by-key dispatch table is grounded on msg.go's msgMap:
// a lock-guarded map from a small enum to a handler, set once at startup
// and read on every dispatch. Phase replaces msgType, and a Phase's
// handler list replaces msgMap's single handler per key, since more than
// one subsystem legitimately wants to run at the same ordering point
// (the font cache and the color chain cache both need to run during
// "drop caches that might reference restored-away local VM", for
// instance).
package observer

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Phase names one of the fixed ordering points in the restore/collect
// orchestration. Lower values run first. This is the flattened, named
// version of spec.md §4.F's numbered restore steps: every step in that
// sequence maps to exactly one Phase here, and an implementation is free
// to register zero or more observers against each.
type Phase int

const (
	PhaseBeginRestore Phase = iota
	PhaseSuspendAllocation
	PhaseDisableCollection
	PhaseDropVolatileCaches  // font cache, color chain cache, idiom index entries referencing local VM
	PhaseReplayWriteBarrier  // saverestore.Engine.Restore's before-image replay happens here
	PhaseRestoreGStateChain
	PhaseRestoreDeviceState
	PhaseRestoreFileTable
	PhaseRevalidateRootTable
	PhaseRebuildZoneBitmap
	PhaseReconcileReservoir
	PhaseNotifyFinalizers
	PhaseResumeCollection
	PhaseResumeAllocation
	PhaseEndRestore

	// Collection-pass phases, reusing the same dispatch machinery for
	// spec.md §4.D's scan orchestration rather than a second registry.
	PhaseBeginCollect
	PhaseScanExactRoots
	PhaseScanAmbiguousRoots
	PhaseScanWeakRoots
	PhaseEndCollect
)

// Handler is one observer's callback for a phase; epoch is the save
// epoch for restore phases, or the collection sequence number for
// collect phases. A non-nil return aborts the orchestration: invariant 8
// requires a failing observer to abort the restore (and preserve the
// epoch) rather than let mutation proceed past a subsystem that couldn't
// prepare for it.
type Handler func(epoch uint64) error

type registration struct {
	id    uuid.UUID
	order int // registration order within a phase, for deterministic ties
	fn    Handler
}

// Registry dispatches phases to every observer registered for them, in
// registration order (deterministic tie-break, since "which cache clears
// first" never matters for correctness but does matter for reproducible
// test runs).
type Registry struct {
	mu       sync.RWMutex
	handlers map[Phase][]registration
	nextID   int
}

func New() *Registry {
	return &Registry{handlers: make(map[Phase][]registration)}
}

// Register adds fn to run during phase, returning an ID usable with
// Deregister. Mirrors msgMap.set's "install a handler for this key"
// shape, generalized to allow more than one handler per key.
func (r *Registry) Register(phase Phase, fn Handler) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.nextID++
	r.handlers[phase] = append(r.handlers[phase], registration{id: id, order: r.nextID, fn: fn})
	return id
}

// Deregister removes a previously registered handler from every phase it
// was registered under.
func (r *Registry) Deregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for phase, regs := range r.handlers {
		out := regs[:0]
		for _, reg := range regs {
			if reg.id != id {
				out = append(out, reg)
			}
		}
		r.handlers[phase] = out
	}
}

// Notify runs every handler registered for phase, in registration order,
// passing epoch through unchanged. It stops at the first handler that
// returns an error and returns that error, leaving any handlers after it
// in this phase un-run.
func (r *Registry) Notify(phase Phase, epoch uint64) error {
	r.mu.RLock()
	regs := append([]registration(nil), r.handlers[phase]...)
	r.mu.RUnlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].order < regs[j].order })
	for _, reg := range regs {
		if err := reg.fn(epoch); err != nil {
			return err
		}
	}
	return nil
}

// preReplayPhases run before the write-barrier replay and gate whether it
// happens at all: any failure here means the restore aborts with the
// save level(s) and epoch fully intact (invariant 8, spec.md §4.F step
// 10's "any failure aborts before mutation").
var preReplayPhases = []Phase{
	PhaseBeginRestore,
	PhaseSuspendAllocation,
	PhaseDisableCollection,
	PhaseDropVolatileCaches,
}

// postReplayPhases run after the write-barrier replay has already
// mutated live slots and popped the save level(s); a failure here is
// still reported to the caller, but it can no longer undo the replay
// that already happened.
var postReplayPhases = []Phase{
	PhaseRestoreGStateChain,
	PhaseRestoreDeviceState,
	PhaseRestoreFileTable,
	PhaseRevalidateRootTable,
	PhaseRebuildZoneBitmap,
	PhaseReconcileReservoir,
	PhaseNotifyFinalizers,
	PhaseResumeCollection,
	PhaseResumeAllocation,
	PhaseEndRestore,
}

// RunRestore drives every restore phase in order, calling replay at the
// PhaseReplayWriteBarrier point — the single entry point a VM facade
// calls to perform a full, 15-phase (restore-only slice of the 20 total
// named above) save-level restore with every observer given its correct
// turn. If any pre-replay phase's observer fails, RunRestore returns that
// error immediately without ever calling replay, so the save engine is
// never touched. If replay itself fails (e.g. the engine's own
// stack-validation pass rejected the target), RunRestore returns that
// error the same way. Only once replay has succeeded do post-replay
// phases run; a failure there is returned to the caller but, since the
// mutation already happened, cannot be undone.
func (r *Registry) RunRestore(epoch uint64, replay func() error) error {
	for _, phase := range preReplayPhases {
		if err := r.Notify(phase, epoch); err != nil {
			return err
		}
	}
	if replay != nil {
		if err := replay(); err != nil {
			return err
		}
	}
	if err := r.Notify(PhaseReplayWriteBarrier, epoch); err != nil {
		return err
	}
	for _, phase := range postReplayPhases {
		if err := r.Notify(phase, epoch); err != nil {
			return err
		}
	}
	return nil
}

// RunCollect drives the collection-pass phases, giving exact roots,
// ambiguous roots, and weak roots three distinct notification points so
// an observer that only cares about one rank never has to filter.
func (r *Registry) RunCollect(seq uint64, scanExact, scanAmbiguous, scanWeak func()) error {
	if err := r.Notify(PhaseBeginCollect, seq); err != nil {
		return err
	}
	if err := r.Notify(PhaseScanExactRoots, seq); err != nil {
		return err
	}
	if scanExact != nil {
		scanExact()
	}
	if err := r.Notify(PhaseScanAmbiguousRoots, seq); err != nil {
		return err
	}
	if scanAmbiguous != nil {
		scanAmbiguous()
	}
	if err := r.Notify(PhaseScanWeakRoots, seq); err != nil {
		return err
	}
	if scanWeak != nil {
		scanWeak()
	}
	return r.Notify(PhaseEndCollect, seq)
}
