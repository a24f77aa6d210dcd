// Package saverestore implements the save/restore engine: nested save
// levels, the epoch counter, the write barrier that logs before-images on
// first write per level, and the restore orchestration that replays those
// before-images back, per spec.md §4.F.
//
// The replay loop is grounded on the teacher's memClearer: a sequential
// walk over fixed-stride TOC entries (32 bytes: two key words, a
// timestamp/sequence word, a block offset, a length), applying each to
// the location map and re-emitting it into an output block. SaveRestore
// keeps the same "walk a flat slice of fixed-shape entries, apply each"
// shape for its log replay, just with format.Block pointers and slot
// before-images standing in for value-store keys and offsets.
package saverestore

import (
	"sync"
	"sync/atomic"

	"github.com/gholt/psvm/internal/slot"
)

// entry is one write-barrier log record: the slot that was about to be
// overwritten, its value at the moment just before that first write within
// the current level (check_asave's "log the old value" action), and the
// allocation-mode scope active at the time of that write. Invariant 5
// requires every log entry to carry the scope it was made in: a global
// entry (logged by CheckGSave while running in global allocation mode) is
// never replayed by any restore, local or otherwise, because global state
// must outlive the local save level that happened to be on top when it was
// written.
type entry struct {
	target *slot.Slot
	before slot.Slot
	global bool
}

// level is one save level: an epoch stamp, its log of before-images, and
// the allocation counter the Expansion-3 numbersaves/vmstatus reporting
// needs (bytes allocated since this level's save; it goes away with the
// level on Restore, and LevelInfo reads it without resetting it).
type level struct {
	epoch     uint32
	log       []entry
	logged    map[*slot.Slot]bool // dedupes repeated writes within one epoch (invariant 4)
	allocated uint64
}

// Engine is the save/restore stack for one VM context. It is not safe for
// concurrent use by more than one mutator at a time, matching the single-
// mutator model in spec.md §5; concurrent collector/scanner goroutines
// coordinate with it through the Observer registry's pause points instead
// of locking Engine directly.
type Engine struct {
	mu     sync.Mutex
	levels []*level
	epoch  uint32
}

// New creates an Engine with no save levels pushed: the outermost
// (level-0, "bottom of world") scope, which can never be restored.
func New() *Engine {
	return &Engine{}
}

// SaveRef identifies one save level, the interpreter-facing handle spec.md
// §6 names `save() → SaveRef`. It carries only the epoch the level was
// pushed at; Restore resolves that epoch back to a live level at call
// time, since the level itself may have already been restored (directly,
// or collapsed by an outer restore past it) by then.
type SaveRef struct {
	epoch uint32
}

// Epoch exposes the save epoch a SaveRef names, for callers (internal/vm)
// that need to pass it through to the observer registry as the restore's
// identifying epoch.
func (r SaveRef) Epoch() uint32 { return r.epoch }

// Save pushes a new save level and returns a SaveRef identifying it,
// implementing the `save` operation of spec.md §4.F.
func (e *Engine) Save() SaveRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch++
	lv := &level{epoch: e.epoch, logged: make(map[*slot.Slot]bool)}
	e.levels = append(e.levels, lv)
	return SaveRef{epoch: lv.epoch}
}

// CurrentEpoch returns the epoch of the innermost live save level, or 0 if
// no save level is pushed. internal/vm stamps every newly allocated slot
// with this value so a later restore's stack-validation pass can tell
// whether a live reference points at something allocated after the
// restore's target.
func (e *Engine) CurrentEpoch() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.levels) == 0 {
		return 0
	}
	return e.levels[len(e.levels)-1].epoch
}

// Depth reports the current save nesting depth (numbersaves-equivalent
// when called with no level argument).
func (e *Engine) Depth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.levels)
}

// LevelInfo implements the Expansion-3 vmstatus-style per-level reporting:
// the epoch and bytes allocated since that level's save. level is 1-based
// from the bottom, matching numbersaves(level)'s indexing.
func (e *Engine) LevelInfo(level int) (epoch uint64, allocated uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if level < 1 || level > len(e.levels) {
		return 0, 0
	}
	lv := e.levels[level-1]
	return uint64(lv.epoch), lv.allocated
}

// NoteAlloc records size bytes allocated against the innermost save
// level, called by internal/vm's Alloc on every allocation.
func (e *Engine) NoteAlloc(size uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.levels) == 0 {
		return
	}
	atomic.AddUint64(&e.levels[len(e.levels)-1].allocated, size)
}

// CheckASave implements check_asave: before a mutator overwrites target,
// log target's current value if it has not already been logged at the
// current epoch (invariant 4's idempotence — repeated writes within one
// epoch cost one log entry, not one per write). Entries logged through
// this path carry local scope; see CheckGSave for the global-scope path.
func (e *Engine) CheckASave(target *slot.Slot) {
	e.logScoped(target, false)
}

// logScoped is the shared logging body behind CheckASave and CheckGSave,
// parameterized on the scope the write is made in.
func (e *Engine) logScoped(target *slot.Slot, global bool) {
	if target.NotVM() {
		return // not-VM slots are opaque to the barrier (invariant 6)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.levels) == 0 {
		return
	}
	lv := e.levels[len(e.levels)-1]
	if lv.logged[target] {
		return
	}
	lv.logged[target] = true
	lv.log = append(lv.log, entry{target: target, before: *target, global: global})
	target.MarkSavedAt(lv.epoch)
}

// CheckASaveOne is an alias naming the single-slot form explicitly, since
// spec.md §4.F names both check_asave and check_asave_one as distinct ABI
// entry points (the former checked through a composite's containing
// object, the latter given the slot directly) — semantically identical
// here since Slot is always addressed directly in this implementation.
func (e *Engine) CheckASaveOne(target *slot.Slot) { e.CheckASave(target) }

// CheckDSave implements check_dsave: a dictionary-shaped composite logs
// every one of its value slots at once before a bulk mutation (e.g.
// dict-begin/dict-end bracket in the interpreter). It runs CheckASave on
// each target in turn, so each slot gets the same once-per-level logging
// an individual CheckASave call would give it.
func (e *Engine) CheckDSave(targets []*slot.Slot) {
	for _, t := range targets {
		e.CheckASave(t)
	}
}

// CheckDSaveAll is check_dsave applied unconditionally, bypassing the
// per-slot logged-at-epoch check — used when the caller already knows
// none of targets have been logged this epoch (freshly allocated
// composite being populated for the first time) and the lookup overhead
// of CheckDSave's map check is pure waste.
func (e *Engine) CheckDSaveAll(targets []*slot.Slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.levels) == 0 {
		return
	}
	lv := e.levels[len(e.levels)-1]
	for _, t := range targets {
		if t.NotVM() {
			continue
		}
		lv.logged[t] = true
		lv.log = append(lv.log, entry{target: t, before: *t})
		t.MarkSavedAt(lv.epoch)
	}
}

// CheckGSave implements check_gsave: the global-mode write barrier check.
// A global-mode slot being overwritten while running in local allocation
// mode is the "illegal local-into-global" condition (spec.md §3 invariant
// 2) — CheckGSave reports it instead of logging. When the write itself is
// made in global mode, the before-image is logged with global scope
// (invariant 5) rather than local scope: a global-scope entry is never
// replayed by Restore, so a later restore of whatever local level happens
// to be on top cannot unwind a global mutation out from under the rest of
// the VM.
func (e *Engine) CheckGSave(target *slot.Slot, currentlyGlobalMode bool) error {
	if target.Global() && !currentlyGlobalMode {
		return ErrIllegalLocalIntoGlobal
	}
	e.logScoped(target, currentlyGlobalMode)
	return nil
}

// RestoreHook lets internal/observer drive the fixed-phase restore
// orchestration around the log replay itself: PreRestore runs before any
// before-image is written back, PostRestore after all of them are.
type RestoreHook interface {
	PreRestore(epoch uint32)
	PostRestore(epoch uint32)
}

// findLevel returns the index of the level carrying the given epoch, or
// -1 if no live level matches (already restored, or never existed). Must
// be called with e.mu held.
func (e *Engine) findLevel(epoch uint32) int {
	for i, lv := range e.levels {
		if lv.epoch == epoch {
			return i
		}
	}
	return -1
}

// validateStacks implements restore's step-1 stack-validation pass
// (spec.md §4.F step 1, invariant governing Scenario 4): every live
// reference the interpreter still holds on its operand, execution,
// dictionary, or temporary stacks is checked against the restore's
// target. A slot allocated after the target was saved belongs to a save
// level this restore is about to discard; if any stack still references
// one, the whole operation is refused before any mutation happens, so
// both the target level and everything above it are left exactly as they
// were (Scenario 4). liveRefs is the flattened union of every stack the
// caller wants validated — this package has no model of the interpreter's
// actual stack objects, so the caller (internal/vm) is responsible for
// collecting the relevant slot pointers off whichever stacks it tracks.
func validateStacks(liveRefs []*slot.Slot, targetEpoch uint32) error {
	for _, s := range liveRefs {
		if s != nil && s.AllocEpoch() >= targetEpoch {
			return ErrInvalidRestore
		}
	}
	return nil
}

// Restore implements `restore(SaveRef) → ok | InvalidRestore`: it
// identifies the save level named by target and collapses every level
// above it (and target itself) in one pass, replaying each level's log of
// before-images back over the live slots, innermost level first and in
// reverse order of logging within each level, so that a slot written
// multiple times since target was saved restores to its very first
// recorded value — the memClearer-style "walk a flat entry slice, apply
// each" loop, run backwards across every collapsed level. Entries logged
// with global scope are skipped (invariant 5): global-mode writes outlive
// whatever local level happened to be on top when they were made.
//
// liveRefs is validated first (see validateStacks); if validation fails,
// or target no longer names a live level, Restore returns ErrInvalidRestore
// without popping or mutating anything.
func (e *Engine) Restore(target SaveRef, liveRefs []*slot.Slot, hook RestoreHook) error {
	e.mu.Lock()
	idx := e.findLevel(target.epoch)
	if idx < 0 {
		e.mu.Unlock()
		return ErrInvalidRestore
	}
	if err := validateStacks(liveRefs, target.epoch); err != nil {
		e.mu.Unlock()
		return err
	}
	popped := append([]*level(nil), e.levels[idx:]...)
	e.levels = e.levels[:idx]
	e.mu.Unlock()

	if hook != nil {
		hook.PreRestore(target.epoch)
	}
	for i := len(popped) - 1; i >= 0; i-- {
		lv := popped[i]
		for j := len(lv.log) - 1; j >= 0; j-- {
			ent := lv.log[j]
			if ent.global {
				continue
			}
			*ent.target = ent.before
		}
	}
	if hook != nil {
		hook.PostRestore(target.epoch)
	}
	return nil
}
