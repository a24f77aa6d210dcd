package vm

import (
	"os"
	"runtime"
	"strconv"

	"github.com/google/uuid"

	"github.com/gholt/psvm/internal/ap"
	"github.com/gholt/psvm/internal/arena"
	"github.com/gholt/psvm/internal/format"
	"github.com/gholt/psvm/internal/observer"
	"github.com/gholt/psvm/internal/reservoir"
	"github.com/gholt/psvm/internal/root"
	"github.com/gholt/psvm/internal/saverestore"
	"github.com/gholt/psvm/internal/scan"
	"github.com/gholt/psvm/internal/slot"
	"github.com/gholt/psvm/internal/telemetry"
)

// Config resolves VM construction settings, following the teacher's
// env-prefixed Opt<Name> idiom exactly as internal/arena.Config does.
type Config struct {
	Cores         int
	ZoneBitmapLen int // words per zone-bitmap plane
	ReservoirOpts []reservoir.Opt
	ArenaOpts     []arena.Opt
	Logs          LogFuncs
}

type Opt func(*Config)

func OptCores(n int) Opt           { return func(c *Config) { c.Cores = n } }
func OptZoneBitmapLen(n int) Opt   { return func(c *Config) { c.ZoneBitmapLen = n } }
func OptLogs(l LogFuncs) Opt       { return func(c *Config) { c.Logs = l } }
func OptReservoir(o ...reservoir.Opt) Opt {
	return func(c *Config) { c.ReservoirOpts = append(c.ReservoirOpts, o...) }
}
func OptArena(o ...arena.Opt) Opt {
	return func(c *Config) { c.ArenaOpts = append(c.ArenaOpts, o...) }
}

func NewConfig(envPrefix string, opts ...Opt) *Config {
	if envPrefix == "" {
		envPrefix = "PSVM_"
	}
	cfg := &Config{Logs: DefaultLogFuncs()}
	if v := os.Getenv(envPrefix + "CORES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cores = n
		}
	}
	if cfg.Cores <= 0 {
		cfg.Cores = runtime.GOMAXPROCS(0)
	}
	if v := os.Getenv(envPrefix + "ZONE_BITMAP_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ZoneBitmapLen = n
		}
	}
	if cfg.ZoneBitmapLen <= 0 {
		cfg.ZoneBitmapLen = 4096
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// VM is the facade described by spec.md §6: every external ABI group
// (save/restore, allocation mode, root registration, collection,
// reservoir control) is a method here, delegating to the package that
// actually owns that concern. This mirrors the layering the teacher uses
// for its own public Store/ValueStore/GroupStore interfaces — a thin
// façade over vlm/memWriter/memClearer internals — generalized from "one
// store" to "the several collaborating subsystems a managed heap needs".
type VM struct {
	cfg       *Config
	modes     *slot.ModeStack
	arena     *arena.Arena
	formats   *format.Registry
	points    map[arena.Class]*ap.Point
	sacs      map[arena.Class]*ap.SAC
	roots     *root.Table
	engine    *saverestore.Engine
	observers *observer.Registry
	events    *telemetry.Queue
	reserv    *reservoir.Reservoir
	collectSeq uint64
}

// New constructs a fully wired VM: an Arena (itself wired to this VM as
// its Collector, closing the loop between arena_create and the scan/root
// packages), one Allocation Point and SAC per pool class, a root table,
// a save/restore engine, an observer registry, a telemetry queue, and a
// reservoir — the arena_create ABI entry point, generalized to build the
// entire subsystem at once since nothing in spec.md ever constructs an
// Arena independent of the rest.
func New(cfg *Config) *VM {
	if cfg == nil {
		cfg = NewConfig("")
	}
	vm := &VM{
		cfg:       cfg,
		modes:     slot.NewModeStack(),
		formats:   format.NewRegistry(),
		points:    make(map[arena.Class]*ap.Point),
		sacs:      make(map[arena.Class]*ap.SAC),
		roots:     root.New(),
		engine:    saverestore.New(),
		observers: observer.New(),
		events:    telemetry.NewQueue(),
		reserv:    reservoir.New(reservoir.NewConfig(cfg.ReservoirOpts...)),
	}
	vm.arena = arena.New(arena.NewConfig("", cfg.ArenaOpts...), vm)
	for _, class := range []arena.Class{arena.ClassAMC, arena.ClassWeakAMC, arena.ClassSNC, arena.ClassDebug} {
		pt := ap.New(vm.arena, class, 64*1024, func() bool { return vm.reserv.ReserveWithPermit(64 * 1024) })
		vm.points[class] = pt
		vm.sacs[class] = ap.NewSAC(pt)
	}
	return vm
}

// SetGlAllocMode implements setglallocmode, returning the previous mode.
func (vm *VM) SetGlAllocMode(global bool) bool {
	prev := vm.modes.Set(slot.AllocMode(global))
	return bool(prev)
}

// CurrentAllocMode reports the active allocation scope.
func (vm *VM) CurrentAllocMode() bool { return bool(vm.modes.Current()) }

// classFor picks the pool class an allocation of the given format class
// and weakness should land in.
func classFor(fmtClass string, weak bool) arena.Class {
	if weak {
		return arena.ClassWeakAMC
	}
	if fmtClass == "save-log" {
		return arena.ClassSNC
	}
	return arena.ClassAMC
}

// Alloc implements the composite-allocation half of spec.md §6: carve a
// new block through the SAC (fast path) in the class appropriate for the
// requested format and weakness (see classFor), tagging the returned
// Slot with the live allocation-mode bit per invariant 2 and the save
// epoch active right now, so a later restore's stack-validation pass
// (spec.md §4.F step 1) can tell this slot apart from one that predates
// the level being restored past.
func (vm *VM) Alloc(tag slot.Tag, fmtClass string, v format.Variant, size uintptr, weak bool) (*slot.Slot, error) {
	class := classFor(fmtClass, weak)
	blk, err := vm.sacs[class].Alloc(v, size, fmtClass)
	if err != nil {
		return nil, wrap("vm.Alloc", KindOutOfMemory, err)
	}
	global := bool(vm.modes.Current())
	s := slot.New(tag, global)
	s.SetLength(uint32(size))
	s.SetRef(blk)
	s.SetAllocEpoch(vm.engine.CurrentEpoch())
	vm.engine.NoteAlloc(uint64(size))
	return &s, nil
}

// CheckASave implements check_asave: the write barrier a mutator consults
// before overwriting target in place, so that array-element and similar
// single-slot mutation genuinely goes through the Save Engine, per §2's
// core control-flow claim, rather than just existing as a package unit
// tested in isolation.
func (vm *VM) CheckASave(target *slot.Slot) { vm.engine.CheckASave(target) }

// CheckASaveOne implements check_asave_one.
func (vm *VM) CheckASaveOne(target *slot.Slot) { vm.engine.CheckASaveOne(target) }

// CheckDSave implements check_dsave for a composite's value slots.
func (vm *VM) CheckDSave(targets []*slot.Slot) { vm.engine.CheckDSave(targets) }

// CheckDSaveAll implements check_dsave_all for a freshly allocated
// composite being populated for the first time.
func (vm *VM) CheckDSaveAll(targets []*slot.Slot) { vm.engine.CheckDSaveAll(targets) }

// CheckGSave implements check_gsave: the global-mode write barrier a
// mutator must consult before overwriting a gstate or any other
// global-tagged slot, reporting the illegal-local-into-global condition
// (invariant 2) instead of logging when it would apply.
func (vm *VM) CheckGSave(target *slot.Slot) error {
	if err := vm.engine.CheckGSave(target, vm.CurrentAllocMode()); err != nil {
		return wrap("vm.CheckGSave", KindInvalidAccess, err)
	}
	return nil
}

// Save implements the `save` operation, returning the SaveRef handle
// `restore` is later called with.
func (vm *VM) Save() saverestore.SaveRef { return vm.engine.Save() }

// Restore implements `restore(SaveRef) → ok | InvalidRestore`: target
// names the save level to collapse back to, and liveRefs is the
// flattened set of slots the caller's stacks still reference — passed
// through to the engine's stack-validation pass (spec.md §4.F step 1)
// so a restore that would strand a live reference is refused instead of
// silently dangling it. It drives the observer registry through the
// full restore phase sequence with the write-barrier replay wired in at
// PhaseReplayWriteBarrier; a failing pre-replay observer, a failed
// stack-validation pass, or a failing post-replay observer are all
// reported back as the operation's error.
func (vm *VM) Restore(target saverestore.SaveRef, liveRefs []*slot.Slot) error {
	epoch := uint64(target.Epoch())
	err := vm.observers.RunRestore(epoch, func() error {
		return vm.engine.Restore(target, liveRefs, nil)
	})
	if err != nil {
		return wrap("vm.Restore", KindInvalidRestore, err)
	}
	return nil
}

// NumberSaves implements numbersaves.
func (vm *VM) NumberSaves() int { return vm.engine.Depth() }

// LevelInfo implements the Expansion-3 vmstatus-style per-level report.
func (vm *VM) LevelInfo(level int) (epoch uint64, allocated uint64) {
	return vm.engine.LevelInfo(level)
}

// RootRegister implements root_register.
func (vm *VM) RootRegister(kind root.Kind, rank root.Rank, label string, scan root.ScanFunc) uuid.UUID {
	return vm.roots.Register(kind, rank, label, scan)
}

// RootDestroy implements root_destroy.
func (vm *VM) RootDestroy(id uuid.UUID) { vm.roots.Deregister(id) }

// ReservoirLimitSet implements reservoir_limit_set.
func (vm *VM) ReservoirLimitSet(n uintptr) { vm.reserv.SetLimit(n) }

// Trace implements arena.Collector: it drives a full scan pass over
// every registered root, ranked exact/ambiguous/weak per spec.md §4.E's
// timing rule (weak roots scanned only once exact and ambiguous roots
// have settled what's reachable). It does not sweep or measure
// unreachable blocks and always returns 0. mode is not consulted:
// CollectLocalOnly and CollectFull scan the same roots, and the
// ScanContext handed to a root does not say which mode is running.
//
// Exact and ambiguous ranks get a real Retain, so their referents keep
// the objects they name alive. The weak rank gets a Retain that is
// always a no-op: per §4.E, "weak references never keep a referent
// alive by themselves", and the only way to guarantee that even a
// careless weak registrant can't violate it is for the scanning driver
// itself, not the registrant's discipline, to neuter Retain for that
// pass (Testable Property 4). IsRetained is always the real query, so a
// weak root can tell whether exact/ambiguous scanning already retained
// its referent and clear its own reference if not (Scenario 5).
func (vm *VM) Trace(mode arena.CollectMode) uintptr {
	vm.collectSeq++
	st := scan.Begin(vm.formats, vm.cfg.ZoneBitmapLen, uint32(vm.collectSeq))
	isRetainedFn := func(ref interface{}) bool {
		blk, ok := ref.(*format.Block)
		return ok && st.IsRetained(blk)
	}
	retainFn := func(ref interface{}) {
		if blk, ok := ref.(*format.Block); ok {
			st.Retain(blk)
		}
	}
	retainCtx := root.ScanContext{
		Retain:     retainFn,
		IsRetained: isRetainedFn,
	}
	weakCtx := root.ScanContext{
		Retain:     func(ref interface{}) {},
		IsRetained: isRetainedFn,
	}
	scanRank := func(rank root.Rank, ctx root.ScanContext) func() {
		return func() {
			vm.roots.ForEachRank(rank, func(r *root.Root) {
				if r.Scan != nil {
					r.Scan(ctx)
				}
			})
		}
	}
	if err := vm.observers.RunCollect(vm.collectSeq,
		scanRank(root.RankExact, retainCtx),
		scanRank(root.RankAmbiguous, retainCtx),
		scanRank(root.RankWeak, weakCtx),
	); err != nil {
		return 0
	}
	st.Drain()
	vm.events.Publish(telemetry.Event{Type: telemetry.EventCollectGC, Epoch: vm.collectSeq})
	return 0
}

// Collect implements the Expansion-3 Arena.Collect(mode) entry point.
func (vm *VM) Collect(mode arena.CollectMode) uintptr { return vm.arena.Collect(mode) }

// Arena exposes the underlying arena for ABI entry points (has_addr,
// pool stats) that don't need the full VM façade.
func (vm *VM) Arena() *arena.Arena { return vm.arena }

// Observers exposes the observer registry so subsystems outside this
// package (e.g. a font cache living in a caller's own package) can
// register for restore/collect phases.
func (vm *VM) Observers() *observer.Registry { return vm.observers }

// Events exposes the telemetry queue for subscription.
func (vm *VM) Events() *telemetry.Queue { return vm.events }
