package vm

import (
	"testing"

	"github.com/gholt/psvm/internal/arena"
	"github.com/gholt/psvm/internal/format"
	"github.com/gholt/psvm/internal/root"
	"github.com/gholt/psvm/internal/saverestore"
	"github.com/gholt/psvm/internal/slot"
)

func newTestVM(t *testing.T) *VM {
	t.Helper()
	return New(NewConfig("", OptCores(2), OptZoneBitmapLen(64)))
}

func TestAllocReturnsSlotTaggedWithCurrentMode(t *testing.T) {
	v := newTestVM(t)
	s, err := v.Alloc(slot.TagString, "string", format.VariantFixed, 32, false)
	if err != nil {
		t.Fatal(err)
	}
	if s.Global() {
		t.Fatal("expected local allocation by default")
	}
	v.SetGlAllocMode(true)
	s2, err := v.Alloc(slot.TagString, "string", format.VariantFixed, 32, false)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.Global() {
		t.Fatal("expected global allocation after SetGlAllocMode(true)")
	}
}

func TestSetGlAllocModeReturnsPrevious(t *testing.T) {
	v := newTestVM(t)
	prev := v.SetGlAllocMode(true)
	if prev != false {
		t.Fatal("expected previous mode to be local", prev)
	}
	prev = v.SetGlAllocMode(false)
	if prev != true {
		t.Fatal("expected previous mode to be global", prev)
	}
}

func TestSaveRestoreRoundTripThroughVM(t *testing.T) {
	v := newTestVM(t)
	if v.NumberSaves() != 0 {
		t.Fatal(v.NumberSaves())
	}
	ref := v.Save()
	if v.NumberSaves() != 1 {
		t.Fatal(v.NumberSaves())
	}
	if err := v.Restore(ref, nil); err != nil {
		t.Fatal(err)
	}
	if v.NumberSaves() != 0 {
		t.Fatal(v.NumberSaves())
	}
}

func TestRestoreWithoutSaveIsError(t *testing.T) {
	v := newTestVM(t)
	if err := v.Restore(saverestore.SaveRef{}, nil); err == nil {
		t.Fatal("expected error restoring with no save level")
	}
}

// TestMutationThroughSaveRestoreDrivenByPublicAPI exercises Scenario 1
// (spec.md §8): a mutator allocates a composite, consults CheckASave
// through the VM façade (not saverestore directly) before overwriting
// it, then a restore through the same façade rolls the mutation back.
// This is the wiring review comment 7 asked for: the write barrier must
// be reachable from VM's own public surface, not only from saverestore's
// unit tests.
func TestMutationThroughSaveRestoreDrivenByPublicAPI(t *testing.T) {
	v := newTestVM(t)
	s, err := v.Alloc(slot.TagInteger, "", format.VariantFixed, 8, false)
	if err != nil {
		t.Fatal(err)
	}
	s.SetImmediate(1)

	ref := v.Save()
	v.CheckASave(s)
	s.SetImmediate(2)
	if s.Payload().Immediate != 2 {
		t.Fatal("expected mutation to apply before restore")
	}

	if err := v.Restore(ref, []*slot.Slot{s}); err != nil {
		t.Fatal(err)
	}
	if s.Payload().Immediate != 1 {
		t.Fatal("expected the write-barrier-logged value to be restored", s.Payload().Immediate)
	}
}

// TestRestoreDirectlyToOuterTargetWhileInnerOpen exercises Scenario 2:
// restore(s1) is called directly while s2 is still open, and must
// collapse both levels in one call.
func TestRestoreDirectlyToOuterTargetWhileInnerOpen(t *testing.T) {
	v := newTestVM(t)
	outer := v.Save()
	v.Save() // inner level, never independently restored
	if v.NumberSaves() != 2 {
		t.Fatal(v.NumberSaves())
	}
	if err := v.Restore(outer, nil); err != nil {
		t.Fatal(err)
	}
	if v.NumberSaves() != 0 {
		t.Fatal("expected both levels collapsed by one restore call", v.NumberSaves())
	}
}

// TestRestoreRejectsLiveReferencePastTarget exercises Scenario 4: a
// restore that would strand a live reference to a slot allocated after
// the target level is refused, leaving every save level intact.
func TestRestoreRejectsLiveReferencePastTarget(t *testing.T) {
	v := newTestVM(t)
	outer := v.Save()
	v.Save()
	postTarget, err := v.Alloc(slot.TagInteger, "", format.VariantFixed, 8, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Restore(outer, []*slot.Slot{postTarget}); err == nil {
		t.Fatal("expected restoring past a live post-target reference to fail")
	}
	if v.NumberSaves() != 2 {
		t.Fatal("expected both save levels to remain intact after a rejected restore", v.NumberSaves())
	}
}

func TestRootRegisterAndTraceRetainsReferencedBlock(t *testing.T) {
	v := newTestVM(t)
	blk, err := allocBlock(v)
	if err != nil {
		t.Fatal(err)
	}
	var retained bool
	id := v.RootRegister(root.KindCallback, root.RankExact, "test-root", func(ctx root.ScanContext) {
		ctx.Retain(blk)
		retained = ctx.IsRetained(blk)
	})
	defer v.RootDestroy(id)

	n := v.Trace(arena.CollectFull)
	_ = n // Trace's unreachable-byte count isn't exercised by this scenario
	if !retained {
		t.Fatal("expected the exact root's Retain to mark its block retained")
	}
}

// TestTraceWeakRootClearsWhenReferentUnreachable exercises Scenario 5 /
// Testable Property 4 through the real VM.Trace path (not just
// internal/root in isolation): a weak root whose referent nothing else
// retains must read as cleared after a collection.
func TestTraceWeakRootClearsWhenReferentUnreachable(t *testing.T) {
	v := newTestVM(t)
	blk, err := allocBlock(v)
	if err != nil {
		t.Fatal(err)
	}
	var cleared bool
	id := v.RootRegister(root.KindCallback, root.RankWeak, "weak-cache", func(ctx root.ScanContext) {
		ctx.Retain(blk) // weak rank's Retain must be a no-op
		if !ctx.IsRetained(blk) {
			cleared = true
		}
	})
	defer v.RootDestroy(id)

	v.Trace(arena.CollectFull)
	if !cleared {
		t.Fatal("expected a weak root to clear when its referent was not independently retained")
	}
}

// TestTraceWeakRootDoesNotClearWhenIndependentlyRetained is Scenario 5's
// other half: when an exact root retains the same block, the weak root
// must read as still live.
func TestTraceWeakRootDoesNotClearWhenIndependentlyRetained(t *testing.T) {
	v := newTestVM(t)
	blk, err := allocBlock(v)
	if err != nil {
		t.Fatal(err)
	}
	exactID := v.RootRegister(root.KindCallback, root.RankExact, "exact-holder", func(ctx root.ScanContext) {
		ctx.Retain(blk)
	})
	defer v.RootDestroy(exactID)

	var cleared bool
	weakID := v.RootRegister(root.KindCallback, root.RankWeak, "weak-cache", func(ctx root.ScanContext) {
		if !ctx.IsRetained(blk) {
			cleared = true
		}
	})
	defer v.RootDestroy(weakID)

	v.Trace(arena.CollectFull)
	if cleared {
		t.Fatal("expected the weak root not to clear when an exact root retained the same block")
	}
}

func allocBlock(v *VM) (*format.Block, error) {
	s, err := v.Alloc(slot.TagString, "string", format.VariantFixed, 16, false)
	if err != nil {
		return nil, err
	}
	blk, _ := s.Payload().Ref.(*format.Block)
	return blk, nil
}

func TestReservoirLimitSetIsObservedByLowMemoryPermit(t *testing.T) {
	v := newTestVM(t)
	v.ReservoirLimitSet(0)
	if v.reserv.ReserveWithPermit(1) {
		t.Fatal("expected a zero-limit reservoir to deny every permit")
	}
}

// buildNestedArray constructs a chain of depth nested arrays, each
// holding exactly one element, entirely outside vm.Alloc — the
// "externally-allocated" source Scenario 6 calls for.
func buildNestedArray(depth int) slot.Slot {
	s := slot.New(slot.TagInteger, false)
	s.SetImmediate(1)
	for i := 0; i < depth; i++ {
		blk := &format.Block{Variant: format.VariantFixed, Size: 8, Class: "array", Slots: []slot.Slot{s}}
		next := slot.New(slot.TagArray, false)
		next.SetRef(blk)
		next.SetLength(1)
		s = next
	}
	return s
}

func TestCopyObjectDeepCopiesArrayIntoFreshBlock(t *testing.T) {
	v := newTestVM(t)
	srcHeader, err := v.Alloc(slot.TagArray, "array", format.VariantFixed, 32, false)
	if err != nil {
		t.Fatal(err)
	}
	srcBlk := srcHeader.Payload().Ref.(*format.Block)
	inner := slot.New(slot.TagInteger, false)
	inner.SetImmediate(42)
	srcBlk.Slots = []slot.Slot{inner}
	srcHeader.SetLength(1)

	var dst slot.Slot
	if err := v.CopyObject(&dst, srcHeader, 0, false); err != nil {
		t.Fatal(err)
	}
	dstBlk, ok := dst.Payload().Ref.(*format.Block)
	if !ok {
		t.Fatal("expected dst to carry a fresh block")
	}
	if dstBlk == srcBlk {
		t.Fatal("expected a freshly allocated block, not the source one")
	}
	if len(dstBlk.Slots) != 1 || dstBlk.Slots[0].Payload().Immediate != 42 {
		t.Fatal("expected the copied array's element to carry the same immediate value")
	}
	dstBlk.Slots[0].SetImmediate(99)
	if srcBlk.Slots[0].Payload().Immediate != 42 {
		t.Fatal("expected mutating the copy not to affect the source (Testable Property 8 isolation)")
	}
}

func TestCopyObjectRecursionLimitRejectsDeepNesting(t *testing.T) {
	v := newTestVM(t)
	src := buildNestedArray(20)
	var dst slot.Slot
	if err := v.CopyObject(&dst, &src, 16, false); err == nil {
		t.Fatal("expected a limit-check error for nesting deeper than the recursion limit")
	}
	if dst != (slot.Slot{}) {
		t.Fatal("expected dst to be left unchanged on a rejected copy")
	}
}

func TestCopyObjectRejectsLocalLeafIntoGlobalCopy(t *testing.T) {
	v := newTestVM(t)
	src := slot.New(slot.TagFile, false)
	var dst slot.Slot
	if err := v.CopyObject(&dst, &src, 0, true); err == nil {
		t.Fatal("expected invalid-access copying a local file handle into a global graph")
	}
	if dst != (slot.Slot{}) {
		t.Fatal("expected dst to be left unchanged on a rejected copy")
	}
}

func TestCopyObjectCopiesOpaqueLeafByReferenceWhenScopesMatch(t *testing.T) {
	v := newTestVM(t)
	src := slot.New(slot.TagFile, false)
	var dst slot.Slot
	if err := v.CopyObject(&dst, &src, 0, false); err != nil {
		t.Fatal(err)
	}
	if dst.Tag() != slot.TagFile {
		t.Fatal("expected an opaque leaf to copy by reference unchanged", dst.Tag())
	}
}

func TestCopyDictMatchOnlyCopiesTemplatedEntries(t *testing.T) {
	v := newTestVM(t)
	key1 := slot.New(slot.TagName, false)
	key1.SetImmediate(1)
	val1 := slot.New(slot.TagInteger, false)
	val1.SetImmediate(100)
	key2 := slot.New(slot.TagName, false)
	key2.SetImmediate(2)
	val2 := slot.New(slot.TagInteger, false)
	val2.SetImmediate(200)
	blk := &format.Block{Variant: format.VariantVariableHeader, Class: "dictionary", Slots: []slot.Slot{key1, val1, key2, val2}}
	src := slot.New(slot.TagDictionary, false)
	src.SetRef(blk)
	src.SetLength(2)

	var dst slot.Slot
	if err := v.CopyDictMatch(&dst, &src, []uint64{2}, 0, false); err != nil {
		t.Fatal(err)
	}
	dstBlk, ok := dst.Payload().Ref.(*format.Block)
	if !ok {
		t.Fatal("expected a dictionary block")
	}
	if len(dstBlk.Slots) != 2 {
		t.Fatal("expected only the matched key/value pair to be copied", len(dstBlk.Slots))
	}
	if dstBlk.Slots[0].Payload().Immediate != 2 || dstBlk.Slots[1].Payload().Immediate != 200 {
		t.Fatal("expected the matched entry's key and value to carry through")
	}
}

func TestCopyDictMatchRejectsNonDictionarySource(t *testing.T) {
	v := newTestVM(t)
	src := slot.New(slot.TagArray, false)
	var dst slot.Slot
	if err := v.CopyDictMatch(&dst, &src, nil, 0, false); err == nil {
		t.Fatal("expected a type-check error for a non-dictionary source")
	}
}
