package vm

import (
	"errors"

	"github.com/gholt/psvm/internal/format"
	"github.com/gholt/psvm/internal/slot"
)

// defaultCopyDepth is the recursion cap psvm_copy uses when the caller
// passes a non-positive limit, matching the rest of this package's
// "zero value means use a sane default" convention (see NewConfig).
const defaultCopyDepth = 64

var (
	errCopyRecursionLimit  = errors.New("vm: psvm_copy recursion limit exceeded")
	errCopyLocalIntoGlobal = errors.New("vm: psvm_copy would store a local leaf into a global graph")
	errCopyNotADictionary  = errors.New("vm: psvm_copy_dictmatch source is not a dictionary")
)

// CopyObject implements psvm_copy_object (spec.md §4.H, §6, Testable
// Property 8, Scenario 6): a deep copy of src's reachable structure into
// dst, with freshly allocated payloads for every string/array/dictionary
// along the way, recursing no more than limit levels deep. Immediates
// copy by value. Opaque already-VM slots (file, save, gstate,
// long-string) copy by reference rather than traversed, since the
// collector already treats their referents as outside its purview.
//
// global selects the scope the fresh copies are allocated into. If an
// opaque leaf is reached while copying into global scope and that leaf
// is itself local, the copy is refused with invalid-access (the same
// rule check_gsave enforces for an in-place write) rather than leaving a
// dangling local reference inside a graph that is supposed to outlive
// every local save level. On any failure dst is left unchanged.
func (vm *VM) CopyObject(dst, src *slot.Slot, limit int, global bool) error {
	if limit <= 0 {
		limit = defaultCopyDepth
	}
	var out slot.Slot
	var err error
	vm.modes.Bracket(slot.AllocMode(global), func() {
		out, err = vm.copyInto(src, limit)
	})
	if err != nil {
		return wrapCopyErr("vm.CopyObject", err)
	}
	*dst = out
	return nil
}

// CopyDictMatch implements psvm_copy_dictmatch (spec.md §4.H, §6): like
// CopyObject, but src must be a dictionary, and only the entries whose
// key is a name slot with an immediate ID present in template are
// copied into dictOut — the "pull just the entries I recognize out of a
// large font or idiom dictionary" shape, rather than a full deep copy.
func (vm *VM) CopyDictMatch(dictOut, src *slot.Slot, template []uint64, limit int, global bool) error {
	if src == nil || src.Tag() != slot.TagDictionary {
		return wrap("vm.CopyDictMatch", KindTypeCheck, errCopyNotADictionary)
	}
	if limit <= 0 {
		limit = defaultCopyDepth
	}
	var out slot.Slot
	var err error
	vm.modes.Bracket(slot.AllocMode(global), func() {
		out, err = vm.copyDictionary(src, limit, template)
	})
	if err != nil {
		return wrapCopyErr("vm.CopyDictMatch", err)
	}
	*dictOut = out
	return nil
}

func wrapCopyErr(op string, err error) error {
	if errors.Is(err, errCopyRecursionLimit) {
		return wrap(op, KindLimitCheck, err)
	}
	return wrap(op, KindInvalidAccess, err)
}

// copyInto is the recursive worker behind CopyObject. depth is the
// number of further recursion levels still permitted; it is checked
// before each composite is entered, so a chain nested deeper than limit
// fails with errCopyRecursionLimit before any slot belonging to the
// offending level is allocated.
func (vm *VM) copyInto(src *slot.Slot, depth int) (slot.Slot, error) {
	if src == nil {
		return slot.Slot{}, nil
	}
	if depth <= 0 {
		return slot.Slot{}, errCopyRecursionLimit
	}
	switch src.Tag() {
	case slot.TagFile, slot.TagSave, slot.TagGState, slot.TagLongString:
		if vm.CurrentAllocMode() && !src.Global() {
			return slot.Slot{}, errCopyLocalIntoGlobal
		}
		return *src, nil
	}
	if !src.Tag().IsComposite() {
		return *src, nil
	}
	switch src.Tag() {
	case slot.TagString:
		return vm.copyStringLeaf(src)
	case slot.TagArray, slot.TagPackedArray:
		return vm.copyArrayLike(src, depth-1)
	case slot.TagDictionary:
		return vm.copyDictionary(src, depth-1, nil)
	default:
		return *src, nil
	}
}

func (vm *VM) copyStringLeaf(src *slot.Slot) (slot.Slot, error) {
	srcBlk, _ := src.Payload().Ref.(*format.Block)
	if srcBlk == nil {
		return slot.New(slot.TagString, vm.CurrentAllocMode()), nil
	}
	newSlot, err := vm.Alloc(slot.TagString, "string", srcBlk.Variant, srcBlk.Size, false)
	if err != nil {
		return slot.Slot{}, err
	}
	newBlk, _ := newSlot.Payload().Ref.(*format.Block)
	newBlk.Bytes = append([]byte(nil), srcBlk.Bytes...)
	out := *newSlot
	out.SetLength(src.Length())
	out.SetAccess(src.Access())
	out.SetExecutable(src.Executable())
	return out, nil
}

func (vm *VM) copyArrayLike(src *slot.Slot, depth int) (slot.Slot, error) {
	srcBlk, _ := src.Payload().Ref.(*format.Block)
	fmtClass := "array"
	if src.Tag() == slot.TagPackedArray {
		fmtClass = "packed-array"
	}
	if srcBlk == nil {
		return slot.New(src.Tag(), vm.CurrentAllocMode()), nil
	}
	newSlot, err := vm.Alloc(src.Tag(), fmtClass, srcBlk.Variant, srcBlk.Size, false)
	if err != nil {
		return slot.Slot{}, err
	}
	newBlk, _ := newSlot.Payload().Ref.(*format.Block)
	newBlk.Slots = make([]slot.Slot, len(srcBlk.Slots))
	for i := range srcBlk.Slots {
		cp, err := vm.copyInto(&srcBlk.Slots[i], depth)
		if err != nil {
			return slot.Slot{}, err
		}
		newBlk.Slots[i] = cp
	}
	out := *newSlot
	out.SetLength(src.Length())
	out.SetAccess(src.Access())
	out.SetExecutable(src.Executable())
	return out, nil
}

// copyDictionary copies src's flattened (key, value) slot pairs. When
// template is nil every entry is copied (CopyObject's full deep-copy
// case); otherwise only entries whose key is a name slot with an
// immediate ID present in template survive (CopyDictMatch).
func (vm *VM) copyDictionary(src *slot.Slot, depth int, template []uint64) (slot.Slot, error) {
	srcBlk, _ := src.Payload().Ref.(*format.Block)
	if srcBlk == nil {
		return slot.New(slot.TagDictionary, vm.CurrentAllocMode()), nil
	}
	var outSlots []slot.Slot
	for i := 0; i+1 < len(srcBlk.Slots); i += 2 {
		key := &srcBlk.Slots[i]
		val := &srcBlk.Slots[i+1]
		if template != nil && !nameMatchesTemplate(key, template) {
			continue
		}
		keyCp, err := vm.copyInto(key, depth)
		if err != nil {
			return slot.Slot{}, err
		}
		valCp, err := vm.copyInto(val, depth)
		if err != nil {
			return slot.Slot{}, err
		}
		outSlots = append(outSlots, keyCp, valCp)
	}
	newSlot, err := vm.Alloc(slot.TagDictionary, "dictionary", srcBlk.Variant, srcBlk.Size, false)
	if err != nil {
		return slot.Slot{}, err
	}
	newBlk, _ := newSlot.Payload().Ref.(*format.Block)
	newBlk.Slots = outSlots
	out := *newSlot
	out.SetLength(uint32(len(outSlots) / 2))
	out.SetAccess(src.Access())
	out.SetExecutable(src.Executable())
	return out, nil
}

func nameMatchesTemplate(key *slot.Slot, template []uint64) bool {
	if key.Tag() != slot.TagName {
		return false
	}
	id := key.Payload().Immediate
	for _, want := range template {
		if want == id {
			return true
		}
	}
	return false
}
