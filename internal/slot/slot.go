// Package slot defines the universal object-slot header used throughout
// PSVM: the tagged cell that every PostScript datum is stored in, the
// access/executable/global/saved-epoch/not-VM bits packed into its header
// word, and the allocation-mode stack that governs whether new composites
// are born local or global.
//
// The bit layout follows the same packed-header idiom the teacher uses for
// its timestamp bits (see package.go's _TSB_UTIL_BITS/_TSB_DELETION/
// _TSB_LOCAL_REMOVAL consts): a small number of flag bits live in the low
// bits of an otherwise numeric word, checked with plain masks rather than
// a bitfield struct.
package slot

import "fmt"

// Tag identifies the kind of datum a Slot holds.
type Tag uint8

const (
	TagInteger Tag = iota
	TagReal
	TagInfinity
	TagBoolean
	TagNull
	TagMark
	TagName
	TagOperator
	TagSave
	TagGState
	TagFontID
	TagString
	TagLongString
	TagArray
	TagPackedArray
	TagDictionary
	TagFile
	TagIndirect
	TagFileOffset
	TagCPointer
	TagNothing
)

func (t Tag) String() string {
	switch t {
	case TagInteger:
		return "integer"
	case TagReal:
		return "real"
	case TagInfinity:
		return "infinity"
	case TagBoolean:
		return "boolean"
	case TagNull:
		return "null"
	case TagMark:
		return "mark"
	case TagName:
		return "name"
	case TagOperator:
		return "operator"
	case TagSave:
		return "save"
	case TagGState:
		return "gstate"
	case TagFontID:
		return "font-id"
	case TagString:
		return "string"
	case TagLongString:
		return "long-string"
	case TagArray:
		return "array"
	case TagPackedArray:
		return "packed-array"
	case TagDictionary:
		return "dictionary"
	case TagFile:
		return "file"
	case TagIndirect:
		return "indirect"
	case TagFileOffset:
		return "file-offset"
	case TagCPointer:
		return "c-pointer"
	default:
		return "nothing"
	}
}

// IsComposite reports whether the tag designates a composite payload (one
// that occupies a contiguous block of slots beyond the header itself), per
// invariant 1 of spec.md §3.
func (t Tag) IsComposite() bool {
	switch t {
	case TagString, TagLongString, TagArray, TagPackedArray, TagDictionary:
		return true
	default:
		return false
	}
}

// Access describes the access level carried by a Slot's header.
type Access uint8

const (
	AccessNone Access = iota
	AccessExecuteOnly
	AccessReadOnly
	AccessUnlimited
)

// Header bit layout, packed the way the teacher packs its TSB byte: a
// handful of independent flags living in the low bits of a single word,
// tested and set with plain masks.
const (
	_HDR_GLOBAL           = uint32(1) << 0
	_HDR_EXECUTABLE       = uint32(1) << 1
	_HDR_NOT_VM           = uint32(1) << 2
	_HDR_ACCESS_OVERRIDE  = uint32(1) << 3
	_HDR_ACCESS_SHIFT     = 4
	_HDR_ACCESS_MASK      = uint32(0x3) << _HDR_ACCESS_SHIFT
	_HDR_TAG_SHIFT        = 6
	_HDR_TAG_MASK         = uint32(0x1f) << _HDR_TAG_SHIFT
	_HDR_SAVED_FLAG_SHIFT = 11
)

// Slot is the universal cell containing any PostScript datum. It is the
// unit of both mutation and save-log replay (spec.md §3, "Object slot").
type Slot struct {
	header     uint32 // tag | access | executable | global | not-VM | access-override
	savedEpoch uint32 // write-barrier "logged at or below epoch N" stamp
	allocEpoch uint32 // save epoch active at allocation time, for restore's stack-validation pass
	length     uint32 // strings/arrays/dictionaries/names/files
	payload    Payload
}

// Payload is the discriminated-union value a Slot carries: either an
// immediate scalar or a reference into a managed or unmanaged block.
type Payload struct {
	Immediate uint64      // integer/real bits, boolean, or small immediate
	Ref       interface{} // *format.Block, or any not-VM external pointer
}

// New constructs a Slot with the given tag and scope; all other bits start
// clear (not executable, read access, not saved, not not-VM).
func New(tag Tag, global bool) Slot {
	h := uint32(tag)<<_HDR_TAG_SHIFT | uint32(AccessReadOnly)<<_HDR_ACCESS_SHIFT
	if global {
		h |= _HDR_GLOBAL
	}
	return Slot{header: h}
}

func (s Slot) Tag() Tag { return Tag((s.header & _HDR_TAG_MASK) >> _HDR_TAG_SHIFT) }

func (s *Slot) SetTag(t Tag) {
	s.header = (s.header &^ _HDR_TAG_MASK) | uint32(t)<<_HDR_TAG_SHIFT
}

func (s Slot) Access() Access { return Access((s.header & _HDR_ACCESS_MASK) >> _HDR_ACCESS_SHIFT) }

func (s *Slot) SetAccess(a Access) {
	s.header = (s.header &^ _HDR_ACCESS_MASK) | uint32(a)<<_HDR_ACCESS_SHIFT
}

func (s Slot) AccessOverride() bool { return s.header&_HDR_ACCESS_OVERRIDE != 0 }

func (s *Slot) SetAccessOverride(v bool) {
	if v {
		s.header |= _HDR_ACCESS_OVERRIDE
	} else {
		s.header &^= _HDR_ACCESS_OVERRIDE
	}
}

func (s Slot) Executable() bool { return s.header&_HDR_EXECUTABLE != 0 }

func (s *Slot) SetExecutable(v bool) {
	if v {
		s.header |= _HDR_EXECUTABLE
	} else {
		s.header &^= _HDR_EXECUTABLE
	}
}

// Global reports the allocation scope of the referenced payload.
func (s Slot) Global() bool { return s.header&_HDR_GLOBAL != 0 }

func (s *Slot) SetGlobal(v bool) {
	if v {
		s.header |= _HDR_GLOBAL
	} else {
		s.header &^= _HDR_GLOBAL
	}
}

// NotVM reports whether the referent lives outside the managed heap; the
// write barrier and scanners must treat such slots as opaque (invariant 6).
func (s Slot) NotVM() bool { return s.header&_HDR_NOT_VM != 0 }

func (s *Slot) SetNotVM(v bool) {
	if v {
		s.header |= _HDR_NOT_VM
	} else {
		s.header &^= _HDR_NOT_VM
	}
}

// SavedEpoch returns the stamp encoding "this slot has been logged at or
// below epoch N".
func (s Slot) SavedEpoch() uint32 { return s.savedEpoch }

// MarkSavedAt stamps the slot as logged at the given epoch; subsequent
// writes within the same epoch short-circuit the barrier (invariant 4).
func (s *Slot) MarkSavedAt(epoch uint32) { s.savedEpoch = epoch }

// AllocEpoch returns the save epoch that was active when this slot was
// allocated. Restore's stack-validation pass (spec.md §4.F step 1) compares
// this against a restore's target epoch: a stack reference to a slot
// allocated after the target was saved would otherwise dangle once that
// slot's save level is discarded.
func (s Slot) AllocEpoch() uint32 { return s.allocEpoch }

// SetAllocEpoch stamps the slot with the save epoch active at allocation
// time; called once by the allocator, never by the mutator afterward.
func (s *Slot) SetAllocEpoch(epoch uint32) { s.allocEpoch = epoch }

func (s Slot) Length() uint32 { return s.length }

func (s *Slot) SetLength(n uint32) { s.length = n }

func (s Slot) Payload() Payload { return s.payload }

func (s *Slot) SetImmediate(v uint64) {
	s.payload = Payload{Immediate: v}
}

func (s *Slot) SetRef(ref interface{}) {
	s.payload = Payload{Ref: ref}
}

func (s Slot) String() string {
	return fmt.Sprintf("%s(global=%v exec=%v notvm=%v savedEpoch=%d len=%d)",
		s.Tag(), s.Global(), s.Executable(), s.NotVM(), s.savedEpoch, s.length)
}

// CheckCoherence validates invariant 1: a composite-tagged slot's payload
// must be either unset (zero-length) or a reference whose block the caller
// can route to a recognized format.
func (s Slot) CheckCoherence() error {
	if !s.Tag().IsComposite() {
		return nil
	}
	if s.length == 0 {
		return nil
	}
	if s.payload.Ref == nil {
		return fmt.Errorf("slot: composite tag %s with length %d has nil payload", s.Tag(), s.length)
	}
	return nil
}
