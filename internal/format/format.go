// Package format implements the object-format vtables that let a tracing
// collector walk heterogeneous PSVM payloads: arrays, dictionaries,
// strings, and graphics states. Each format is a small interface rather
// than a class hierarchy — spec.md §9 calls out "deep inheritance in
// format vtables" as a pattern to flatten into a tagged-variant-plus-
// callback design for a systems language, and that is what Variant below
// does.
//
// The teacher's closest analogue is the valueLocBlock interface in
// valuestore_GEN_.go (timestampnano/read/close): a minimal vtable that
// every on-disk value-file implementation satisfies so the store can treat
// them uniformly. Format generalizes that idea from "file backing a value"
// to "memory layout backing a collector".
package format

import "github.com/gholt/psvm/internal/slot"

// Variant distinguishes the handful of known format shapes so the
// collector can dispatch without per-type method tables, per spec.md §9.
type Variant uint8

const (
	VariantFixed Variant = iota
	VariantVariableHeader
	VariantAutoHeader
)

// Block is a contiguous allocated region: a composite payload plus the
// bookkeeping a scanner needs to walk it. Always carries its own size, per
// spec.md §3 ("Composite payload").
type Block struct {
	Variant    Variant
	HeaderSize uintptr // only meaningful for VariantAutoHeader
	Size       uintptr
	Slots      []slot.Slot // nil for raw byte payloads (strings)
	Bytes      []byte      // nil for slot payloads (arrays, dicts, gstates)
	Forwarded  *Block      // non-nil once a collector has relocated this block
	Class      string      // format class name, used by debug walks
}

// IsForwarded reports whether the block has already been relocated; the
// non-nil Forwarded pointer plays the role of "forward(old,new)" having
// already run.
func (b *Block) IsForwarded() bool { return b.Forwarded != nil }

// FixFunc is the action taken on a live reference: mark, copy, or install a
// forwarding address. It mirrors the scan state's Fix callback described in
// spec.md §4.D.
type FixFunc func(ref *slot.Payload) (keep bool)

// Format is the vtable the collector calls per object, matching §4.B:
// scan/skip/forward/is_forwarded/pad, plus an optional header size for
// auto-header layouts.
type Format interface {
	// Align returns the required alignment for blocks of this format.
	Align() uintptr
	// Scan walks base's slots (if any) invoking fix on every reference-
	// shaped slot; it must enumerate every slot that may contain a pointer
	// into a managed payload (the format.Scan contract in spec.md §4.B).
	Scan(base *Block, fix FixFunc)
	// Skip returns the block immediately following base, for a linear
	// sweep over a pool segment.
	Skip(base *Block) *Block
	// Forward installs old's forwarding address to new.
	Forward(old, new *Block)
	// Pad writes a self-describing filler block of the given size so a
	// linear sweep can still Skip over freed or padding space.
	Pad(size uintptr) *Block
}

// ArrayFormat implements Format for arrays and packed arrays: a flat run of
// slots with no internal structure beyond length.
type ArrayFormat struct{}

func (ArrayFormat) Align() uintptr { return 8 }

func (ArrayFormat) Scan(base *Block, fix FixFunc) {
	if base == nil {
		return
	}
	// A zero-length composite must still be traversed (edge-case policy in
	// §4.B): the loop below is simply empty for len(base.Slots) == 0.
	for i := range base.Slots {
		s := &base.Slots[i]
		if s.NotVM() {
			// Scanners must not invoke fix on not-VM slots (invariant 6).
			continue
		}
		if !s.Tag().IsComposite() && s.Tag() != slot.TagIndirect {
			continue
		}
		p := s.Payload()
		if fix(&p) {
			s.SetRef(p.Ref)
		}
	}
}

func (ArrayFormat) Skip(base *Block) *Block { return base.Forwarded }

func (ArrayFormat) Forward(old, new *Block) { old.Forwarded = new }

func (ArrayFormat) Pad(size uintptr) *Block {
	return &Block{Variant: VariantFixed, Size: size, Class: "pad"}
}

// DictionaryFormat implements Format for dictionary chains: the payload is
// a sequence of (key, value) slot pairs plus a chain pointer to the next
// extension dictionary, all logged and scanned wholesale.
type DictionaryFormat struct{}

func (DictionaryFormat) Align() uintptr { return 8 }

func (DictionaryFormat) Scan(base *Block, fix FixFunc) {
	if base == nil {
		return
	}
	for i := range base.Slots {
		s := &base.Slots[i]
		if s.NotVM() {
			continue
		}
		p := s.Payload()
		if fix(&p) {
			s.SetRef(p.Ref)
		}
	}
}

func (DictionaryFormat) Skip(base *Block) *Block { return base.Forwarded }

func (DictionaryFormat) Forward(old, new *Block) { old.Forwarded = new }

func (DictionaryFormat) Pad(size uintptr) *Block {
	return &Block{Variant: VariantVariableHeader, Size: size, Class: "pad"}
}

// StringFormat implements Format for strings and long strings: a raw byte
// payload with no pointer-shaped slots at all, so Scan is a no-op — but it
// must still be callable per the general contract (non-pointer slots are
// permitted to pass through un-fixed).
type StringFormat struct{}

func (StringFormat) Align() uintptr { return 1 }

func (StringFormat) Scan(base *Block, fix FixFunc) {}

func (StringFormat) Skip(base *Block) *Block { return base.Forwarded }

func (StringFormat) Forward(old, new *Block) { old.Forwarded = new }

func (StringFormat) Pad(size uintptr) *Block {
	return &Block{Variant: VariantFixed, Size: size, Class: "pad", Bytes: make([]byte, size)}
}

// GStateFormat implements Format for the large fixed-size graphics-state
// struct: every slot is scanned like an array, but the format is fixed-size
// (no header) and auto-header offset does not apply.
type GStateFormat struct{}

func (GStateFormat) Align() uintptr { return 16 }

func (GStateFormat) Scan(base *Block, fix FixFunc) { ArrayFormat{}.Scan(base, fix) }

func (GStateFormat) Skip(base *Block) *Block { return base.Forwarded }

func (GStateFormat) Forward(old, new *Block) { old.Forwarded = new }

func (GStateFormat) Pad(size uintptr) *Block {
	return &Block{Variant: VariantFixed, Size: size, Class: "pad"}
}

// Registry maps a format class name to its Format, the auto-header escape
// hatch from spec.md §9: a tagged-variant enum of known formats plus a
// generic callback for anything not pre-registered.
type Registry struct {
	formats map[string]Format
}

func NewRegistry() *Registry {
	r := &Registry{formats: make(map[string]Format)}
	r.Register("array", ArrayFormat{})
	r.Register("packed-array", ArrayFormat{})
	r.Register("dictionary", DictionaryFormat{})
	r.Register("string", StringFormat{})
	r.Register("long-string", StringFormat{})
	r.Register("gstate", GStateFormat{})
	return r
}

func (r *Registry) Register(class string, f Format) { r.formats[class] = f }

func (r *Registry) Lookup(class string) (Format, bool) {
	f, ok := r.formats[class]
	return f, ok
}
