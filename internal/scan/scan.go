package scan

import (
	"unsafe"

	"github.com/gholt/psvm/internal/format"
	"github.com/gholt/psvm/internal/slot"
)

// State is one collector pass over the heap: a zone bitmap tracking what
// has been retained so far, a worklist of blocks still needing Scan, and
// the Format registry used to dispatch Scan/Skip/Forward per block.
//
// This plays the role the MPS_SCAN_BEGIN/.../MPS_SCAN_END bracket plays in
// spec.md §4.D: construct a State, call Call on every known root (via
// internal/root), drain the worklist, then read off the retained set.
type State struct {
	registry *format.Registry
	zone     *ZoneBitmap
	worklist []*format.Block
	retained []*format.Block
}

// Begin starts a scan pass, the MPS_SCAN_BEGIN primitive.
func Begin(registry *format.Registry, nwords int, seed uint32) *State {
	return &State{
		registry: registry,
		zone:     NewZoneBitmap(nwords, seed),
	}
}

// addr derives a stable address for a Block for zone-bitmap purposes.
// Blocks are heap-allocated Go structs; their own pointer value is a
// legitimate proxy for "address" since format.Block identity, not its
// payload's backing array, is what a fix needs to dedupe against.
func addr(b *format.Block) uintptr { return uintptr(unsafe.Pointer(b)) }

// Retain marks blk as reachable and, if this is the first time it has
// been seen this pass, queues it for scanning. This is the combined
// RETAIN + worklist-push the collector calls from a root or from another
// block's Fix callback.
func (s *State) Retain(blk *format.Block) {
	if blk == nil {
		return
	}
	if s.zone.IsRetained(addr(blk)) {
		return
	}
	s.zone.Retain(addr(blk))
	s.worklist = append(s.worklist, blk)
	s.retained = append(s.retained, blk)
}

// IsRetained implements IS_RETAINED.
func (s *State) IsRetained(blk *format.Block) bool {
	return blk != nil && s.zone.IsRetained(addr(blk))
}

// fix is the FixFunc every Format.Scan call receives: it retains the
// referenced block (following any existing forwarding pointer first) and
// reports whether the caller should rewrite its slot to point at the
// (possibly updated) block — SCAN_UPDATE in spec.md §4.D.
func (s *State) fix(p *slot.Payload) bool {
	blk, ok := p.Ref.(*format.Block)
	if !ok || blk == nil {
		return false
	}
	for blk.IsForwarded() {
		blk = blk.Forwarded
	}
	s.Retain(blk)
	if p.Ref != blk {
		p.Ref = blk
		return true
	}
	return false
}

// Call scans one block: looks up its Format by class name and invokes
// Scan with this State's fix closure, the SCAN_CALL primitive. The caller
// is responsible for draining the worklist (Drain) until empty.
func (s *State) Call(blk *format.Block) {
	if blk == nil {
		return
	}
	fmtImpl, ok := s.registry.Lookup(blk.Class)
	if !ok {
		return
	}
	fmtImpl.Scan(blk, s.fix)
}

// Drain repeatedly pops and Calls worklist entries until none remain,
// the loop a collector runs between MPS_SCAN_BEGIN and MPS_SCAN_END.
func (s *State) Drain() {
	for len(s.worklist) > 0 {
		n := len(s.worklist) - 1
		blk := s.worklist[n]
		s.worklist = s.worklist[:n]
		s.Call(blk)
	}
}

// End finalizes the pass, the MPS_SCAN_END primitive. It returns the set
// of blocks retained during the pass so the caller (internal/arena's
// Collector) can sweep everything else.
func (s *State) End() map[*format.Block]bool {
	retained := make(map[*format.Block]bool, len(s.retained))
	for _, b := range s.retained {
		retained[b] = true
	}
	return retained
}
