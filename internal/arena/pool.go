package arena

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gholt/psvm/internal/format"
)

// Class names a pool's allocation discipline, per spec.md §4.A: AMC pools
// hold ordinary moved-and-compacted objects, weak-AMC pools hold
// weak-referenced objects that must not keep their referents alive,
// SNC pools hold save-log (segregated, non-compacted) records, and Debug
// pools never compact so a debugger-style walk sees stable addresses.
type Class uint8

const (
	ClassAMC Class = iota
	ClassWeakAMC
	ClassSNC
	ClassDebug
)

func (c Class) String() string {
	switch c {
	case ClassAMC:
		return "amc"
	case ClassWeakAMC:
		return "weak-amc"
	case ClassSNC:
		return "snc"
	default:
		return "debug"
	}
}

// segment is one committed span of backing memory. base is computed once
// from the slice's own data pointer so has_addr can do a cheap range test
// without re-deriving it on every call, mirroring the way the teacher
// caches a block's id once on creation in addValuesLocBock rather than
// recomputing it per lookup.
type segment struct {
	bytes []byte
	base  uintptr
	size  uintptr
}

func newSegment(size int) *segment {
	b := make([]byte, size)
	var base uintptr
	if len(b) > 0 {
		base = uintptr(unsafe.Pointer(&b[0]))
	}
	return &segment{bytes: b, base: base, size: uintptr(size)}
}

func (s *segment) contains(addr uintptr) bool {
	return addr >= s.base && addr < s.base+s.size
}

// Pool is one class-segregated region of the Arena: a set of committed
// segments, each carved into format.Blocks as allocations occur. Pools
// recycle cleared segments through freeSegChan exactly the way the teacher
// recycles valuesMem buffers through freeVMChan instead of letting the
// runtime GC reclaim and reallocate them.
type Pool struct {
	mu           sync.Mutex
	class        Class
	segmentSize  int
	segments     []*segment
	freeSegChan  chan *segment
	committed    uintptr
	spareCommit  uintptr
	reservedCap  uintptr
	liveBlocks   int64
	blocksByAddr map[uintptr]*format.Block
}

func newPool(class Class, cfg *Config) *Pool {
	p := &Pool{
		class:        class,
		segmentSize:  cfg.SegmentSize,
		freeSegChan:  make(chan *segment, cfg.FreeSegmentCache),
		reservedCap:  uintptr(cfg.SegmentSize) * uintptr(cfg.FreeSegmentCache),
		blocksByAddr: make(map[uintptr]*format.Block),
	}
	for i := 0; i < cfg.FreeSegmentCache; i++ {
		p.freeSegChan <- nil // lazily committed; see acquireSegment
	}
	return p
}

// acquireSegment pulls a pre-reserved slot from freeSegChan and commits
// real backing memory for it on first use, the same lazy-commit-on-first-
// write deferral the teacher applies to valuesMem.values/.toc buffers
// (allocated with 0 length, cap pre-sized). Must be called with p.mu held.
func (p *Pool) acquireSegment() *segment {
	slot := <-p.freeSegChan
	if slot != nil {
		return slot
	}
	p.committed += uintptr(p.segmentSize)
	return newSegment(p.segmentSize)
}

func (p *Pool) releaseSegment(s *segment) {
	select {
	case p.freeSegChan <- s:
	default:
		p.mu.Lock()
		p.committed -= s.size
		p.mu.Unlock()
	}
}

// Alloc carves a new block of size bytes for variant v out of the most
// recently committed segment. A segment is acquired only when the pool
// has none yet or when size exceeds the segment size (then the block gets
// a dedicated segment of its own); the bytes already occupied in a
// segment are not tracked, so a segment is never considered full. The
// pool counts live blocks itself (liveBlocks); it is a bump-then-reclaim
// discipline, not a first-fit free list — that is Allocation Points' and
// the SAC's job (§4.C), layered above this package.
func (p *Pool) Alloc(v format.Variant, size uintptr, class string) *format.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.segments) == 0 || size > uintptr(p.segmentSize) {
		s := p.acquireSegment()
		if size > s.size {
			// oversize block gets its own dedicated segment
			s = &segment{bytes: make([]byte, size), size: size}
			if len(s.bytes) > 0 {
				s.base = uintptr(unsafe.Pointer(&s.bytes[0]))
			}
		}
		p.segments = append(p.segments, s)
	}
	seg := p.segments[len(p.segments)-1]
	blk := &format.Block{Variant: v, Size: size, Class: class}
	addr := seg.base + uintptr(len(p.blocksByAddr))
	p.blocksByAddr[addr] = blk
	p.liveBlocks++
	return blk
}

// HasAddr reports whether addr falls within any segment this pool has
// committed, the generalization of the teacher's has_addr-equivalent
// lookup (valuesLocBlocks indexed by block id) to raw address ranges.
func (p *Pool) HasAddr(addr uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.segments {
		if s.contains(addr) {
			return true
		}
	}
	return false
}

// Clear drops every block this pool currently tracks and recycles its
// segments, the pool_clear operation from spec.md §4.A. It is only ever
// safe to call after a collection has determined nothing in the pool
// survives. It runs only when a caller asks for it (Arena.PoolClear);
// neither a collection nor a restore calls it.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.blocksByAddr {
		delete(p.blocksByAddr, k)
	}
	segs := p.segments
	p.segments = nil
	p.liveBlocks = 0
	p.mu.Unlock()
	for _, s := range segs {
		p.releaseSegment(s)
	}
	p.mu.Lock()
}

// Stats reports the pool's committed/spare/reserved footprint, per the
// commit/spare_commit/reserved accessor group in spec.md §4.A.
type Stats struct {
	Class      Class
	Committed  uintptr
	Spare      uintptr
	Reserved   uintptr
	LiveBlocks int64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Class:      p.class,
		Committed:  p.committed,
		Spare:      p.reservedCap - p.committed,
		Reserved:   p.reservedCap,
		LiveBlocks: p.liveBlocks,
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%s: committed=%d spare=%d reserved=%d live=%d",
		s.Class, s.Committed, s.Spare, s.Reserved, s.LiveBlocks)
}
