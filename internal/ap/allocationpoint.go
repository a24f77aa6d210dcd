// Package ap implements Allocation Points (fast bump-pointer allocation
// with frame push/pop) and the Segregated-fit Allocation Cache (SAC) that
// sits in front of them, per spec.md §4.C.
package ap

import (
	"sync"
	"sync/atomic"

	"github.com/gholt/psvm/internal/arena"
	"github.com/gholt/psvm/internal/format"
)

// frame is a saved cursor the AP can roll back to, the "discard everything
// allocated since frame N" half of push/pop (spec.md §4.C frame push/pop).
type frame struct {
	used uintptr
}

// Point is one Allocation Point: a bump cursor into a single class of
// Arena pool, refilled from the arena in headroom-sized chunks the way the
// teacher's memWriter pulls a whole *valuesMem buffer off freeVMChan
// rather than asking the allocator for each value's bytes individually.
type Point struct {
	mu        sync.Mutex
	arena     *arena.Arena
	class     arena.Class
	headroom  uintptr
	used      uintptr
	cur       *format.Block
	frames    []frame
	fastAlloc uint64
	slowAlloc uint64
	permitted func() bool // reservoir permit check; nil means always allowed
}

// New creates an Allocation Point drawing from the given arena pool
// class, refilling headroom bytes at a time.
func New(a *arena.Arena, class arena.Class, headroom uintptr, permitted func() bool) *Point {
	return &Point{arena: a, class: class, headroom: headroom, permitted: permitted}
}

// Alloc is the fast path: bump the cursor if there's room, else fall to
// the slow path that asks the Arena for a fresh chunk. Mirrors the
// teacher's memWriter fast-append-to-buffer / else-rotate-buffer split in
// valuesstore.go's memWriter loop.
func (p *Point) Alloc(v format.Variant, size uintptr, fmtClass string) (*format.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != nil && p.used+size <= p.cur.Size {
		atomic.AddUint64(&p.fastAlloc, 1)
		p.used += size
		return &format.Block{Variant: v, Size: size, Class: fmtClass}, nil
	}
	return p.allocSlow(v, size, fmtClass)
}

func (p *Point) allocSlow(v format.Variant, size uintptr, fmtClass string) (*format.Block, error) {
	atomic.AddUint64(&p.slowAlloc, 1)
	if p.permitted != nil && !p.permitted() {
		return nil, errLowMemory
	}
	want := p.headroom
	if size > want {
		want = size
	}
	p.cur = p.arena.Alloc(p.class, v, want, fmtClass)
	p.used = size
	return &format.Block{Variant: v, Size: size, Class: fmtClass}, nil
}

// PushFrame records the current cursor so a later PopFrame can discard
// anything allocated since, for speculative allocation sequences that may
// be abandoned (e.g. a failed type conversion midway through building a
// composite).
func (p *Point) PushFrame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame{used: p.used})
}

// PopFrame rolls the cursor back to the matching PushFrame, discarding any
// allocations made since. It is a no-op if no frame is pending.
func (p *Point) PopFrame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return
	}
	f := p.frames[len(p.frames)-1]
	p.frames = p.frames[:len(p.frames)-1]
	p.used = f.used
}

// Stats reports the fast/slow path split, useful for judging whether
// headroom is sized well for a given allocation pattern (spec.md §4.I
// "ramp" hint is a caller-side signal to grow headroom before a burst).
type Stats struct {
	FastAllocs uint64
	SlowAllocs uint64
}

func (p *Point) Stats() Stats {
	return Stats{
		FastAllocs: atomic.LoadUint64(&p.fastAlloc),
		SlowAllocs: atomic.LoadUint64(&p.slowAlloc),
	}
}
