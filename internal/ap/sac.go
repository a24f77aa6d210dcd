package ap

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gholt/psvm/internal/format"
)

// errLowMemory is returned by an Allocation Point's slow path when the
// reservoir has refused to grant a permit for further growth, the
// reserve_with_permit failure case from spec.md §4.J.
var errLowMemory = errors.New("ap: allocation denied, low-memory reservoir exhausted")

// sizeClasses are the SAC's free-list bucket boundaries, a fixed small
// ladder the way the teacher fixes MaxValueSize-derived page sizing
// rather than a fully dynamic size-class scheme: a handful of common
// small composite sizes (name records, short strings, two/three/four
// element arrays) plus an overflow bucket that always misses the cache
// and falls through to the Allocation Point directly.
var sizeClasses = [...]uintptr{16, 32, 64, 128, 256, 512, 1024}

// classIndex returns the smallest size class that fits size, or -1 if
// size exceeds every class (overflow, never cached).
func classIndex(size uintptr) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// SAC is the Segregated-fit Allocation Cache in front of a Point: a
// per-size-class free list populated by Free and drained by Alloc before
// ever touching the Point's bump cursor, matching the SAC_ALLOC_FAST /
// SAC_FREE_FAST split in spec.md §4.C. xxhash keys each free list bucket
// by (class, format-class-name) so reused blocks never get handed back
// under the wrong format.
type SAC struct {
	mu    sync.Mutex
	point *Point
	free  map[uint64][]*format.Block
}

func NewSAC(point *Point) *SAC {
	return &SAC{point: point, free: make(map[uint64][]*format.Block)}
}

func bucketKey(classIdx int, fmtClass string) uint64 {
	h := xxhash.New()
	h.Write([]byte{byte(classIdx)})
	h.WriteString(fmtClass)
	return h.Sum64()
}

// Alloc is SAC_ALLOC_FAST: pop a free block of the right bucket if one is
// waiting, else fall through to the backing Allocation Point
// (SAC_ALLOC_FAST's miss path, spec.md §4.C).
func (s *SAC) Alloc(v format.Variant, size uintptr, fmtClass string) (*format.Block, error) {
	idx := classIndex(size)
	if idx >= 0 {
		key := bucketKey(idx, fmtClass)
		s.mu.Lock()
		bucket := s.free[key]
		if n := len(bucket); n > 0 {
			blk := bucket[n-1]
			s.free[key] = bucket[:n-1]
			s.mu.Unlock()
			blk.Forwarded = nil
			return blk, nil
		}
		s.mu.Unlock()
	}
	return s.point.Alloc(v, size, fmtClass)
}

// Free is SAC_FREE_FAST: return a block to its size-class bucket for
// reuse instead of letting it lapse until the next collection, the cache
// half of the allocation cache (objects below the overflow threshold that
// die young — e.g. short-lived small arrays built and discarded during
// operator execution — never reach the tracing collector at all).
func (s *SAC) Free(blk *format.Block, fmtClass string) {
	idx := classIndex(blk.Size)
	if idx < 0 {
		return // overflow-sized blocks are not cached, only collected
	}
	key := bucketKey(idx, fmtClass)
	s.mu.Lock()
	s.free[key] = append(s.free[key], blk)
	s.mu.Unlock()
}
