// Package scan implements the zone-bitmap-filtered scan state and fix
// protocol a tracing collector uses to walk live objects, per spec.md
// §4.D.
//
// The lock-free "has this address already been retained" check is
// grounded on valuelocmap.ValueLocMap's Get/Set: both load an
// atomic.Pointer-backed node, test a condition, and retry on a failed
// compare-and-swap rather than taking a lock for the common case. Scan
// applies the same shape to a much simpler structure (a word-indexed
// bitmap instead of a trie) because zone membership is only ever add-only
// within one collection pass.
package scan

import (
	"sync/atomic"

	"github.com/spaolacci/murmur3"
)

// ZoneBitmap is a four-plane approximate membership filter over block
// addresses: w0..w3 are independent hash projections of the same address,
// each indexing a bit in its own word array. An address is considered
// retained only once all four planes agree, which keeps the false-
// positive rate of a single-hash Bloom filter from ever causing a live
// object to be swept — the zone bitmap is a fast pre-check in front of
// the authoritative root/object table, never the sole authority.
type ZoneBitmap struct {
	bits [4][]uint64
	seed uint32
}

// NewZoneBitmap allocates four planes of nwords 64-bit words each.
func NewZoneBitmap(nwords int, seed uint32) *ZoneBitmap {
	if nwords < 1 {
		nwords = 1
	}
	zb := &ZoneBitmap{seed: seed}
	for i := range zb.bits {
		zb.bits[i] = make([]uint64, nwords)
	}
	return zb
}

func (zb *ZoneBitmap) projections(addr uintptr) [4]uint64 {
	var out [4]uint64
	buf := make([]byte, 8)
	for i := 0; i < 4; i++ {
		le64(buf, uint64(addr))
		hasher := murmur3.New32WithSeed(zb.seed + uint32(i))
		hasher.Write(buf)
		n := uint64(len(zb.bits[i])) * 64
		out[i] = uint64(hasher.Sum32()) % n
	}
	return out
}

func le64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// Retain marks addr as reachable across all four planes (the RETAIN
// primitive from spec.md §4.D). Concurrent Retain calls from parallel
// scanners race harmlessly: setting the same bit twice is idempotent, and
// atomic.Or-equivalent (implemented via CAS retry, matching
// ValueLocMap's retry loop) means no retain is ever lost to a races.
func (zb *ZoneBitmap) Retain(addr uintptr) {
	for plane, bit := range zb.projections(addr) {
		word := bit / 64
		mask := uint64(1) << (bit % 64)
		p := &zb.bits[plane][word]
		for {
			old := atomic.LoadUint64(p)
			if old&mask != 0 {
				break
			}
			if atomic.CompareAndSwapUint64(p, old, old|mask) {
				break
			}
		}
	}
}

// IsRetained reports whether addr has been marked across all four planes.
// A false negative is impossible (every Retain sets all four bits before
// returning); a false positive across all four planes is possible but
// vanishingly unlikely at normal bitmap sizing, which is why the
// authoritative structures (root table, forwarding pointers) always have
// final say — zone bitmap membership is a fast pre-filter, per spec.md
// §4.D "IS_RETAINED is advisory, never authoritative".
func (zb *ZoneBitmap) IsRetained(addr uintptr) bool {
	for plane, bit := range zb.projections(addr) {
		word := bit / 64
		mask := uint64(1) << (bit % 64)
		if atomic.LoadUint64(&zb.bits[plane][word])&mask == 0 {
			return false
		}
	}
	return true
}

// Reset clears every plane, done once per collection's begin phase
// (MPS_SCAN_BEGIN in spec.md §4.D) so stale retained bits from the
// previous pass never leak into the new one.
func (zb *ZoneBitmap) Reset() {
	for _, plane := range zb.bits {
		for i := range plane {
			atomic.StoreUint64(&plane[i], 0)
		}
	}
}
