// Package root implements the root table: registration and ranked
// scanning of the places a collector must start tracing from, per
// spec.md §4.E.
//
// The sharded, lock-per-bucket structure is grounded on
// valuelocmap.valuesLocStore (a bucket slice paired with a parallel
// per-bucket sync.RWMutex slice) rather than the map's full resizing
// trie: root registration/deregistration happens at a tiny fraction of
// the rate value lookups do in the teacher, so the simpler fixed-shard-
// count structure (no split/unsplit state machine) is the right amount
// of machinery to borrow.
package root

import (
	"sync"

	"github.com/google/uuid"
)

// Kind identifies what shape of storage a Root points at, per spec.md
// §4.E's root kinds.
type Kind uint8

const (
	KindTable          Kind = iota // a contiguous slot array
	KindMaskedTable                // a slot array with a companion liveness mask
	KindFormattedRegion             // a format.Block walked via its own Format.Scan
	KindThreadStack                 // an interpreter operand/execution stack
	KindCallback                    // an opaque scanning callback supplied by the registrant
)

// Rank determines how strongly a root's references keep their referents
// alive, per spec.md §4.E.
type Rank uint8

const (
	RankExact     Rank = iota // every reference enumerated is definitely live
	RankAmbiguous             // references may be false positives (e.g. a C stack scanned conservatively)
	RankWeak                  // references never keep a referent alive by themselves
)

// ScanFunc is supplied by the registrant and enumerates every reference
// the root currently holds, against the ScanContext the current scan pass
// hands it. It is the KindCallback root's entire contract, and the shape
// every other Kind is adapted to internally.
type ScanFunc func(ctx ScanContext)

// ScanContext is what a scan pass gives a root's ScanFunc for one rank.
// Retain marks a reference as keeping its referent alive — for an
// exact or ambiguous root this is the whole point of scanning; for a
// weak root the collector passes a Retain that is always a no-op, so a
// weak reference can never keep anything alive by itself (spec.md §4.E,
// Testable Property 4). IsRetained lets any root, weak or otherwise,
// query whether a given reference is already known live from an earlier
// rank's pass — the mechanism a weak root uses to decide whether to keep
// or clear its own reference once exact/ambiguous scanning has settled
// what's reachable.
type ScanContext struct {
	Retain     func(ref interface{})
	IsRetained func(ref interface{}) bool
}

// Root is one registered scan origin.
type Root struct {
	ID    uuid.UUID
	Kind  Kind
	Rank  Rank
	Scan  ScanFunc
	Label string // human-readable, for debug walks and telemetry only
}

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	roots map[uuid.UUID]*Root
}

// Table is the root table: a fixed number of independently locked shards,
// keyed by the root's uuid so registration and deregistration never
// collide across unrelated subsystems (font cache, color chain cache,
// idiom index, interpreter stacks) registering and destroying roots
// concurrently.
type Table struct {
	shards [shardCount]*shard
}

func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{roots: make(map[uuid.UUID]*Root)}
	}
	return t
}

func (t *Table) shardFor(id uuid.UUID) *shard {
	var h byte
	for _, b := range id {
		h ^= b
	}
	return t.shards[int(h)%shardCount]
}

// Register implements root_register: the root_create family from
// spec.md §4.E collapses to one call here, with Kind distinguishing the
// table/masked-table/formatted-region/thread-stack/callback variants.
func (t *Table) Register(kind Kind, rank Rank, label string, scan ScanFunc) uuid.UUID {
	id := uuid.New()
	r := &Root{ID: id, Kind: kind, Rank: rank, Scan: scan, Label: label}
	s := t.shardFor(id)
	s.mu.Lock()
	s.roots[id] = r
	s.mu.Unlock()
	return id
}

// Deregister implements root_destroy.
func (t *Table) Deregister(id uuid.UUID) {
	s := t.shardFor(id)
	s.mu.Lock()
	delete(s.roots, id)
	s.mu.Unlock()
}

// ForEachRank invokes fn for every registered root of the given rank, the
// iteration order a collector's root-scanning phase needs to treat exact
// roots, ambiguous roots, and weak roots as three separate passes
// (weak roots are scanned only after the exact/ambiguous passes have
// settled what's alive, per spec.md §4.E's weak-root timing rule).
func (t *Table) ForEachRank(rank Rank, fn func(*Root)) {
	for _, s := range t.shards {
		s.mu.RLock()
		matched := make([]*Root, 0, len(s.roots))
		for _, r := range s.roots {
			if r.Rank == rank {
				matched = append(matched, r)
			}
		}
		s.mu.RUnlock()
		for _, r := range matched {
			fn(r)
		}
	}
}

// Count reports how many roots are currently registered, for telemetry.
func (t *Table) Count() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.roots)
		s.mu.RUnlock()
	}
	return n
}
