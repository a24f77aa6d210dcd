package root

import "testing"

func noopRetain(interface{}) {}

func TestRegisterAndForEachRank(t *testing.T) {
	tbl := New()
	var seen []string
	tbl.Register(KindTable, RankExact, "a", func(ctx ScanContext) { seen = append(seen, "a") })
	tbl.Register(KindCallback, RankWeak, "b", func(ctx ScanContext) { seen = append(seen, "b") })

	ctx := ScanContext{Retain: noopRetain, IsRetained: func(interface{}) bool { return false }}
	tbl.ForEachRank(RankExact, func(r *Root) { r.Scan(ctx) })
	if len(seen) != 1 || seen[0] != "a" {
		t.Fatal(seen)
	}
	tbl.ForEachRank(RankWeak, func(r *Root) { r.Scan(ctx) })
	if len(seen) != 2 || seen[1] != "b" {
		t.Fatal(seen)
	}
}

func TestDeregisterRemovesRoot(t *testing.T) {
	tbl := New()
	id := tbl.Register(KindTable, RankExact, "a", func(ScanContext) {})
	if tbl.Count() != 1 {
		t.Fatal(tbl.Count())
	}
	tbl.Deregister(id)
	if tbl.Count() != 0 {
		t.Fatal(tbl.Count())
	}
}

func TestRetainCallbackReceivesReferences(t *testing.T) {
	tbl := New()
	sentinel := &struct{}{}
	tbl.Register(KindCallback, RankExact, "obj", func(ctx ScanContext) {
		ctx.Retain(sentinel)
	})
	var got interface{}
	ctx := ScanContext{
		Retain:     func(ref interface{}) { got = ref },
		IsRetained: func(interface{}) bool { return false },
	}
	tbl.ForEachRank(RankExact, func(r *Root) { r.Scan(ctx) })
	if got != sentinel {
		t.Fatal("expected retain callback to receive the registered reference")
	}
}

func TestWeakRootClearsWhenNotIndependentlyRetained(t *testing.T) {
	// internal/vm.Trace is the real caller that hands weak roots a no-op
	// Retain; this test exercises the contract a weak registrant relies
	// on directly against root.ScanContext.
	tbl := New()
	var cleared int
	tbl.Register(KindCallback, RankWeak, "cache-entry", func(ctx ScanContext) {
		if !ctx.IsRetained("referent") {
			cleared++
		}
	})

	notRetained := ScanContext{Retain: noopRetain, IsRetained: func(interface{}) bool { return false }}
	tbl.ForEachRank(RankWeak, func(r *Root) { r.Scan(notRetained) })
	if cleared != 1 {
		t.Fatal("expected the weak root to clear when its referent was not independently retained", cleared)
	}

	cleared = 0
	alreadyRetained := ScanContext{Retain: noopRetain, IsRetained: func(interface{}) bool { return true }}
	tbl.ForEachRank(RankWeak, func(r *Root) { r.Scan(alreadyRetained) })
	if cleared != 0 {
		t.Fatal("expected the weak root not to clear when its referent was independently retained", cleared)
	}
}
