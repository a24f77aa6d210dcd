package scan

import (
	"testing"

	"github.com/gholt/psvm/internal/format"
	"github.com/gholt/psvm/internal/slot"
)

func TestZoneBitmapRetainAndIsRetained(t *testing.T) {
	zb := NewZoneBitmap(64, 1)
	if zb.IsRetained(0x1000) {
		t.Fatal("expected not retained before Retain")
	}
	zb.Retain(0x1000)
	if !zb.IsRetained(0x1000) {
		t.Fatal("expected retained after Retain")
	}
	if zb.IsRetained(0x2000) {
		t.Fatal("expected a different address not retained")
	}
}

func TestZoneBitmapReset(t *testing.T) {
	zb := NewZoneBitmap(64, 1)
	zb.Retain(0x1000)
	zb.Reset()
	if zb.IsRetained(0x1000) {
		t.Fatal("expected reset to clear retained bits")
	}
}

func TestStateDrainsWorklistAndRetainsReachableBlocks(t *testing.T) {
	reg := format.NewRegistry()
	leaf := &format.Block{Variant: format.VariantFixed, Size: 8, Class: "string"}
	s := slot.New(slot.TagString, false)
	s.SetRef(leaf)
	root := &format.Block{Variant: format.VariantFixed, Size: 8, Slots: []slot.Slot{s}, Class: "array"}

	st := Begin(reg, 64, 1)
	st.Retain(root)
	st.Drain()
	retained := st.End()
	if !retained[root] {
		t.Fatal("expected root retained")
	}
	if !retained[leaf] {
		t.Fatal("expected leaf reached via Scan to be retained")
	}
}

func TestStateRetainIsIdempotent(t *testing.T) {
	reg := format.NewRegistry()
	blk := &format.Block{Class: "string"}
	st := Begin(reg, 64, 1)
	st.Retain(blk)
	st.Retain(blk)
	if len(st.worklist) != 1 {
		t.Fatal("expected second Retain of the same block to be a no-op", len(st.worklist))
	}
}
