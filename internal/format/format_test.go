package format

import (
	"testing"

	"github.com/gholt/psvm/internal/slot"
)

func TestArrayFormatScanInvokesFixOnComposites(t *testing.T) {
	inner := &Block{Variant: VariantFixed, Size: 8, Class: "string"}
	s := slot.New(slot.TagString, false)
	s.SetRef(inner)
	blk := &Block{Variant: VariantFixed, Size: 8, Slots: []slot.Slot{s}, Class: "array"}
	var fixed *Block
	ArrayFormat{}.Scan(blk, func(p *slot.Payload) bool {
		fixed = p.Ref.(*Block)
		return false
	})
	if fixed != inner {
		t.Fatal("expected fix to be called with the inner block")
	}
}

func TestArrayFormatScanSkipsNotVM(t *testing.T) {
	s := slot.New(slot.TagString, false)
	s.SetNotVM(true)
	blk := &Block{Slots: []slot.Slot{s}}
	called := false
	ArrayFormat{}.Scan(blk, func(p *slot.Payload) bool {
		called = true
		return false
	})
	if called {
		t.Fatal("fix must not be called on not-VM slots")
	}
}

func TestArrayFormatScanEmptyComposite(t *testing.T) {
	blk := &Block{Slots: nil}
	ArrayFormat{}.Scan(blk, func(p *slot.Payload) bool {
		t.Fatal("fix should never be called for an empty composite")
		return false
	})
}

func TestStringFormatScanIsNoOp(t *testing.T) {
	blk := &Block{Bytes: []byte("hello")}
	StringFormat{}.Scan(blk, func(p *slot.Payload) bool {
		t.Fatal("string format has no pointer-shaped slots")
		return false
	})
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("array"); !ok {
		t.Fatal("expected array format registered")
	}
	if _, ok := r.Lookup("nonexistent"); ok {
		t.Fatal("expected nonexistent format to miss")
	}
}

func TestBlockIsForwarded(t *testing.T) {
	old := &Block{}
	if old.IsForwarded() {
		t.Fatal("fresh block should not be forwarded")
	}
	newBlk := &Block{}
	ArrayFormat{}.Forward(old, newBlk)
	if !old.IsForwarded() {
		t.Fatal("expected forwarded after Forward")
	}
	if old.Forwarded != newBlk {
		t.Fatal("expected forwarding pointer to target new block")
	}
}
