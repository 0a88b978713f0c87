package alloc

import (
	"testing"

	"github.com/jsams/fstransform/block"
)

func TestAllocateAllBestFit(t *testing.T) {
	holes := block.NewExtentMap[uint64]()
	holes.Insert(0, 0, 2, block.TagNone)
	holes.Insert(100, 100, 3, block.TagNone)
	holes.Insert(200, 200, 5, block.TagNone)

	src := block.NewExtentMap[uint64]()
	src.Insert(1000, 0, 3, block.TagDevice)
	src.Insert(2000, 0, 2, block.TagDevice)

	dst := block.NewExtentMap[uint64]()
	pool := NewBestFitPool(holes)
	if err := pool.AllocateAll(src, dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.Len() != 0 {
		t.Fatalf("src not drained: %+v", src.Entries())
	}

	got := dst.Entries()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(got), got)
	}
	if got[0].Physical != 1000 || got[0].Logical != 100 || got[0].Length != 3 {
		t.Fatalf("unexpected first allocation: %+v", got[0])
	}
	if got[1].Physical != 2000 || got[1].Logical != 0 || got[1].Length != 2 {
		t.Fatalf("unexpected second allocation: %+v", got[1])
	}
}

func TestAllocateAllSplitsWhenNoSingleHoleFits(t *testing.T) {
	holes := block.NewExtentMap[uint64]()
	holes.Insert(0, 0, 2, block.TagNone)
	holes.Insert(10, 10, 3, block.TagNone)

	src := block.NewExtentMap[uint64]()
	src.Insert(1000, 0, 5, block.TagDevice)

	dst := block.NewExtentMap[uint64]()
	pool := NewBestFitPool(holes)
	if err := pool.AllocateAll(src, dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := dst.Entries()
	var total uint64
	for _, e := range got {
		total += e.Length
	}
	if total != 5 {
		t.Fatalf("expected 5 total blocks allocated, got %d: %+v", total, got)
	}
}

func TestAllocateAllFailsOnExhaustion(t *testing.T) {
	holes := block.NewExtentMap[uint64]()
	holes.Insert(0, 0, 2, block.TagNone)

	src := block.NewExtentMap[uint64]()
	src.Insert(1000, 0, 5, block.TagDevice)

	dst := block.NewExtentMap[uint64]()
	pool := NewBestFitPool(holes)
	if err := pool.AllocateAll(src, dst); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}
