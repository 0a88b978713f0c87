package analyze

import (
	"testing"

	"github.com/jsams/fstransform/alloc"
	"github.com/jsams/fstransform/block"
	"github.com/go-test/deep"
)

const blockSize = 4096

func blocks(n uint64) uint64 { return n * blockSize }

func vec(entries ...block.Extent[uint64]) *block.ExtentVector[uint64] {
	v := block.NewExtentVector[uint64](len(entries))
	for _, e := range entries {
		v.Append(block.Extent[uint64]{
			Physical: blocks(e.Physical),
			Logical:  blocks(e.Logical),
			Length:   blocks(e.Length),
			UserData: e.UserData,
		})
	}
	return v
}

func TestAnalyzeTrivialIdentity(t *testing.T) {
	in := Input[uint64]{
		LoopFile:     vec(block.Extent[uint64]{Physical: 0, Logical: 0, Length: 16}),
		FreeSpace:    vec(),
		DeviceLength: blocks(16),
		PageSize:     blockSize,
	}
	res, err := Analyze(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DevMap.Len() != 0 {
		t.Fatalf("expected empty dev_map, got %+v", res.DevMap.Entries())
	}
	if res.WorkCount != 0 {
		t.Fatalf("expected work_count 0, got %d", res.WorkCount)
	}
	if res.DevFreeMap.Len() != 0 {
		t.Fatalf("expected empty dev_free_map, got %+v", res.DevFreeMap.Entries())
	}
}

func TestAnalyzeSimpleSwap(t *testing.T) {
	in := Input[uint64]{
		LoopFile: vec(
			block.Extent[uint64]{Physical: 2, Logical: 0, Length: 2},
			block.Extent[uint64]{Physical: 0, Logical: 2, Length: 2},
		),
		FreeSpace:    vec(),
		DeviceLength: blocks(4),
		PageSize:     blockSize,
	}
	res, err := Analyze(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DevMap.Len() != 2 {
		t.Fatalf("expected 2 entries, got %+v", res.DevMap.Entries())
	}
	if res.WorkCount != 4 {
		t.Fatalf("expected work_count 4, got %d", res.WorkCount)
	}
	for _, e := range res.DevMap.Entries() {
		if e.UserData != block.TagLoopFile {
			t.Fatalf("expected LOOP_FILE tag, got %+v", e)
		}
		if e.Physical == e.Logical {
			t.Fatalf("plan entry must not be invariant: %+v", e)
		}
	}
}

func TestAnalyzeInvariantMidpoint(t *testing.T) {
	in := Input[uint64]{
		LoopFile: vec(
			block.Extent[uint64]{Physical: 0, Logical: 0, Length: 1},
			block.Extent[uint64]{Physical: 2, Logical: 1, Length: 1},
			block.Extent[uint64]{Physical: 1, Logical: 2, Length: 1},
			block.Extent[uint64]{Physical: 3, Logical: 3, Length: 1},
		),
		FreeSpace:    vec(),
		DeviceLength: blocks(4),
		PageSize:     blockSize,
	}
	res, err := Analyze(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.WorkCount != 2 {
		t.Fatalf("expected work_count 2, got %d", res.WorkCount)
	}
	got := res.DevMap.Entries()
	want := []block.Extent[uint64]{
		{Physical: blocks(1), Logical: blocks(2), Length: blocks(1), UserData: block.TagLoopFile},
		{Physical: blocks(2), Logical: blocks(1), Length: blocks(1), UserData: block.TagLoopFile},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("unexpected plan: %v", diff)
	}
}

func TestAnalyzeNoSpaceForRenumbering(t *testing.T) {
	// LOOP-FILE leaves no holes at all (dense, identity layout) while
	// FREE-SPACE claims blocks that are also claimed by LOOP-FILE is not
	// representable; instead starve the allocator by giving it a device
	// with in-use blocks (no free space) that still need renumbering:
	// LOOP-FILE covers only part of the device, in-use DEVICE blocks
	// fill the rest with no free holes at all to land on.
	in := Input[uint64]{
		LoopFile: vec(
			block.Extent[uint64]{Physical: 0, Logical: 0, Length: 2},
		),
		FreeSpace:    vec(),
		DeviceLength: blocks(4),
		PageSize:     blockSize,
	}
	_, err := Analyze(in)
	if err != alloc.ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

func TestAnalyzePrimaryStorageFiltering(t *testing.T) {
	// work_count is 4096 (a 2048-block swap each way), so the threshold
	// is min(4096/1024, 4096*page_blocks) = 4: a large free region
	// survives the threshold filter; small free regions scattered
	// elsewhere do not.
	in := Input[uint64]{
		LoopFile: vec(
			block.Extent[uint64]{Physical: 2048, Logical: 0, Length: 2048},
			block.Extent[uint64]{Physical: 0, Logical: 2048, Length: 2048},
		),
		FreeSpace: vec(
			block.Extent[uint64]{Physical: 4096, Logical: 0, Length: 1},
			block.Extent[uint64]{Physical: 4098, Logical: 0, Length: 2},
			block.Extent[uint64]{Physical: 5096, Logical: 0, Length: 4096},
		),
		DeviceLength: blocks(9192),
		PageSize:     blockSize,
	}
	res, err := Analyze(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.WorkCount != 4096 {
		t.Fatalf("expected work_count 4096, got %d", res.WorkCount)
	}
	entries := res.DevFreeMap.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one surviving candidate, got %+v", entries)
	}
	if entries[0].Physical != blocks(5096) {
		t.Fatalf("expected the 4096-block hole to survive, got %+v", entries[0])
	}
}
