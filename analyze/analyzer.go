// Package analyze turns the two extent vectors the outer driver reads
// off LOOP-FILE and FREE-SPACE into a merged shuffle plan and a
// candidate PRIMARY-STORAGE set.
package analyze

import (
	"math/bits"

	"github.com/jsams/fstransform/alloc"
	"github.com/jsams/fstransform/block"
)

// Input bundles the Analyzer's inputs, all in bytes.
type Input[T block.Number] struct {
	// LoopFile is sorted by logical; its physical extents describe the
	// final layout's payload placement.
	LoopFile *block.ExtentVector[T]
	// FreeSpace is sorted by logical; its extents enumerate free
	// physical blocks on the source filesystem.
	FreeSpace *block.ExtentVector[T]
	// DeviceLength is the device's length in bytes.
	DeviceLength T
	// PageSize is the platform page size in bytes, used to align and
	// size-filter PRIMARY-STORAGE candidates (step 9).
	PageSize T
}

// Result holds the Analyzer's output, all in units of effective blocks.
type Result[T block.Number] struct {
	// DevMap is the final ShufflePlan: physical is the block's current
	// device position, logical is where it must end up.
	DevMap *block.ExtentMap[T]
	// DevFreeMap holds the trimmed PRIMARY-STORAGE candidate extents.
	DevFreeMap *block.ExtentMap[T]
	// WorkCount is the number of blocks that must be physically moved.
	WorkCount T
	// BlockSizeLog2 is log2 of the effective block size.
	BlockSizeLog2 uint
	// DeviceLengthBlocks is the device length in effective blocks.
	DeviceLengthBlocks T
}

// EffectiveBlockSizeLog2 returns log2 of the largest power of two that
// divides every physical, logical, and length value carried by
// loopFile and freeSpace, and devLength. The scan is a single
// bitwise-OR reduction followed by a
// trailing-zero count, since the largest power of two dividing every
// value in a set equals 2 to the trailing-zero-count of their OR: a bit
// position surfaces as 1 in the OR if and only if some operand has a 1
// there, so the low k bits of the OR are zero exactly when every
// operand's low k bits are zero.
func EffectiveBlockSizeLog2[T block.Number](loopFile, freeSpace *block.ExtentVector[T], devLength T) uint {
	var acc uint64
	scan := func(v *block.ExtentVector[T]) {
		for _, e := range v.Entries() {
			acc |= uint64(e.Physical) | uint64(e.Logical) | uint64(e.Length)
		}
	}
	scan(loopFile)
	scan(freeSpace)
	acc |= uint64(devLength)
	if acc == 0 {
		return 0
	}
	return uint(bits.TrailingZeros64(acc))
}

func roundUp[T block.Number](x, p T) T {
	if p <= 1 {
		return x
	}
	return ((x + p - 1) / p) * p
}

func roundDown[T block.Number](x, p T) T {
	if p <= 1 {
		return x
	}
	return (x / p) * p
}

// shiftVector returns a copy of v with every field right-shifted by shift.
func shiftVector[T block.Number](v *block.ExtentVector[T], shift uint) *block.ExtentVector[T] {
	out := block.NewExtentVector[T](v.Len())
	for _, e := range v.Entries() {
		out.Append(block.Extent[T]{
			Physical: e.Physical >> shift,
			Logical:  e.Logical >> shift,
			Length:   e.Length >> shift,
			UserData: e.UserData,
		})
	}
	return out
}

// Analyze runs the nine-step merge-and-allocate algorithm. The two
// input vectors and the device length are all converted from bytes to
// effective blocks once, up front (see DESIGN.md "implementation
// decision" note): every boundary this algorithm requires of its
// inputs is already a multiple of the effective block size, by definition of
// that block size, so shifting once before step 1 and shifting
// piecemeal at steps 2/3/4 as spec's prose literally describes are the
// same computation — the former is simply easier to keep unit-correct
// across the step-8 merge, where a renumbered dev_map (built out of
// step-4's byte-denominated complement) would otherwise have to be
// shifted separately before merging with the already-block-denominated
// loop_map.
func Analyze[T block.Number](in Input[T]) (*Result[T], error) {
	blockLog2 := EffectiveBlockSizeLog2(in.LoopFile, in.FreeSpace, in.DeviceLength)
	loopFile := shiftVector(in.LoopFile, blockLog2)
	freeSpace := shiftVector(in.FreeSpace, blockLog2)
	devLen := in.DeviceLength >> blockLog2
	pageBlocks := in.PageSize >> blockLog2
	if pageBlocks == 0 {
		pageBlocks = 1 // page_size < block_size: alignment becomes a no-op
	}

	// Step 1: LOOP-HOLES = complement of LOOP-FILE's logical ranges.
	loopHoles := block.NewExtentMap[T]()
	loopHoles.Complement0LogicalShift(loopFile, 0, devLen)

	// Step 2: loop_map, sorted by physical, logical preserved.
	loopFile.SortByPhysical()
	loopMap := block.NewExtentMap[T]()
	loopMap.AppendShift(loopFile, 0)

	// Step 3: dev_free_map, logical rewritten to physical.
	devFreeMap := block.NewExtentMap[T]()
	devFreeMap.Append0Shift(freeSpace, 0)

	// Step 4: DEVICE in-use map = complement of (LOOP-FILE ∪ FREE-SPACE).
	combined := block.NewExtentVector[T](loopFile.Len() + freeSpace.Len())
	combined.AppendAll(loopFile)
	combined.AppendAll(freeSpace)
	combined.SortByPhysical()
	devMap := block.NewExtentMap[T]()
	devMap.Complement0PhysicalShift(combined, 0, devLen)

	// Step 5: blocks already sitting on a valid hole address need no move.
	renumbered := block.NewExtentMap[T]()
	renumbered.IntersectAllAll(devMap, loopHoles)
	devMap.RemoveAll(renumbered)
	loopHoles.RemoveAll(renumbered)

	// Step 6: best-fit renumber whatever is left.
	pool := alloc.NewBestFitPool(loopHoles)
	allocated := block.NewExtentMap[T]()
	if err := pool.AllocateAll(devMap, allocated); err != nil {
		return nil, err
	}
	if devMap.Len() != 0 {
		return nil, alloc.ErrNoSpace
	}
	devMap.Swap(allocated)
	remainingHoles := pool.Remaining()
	loopHoles.Swap(remainingHoles)

	// Step 7: drop LOOP-FILE invariants, compute work_count.
	var workCount T
	invariant := block.NewExtentMap[T]()
	for _, e := range loopMap.Entries() {
		if e.Physical == e.Logical {
			invariant.Insert(e.Physical, e.Logical, e.Length, e.UserData)
		}
	}
	loopMap.RemoveAll(invariant)
	retagged := block.NewExtentMap[T]()
	for _, e := range loopMap.Entries() {
		workCount += e.Length
		retagged.Insert(e.Physical, e.Logical, e.Length, block.TagLoopFile)
	}
	loopMap.Swap(retagged)

	// Step 8: merge DEVICE entries into loop_map, then swap into dev_map.
	for _, e := range devMap.Entries() {
		loopMap.Insert(e.Physical, e.Logical, e.Length, block.TagDevice)
		workCount += e.Length
	}
	devMap.Swap(loopMap)

	// Step 9: pick PRIMARY-STORAGE candidates.
	candidates := block.NewExtentMap[T]()
	candidates.IntersectAllAll(devFreeMap, loopHoles)

	threshold := T(uint64(workCount) / 1024)
	if ceiling := T(4096 * uint64(pageBlocks)); ceiling < threshold {
		threshold = ceiling
	}
	threshold = roundDown(threshold, pageBlocks)

	trimmed := block.NewExtentMap[T]()
	for _, c := range candidates.Entries() {
		start := roundUp(c.Physical, pageBlocks)
		end := roundDown(c.PhysicalEnd(), pageBlocks)
		if end <= start {
			continue
		}
		length := end - start
		if length < threshold {
			continue
		}
		trimmed.Insert(start, start, length, block.TagNone)
	}
	devFreeMap.Swap(trimmed)

	return &Result[T]{
		DevMap:             devMap,
		DevFreeMap:         devFreeMap,
		WorkCount:          workCount,
		BlockSizeLog2:      blockLog2,
		DeviceLengthBlocks: devLen,
	}, nil
}
