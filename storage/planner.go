// Package storage implements staging-area sizing (PlanStorage) and the
// demand-paged StorageWindow (Map): a contiguous virtual region backed
// by PRIMARY device extents and a SECONDARY scratch file.
package storage

import (
	"errors"
	"fmt"

	"github.com/jsams/fstransform/block"
)

// defaultFreeRAM32/64 are the assumed-free-RAM fallbacks used when the
// platform cannot report free memory.
const (
	defaultFreeRAM64 = 256 << 20
	defaultFreeRAM32 = 16 << 20

	// off_t/size_t clamps for a 64-bit build; a 32-bit build would use
	// narrower values, but this engine only targets a 64-bit block type.
	offTMax   = int64(1<<63 - 1)
	sizeTMax4 = int64(1<<63-1) / 4
)

// ErrExactSizeMismatch is returned when storage_size_exact is set and
// platform clamping would change the requested size: resuming a job
// requires the staging area to match the original run's layout
// exactly, so the planner must fail rather than silently resize.
var ErrExactSizeMismatch = errors.New("storage: requested size incompatible with platform under storage_size_exact")

// Options bundles PlanStorage's recognised configuration.
type Options struct {
	// StorageSize is the requested total staging length in bytes; 0 means auto.
	StorageSize int64
	// PrimarySize is the requested PRIMARY share of StorageSize in bytes; 0 means auto.
	PrimarySize int64
	// Exact rejects any adjustment to StorageSize/PrimarySize — used to
	// resume a prior job whose on-disk layout must match exactly.
	Exact bool
	// MemBufferSize is the RAM buffer size for DEV2DEV copies; 0 defaults
	// to the planned total_len.
	MemBufferSize int64

	PageSize  int64
	BlockSize int64
	// FreeRAM is the platform's free RAM in bytes, or 0 if unknown.
	FreeRAM int64
}

// Plan is PlanStorage's output: the sizing decisions for the staging window.
type Plan struct {
	TotalLen      int64
	PrimaryLen    int64
	SecondaryLen  int64
	MemBufferSize int64
}

func lcm(a, b int64) int64 {
	if a == 0 || b == 0 {
		return max64(a, b)
	}
	return a / gcd(a, b) * b
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func roundUp(x, align int64) int64 {
	if align <= 0 {
		return x
	}
	return (x + align - 1) / align * align
}

func roundDown(x, align int64) int64 {
	if align <= 0 {
		return x
	}
	return x / align * align
}

// PlanStorage sizes the staging area: auto-size (or validate an exact
// request), round to page/block alignment, clamp to platform limits,
// then size PRIMARY within what devFreeMap can supply.
func PlanStorage(opts Options, workBytes int64, devFreeMap *block.ExtentMap[uint64]) (*Plan, error) {
	align := lcm(opts.PageSize, opts.BlockSize)
	if align <= 0 {
		align = 1
	}

	totalLen := opts.StorageSize
	if totalLen == 0 {
		freeRAM := opts.FreeRAM
		if freeRAM == 0 {
			freeRAM = defaultFreeRAM64
		}
		byRAM := freeRAM / 3
		byWork := (workBytes + 9) / 10
		totalLen = byRAM
		if byWork < totalLen {
			totalLen = byWork
		}
		totalLen = roundUp(totalLen, 1<<20)
	}
	totalLen = roundUp(totalLen, align)

	clampedTotal := totalLen
	if opts.Exact {
		if clampedTotal > offTMax {
			return nil, ErrExactSizeMismatch
		}
	} else {
		maxTotal := offTMax
		if sizeTMax4 < maxTotal {
			maxTotal = sizeTMax4
		}
		if clampedTotal > maxTotal {
			clampedTotal = maxTotal
		}
	}
	if opts.Exact && clampedTotal != totalLen {
		return nil, ErrExactSizeMismatch
	}
	totalLen = clampedTotal

	availableBytes := int64(devFreeMap.TotalLength()) * opts.BlockSize

	primaryLen := opts.PrimarySize
	primaryLen = roundDown(primaryLen, align)
	if primaryLen > totalLen {
		primaryLen = totalLen
	}
	if primaryLen > availableBytes {
		primaryLen = roundDown(availableBytes, align)
	}
	secondaryLen := totalLen - primaryLen

	memBuf := opts.MemBufferSize
	if memBuf == 0 {
		memBuf = totalLen
	}

	if primaryLen < availableBytes {
		if err := ShrinkPrimary(devFreeMap, opts.BlockSize, availableBytes-primaryLen); err != nil {
			return nil, err
		}
	}

	return &Plan{
		TotalLen:      totalLen,
		PrimaryLen:    primaryLen,
		SecondaryLen:  secondaryLen,
		MemBufferSize: memBuf,
	}, nil
}

// ShrinkPrimary removes removeBytes worth of length from devFreeMap's
// candidate holes: sort by reverse length, pop the shortest holes
// until enough bytes are removed (truncating the last pop if it
// overshoots), then restore physical order.
func ShrinkPrimary(devFreeMap *block.ExtentMap[uint64], blockSize int64, removeBytes int64) error {
	if blockSize <= 0 {
		return fmt.Errorf("storage: invalid block size %d", blockSize)
	}
	removeBlocks := uint64(roundUp(removeBytes, blockSize) / blockSize)
	if removeBlocks == 0 {
		return nil
	}

	vec := block.NewExtentVector[uint64](devFreeMap.Len())
	vec.AppendMap(devFreeMap)
	vec.SortByReverseLength()

	var removed uint64
	entries := vec.Entries()
	kept := entries[:0:0]
	i := len(entries) - 1
	for i >= 0 && removed < removeBlocks {
		e := entries[i]
		want := removeBlocks - removed
		if e.Length <= want {
			removed += e.Length
			i--
			continue
		}
		// truncate this extent instead of popping it whole
		e.Physical += want
		e.Logical += want
		e.Length -= want
		removed = removeBlocks
		kept = append(kept, e)
		i--
	}
	for ; i >= 0; i-- {
		kept = append(kept, entries[i])
	}

	devFreeMap.Clear()
	vec2 := block.NewExtentVector[uint64](len(kept))
	for _, e := range kept {
		vec2.Append(e)
	}
	vec2.SortByPhysical()
	for _, e := range vec2.Entries() {
		devFreeMap.Insert(e.Physical, e.Logical, e.Length, e.UserData)
	}
	return nil
}
