package relocate

import (
	"fmt"

	"github.com/jsams/fstransform/block"
)

// rangeFullyFree reports whether [start, start+length) is entirely
// covered by free's physical ranges — i.e. safe to write to, because
// nothing still needs to be read from any block in it.
func rangeFullyFree(free *block.ExtentMap[uint64], start, length uint64) bool {
	if length == 0 {
		return true
	}
	end := start + length
	cur := start
	for cur < end {
		idx, ok := free.Find(cur)
		if !ok {
			return false
		}
		e := free.At(idx)
		if cur < e.Physical {
			return false
		}
		cur = e.PhysicalEnd()
	}
	return true
}

func singleRange(start, length uint64) *block.ExtentMap[uint64] {
	m := block.NewExtentMap[uint64]()
	m.Insert(start, start, length, block.TagNone)
	return m
}

// consume removes [start, start+length) from free — the range has just
// become a pending write destination again (staged, not yet on disk).
func consume(free *block.ExtentMap[uint64], start, length uint64) {
	free.RemoveAll(singleRange(start, length))
}

// removePhysical removes the entry covering [start, start+length) from m.
func removePhysical(m *block.ExtentMap[uint64], start, length uint64) {
	m.RemoveAll(singleRange(start, length))
}

type stagedEntry struct {
	entry  block.Extent[uint64]
	offset int64
}

// Run drains devMap to completion with a cycle-breaking greedy walk.
// freeSeed is the set of device blocks that are already safe to write
// to before any work starts —
// true free space, untouched by devMap's own physical or logical
// ranges. The algorithm:
//
//  1. Any devMap entry whose logical destination is already free moves
//     DEV2DEV directly; its vacated physical range joins free.
//  2. When no such entry exists, devMap has a dependency cycle: the
//     physical-first remaining entry is evicted DEV2STORAGE, which
//     frees its physical range and breaks the cycle.
//  3. Staged entries drain STORAGE2DEV as soon as their logical
//     destination becomes free, checked before each step above, and
//     unconditionally once devMap itself is empty.
//
// This is in-place array permutation with scratch space, applied to
// extents instead of array cells, bounded by the staging window
// instead of a second full-size array.
func (r *Relocator) Run(devMap *block.ExtentMap[uint64], freeSeed *block.ExtentMap[uint64]) error {
	free := block.NewExtentMap[uint64]()
	for _, e := range freeSeed.Entries() {
		free.Insert(e.Physical, e.Physical, e.Length, block.TagNone)
	}

	var staged []stagedEntry
	var windowUsed int64
	windowCap := r.Storage.Len()
	// windowFree tracks window byte ranges freed by a completed drain,
	// below the windowUsed high-water mark, so a later eviction reuses
	// them instead of growing windowUsed forever: the window is bounded
	// by peak concurrent staged bytes, not lifetime total staged bytes.
	windowFree := block.NewExtentMap[uint64]()

	freeWindow := func(offset, length int64) {
		windowFree.Insert(uint64(offset), uint64(offset), uint64(length), block.TagNone)
	}

	allocateWindow := func(length int64) (int64, error) {
		want := uint64(length)
		best := -1
		var bestLen uint64
		for i, e := range windowFree.Entries() {
			if e.Length >= want && (best < 0 || e.Length < bestLen) {
				best = i
				bestLen = e.Length
			}
		}
		if best >= 0 {
			offset := int64(windowFree.At(best).Physical)
			windowFree.RemoveAll(singleRange(uint64(offset), want))
			return offset, nil
		}
		if windowUsed+length > windowCap {
			return 0, fmt.Errorf("relocate: staging window exhausted: need %d more bytes, have %d of %d free", length, windowCap-windowUsed, windowCap)
		}
		offset := windowUsed
		windowUsed += length
		return offset, nil
	}

	drainReady := func() error {
		for i := 0; i < len(staged); {
			s := staged[i]
			if rangeFullyFree(free, s.entry.Logical, s.entry.Length) {
				if err := r.Storage2Dev(s.offset, int64(s.entry.Length)*r.BlockSize, int64(s.entry.Logical)*r.BlockSize); err != nil {
					return err
				}
				consume(free, s.entry.Logical, s.entry.Length)
				freeWindow(s.offset, int64(s.entry.Length)*r.BlockSize)
				staged = append(staged[:i], staged[i+1:]...)
				continue
			}
			i++
		}
		return nil
	}

	checkpoint := func() error {
		if r.Checkpoint == nil {
			return nil
		}
		return r.Checkpoint(devMap)
	}

	for devMap.Len() > 0 {
		if err := drainReady(); err != nil {
			return err
		}

		moved := false
		for i := 0; i < devMap.Len(); i++ {
			e := devMap.At(i)
			if !rangeFullyFree(free, e.Logical, e.Length) {
				continue
			}
			if err := r.Dev2Dev([]block.Extent[uint64]{e}); err != nil {
				return err
			}
			removePhysical(devMap, e.Physical, e.Length)
			consume(free, e.Logical, e.Length)
			free.Insert(e.Physical, e.Physical, e.Length, block.TagNone)
			moved = true
			break
		}
		if moved {
			if err := checkpoint(); err != nil {
				return err
			}
			continue
		}

		// Dependency cycle: evict the physical-first entry to staging.
		e := devMap.At(0)
		length := int64(e.Length) * r.BlockSize
		offset, err := allocateWindow(length)
		if err != nil {
			return err
		}
		if err := r.Dev2Storage(int64(e.Physical)*r.BlockSize, length, offset); err != nil {
			return err
		}
		removePhysical(devMap, e.Physical, e.Length)
		free.Insert(e.Physical, e.Physical, e.Length, block.TagNone)
		staged = append(staged, stagedEntry{entry: e, offset: offset})
		if err := checkpoint(); err != nil {
			return err
		}
	}

	// devMap is drained; every remaining staged entry's logical
	// destination is, by construction, either already free or covered
	// only by other still-staged entries, so draining the oldest first
	// is always safe once no entry is naturally ready yet.
	for len(staged) > 0 {
		if err := drainReady(); err != nil {
			return err
		}
		if len(staged) == 0 {
			break
		}
		s := staged[0]
		if err := r.Storage2Dev(s.offset, int64(s.entry.Length)*r.BlockSize, int64(s.entry.Logical)*r.BlockSize); err != nil {
			return err
		}
		consume(free, s.entry.Logical, s.entry.Length)
		staged = staged[1:]
	}

	return r.FlushBytes()
}
