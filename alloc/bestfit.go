// Package alloc implements BestFitPool, the length-indexed multiset
// over free holes used to renumber DEVICE extents into LOOP-HOLES.
package alloc

import (
	"errors"
	"sort"

	"github.com/jsams/fstransform/block"
)

// BestFitPool indexes holes by length for greedy best-fit allocation:
// a slice kept sorted by length, searched with sort.Search for the
// shortest hole that still fits a request.
type BestFitPool[T block.Number] struct {
	holes []block.Extent[T] // sorted by Length ascending, ties by Physical ascending
}

// NewBestFitPool builds a pool from the holes in an ExtentMap (the
// LOOP-HOLES map). The map is left untouched; the pool owns its own copy.
func NewBestFitPool[T block.Number](holes *block.ExtentMap[T]) *BestFitPool[T] {
	p := &BestFitPool[T]{holes: holes.Entries()}
	sort.Slice(p.holes, p.less)
	return p
}

func (p *BestFitPool[T]) less(i, j int) bool {
	if p.holes[i].Length != p.holes[j].Length {
		return p.holes[i].Length < p.holes[j].Length
	}
	return p.holes[i].Physical < p.holes[j].Physical
}

// bestFit returns the index of the shortest hole with Length >= want,
// breaking ties by smallest Physical, or -1 if none exists.
func (p *BestFitPool[T]) bestFit(want T) int {
	idx := sort.Search(len(p.holes), func(i int) bool {
		return p.holes[i].Length >= want
	})
	if idx == len(p.holes) {
		return -1
	}
	// holes of the same length are already ordered by Physical ascending,
	// so the first one found at idx is already the tie-break winner.
	return idx
}

// Remaining returns the holes the pool has not yet allocated, as a
// fresh ExtentMap — used once allocation is done to learn which holes
// are still free for other purposes (e.g. PRIMARY-STORAGE candidates).
func (p *BestFitPool[T]) Remaining() *block.ExtentMap[T] {
	m := block.NewExtentMap[T]()
	for _, h := range p.holes {
		m.Insert(h.Physical, h.Logical, h.Length, h.UserData)
	}
	return m
}

// largest returns the index of the largest hole, or -1 if the pool is empty.
func (p *BestFitPool[T]) largest() int {
	if len(p.holes) == 0 {
		return -1
	}
	return len(p.holes) - 1
}

// consume shrinks or removes the hole at idx by amt, re-sorting it back
// into place (the slice is small enough in practice that a linear
// re-insert after a sort.Search is cheaper than a heap).
func (p *BestFitPool[T]) consume(idx int, amt T) block.Extent[T] {
	h := p.holes[idx]
	taken := block.Extent[T]{Physical: h.Physical, Logical: h.Logical, Length: amt, UserData: h.UserData}
	if amt == h.Length {
		p.holes = append(p.holes[:idx], p.holes[idx+1:]...)
		return taken
	}
	h.Physical += amt
	h.Logical += amt
	h.Length -= amt
	p.holes = append(p.holes[:idx], p.holes[idx+1:]...)
	newIdx := sort.Search(len(p.holes), func(i int) bool { return p.holes[i].Length >= h.Length })
	p.holes = append(p.holes, block.Extent[T]{})
	copy(p.holes[newIdx+1:], p.holes[newIdx:])
	p.holes[newIdx] = h
	return taken
}

// AllocateAll iterates src in physical order; for each source extent of
// length L it repeatedly picks the shortest hole with length >= L
// (consuming it wholly or partially), emitting into dst an entry whose
// Physical comes from src and Logical from the chosen hole. When no
// hole is large enough, it allocates the largest available hole in
// full and splits the source extent, repeating until src is drained.
// Returns ErrNoSpace if src cannot be fully drained.
func (p *BestFitPool[T]) AllocateAll(src, dst *block.ExtentMap[T]) error {
	entries := src.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Physical < entries[j].Physical })

	for _, e := range entries {
		remaining := e.Length
		physical := e.Physical
		for remaining > 0 {
			idx := p.bestFit(remaining)
			var alloc block.Extent[T]
			var got T
			if idx >= 0 {
				alloc = p.consume(idx, remaining)
				got = remaining
			} else {
				li := p.largest()
				if li < 0 {
					return ErrNoSpace
				}
				got = p.holes[li].Length
				alloc = p.consume(li, got)
			}
			dst.Insert(physical, alloc.Physical, got, e.UserData)
			physical += got
			remaining -= got
		}
		src.RemoveAll(singleExtent(e))
	}
	return nil
}

func singleExtent[T block.Number](e block.Extent[T]) *block.ExtentMap[T] {
	m := block.NewExtentMap[T]()
	m.Insert(e.Physical, e.Logical, e.Length, e.UserData)
	return m
}

// ErrNoSpace is returned when the pool cannot satisfy a request; the
// caller (analyze.Analyzer) reports this as ENOSPC.
var ErrNoSpace = errors.New("alloc: best-fit pool exhausted, ENOSPC")
