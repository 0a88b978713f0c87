package block

import "sort"

// ExtentMap is an ordered map keyed on Physical, with value
// (Logical, Length, UserData). No two entries overlap on the physical
// axis; adjacent entries that run contiguously on both axes with equal
// UserData are coalesced on insert.
//
// Backed by a slice of pointer-free structs kept sorted by Physical and
// binary-searched, rather than a tree structure — the entry counts
// here (thousands of extents, not millions) never justify the
// complexity of a real balanced tree.
type ExtentMap[T Number] struct {
	entries []Extent[T]
}

// NewExtentMap returns an empty map.
func NewExtentMap[T Number]() *ExtentMap[T] {
	return &ExtentMap[T]{}
}

// Len returns the number of entries.
func (m *ExtentMap[T]) Len() int { return len(m.entries) }

// Entries returns a copy of the entries in physical order. Callers must
// not rely on mutating the returned slice to affect the map.
func (m *ExtentMap[T]) Entries() []Extent[T] {
	out := make([]Extent[T], len(m.entries))
	copy(out, m.entries)
	return out
}

// TotalLength returns the sum of every entry's Length.
func (m *ExtentMap[T]) TotalLength() T {
	var total T
	for _, e := range m.entries {
		total += e.Length
	}
	return total
}

// lowerBound returns the index of the first entry with Physical >= physical.
func (m *ExtentMap[T]) lowerBound(physical T) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Physical >= physical
	})
}

// Insert adds (physical, logical, length, userData), coalescing with a
// contiguous neighbour on either side when both axes line up and
// UserData matches; coalescing with both neighbours at once (a gap
// fill) merges all three into one entry. Overlap with an existing
// entry on the physical axis panics: a correct caller can never
// construct an overlapping insert, so this is a programmer-error panic
// rather than an error return threaded through every call site.
func (m *ExtentMap[T]) Insert(physical, logical, length T, userData uint64) {
	if length == 0 {
		return
	}
	idx := m.lowerBound(physical)

	if idx < len(m.entries) && m.entries[idx].Physical < physical+length {
		panic("block: ExtentMap.Insert: overlapping physical range")
	}
	if idx > 0 && m.entries[idx-1].PhysicalEnd() > physical {
		panic("block: ExtentMap.Insert: overlapping physical range")
	}

	merged := Extent[T]{Physical: physical, Logical: logical, Length: length, UserData: userData}

	coalescePrev := idx > 0 &&
		m.entries[idx-1].PhysicalEnd() == merged.Physical &&
		m.entries[idx-1].LogicalEnd() == merged.Logical &&
		m.entries[idx-1].UserData == merged.UserData

	coalesceNext := idx < len(m.entries) &&
		merged.PhysicalEnd() == m.entries[idx].Physical &&
		merged.LogicalEnd() == m.entries[idx].Logical &&
		merged.UserData == m.entries[idx].UserData

	switch {
	case coalescePrev && coalesceNext:
		prev := m.entries[idx-1]
		next := m.entries[idx]
		merged.Physical = prev.Physical
		merged.Logical = prev.Logical
		merged.Length = prev.Length + merged.Length + next.Length
		m.entries = append(m.entries[:idx-1], m.entries[idx+1:]...)
		m.entries = append(m.entries, Extent[T]{})
		copy(m.entries[idx:], m.entries[idx-1:])
		m.entries[idx-1] = merged
	case coalescePrev:
		m.entries[idx-1].Length += merged.Length
	case coalesceNext:
		m.entries[idx].Physical = merged.Physical
		m.entries[idx].Logical = merged.Logical
		m.entries[idx].Length += merged.Length
	default:
		m.entries = append(m.entries, Extent[T]{})
		copy(m.entries[idx+1:], m.entries[idx:])
		m.entries[idx] = merged
	}
}

// InsertExtent is a convenience wrapper around Insert.
func (m *ExtentMap[T]) InsertExtent(e Extent[T]) {
	m.Insert(e.Physical, e.Logical, e.Length, e.UserData)
}

// RemoveAt deletes the entry at index idx and returns it.
func (m *ExtentMap[T]) RemoveAt(idx int) Extent[T] {
	e := m.entries[idx]
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	return e
}

// Find returns the index of the entry whose physical range contains
// physical, or false if none does.
func (m *ExtentMap[T]) Find(physical T) (int, bool) {
	idx := m.lowerBound(physical + 1)
	if idx == 0 {
		return 0, false
	}
	idx--
	if m.entries[idx].Physical <= physical && physical < m.entries[idx].PhysicalEnd() {
		return idx, true
	}
	return 0, false
}

// At returns the entry at index idx without copying the backing slice.
func (m *ExtentMap[T]) At(idx int) Extent[T] { return m.entries[idx] }

// Clear empties the map.
func (m *ExtentMap[T]) Clear() { m.entries = m.entries[:0] }

// Swap exchanges the contents of m and other in O(1).
func (m *ExtentMap[T]) Swap(other *ExtentMap[T]) {
	m.entries, other.entries = other.entries, m.entries
}

// Remove deletes every entry whose physical range intersects other's
// physical ranges, splitting entries straddling a removed range into
// head/tail remainders.
func (m *ExtentMap[T]) RemoveAll(other *ExtentMap[T]) {
	for _, o := range other.entries {
		m.removeRange(o.Physical, o.PhysicalEnd())
	}
}

func (m *ExtentMap[T]) removeRange(start, end T) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].PhysicalEnd() > start
	})
	for i < len(m.entries) && m.entries[i].Physical < end {
		e := m.entries[i]
		overlapStart := max(e.Physical, start)
		overlapEnd := min(e.PhysicalEnd(), end)

		switch {
		case overlapStart == e.Physical && overlapEnd == e.PhysicalEnd():
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
		case overlapStart > e.Physical && overlapEnd < e.PhysicalEnd():
			head := Extent[T]{Physical: e.Physical, Logical: e.Logical, Length: overlapStart - e.Physical, UserData: e.UserData}
			tailShift := overlapEnd - e.Physical
			tail := Extent[T]{Physical: overlapEnd, Logical: e.Logical + tailShift, Length: e.PhysicalEnd() - overlapEnd, UserData: e.UserData}
			m.entries[i] = head
			m.entries = append(m.entries, Extent[T]{})
			copy(m.entries[i+2:], m.entries[i+1:])
			m.entries[i+1] = tail
			i += 2
			continue
		case overlapStart == e.Physical:
			shift := overlapEnd - e.Physical
			m.entries[i] = Extent[T]{Physical: overlapEnd, Logical: e.Logical + shift, Length: e.PhysicalEnd() - overlapEnd, UserData: e.UserData}
			i++
		default: // overlapEnd == e.PhysicalEnd()
			m.entries[i] = Extent[T]{Physical: e.Physical, Logical: e.Logical, Length: overlapStart - e.Physical, UserData: e.UserData}
			i++
		}
	}
}

// IntersectAllAll fills m with the physical intersection of a and b.
// For each overlap region, the resulting Logical is a's logical
// projection onto the overlap when a and b's logical offsets agree at
// the overlap's start (and therefore, since both progress 1:1 with
// physical, throughout the overlap); when they disagree the overlap is
// still recorded using a's projection — a's UserData is always
// propagated, matching "user_data is propagated from a".
func (m *ExtentMap[T]) IntersectAllAll(a, b *ExtentMap[T]) {
	m.Clear()
	i, j := 0, 0
	for i < len(a.entries) && j < len(b.entries) {
		ae := a.entries[i]
		be := b.entries[j]
		aEnd := ae.PhysicalEnd()
		bEnd := be.PhysicalEnd()
		start := max(ae.Physical, be.Physical)
		end := min(aEnd, bEnd)
		if start < end {
			aLogical := ae.Logical + (start - ae.Physical)
			m.Insert(start, aLogical, end-start, ae.UserData)
		}
		switch {
		case aEnd < bEnd:
			i++
		case bEnd < aEnd:
			j++
		default:
			i++
			j++
		}
	}
}

// unionGaps returns the complement, within [0, hi), of the union of the
// half-open ranges [start[k], start[k]+length[k]) — pass physical or
// logical extractors to complement either axis.
func unionGaps[T Number](entries []Extent[T], axis func(Extent[T]) (T, T), hi T) []Extent[T] {
	type span struct{ start, end T }
	spans := make([]span, len(entries))
	for i, e := range entries {
		s, l := axis(e)
		spans[i] = span{s, s + l}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var gaps []Extent[T]
	var cursor T
	for _, s := range spans {
		if s.start > cursor {
			gaps = append(gaps, Extent[T]{Physical: cursor, Length: s.start - cursor})
		}
		if s.end > cursor {
			cursor = s.end
		}
	}
	if cursor < hi {
		gaps = append(gaps, Extent[T]{Physical: cursor, Length: hi - cursor})
	}
	return gaps
}

// Complement0PhysicalShift replaces m with the physical complement of
// vec within [0, devLength), right-shifted by shift (i.e. divided by
// the effective block size), stored with Logical == Physical.
func (m *ExtentMap[T]) Complement0PhysicalShift(vec *ExtentVector[T], shift uint, devLength T) {
	m.Clear()
	gaps := unionGaps(vec.entries, func(e Extent[T]) (T, T) { return e.Physical, e.Length }, devLength)
	for _, g := range gaps {
		p := g.Physical >> shift
		l := g.Length >> shift
		if l == 0 {
			continue
		}
		m.Insert(p, p, l, TagNone)
	}
}

// Complement0LogicalShift is Complement0PhysicalShift but complements
// the logical axis of vec; the result is still stored with
// Logical == Physical (the "…0_" prefix in both operations).
func (m *ExtentMap[T]) Complement0LogicalShift(vec *ExtentVector[T], shift uint, devLength T) {
	m.Clear()
	gaps := unionGaps(vec.entries, func(e Extent[T]) (T, T) { return e.Logical, e.Length }, devLength)
	for _, g := range gaps {
		p := g.Physical >> shift
		l := g.Length >> shift
		if l == 0 {
			continue
		}
		m.Insert(p, p, l, TagNone)
	}
}

// Append0Shift inserts every entry of vec, right-shifted by shift, with
// Logical set to the shifted Physical (vec's own Logical field is
// discarded) — used to rebuild a map's logical axis from scratch once
// its old logical numbering is meaningless (e.g. free-space extents,
// whose "logical" position on the source filesystem says nothing about
// where they will serve as device free space).
func (m *ExtentMap[T]) Append0Shift(vec *ExtentVector[T], shift uint) {
	for _, e := range vec.entries {
		p := e.Physical >> shift
		l := e.Length >> shift
		if l == 0 {
			continue
		}
		m.Insert(p, p, l, e.UserData)
	}
}

// AppendShift inserts every entry of vec, right-shifted by shift,
// preserving vec's own Physical/Logical relationship.
func (m *ExtentMap[T]) AppendShift(vec *ExtentVector[T], shift uint) {
	for _, e := range vec.entries {
		p := e.Physical >> shift
		l := e.Logical >> shift
		n := e.Length >> shift
		if n == 0 {
			continue
		}
		m.Insert(p, l, n, e.UserData)
	}
}
