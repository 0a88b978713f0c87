package block

import "sort"

// ExtentVector is an append-only, random-access sequence of extents.
// Unlike ExtentMap it may hold overlapping or duplicate entries —
// the analyser concatenates two vectors and sorts the result before
// handing it to a map operation that expects the uniqueness invariant.
type ExtentVector[T Number] struct {
	entries []Extent[T]
}

// NewExtentVector returns an empty vector, optionally pre-sized.
func NewExtentVector[T Number](capacity int) *ExtentVector[T] {
	return &ExtentVector[T]{entries: make([]Extent[T], 0, capacity)}
}

// Len returns the number of entries.
func (v *ExtentVector[T]) Len() int { return len(v.entries) }

// At returns the entry at index i.
func (v *ExtentVector[T]) At(i int) Extent[T] { return v.entries[i] }

// Set overwrites the entry at index i.
func (v *ExtentVector[T]) Set(i int, e Extent[T]) { v.entries[i] = e }

// Entries returns the backing slice directly; callers that need to
// mutate entries in place (e.g. BestFitPool trimming a hole) use this,
// everyone else should prefer At/Set.
func (v *ExtentVector[T]) Entries() []Extent[T] { return v.entries }

// Append adds a single entry.
func (v *ExtentVector[T]) Append(e Extent[T]) {
	v.entries = append(v.entries, e)
}

// AppendAll concatenates other's entries onto v without deduplication.
func (v *ExtentVector[T]) AppendAll(other *ExtentVector[T]) {
	v.entries = append(v.entries, other.entries...)
}

// AppendMap appends every entry of m in its current (physical) order.
func (v *ExtentVector[T]) AppendMap(m *ExtentMap[T]) {
	v.entries = append(v.entries, m.entries...)
}

// PopBack removes and returns the last entry.
func (v *ExtentVector[T]) PopBack() Extent[T] {
	e := v.entries[len(v.entries)-1]
	v.entries = v.entries[:len(v.entries)-1]
	return e
}

// Back returns the last entry without removing it.
func (v *ExtentVector[T]) Back() Extent[T] { return v.entries[len(v.entries)-1] }

// SortByPhysical orders entries by (Physical, Length) ascending.
func (v *ExtentVector[T]) SortByPhysical() {
	sort.Slice(v.entries, func(i, j int) bool {
		a, b := v.entries[i], v.entries[j]
		if a.Physical != b.Physical {
			return a.Physical < b.Physical
		}
		return a.Length < b.Length
	})
}

// SortByLogical orders entries by (Logical, Length) ascending.
func (v *ExtentVector[T]) SortByLogical() {
	sort.Slice(v.entries, func(i, j int) bool {
		a, b := v.entries[i], v.entries[j]
		if a.Logical != b.Logical {
			return a.Logical < b.Logical
		}
		return a.Length < b.Length
	})
}

// SortByReverseLength orders entries by Length descending.
func (v *ExtentVector[T]) SortByReverseLength() {
	sort.Slice(v.entries, func(i, j int) bool {
		return v.entries[i].Length > v.entries[j].Length
	})
}

// TotalLength returns the sum of every entry's Length.
func (v *ExtentVector[T]) TotalLength() T {
	var total T
	for _, e := range v.entries {
		total += e.Length
	}
	return total
}
