// Package block implements the extent algebra the rest of the engine is
// built on: ordered physical-to-logical maps over device block numbers,
// append-only vectors with the three orderings the analyser needs, and
// the small set of tags carried in an extent's user-data word.
package block

import "golang.org/x/exp/constraints"

// Number is the constraint on the generic block-number type. The engine
// never needs signed arithmetic or floating point — block numbers count
// up from zero — so the bound is narrower than constraints.Integer.
type Number interface {
	constraints.Unsigned
}

// Tag values recognised by the relocation engine. A concrete I/O façade
// is free to define additional tags in the high bits of UserData; only
// these two are interpreted by analyze and relocate.
const (
	TagNone     uint64 = 0
	TagLoopFile uint64 = 1
	TagDevice   uint64 = 2
)

// Extent is the triple (physical, logical, length) plus the opaque
// user-data word, all in units of effective blocks.
type Extent[T Number] struct {
	Physical T
	Logical  T
	Length   T
	UserData uint64
}

// PhysicalEnd returns the first block past the extent on the physical axis.
func (e Extent[T]) PhysicalEnd() T { return e.Physical + e.Length }

// LogicalEnd returns the first block past the extent on the logical axis.
func (e Extent[T]) LogicalEnd() T { return e.Logical + e.Length }

// Invariant reports whether the extent needs no I/O: physical == logical.
func (e Extent[T]) Invariant() bool { return e.Physical == e.Logical }

// overlapsPhysical reports whether [start,end) intersects the extent's
// physical range.
func (e Extent[T]) overlapsPhysical(start, end T) bool {
	return e.Physical < end && start < e.PhysicalEnd()
}
