package block

import (
	"testing"

	"github.com/go-test/deep"
)

func TestInsertCoalescesBothSides(t *testing.T) {
	m := NewExtentMap[uint64]()
	m.Insert(0, 100, 2, TagLoopFile)
	m.Insert(10, 110, 2, TagLoopFile)
	// gap-filling insert should merge all three into one entry
	m.Insert(2, 102, 8, TagLoopFile)

	got := m.Entries()
	want := []Extent[uint64]{{Physical: 0, Logical: 100, Length: 12, UserData: TagLoopFile}}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("unexpected entries: %v", diff)
	}
}

func TestInsertDoesNotCoalesceDifferentUserData(t *testing.T) {
	m := NewExtentMap[uint64]()
	m.Insert(0, 0, 4, TagLoopFile)
	m.Insert(4, 4, 4, TagDevice)

	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
}

func TestInsertOverlapPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overlapping insert")
		}
	}()
	m := NewExtentMap[uint64]()
	m.Insert(0, 0, 10, TagNone)
	m.Insert(5, 5, 10, TagNone)
}

func TestRemoveAllSplitsStraddlingEntry(t *testing.T) {
	m := NewExtentMap[uint64]()
	m.Insert(0, 0, 20, TagNone)

	other := NewExtentMap[uint64]()
	other.Insert(5, 0, 5, TagNone)

	m.RemoveAll(other)

	got := m.Entries()
	want := []Extent[uint64]{
		{Physical: 0, Logical: 0, Length: 5, UserData: TagNone},
		{Physical: 10, Logical: 10, Length: 10, UserData: TagNone},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("unexpected entries: %v", diff)
	}
}

func TestRemoveAllWholeEntry(t *testing.T) {
	m := NewExtentMap[uint64]()
	m.Insert(0, 0, 5, TagNone)
	m.Insert(10, 10, 5, TagNone)

	other := NewExtentMap[uint64]()
	other.Insert(0, 0, 5, TagNone)

	m.RemoveAll(other)

	if m.Len() != 1 || m.Entries()[0].Physical != 10 {
		t.Fatalf("unexpected result: %+v", m.Entries())
	}
}

func TestComplement0PhysicalShiftRoundTrip(t *testing.T) {
	vec := NewExtentVector[uint64](0)
	vec.Append(Extent[uint64]{Physical: 4, Logical: 0, Length: 4})
	vec.Append(Extent[uint64]{Physical: 12, Logical: 0, Length: 4})

	m := NewExtentMap[uint64]()
	m.Complement0PhysicalShift(vec, 0, 16)

	got := m.Entries()
	want := []Extent[uint64]{
		{Physical: 0, Logical: 0, Length: 4},
		{Physical: 8, Logical: 8, Length: 4},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("unexpected complement: %v", diff)
	}

	// complement of the complement (shift 0) recovers the original
	// union, once coalesced and stripped of user data.
	back := NewExtentMap[uint64]()
	backVec := NewExtentVector[uint64](0)
	for _, e := range got {
		backVec.Append(e)
	}
	back.Complement0PhysicalShift(backVec, 0, 16)

	want2 := []Extent[uint64]{
		{Physical: 4, Logical: 4, Length: 4},
		{Physical: 12, Logical: 12, Length: 4},
	}
	if diff := deep.Equal(back.Entries(), want2); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestIntersectAllAll(t *testing.T) {
	a := NewExtentMap[uint64]()
	a.Insert(0, 100, 20, TagLoopFile)

	b := NewExtentMap[uint64]()
	b.Insert(5, 5, 10, TagDevice)

	out := NewExtentMap[uint64]()
	out.IntersectAllAll(a, b)

	got := out.Entries()
	want := []Extent[uint64]{{Physical: 5, Logical: 105, Length: 10, UserData: TagLoopFile}}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("unexpected intersection: %v", diff)
	}
}

func TestAppend0ShiftOverwritesLogical(t *testing.T) {
	vec := NewExtentVector[uint64](0)
	vec.Append(Extent[uint64]{Physical: 8, Logical: 500, Length: 4, UserData: TagDevice})

	m := NewExtentMap[uint64]()
	m.Append0Shift(vec, 2)

	got := m.Entries()
	want := []Extent[uint64]{{Physical: 2, Logical: 2, Length: 1, UserData: TagDevice}}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("unexpected entries: %v", diff)
	}
}

func TestSwapIsConstantTime(t *testing.T) {
	a := NewExtentMap[uint64]()
	a.Insert(0, 0, 4, TagNone)
	b := NewExtentMap[uint64]()
	b.Insert(100, 100, 4, TagNone)

	a.Swap(b)

	if a.Entries()[0].Physical != 100 || b.Entries()[0].Physical != 0 {
		t.Fatalf("swap did not exchange contents")
	}
}
