package region

import "testing"

func TestRangeSetCoalesces(t *testing.T) {
	var rs RangeSet
	rs.Insert(0x1000, 0x1000) // [0x1000, 0x2000)
	rs.Insert(0x2000, 0x1000) // [0x2000, 0x3000) -- adjacent, should coalesce
	rs.Insert(0x5000, 0x1000) // disjoint

	if len(rs.rs) != 2 {
		t.Fatalf("len(rs.rs) = %d, want 2 (got %+v)", len(rs.rs), rs.rs)
	}
	if !rs.FindPoint(0x1500) || !rs.FindPoint(0x2500) {
		t.Fatal("expected coalesced range to cover 0x1500 and 0x2500")
	}
	if rs.FindPoint(0x4000) {
		t.Fatal("0x4000 should not be covered")
	}
}

func TestRangeSetFindRange(t *testing.T) {
	var rs RangeSet
	rs.Insert(0x1000, 0x100)

	if !rs.FindRange(0x1000, 0x100) {
		t.Fatal("expected exact range to be found")
	}
	if rs.FindRange(0x1080, 0x100) {
		t.Fatal("range spilling past the interval should not be found")
	}
}

func TestRangeSetRemoveSplits(t *testing.T) {
	var rs RangeSet
	rs.Insert(0x1000, 0x1000) // [0x1000, 0x2000)
	rs.Remove(0x1400, 0x200)  // remove middle chunk -> two pieces

	if rs.FindPoint(0x1500) {
		t.Fatal("removed range should no longer be found")
	}
	if !rs.FindPoint(0x1200) || !rs.FindPoint(0x1900) {
		t.Fatal("surviving prefix/suffix should still be found")
	}
}

func TestRangeSetForEach(t *testing.T) {
	var rs RangeSet
	rs.Insert(0x3000, 0x10)
	rs.Insert(0x1000, 0x10)

	var starts []uintptr
	rs.ForEach(func(start, size uintptr) { starts = append(starts, start) })
	if len(starts) != 2 || starts[0] != 0x1000 || starts[1] != 0x3000 {
		t.Fatalf("ForEach order = %v, want ascending [0x1000 0x3000]", starts)
	}
}
