// Package region implements the region catalog and the shadow
// address-space manager: every shadowed anonymous mapping in the
// consumer is backed by a PM image file, tracked in an interval set
// and a persisted table, so the consumer's state can be rebuilt by
// re-mapping those files after a restore.
package region

import "sort"

// RangeSet is a sorted, coalescing set of half-open [start,
// start+size) intervals over an unsigned address space.
type RangeSet struct {
	rs []interval
}

type interval struct {
	start uintptr
	size  uintptr
}

func (r interval) end() uintptr { return r.start + r.size }

func (r interval) includesPoint(p uintptr) bool {
	return r.start <= p && p-r.start < r.size
}

func (r interval) includes(other interval) bool {
	return other.size == 0 || (r.start <= other.start && other.start-r.start+other.size <= r.size)
}

func (r interval) intersects(other interval) bool {
	return r.includesPoint(other.start) || other.includesPoint(r.start)
}

// Insert adds [start, start+size) to the set and coalesces any
// intervals it touches or overlaps.
func (s *RangeSet) Insert(start, size uintptr) {
	if size == 0 {
		return
	}
	r := interval{start, size}

	i := sort.Search(len(s.rs), func(i int) bool {
		return less(r, s.rs[i]) || r == s.rs[i]
	})
	s.rs = append(s.rs, interval{})
	copy(s.rs[i+1:], s.rs[i:])
	s.rs[i] = r

	// Coalesce adjacent/overlapping entries left to right.
	out := s.rs[:0]
	for _, cur := range s.rs {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if cur.start-prev.start <= prev.size {
				if end := cur.start + cur.size; end-prev.start > prev.size {
					prev.size = end - prev.start
				}
				continue
			}
		}
		out = append(out, cur)
	}
	s.rs = out
}

func less(a, b interval) bool {
	return a.start < b.start || (a.start == b.start && a.size < b.size)
}

// FindPoint reports whether addr lies in any interval of the set.
func (s *RangeSet) FindPoint(addr uintptr) bool {
	for _, r := range s.rs {
		if r.includesPoint(addr) {
			return true
		}
	}
	return false
}

// FindRange reports whether [start, start+size) lies entirely within
// a single interval of the set (used by undolog's fresh-region skip).
func (s *RangeSet) FindRange(start, size uintptr) bool {
	if size == 0 {
		return true
	}
	r := interval{start, size}
	for _, cur := range s.rs {
		if cur.includes(r) {
			return true
		}
	}
	return false
}

// Remove deletes [start, start+size) from the set, splitting any
// interval that only partially overlaps it.
func (s *RangeSet) Remove(start, size uintptr) {
	if size == 0 {
		return
	}
	toRemove := interval{start, size}
	var next []interval
	for _, cur := range s.rs {
		if cur.includesPoint(toRemove.start) {
			left := interval{cur.start, toRemove.start - cur.start}
			if left.size > 0 {
				next = append(next, left)
			}
		}
		if toRemove.end() > 0 && cur.includesPoint(toRemove.end()-1) {
			right := interval{toRemove.end(), cur.end() - toRemove.end()}
			if right.size > 0 {
				next = append(next, right)
			}
		}
		if !cur.intersects(toRemove) {
			next = append(next, cur)
		}
	}
	s.rs = next
}

// Clear empties the set (used by undolog.Log.PostCommitCleanup on the
// fresh-region set).
func (s *RangeSet) Clear() { s.rs = s.rs[:0] }

// ForEach visits every interval in ascending order of start address
// (used by undolog's commit to flush every fresh region).
func (s *RangeSet) ForEach(f func(start, size uintptr)) {
	for _, r := range s.rs {
		f(r.start, r.size)
	}
}
