// Package arena provides free-list allocation and dirty-range tracking
// for linear GPU buffer arenas.
//
// Both RangeAllocator and DirtyRanges keep a sorted list of half-open
// ranges and share the same insert-and-merge routine: freeing space and
// marking space dirty are both "add an interval, coalesce neighbours".
package arena

import (
	"fmt"
	"sort"
)

// Range is a half-open interval [Start, End) in element units.
type Range struct {
	Start int
	End   int
}

// Len returns the number of elements covered by the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Empty reports whether the range covers no elements.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Intersects reports whether r and o share at least one element.
func (r Range) Intersects(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// String returns a string representation of the range.
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// insertRange adds r to the sorted list and merges it with any neighbour it
// touches or overlaps. With strict set, an overlap means the caller tried to
// release space that was already free, which is a corrupted free list.
func insertRange(list []Range, r Range, strict bool) []Range {
	if r.Empty() {
		return list
	}

	// First range that starts after r.
	i := sort.Search(len(list), func(n int) bool {
		return list[n].Start > r.Start
	})

	idx := i
	if i > 0 && list[i-1].End >= r.Start {
		left := &list[i-1]
		if strict && left.End > r.Start {
			panic(fmt.Sprintf("arena: range %v overlaps free range %v", r, *left))
		}
		if r.End > left.End {
			left.End = r.End
		}
		idx = i - 1
	} else {
		list = append(list, Range{})
		copy(list[i+1:], list[i:])
		list[i] = r
	}

	// Swallow every following range the merged range now reaches.
	next := idx + 1
	for next < len(list) && list[next].Start <= list[idx].End {
		if strict && list[next].Start < list[idx].End {
			panic(fmt.Sprintf("arena: range %v overlaps free range %v", list[idx], list[next]))
		}
		if list[next].End > list[idx].End {
			list[idx].End = list[next].End
		}
		next++
	}
	if next > idx+1 {
		list = append(list[:idx+1], list[next:]...)
	}
	return list
}

// validateRanges checks the sorted, disjoint, non-adjacent invariant.
func validateRanges(list []Range) error {
	for i, r := range list {
		if r.Empty() {
			return fmt.Errorf("arena: empty range %v at %d", r, i)
		}
		if i > 0 && list[i-1].End >= r.Start {
			return fmt.Errorf("arena: ranges %v and %v are not separated", list[i-1], r)
		}
	}
	return nil
}
