package arena

import "fmt"

// NotFound is returned by Alloc when no free range is large enough.
// Callers are expected to Grow the arena and retry.
const NotFound = -1

// RangeAllocator hands out element ranges from a linear arena using a
// first-fit free list. The free list is kept sorted by start, disjoint and
// fully coalesced.
type RangeAllocator struct {
	totalSize int
	free      []Range
}

// NewRangeAllocator creates an allocator over an arena of the given size.
func NewRangeAllocator(size int) *RangeAllocator {
	a := &RangeAllocator{}
	a.Reset(size)
	return a
}

// Reset discards all allocations and seeds a single free range [0, size).
func (a *RangeAllocator) Reset(size int) {
	if size < 0 {
		panic(fmt.Sprintf("arena: negative arena size %d", size))
	}
	a.free = a.free[:0]
	if size > 0 {
		a.free = append(a.free, Range{Start: 0, End: size})
	}
	a.totalSize = size
}

// Grow enlarges the arena by at least amount elements. Once the arena has
// content the growth is at least the current size, so repeated small
// growths amortize to doubling. The new space extends a trailing free range
// if there is one.
func (a *RangeAllocator) Grow(amount int) {
	if amount <= 0 {
		return
	}
	if a.totalSize > amount {
		amount = a.totalSize
	}

	newSize := a.totalSize + amount
	if n := len(a.free); n > 0 && a.free[n-1].End == a.totalSize {
		a.free[n-1].End = newSize
	} else {
		a.free = append(a.free, Range{Start: a.totalSize, End: newSize})
	}
	a.totalSize = newSize
}

// Alloc returns the start of the first free range holding count elements,
// or NotFound.
func (a *RangeAllocator) Alloc(count int) int {
	if count <= 0 {
		return NotFound
	}
	for i := range a.free {
		r := &a.free[i]
		if r.Len() < count {
			continue
		}
		pos := r.Start
		if r.Len() == count {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			r.Start += count
		}
		return pos
	}
	return NotFound
}

// Free returns [pos, pos+count) to the free list, merging it with adjacent
// free ranges. Releasing space that is already free or outside the arena
// panics: it means the free list is corrupted.
func (a *RangeAllocator) Free(pos, count int) {
	if count <= 0 {
		return
	}
	if pos < 0 || pos+count > a.totalSize {
		panic(fmt.Sprintf("arena: free of [%d,%d) outside arena of size %d", pos, pos+count, a.totalSize))
	}
	a.free = insertRange(a.free, Range{Start: pos, End: pos + count}, true)
}

// TotalSize returns the arena size in elements.
func (a *RangeAllocator) TotalSize() int {
	return a.totalSize
}

// UsedSize returns the number of allocated elements.
func (a *RangeAllocator) UsedSize() int {
	return a.totalSize - a.FreeSize()
}

// FreeSize returns the number of free elements.
func (a *RangeAllocator) FreeSize() int {
	n := 0
	for _, r := range a.free {
		n += r.Len()
	}
	return n
}

// FreeRanges returns a copy of the free list.
func (a *RangeAllocator) FreeRanges() []Range {
	out := make([]Range, len(a.free))
	copy(out, a.free)
	return out
}

// Validate checks the free-list invariants.
func (a *RangeAllocator) Validate() error {
	if err := validateRanges(a.free); err != nil {
		return err
	}
	if n := len(a.free); n > 0 && (a.free[0].Start < 0 || a.free[n-1].End > a.totalSize) {
		return fmt.Errorf("arena: free list %v escapes arena of size %d", a.free, a.totalSize)
	}
	return nil
}
