package arena

// DirtyRanges records the coalesced ranges of a buffer that changed since
// the last GPU upload. Keep one per buffer kind so each re-upload is
// minimized independently.
type DirtyRanges struct {
	ranges []Range
}

// Add marks [start, start+count) dirty, merging it with overlapping or
// adjacent ranges.
func (d *DirtyRanges) Add(start, count int) {
	if count <= 0 {
		return
	}
	d.ranges = insertRange(d.ranges, Range{Start: start, End: start + count}, false)
}

// AddRange marks r dirty.
func (d *DirtyRanges) AddRange(r Range) {
	d.Add(r.Start, r.Len())
}

// Clear empties the tracked set. Call after the ranges were uploaded.
func (d *DirtyRanges) Clear() {
	d.ranges = d.ranges[:0]
}

// Ranges returns the tracked ranges. The slice is only valid until the next
// Add or Clear.
func (d *DirtyRanges) Ranges() []Range {
	return d.ranges
}

// Snapshot returns a copy of the tracked ranges.
func (d *DirtyRanges) Snapshot() []Range {
	out := make([]Range, len(d.ranges))
	copy(out, d.ranges)
	return out
}

// Empty reports whether nothing is dirty.
func (d *DirtyRanges) Empty() bool {
	return len(d.ranges) == 0
}

// Len returns the total number of dirty elements.
func (d *DirtyRanges) Len() int {
	n := 0
	for _, r := range d.ranges {
		n += r.Len()
	}
	return n
}
