// Package atlas implements shelf-based rectangle packing over pages of a
// fixed-size texture atlas.
//
// Each page is split into horizontal shelves. A shelf keeps its slots in an
// x-ordered list; free slots are reused first-fit and split, and released
// slots merge with free neighbours so a shelf does not fragment. Empty
// shelves at the top of a page give their height back. Shelves and slots
// live in index-addressed arenas, so links are indices, not pointers.
package atlas

import "fmt"

const nilIndex int32 = -1

// Config describes the atlas geometry.
type Config struct {
	// PageWidth and PageHeight are the page dimensions in texels.
	PageWidth  int
	PageHeight int

	// Padding is added on every side of a rectangle.
	Padding int

	// Spacing is an extra gap kept to the right of and below every
	// rectangle.
	Spacing int

	// MaxPages bounds the number of pages. Zero means unbounded.
	MaxPages int
}

// Item is a placed rectangle. X and Y already include the padding, so the
// requested Width x Height region never touches the slot border.
type Item struct {
	Page   int
	X      int
	Y      int
	Width  int
	Height int

	handle int32
	gen    uint32
}

// Valid reports whether the item refers to an allocation.
func (it Item) Valid() bool {
	return it.gen != 0
}

// String returns a string representation of the item.
func (it Item) String() string {
	return fmt.Sprintf("Item(page %d, %d,%d %dx%d)", it.Page, it.X, it.Y, it.Width, it.Height)
}

type page struct {
	shelves    []int32
	usedHeight int
}

type shelf struct {
	page   int
	y      int
	height int
	first  int32
}

type slot struct {
	shelf int32
	x     int
	width int
	prev  int32
	next  int32
	free  bool
	gen   uint32 // zero while the slot sits in the recycle list
}

// Stats describes packer occupancy.
type Stats struct {
	Pages     int
	Shelves   int
	Items     int
	UsedArea  int
	TotalArea int
}

// Utilization returns the fraction of page area covered by items.
func (s Stats) Utilization() float64 {
	if s.TotalArea == 0 {
		return 0
	}
	return float64(s.UsedArea) / float64(s.TotalArea)
}

// Packer places rectangles on atlas pages.
type Packer struct {
	cfg Config

	pages       []page
	shelves     []shelf
	freeShelves []int32
	slots       []slot
	recycled    []int32
	nextGen     uint32

	items    int
	usedArea int
}

// NewPacker creates a packer. Page dimensions must be positive.
func NewPacker(cfg Config) *Packer {
	if cfg.PageWidth <= 0 || cfg.PageHeight <= 0 {
		panic(fmt.Sprintf("atlas: invalid page size %dx%d", cfg.PageWidth, cfg.PageHeight))
	}
	if cfg.Padding < 0 || cfg.Spacing < 0 {
		panic(fmt.Sprintf("atlas: negative padding %d or spacing %d", cfg.Padding, cfg.Spacing))
	}
	return &Packer{cfg: cfg}
}

// Config returns the packer configuration.
func (p *Packer) Config() Config {
	return p.cfg
}

// Alloc places a width x height rectangle. It returns false when every page
// is full and MaxPages forbids another one. A rectangle that cannot fit an
// empty page is a configuration error and panics.
func (p *Packer) Alloc(width, height int) (Item, bool) {
	if width <= 0 || height <= 0 {
		panic(fmt.Sprintf("atlas: invalid rectangle %dx%d", width, height))
	}

	slotW := width + 2*p.cfg.Padding + p.cfg.Spacing
	slotH := height + 2*p.cfg.Padding + p.cfg.Spacing
	if slotW > p.cfg.PageWidth || slotH > p.cfg.PageHeight {
		panic(fmt.Sprintf("atlas: rectangle %dx%d (padded %dx%d) exceeds page %dx%d",
			width, height, slotW, slotH, p.cfg.PageWidth, p.cfg.PageHeight))
	}

	for pi := range p.pages {
		if it, ok := p.allocInPage(pi, slotW, slotH, width, height); ok {
			return it, true
		}
	}

	if p.cfg.MaxPages > 0 && len(p.pages) >= p.cfg.MaxPages {
		return Item{}, false
	}

	p.pages = append(p.pages, page{})
	return p.allocInPage(len(p.pages)-1, slotW, slotH, width, height)
}

func (p *Packer) allocInPage(pi, slotW, slotH, width, height int) (Item, bool) {
	for _, si := range p.pages[pi].shelves {
		sh := p.shelves[si]
		// Shelves much taller than the request waste too much space.
		if sh.height < slotH || sh.height > slotH*2 {
			continue
		}
		for s := sh.first; s != nilIndex; s = p.slots[s].next {
			if p.slots[s].free && p.slots[s].width >= slotW {
				return p.take(s, slotW, width, height), true
			}
		}
	}

	pg := &p.pages[pi]
	if pg.usedHeight+slotH > p.cfg.PageHeight {
		return Item{}, false
	}

	si := p.newShelf(shelf{page: pi, y: pg.usedHeight, height: slotH, first: nilIndex})
	pg.shelves = append(pg.shelves, si)
	pg.usedHeight += slotH

	first := p.newSlot(slot{shelf: si, x: 0, width: p.cfg.PageWidth, prev: nilIndex, next: nilIndex, free: true})
	p.shelves[si].first = first
	return p.take(first, slotW, width, height), true
}

// take consumes slot s, splitting off the remainder as a new free slot.
func (p *Packer) take(s int32, slotW, width, height int) Item {
	if p.slots[s].width > slotW {
		cur := p.slots[s]
		rest := p.newSlot(slot{
			shelf: cur.shelf,
			x:     cur.x + slotW,
			width: cur.width - slotW,
			prev:  s,
			next:  cur.next,
			free:  true,
		})
		if cur.next != nilIndex {
			p.slots[cur.next].prev = rest
		}
		p.slots[s].next = rest
		p.slots[s].width = slotW
	}

	p.slots[s].free = false
	p.items++
	p.usedArea += width * height

	sl := p.slots[s]
	sh := p.shelves[sl.shelf]
	return Item{
		Page:   sh.page,
		X:      sl.x + p.cfg.Padding,
		Y:      sh.y + p.cfg.Padding,
		Width:  width,
		Height: height,
		handle: s,
		gen:    sl.gen,
	}
}

// Free releases an item and merges its slot with free neighbours. Freeing
// an item twice or an item from another packer panics.
func (p *Packer) Free(it Item) {
	s := it.handle
	if !it.Valid() || s < 0 || int(s) >= len(p.slots) || p.slots[s].gen != it.gen || p.slots[s].free {
		panic(fmt.Sprintf("atlas: free of unallocated %v", it))
	}

	p.slots[s].free = true
	p.items--
	p.usedArea -= it.Width * it.Height
	sh := p.slots[s].shelf

	if n := p.slots[s].next; n != nilIndex && p.slots[n].free {
		p.slots[s].width += p.slots[n].width
		p.unlink(n)
	}
	if pv := p.slots[s].prev; pv != nilIndex && p.slots[pv].free {
		p.slots[pv].width += p.slots[s].width
		p.unlink(s)
	}
	p.reclaim(p.shelves[sh].page)
}

// reclaim pops empty shelves off the top of page pi.
func (p *Packer) reclaim(pi int) {
	pg := &p.pages[pi]
	for n := len(pg.shelves); n > 0; n = len(pg.shelves) {
		si := pg.shelves[n-1]
		first := p.shelves[si].first
		if !p.slots[first].free || p.slots[first].next != nilIndex {
			return
		}
		p.unlink(first)
		pg.usedHeight -= p.shelves[si].height
		pg.shelves = pg.shelves[:n-1]
		p.shelves[si] = shelf{first: nilIndex}
		p.freeShelves = append(p.freeShelves, si)
	}
}

// Reset drops every page, keeping the arenas' capacity.
func (p *Packer) Reset() {
	p.pages = p.pages[:0]
	p.shelves = p.shelves[:0]
	p.freeShelves = p.freeShelves[:0]
	p.slots = p.slots[:0]
	p.recycled = p.recycled[:0]
	p.items = 0
	p.usedArea = 0
}

// PageCount returns the number of pages in use.
func (p *Packer) PageCount() int {
	return len(p.pages)
}

// Stats returns occupancy statistics.
func (p *Packer) Stats() Stats {
	return Stats{
		Pages:     len(p.pages),
		Shelves:   len(p.shelves) - len(p.freeShelves),
		Items:     p.items,
		UsedArea:  p.usedArea,
		TotalArea: len(p.pages) * p.cfg.PageWidth * p.cfg.PageHeight,
	}
}

func (p *Packer) newShelf(sh shelf) int32 {
	if n := len(p.freeShelves); n > 0 {
		idx := p.freeShelves[n-1]
		p.freeShelves = p.freeShelves[:n-1]
		p.shelves[idx] = sh
		return idx
	}
	p.shelves = append(p.shelves, sh)
	return int32(len(p.shelves) - 1)
}

func (p *Packer) newSlot(s slot) int32 {
	p.nextGen++
	if p.nextGen == 0 {
		p.nextGen = 1
	}
	s.gen = p.nextGen

	if n := len(p.recycled); n > 0 {
		idx := p.recycled[n-1]
		p.recycled = p.recycled[:n-1]
		p.slots[idx] = s
		return idx
	}
	p.slots = append(p.slots, s)
	return int32(len(p.slots) - 1)
}

func (p *Packer) unlink(s int32) {
	sl := p.slots[s]
	if sl.prev != nilIndex {
		p.slots[sl.prev].next = sl.next
	} else {
		p.shelves[sl.shelf].first = sl.next
	}
	if sl.next != nilIndex {
		p.slots[sl.next].prev = sl.prev
	}
	p.slots[s] = slot{prev: nilIndex, next: nilIndex}
	p.recycled = append(p.recycled, s)
}
