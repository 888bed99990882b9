package lightmap

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Faultbox/midgard-bake/pkg/atlas"
)

// State is the stage a bake batch has reached.
type State int

const (
	StateIdle State = iota
	StateTilesSelected
	StateRendered
	StateResolved
	StateBlurred
	StateCopied
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateTilesSelected: "tiles-selected",
	StateRendered:      "rendered",
	StateResolved:      "resolved",
	StateBlurred:       "blurred",
	StateCopied:        "copied",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Batch is the scratch state of one bake. It is owned by the caller and
// reused across frames; the Baker only reads and writes it during a stage.
type Batch struct {
	ID    uuid.UUID
	State State

	// Tiles are the tiles of the batch in render order. After Render it
	// only holds the tiles whose draws were queued.
	Tiles []*Tile

	// Deferred are the tiles Render re-flagged for a later batch.
	Deferred []*Tile

	// Draws is the number of indirect draws Render queued.
	Draws int

	placements []atlas.Item
	packer     *atlas.Packer

	tileData []byte
	drawData []byte
	argData  []byte
	copyData []byte
}

// NewBatch returns an idle batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Placement returns where the i-th tile sits in the bake image.
func (b *Batch) Placement(i int) atlas.Item {
	return b.placements[i]
}

func (b *Batch) reset(cfg atlas.Config) {
	if b.packer == nil || b.packer.Config() != cfg {
		b.packer = atlas.NewPacker(cfg)
	} else {
		b.packer.Reset()
	}
	b.ID = uuid.Nil
	b.State = StateIdle
	clear(b.Tiles)
	b.Tiles = b.Tiles[:0]
	clear(b.Deferred)
	b.Deferred = b.Deferred[:0]
	b.placements = b.placements[:0]
	b.Draws = 0
}

// deferFrom re-flags the tiles from index i on and shrinks the batch to
// its first n tiles. Tiles between n and i must already be deferred.
func (b *Batch) deferFrom(i, n int) {
	for _, t := range b.Tiles[i:] {
		b.deferTile(t)
	}
	clear(b.Tiles[n:])
	b.Tiles = b.Tiles[:n]
	b.placements = b.placements[:n]
}

func (b *Batch) deferTile(t *Tile) {
	t.NeedsUpdate = true
	b.Deferred = append(b.Deferred, t)
}

func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	buf = buf[:n]
	clear(buf)
	return buf
}
