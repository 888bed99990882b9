package lightmap

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
	"github.com/Faultbox/midgard-bake/pkg/atlas"
)

// ErrUnknownTile is returned for ids that do not name a live tile.
var ErrUnknownTile = errors.New("lightmap: unknown tile")

// AtlasConfig describes the persistent lightmap texture array.
type AtlasConfig struct {
	PageSize       int
	Pages          int
	Padding        int
	SampleDistance float32 // world units per texel
	MaxTileSize    int
	Format         rhi.TextureFormat
}

// DefaultAtlasConfig returns the atlas geometry used when none is given.
func DefaultAtlasConfig() AtlasConfig {
	return AtlasConfig{
		PageSize:       1024,
		Pages:          4,
		Padding:        1,
		SampleDistance: 16,
		MaxTileSize:    128,
		Format:         rhi.FormatRGBA16Float,
	}
}

func (c AtlasConfig) withDefaults() AtlasConfig {
	def := DefaultAtlasConfig()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.Pages <= 0 {
		c.Pages = def.Pages
	}
	if c.Padding < 0 {
		c.Padding = 0
	}
	if c.SampleDistance <= 0 {
		c.SampleDistance = def.SampleDistance
	}
	if c.MaxTileSize <= 0 {
		c.MaxTileSize = def.MaxTileSize
	}
	return c
}

// AtlasStats describes atlas occupancy.
type AtlasStats struct {
	Tiles    int
	Unplaced int
	Dirty    int
	Packer   atlas.Stats
}

// Atlas owns the lightmap tiles of a mesh and their regions of the
// persistent texture array. Running out of pages leaves tiles unplaced;
// they are retried on every Refresh.
type Atlas struct {
	cfg  AtlasConfig
	log  *zap.Logger
	mesh *mesh.Mesh

	texture rhi.Texture
	packer  *atlas.Packer
	tiles   []*Tile
	free    []TileID
}

// NewAtlas creates the texture array and an empty tile set for m.
func NewAtlas(dev rhi.Device, m *mesh.Mesh, cfg AtlasConfig, log *zap.Logger) (*Atlas, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.MaxTileSize+2*cfg.Padding > cfg.PageSize {
		return nil, fmt.Errorf("max tile size %d with padding %d exceeds page size %d", cfg.MaxTileSize, cfg.Padding, cfg.PageSize)
	}

	tex, err := dev.CreateTexture(rhi.TextureDesc{
		Label:  "Lightmap Atlas",
		Width:  cfg.PageSize,
		Height: cfg.PageSize,
		Layers: cfg.Pages,
		Format: cfg.Format,
		Usage:  rhi.TextureUsageRenderTarget | rhi.TextureUsageSampled | rhi.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating lightmap atlas: %w", err)
	}

	log.Info("lightmap atlas created",
		zap.Int("page_size", cfg.PageSize),
		zap.Int("pages", cfg.Pages),
		zap.Stringer("format", cfg.Format))

	return &Atlas{
		cfg:     cfg,
		log:     log,
		mesh:    m,
		texture: tex,
		packer: atlas.NewPacker(atlas.Config{
			PageWidth:  cfg.PageSize,
			PageHeight: cfg.PageSize,
			Padding:    cfg.Padding,
			MaxPages:   cfg.Pages,
		}),
	}, nil
}

// Config returns the atlas configuration.
func (a *Atlas) Config() AtlasConfig {
	return a.cfg
}

// Texture returns the persistent texture array.
func (a *Atlas) Texture() rhi.Texture {
	return a.texture
}

// Destroy schedules the texture array for release.
func (a *Atlas) Destroy(release *rhi.ReleaseQueue) {
	release.Defer(a.texture)
	a.texture = nil
}

// Tile returns a live tile.
func (a *Atlas) Tile(id TileID) (*Tile, error) {
	if int(id) < 0 || int(id) >= len(a.tiles) || a.tiles[id] == nil || !a.tiles[id].live {
		return nil, fmt.Errorf("tile %d: %w", id, ErrUnknownTile)
	}
	return a.tiles[id], nil
}

// AddTile creates a tile for surfaces, places it and schedules its first
// bake. The surfaces should share a plane.
func (a *Atlas) AddTile(surfaces []mesh.SurfaceID, flags Flags) (TileID, error) {
	if len(surfaces) == 0 {
		return 0, fmt.Errorf("tile without surfaces: %w", mesh.ErrBadSurface)
	}
	id := a.newID()
	t := &Tile{
		ID:          id,
		Surfaces:    append([]mesh.SurfaceID(nil), surfaces...),
		Flags:       flags | NeedsInitialBake,
		NeedsUpdate: true,
		live:        true,
	}
	a.tiles[id] = t
	for i, s := range surfaces {
		if err := a.mesh.SetSurfaceTile(s, int(id)); err != nil {
			if uerr := a.unlink(surfaces[:i], id); uerr != nil {
				a.log.Warn("tile rollback failed", zap.Int("tile", int(id)), zap.Error(uerr))
			}
			a.tiles[id] = nil
			a.free = append(a.free, id)
			return 0, err
		}
	}
	a.place(t)

	a.log.Debug("tile added",
		zap.Int("tile", int(id)),
		zap.Int("surfaces", len(surfaces)),
		zap.Bool("placed", t.placed),
		zap.Stringer("location", t.Location))
	return id, nil
}

func (a *Atlas) newID() TileID {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	a.tiles = append(a.tiles, nil)
	return TileID(len(a.tiles) - 1)
}

// RemoveTile releases a tile and its atlas region. Surfaces that are still
// live lose their tile reference. Pointers to the tile held elsewhere see
// a dead tile from then on.
func (a *Atlas) RemoveTile(id TileID) error {
	t, err := a.Tile(id)
	if err != nil {
		return err
	}
	if err := a.unlink(t.Surfaces, id); err != nil {
		return err
	}
	a.unplace(t)
	*t = Tile{ID: id}
	a.tiles[id] = nil
	a.free = append(a.free, id)
	return nil
}

// unlink clears the tile reference of the live surfaces that still point
// at id.
func (a *Atlas) unlink(surfaces []mesh.SurfaceID, id TileID) error {
	for _, s := range surfaces {
		sf, err := a.mesh.Surface(s)
		if err != nil || sf.Tile != int(id) {
			continue
		}
		if err := a.mesh.SetSurfaceTile(s, mesh.NoTile); err != nil {
			return fmt.Errorf("unlinking tile %d: %w", id, err)
		}
	}
	return nil
}

// GeometryChanged flags a tile whose surfaces moved.
func (a *Atlas) GeometryChanged(id TileID) error {
	t, err := a.Tile(id)
	if err != nil {
		return err
	}
	t.Flags |= GeometryUpdate
	t.NeedsUpdate = true
	return nil
}

// place projects t and claims an atlas region of matching size. It leaves
// the tile unplaced when the atlas is full.
func (a *Atlas) place(t *Tile) {
	p, ok := project(a.mesh, t.Surfaces, a.cfg.SampleDistance, a.cfg.MaxTileSize)
	if !ok {
		a.unplace(t)
		return
	}
	t.ProjU, t.ProjV = p.u, p.v

	if t.placed && t.Location.Width == p.width && t.Location.Height == p.height {
		return
	}
	a.unplace(t)

	item, ok := a.packer.Alloc(p.width, p.height)
	if !ok {
		a.log.Warn("lightmap atlas full, tile deferred",
			zap.Int("tile", int(t.ID)),
			zap.Int("width", p.width),
			zap.Int("height", p.height))
		return
	}
	t.item = item
	t.placed = true
	t.Location = AtlasLocation{Page: item.Page, X: item.X, Y: item.Y, Width: item.Width, Height: item.Height}
}

func (a *Atlas) unplace(t *Tile) {
	if t.placed {
		a.packer.Free(t.item)
	}
	t.item = atlas.Item{}
	t.placed = false
	t.Location = AtlasLocation{}
}

// Refresh re-projects tiles flagged GeometryUpdate, retries unplaced tiles
// and re-schedules AlwaysUpdate tiles. It returns how many tiles were
// (re)placed.
func (a *Atlas) Refresh() int {
	placed := 0
	for _, t := range a.tiles {
		if t == nil {
			continue
		}
		if t.Flags&GeometryUpdate != 0 || !t.placed {
			before := t.Location
			a.place(t)
			t.Flags &^= GeometryUpdate
			if t.placed {
				t.NeedsUpdate = true
				if t.Location != before {
					placed++
				}
			}
		}
		if t.Flags&AlwaysUpdate != 0 {
			t.NeedsUpdate = true
		}
	}
	return placed
}

// DirtyTiles returns the placed tiles that need baking, in id order.
func (a *Atlas) DirtyTiles() []*Tile {
	var out []*Tile
	for _, t := range a.tiles {
		if t != nil && t.placed && t.NeedsUpdate {
			out = append(out, t)
		}
	}
	return out
}

// Tiles returns every live tile in id order.
func (a *Atlas) Tiles() []*Tile {
	out := make([]*Tile, 0, len(a.tiles)-len(a.free))
	for _, t := range a.tiles {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// UV returns the atlas texture coordinates of a world position on a tile
// as (u, v, page). The position is clamped half a texel inside the tile so
// sampling never bleeds into a neighbour.
func (a *Atlas) UV(t *Tile, p mgl32.Vec3) mgl32.Vec3 {
	loc := t.Location
	texel := t.Texel(p)
	x := mgl32.Clamp(texel.X(), 0.5, float32(loc.Width)-0.5)
	y := mgl32.Clamp(texel.Y(), 0.5, float32(loc.Height)-0.5)
	size := float32(a.cfg.PageSize)
	return mgl32.Vec3{(float32(loc.X) + x) / size, (float32(loc.Y) + y) / size, float32(loc.Page)}
}

// Stats returns a snapshot of atlas occupancy.
func (a *Atlas) Stats() AtlasStats {
	var s AtlasStats
	for _, t := range a.tiles {
		if t == nil {
			continue
		}
		s.Tiles++
		if !t.placed {
			s.Unplaced++
		}
		if t.NeedsUpdate {
			s.Dirty++
		}
	}
	s.Packer = a.packer.Stats()
	return s
}
