// Package lightmap places lightmap tiles in a persistent texture array and
// bakes direct lighting into them on the GPU.
package lightmap

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/pkg/atlas"
)

// TileID names a tile of an Atlas.
type TileID int

// Flags describe why a tile needs baking.
type Flags uint8

const (
	// NeedsInitialBake is set until the tile was baked once.
	NeedsInitialBake Flags = 1 << iota

	// GeometryUpdate is set when the surfaces of the tile moved and the
	// tile must be re-projected and possibly re-placed.
	GeometryUpdate

	// AlwaysUpdate re-schedules the tile after every bake.
	AlwaysUpdate
)

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	out := ""
	for _, n := range []struct {
		bit  Flags
		name string
	}{{NeedsInitialBake, "initial"}, {GeometryUpdate, "geometry"}, {AlwaysUpdate, "always"}} {
		if f&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// AtlasLocation is the region of the atlas texture array a tile owns.
type AtlasLocation struct {
	Page   int
	X      int
	Y      int
	Width  int
	Height int
}

func (l AtlasLocation) String() string {
	return fmt.Sprintf("page %d %d,%d %dx%d", l.Page, l.X, l.Y, l.Width, l.Height)
}

// Tile is a rectangle of the atlas shared by surfaces that lie in one
// projection plane. ProjU and ProjV map a world position to texel
// coordinates inside the tile: u = ProjU.xyz·p + ProjU.w.
type Tile struct {
	ID       TileID
	Location AtlasLocation
	Surfaces []mesh.SurfaceID
	ProjU    mgl32.Vec4
	ProjV    mgl32.Vec4
	Flags    Flags

	// NeedsUpdate schedules the tile for the next bake batch.
	NeedsUpdate bool

	item   atlas.Item
	placed bool
	live   bool
}

// Placed reports whether the tile holds a region of the atlas.
func (t *Tile) Placed() bool {
	return t.placed
}

// Texel returns the tile-local texel coordinates of a world position.
func (t *Tile) Texel(p mgl32.Vec3) mgl32.Vec2 {
	return mgl32.Vec2{
		t.ProjU.Vec3().Dot(p) + t.ProjU.W(),
		t.ProjV.Vec3().Dot(p) + t.ProjV.W(),
	}
}

// projection is the world to tile transform of a set of surfaces.
type projection struct {
	u, v          mgl32.Vec4
	width, height int
}

// tangentAxes returns two world axes spanning the plane most parallel to
// a surface with the given normal.
func tangentAxes(n mgl32.Vec3) (mgl32.Vec3, mgl32.Vec3) {
	ax, ay, az := abs32(n.X()), abs32(n.Y()), abs32(n.Z())
	switch {
	case ax >= ay && ax >= az:
		return mgl32.Vec3{0, 1, 0}, mgl32.Vec3{0, 0, 1}
	case ay >= az:
		return mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, 1}
	default:
		return mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 1, 0}
	}
}

// project computes the tile transform of the live surfaces in ids. The
// first live surface's plane picks the projection axes. sampleDistance is
// the world size of one texel; maxSize clamps each side, lowering the
// density of oversized tiles. ok is false when no surface is live.
func project(m *mesh.Mesh, ids []mesh.SurfaceID, sampleDistance float32, maxSize int) (projection, bool) {
	var (
		axisU, axisV mgl32.Vec3
		minU, minV   = float32(math.MaxFloat32), float32(math.MaxFloat32)
		maxU, maxV   = -float32(math.MaxFloat32), -float32(math.MaxFloat32)
		found        bool
	)
	for _, id := range ids {
		s, err := m.Surface(id)
		if err != nil {
			continue
		}
		if !found {
			axisU, axisV = tangentAxes(s.Plane.Vec3())
			found = true
		}
		for _, vtx := range m.Vertices[s.Vertices.Start:s.Vertices.End] {
			u, v := axisU.Dot(vtx.Position), axisV.Dot(vtx.Position)
			minU, maxU = min(minU, u), max(maxU, u)
			minV, maxV = min(minV, v), max(maxV, v)
		}
	}
	if !found {
		return projection{}, false
	}

	scaleU, width := fitAxis(maxU-minU, sampleDistance, maxSize)
	scaleV, height := fitAxis(maxV-minV, sampleDistance, maxSize)

	// Texel centers sit half a texel inside the tile border.
	return projection{
		u:      axisU.Mul(scaleU).Vec4(0.5 - minU*scaleU),
		v:      axisV.Mul(scaleV).Vec4(0.5 - minV*scaleV),
		width:  width,
		height: height,
	}, true
}

func fitAxis(extent, sampleDistance float32, maxSize int) (float32, int) {
	if extent <= 0 {
		return 0, 1
	}
	scale := 1 / sampleDistance
	if n := int(math.Ceil(float64(extent*scale))) + 1; n > maxSize {
		scale = float32(maxSize-1) / extent
	}
	size := int(math.Ceil(float64(extent*scale))) + 1
	return scale, min(size, maxSize)
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
