// Package mesh owns the level geometry in growable arenas: vertices,
// triangle indices, surface records, uniforms, lights, light-index lists
// and portals. Every edit marks the touched element ranges dirty per
// buffer kind, so the GPU copy is refreshed incrementally.
package mesh

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/bvh"
	"github.com/Faultbox/midgard-bake/internal/engine/lighting"
	"github.com/Faultbox/midgard-bake/pkg/arena"
)

// NoSurface marks a triangle slot that belongs to no surface.
const NoSurface = ^uint32(0)

// NoTile marks a surface without a lightmap tile.
const NoTile = -1

var (
	// ErrBadSurface is returned for malformed surface descriptions.
	ErrBadSurface = errors.New("mesh: malformed surface")

	// ErrUnknownID is returned for ids that do not name a live object.
	ErrUnknownID = errors.New("mesh: unknown id")
)

// SurfaceID names a surface.
type SurfaceID int

// LightID names a light.
type LightID int

// PortalID names a portal.
type PortalID int

// Vertex is a mesh vertex.
type Vertex struct {
	Position mgl32.Vec3
	UV       mgl32.Vec2
}

// SurfaceUniforms is the per-surface uniform block.
type SurfaceUniforms struct {
	Color     mgl32.Vec4
	TexScale  mgl32.Vec2
	TexOffset mgl32.Vec2
}

// SurfaceDesc describes a new surface. Indices are local to Vertices.
type SurfaceDesc struct {
	Vertices []Vertex
	Indices  []uint32

	// Plane is computed from the first triangle when zero.
	Plane mgl32.Vec4

	HasPortal bool
	Portal    PortalID
	Alpha     float32 // zero means opaque
	Sky       bool
	Texture   int32
	Uniforms  SurfaceUniforms
	Lights    []LightID
}

// Surface is a live surface record.
type Surface struct {
	Plane     mgl32.Vec4
	Portal    int32
	Alpha     float32
	Sky       bool
	Texture   int32
	Vertices  arena.Range
	Indices   arena.Range
	Uniform   int
	LightList arena.Range
	Tile      int

	live bool
}

// Live reports whether the record is in use.
func (s *Surface) Live() bool {
	return s.live
}

// TriangleCount returns the number of triangles of the surface.
func (s *Surface) TriangleCount() int {
	return s.Indices.Len() / 3
}

// Dirty holds one dirty tracker per buffer kind.
type Dirty struct {
	Vertices       arena.DirtyRanges
	Indices        arena.DirtyRanges
	Surfaces       arena.DirtyRanges
	SurfaceIndexes arena.DirtyRanges
	Uniforms       arena.DirtyRanges
	Lights         arena.DirtyRanges
	LightIndexes   arena.DirtyRanges
	Portals        arena.DirtyRanges
}

// Capacity sets the initial arena sizes in elements.
type Capacity struct {
	Vertices     int
	Indices      int
	Uniforms     int
	LightIndexes int
}

// DefaultCapacity returns the initial sizes used when none are given.
func DefaultCapacity() Capacity {
	return Capacity{
		Vertices:     64 * 1024,
		Indices:      3 * 64 * 1024,
		Uniforms:     4096,
		LightIndexes: 16 * 1024,
	}
}

// Mesh is the level mesh arena. It is not safe for concurrent use.
type Mesh struct {
	log *zap.Logger

	Vertices       []Vertex
	Indices        []uint32
	SurfaceIndexes []uint32 // one per triangle
	Surfaces       []Surface
	Uniforms       []SurfaceUniforms
	Lights         []lighting.Light
	LightIndexes   []uint32
	Portals        []mgl32.Mat4

	vertexAlloc     *arena.RangeAllocator
	indexAlloc      *arena.RangeAllocator
	uniformAlloc    *arena.RangeAllocator
	lightIndexAlloc *arena.RangeAllocator

	freeSurfaces []SurfaceID
	freeLights   []LightID
	lightLive    []bool
	activeLights int

	Dirty    Dirty
	geometry arena.DirtyRanges
	version  int
}

// New creates an empty mesh.
func New(capacity Capacity, log *zap.Logger) *Mesh {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultCapacity()
	if capacity.Vertices <= 0 {
		capacity.Vertices = def.Vertices
	}
	if capacity.Indices <= 0 {
		capacity.Indices = def.Indices
	}
	if capacity.Uniforms <= 0 {
		capacity.Uniforms = def.Uniforms
	}
	if capacity.LightIndexes <= 0 {
		capacity.LightIndexes = def.LightIndexes
	}
	// Index positions stay triangle aligned only if the arena is.
	capacity.Indices = (capacity.Indices + 2) / 3 * 3

	m := &Mesh{
		log:             log,
		vertexAlloc:     arena.NewRangeAllocator(capacity.Vertices),
		indexAlloc:      arena.NewRangeAllocator(capacity.Indices),
		uniformAlloc:    arena.NewRangeAllocator(capacity.Uniforms),
		lightIndexAlloc: arena.NewRangeAllocator(capacity.LightIndexes),
	}
	m.Vertices = make([]Vertex, capacity.Vertices)
	m.Uniforms = make([]SurfaceUniforms, capacity.Uniforms)
	m.LightIndexes = make([]uint32, capacity.LightIndexes)
	m.resizeIndices(capacity.Indices)
	return m
}

// Version changes whenever the index arena is resized. Consumers that
// partition the index range must start over on a new version.
func (m *Mesh) Version() int {
	return m.version
}

// IndexCount returns the size of the index arena, including free slots.
func (m *Mesh) IndexCount() int {
	return len(m.Indices)
}

// ActiveLights returns the number of live lights.
func (m *Mesh) ActiveLights() int {
	return m.activeLights
}

// LightLive reports whether id names a live light.
func (m *Mesh) LightLive(id LightID) bool {
	return int(id) >= 0 && int(id) < len(m.lightLive) && m.lightLive[id]
}

// Surface returns the record of a live surface.
func (m *Mesh) Surface(id SurfaceID) (*Surface, error) {
	if int(id) < 0 || int(id) >= len(m.Surfaces) || !m.Surfaces[id].live {
		return nil, fmt.Errorf("surface %d: %w", id, ErrUnknownID)
	}
	return &m.Surfaces[id], nil
}

// GeometryChanges returns the index ranges whose triangles changed since
// the last ClearGeometryChanges.
func (m *Mesh) GeometryChanges() []arena.Range {
	return m.geometry.Ranges()
}

// MarkGeometryChanged records r as changed geometry, forcing consumers of
// GeometryChanges to rebuild whatever covers it.
func (m *Mesh) MarkGeometryChanged(r arena.Range) {
	m.geometry.AddRange(r)
}

// ClearGeometryChanges forgets the recorded geometry changes.
func (m *Mesh) ClearGeometryChanges() {
	m.geometry.Clear()
}

// TriangleLive reports whether triangle tri belongs to a surface.
func (m *Mesh) TriangleLive(tri int) bool {
	return m.SurfaceIndexes[tri] != NoSurface
}

// TriangleBounds returns the bounds of triangle tri. Free slots are empty.
func (m *Mesh) TriangleBounds(tri int) bvh.AABB {
	if !m.TriangleLive(tri) {
		return bvh.EmptyAABB()
	}
	a, b, c := m.Triangle(tri)
	return bvh.NewAABB(a, b).ExtendPoint(c)
}

// Triangle returns the corner positions of triangle tri.
func (m *Mesh) Triangle(tri int) (mgl32.Vec3, mgl32.Vec3, mgl32.Vec3) {
	i := tri * 3
	return m.Vertices[m.Indices[i]].Position,
		m.Vertices[m.Indices[i+1]].Position,
		m.Vertices[m.Indices[i+2]].Position
}

// SurfaceBounds returns the bounds of a live surface's vertices.
func (m *Mesh) SurfaceBounds(id SurfaceID) bvh.AABB {
	box := bvh.EmptyAABB()
	s := &m.Surfaces[id]
	for _, v := range m.Vertices[s.Vertices.Start:s.Vertices.End] {
		box = box.ExtendPoint(v.Position)
	}
	return box
}

func allocGrow(a *arena.RangeAllocator, count int) int {
	pos := a.Alloc(count)
	if pos == arena.NotFound {
		a.Grow(count)
		pos = a.Alloc(count)
		if pos == arena.NotFound {
			panic(fmt.Sprintf("mesh: allocation of %d failed after growing to %d", count, a.TotalSize()))
		}
	}
	return pos
}

func (m *Mesh) allocVertices(count int) int {
	pos := allocGrow(m.vertexAlloc, count)
	if n := m.vertexAlloc.TotalSize(); n > len(m.Vertices) {
		m.Vertices = append(m.Vertices, make([]Vertex, n-len(m.Vertices))...)
	}
	return pos
}

func (m *Mesh) allocIndices(count int) int {
	pos := allocGrow(m.indexAlloc, count)
	if n := m.indexAlloc.TotalSize(); n > len(m.Indices) {
		m.resizeIndices(n)
	}
	return pos
}

func (m *Mesh) resizeIndices(n int) {
	old := len(m.Indices)
	m.Indices = append(m.Indices, make([]uint32, n-old)...)
	m.SurfaceIndexes = append(m.SurfaceIndexes, make([]uint32, n/3-old/3)...)
	for t := old / 3; t < n/3; t++ {
		m.SurfaceIndexes[t] = NoSurface
	}
	if old > 0 {
		m.Dirty.Indices.Add(old, n-old)
		m.Dirty.SurfaceIndexes.Add(old/3, n/3-old/3)
	}
	m.version++
	m.log.Debug("index arena resized", zap.Int("indices", n), zap.Int("version", m.version))
}

func (m *Mesh) allocUniform() int {
	pos := allocGrow(m.uniformAlloc, 1)
	if n := m.uniformAlloc.TotalSize(); n > len(m.Uniforms) {
		m.Uniforms = append(m.Uniforms, make([]SurfaceUniforms, n-len(m.Uniforms))...)
	}
	return pos
}

func (m *Mesh) allocLightIndexes(count int) int {
	pos := allocGrow(m.lightIndexAlloc, count)
	if n := m.lightIndexAlloc.TotalSize(); n > len(m.LightIndexes) {
		m.LightIndexes = append(m.LightIndexes, make([]uint32, n-len(m.LightIndexes))...)
	}
	return pos
}

func computePlane(a, b, c mgl32.Vec3) (mgl32.Vec4, bool) {
	n := b.Sub(a).Cross(c.Sub(a))
	l := n.Len()
	if l < 1e-12 {
		return mgl32.Vec4{}, false
	}
	n = n.Mul(1 / l)
	return n.Vec4(n.Dot(a)), true
}
