package mesh

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/lighting"
	"github.com/Faultbox/midgard-bake/pkg/arena"
)

// AddSurface copies a surface into the arena and returns its id.
func (m *Mesh) AddSurface(desc SurfaceDesc) (SurfaceID, error) {
	if len(desc.Vertices) == 0 || len(desc.Indices) == 0 || len(desc.Indices)%3 != 0 {
		return 0, fmt.Errorf("%d vertices, %d indices: %w", len(desc.Vertices), len(desc.Indices), ErrBadSurface)
	}
	for _, idx := range desc.Indices {
		if int(idx) >= len(desc.Vertices) {
			return 0, fmt.Errorf("index %d out of %d vertices: %w", idx, len(desc.Vertices), ErrBadSurface)
		}
	}
	if desc.HasPortal && (int(desc.Portal) < 0 || int(desc.Portal) >= len(m.Portals)) {
		return 0, fmt.Errorf("portal %d: %w", desc.Portal, ErrUnknownID)
	}
	for _, l := range desc.Lights {
		if !m.LightLive(l) {
			return 0, fmt.Errorf("light %d: %w", l, ErrUnknownID)
		}
	}

	plane := desc.Plane
	if plane == (mgl32.Vec4{}) {
		plane = m.planeOf(desc.Vertices, desc.Indices)
	}

	vpos := m.allocVertices(len(desc.Vertices))
	ipos := m.allocIndices(len(desc.Indices))
	upos := m.allocUniform()

	id := m.newSurfaceID()
	s := Surface{
		Plane:    plane,
		Portal:   -1,
		Alpha:    desc.Alpha,
		Sky:      desc.Sky,
		Texture:  desc.Texture,
		Vertices: arena.Range{Start: vpos, End: vpos + len(desc.Vertices)},
		Indices:  arena.Range{Start: ipos, End: ipos + len(desc.Indices)},
		Uniform:  upos,
		Tile:     NoTile,
		live:     true,
	}
	if desc.HasPortal {
		s.Portal = int32(desc.Portal)
	}
	if s.Alpha == 0 {
		s.Alpha = 1
	}

	copy(m.Vertices[vpos:], desc.Vertices)
	for i, idx := range desc.Indices {
		m.Indices[ipos+i] = uint32(vpos) + idx
	}
	for t := ipos / 3; t < s.Indices.End/3; t++ {
		m.SurfaceIndexes[t] = uint32(id)
	}
	m.Uniforms[upos] = desc.Uniforms
	m.Surfaces[id] = s
	m.writeLightList(id, desc.Lights)

	m.Dirty.Vertices.AddRange(s.Vertices)
	m.Dirty.Indices.AddRange(s.Indices)
	m.Dirty.SurfaceIndexes.Add(ipos/3, len(desc.Indices)/3)
	m.Dirty.Uniforms.Add(upos, 1)
	m.Dirty.Surfaces.Add(int(id), 1)
	m.geometry.AddRange(s.Indices)

	m.log.Debug("surface added",
		zap.Int("surface", int(id)),
		zap.Stringer("indices", s.Indices),
		zap.Stringer("vertices", s.Vertices))
	return id, nil
}

func (m *Mesh) newSurfaceID() SurfaceID {
	if n := len(m.freeSurfaces); n > 0 {
		id := m.freeSurfaces[n-1]
		m.freeSurfaces = m.freeSurfaces[:n-1]
		return id
	}
	m.Surfaces = append(m.Surfaces, Surface{})
	return SurfaceID(len(m.Surfaces) - 1)
}

func (m *Mesh) planeOf(vertices []Vertex, indices []uint32) mgl32.Vec4 {
	for i := 0; i+2 < len(indices); i += 3 {
		p, ok := computePlane(
			vertices[indices[i]].Position,
			vertices[indices[i+1]].Position,
			vertices[indices[i+2]].Position)
		if ok {
			return p
		}
	}
	return mgl32.Vec4{0, 0, 1, 0}
}

// RemoveSurface releases a surface. Its triangle slots are zeroed so they
// rasterize and trace as degenerate.
func (m *Mesh) RemoveSurface(id SurfaceID) error {
	s, err := m.Surface(id)
	if err != nil {
		return err
	}

	for i := s.Indices.Start; i < s.Indices.End; i++ {
		m.Indices[i] = 0
	}
	for t := s.Indices.Start / 3; t < s.Indices.End/3; t++ {
		m.SurfaceIndexes[t] = NoSurface
	}
	m.Dirty.Indices.AddRange(s.Indices)
	m.Dirty.SurfaceIndexes.Add(s.Indices.Start/3, s.TriangleCount())
	m.geometry.AddRange(s.Indices)

	m.vertexAlloc.Free(s.Vertices.Start, s.Vertices.Len())
	m.indexAlloc.Free(s.Indices.Start, s.Indices.Len())
	m.uniformAlloc.Free(s.Uniform, 1)
	if !s.LightList.Empty() {
		m.lightIndexAlloc.Free(s.LightList.Start, s.LightList.Len())
	}

	*s = Surface{Portal: -1, Tile: NoTile}
	m.Dirty.Surfaces.Add(int(id), 1)
	m.freeSurfaces = append(m.freeSurfaces, id)

	m.log.Debug("surface removed", zap.Int("surface", int(id)))
	return nil
}

// UpdateSurfaceVertices replaces the vertex data of a surface in place.
// The vertex count must not change.
func (m *Mesh) UpdateSurfaceVertices(id SurfaceID, vertices []Vertex) error {
	s, err := m.Surface(id)
	if err != nil {
		return err
	}
	if len(vertices) != s.Vertices.Len() {
		return fmt.Errorf("surface %d: %d vertices, want %d: %w", id, len(vertices), s.Vertices.Len(), ErrBadSurface)
	}

	copy(m.Vertices[s.Vertices.Start:s.Vertices.End], vertices)
	local := make([]uint32, s.Indices.Len())
	for i := range local {
		local[i] = m.Indices[s.Indices.Start+i] - uint32(s.Vertices.Start)
	}
	s.Plane = m.planeOf(vertices, local)

	m.Dirty.Vertices.AddRange(s.Vertices)
	m.Dirty.Surfaces.Add(int(id), 1)
	m.geometry.AddRange(s.Indices)
	return nil
}

// SetSurfaceTexture changes the texture index of a surface.
func (m *Mesh) SetSurfaceTexture(id SurfaceID, texture int32) error {
	s, err := m.Surface(id)
	if err != nil {
		return err
	}
	s.Texture = texture
	m.Dirty.Surfaces.Add(int(id), 1)
	return nil
}

// SetSurfaceUniforms replaces the uniform block of a surface.
func (m *Mesh) SetSurfaceUniforms(id SurfaceID, u SurfaceUniforms) error {
	s, err := m.Surface(id)
	if err != nil {
		return err
	}
	m.Uniforms[s.Uniform] = u
	m.Dirty.Uniforms.Add(s.Uniform, 1)
	return nil
}

// SetSurfaceTile records the lightmap tile a surface is baked into.
func (m *Mesh) SetSurfaceTile(id SurfaceID, tile int) error {
	s, err := m.Surface(id)
	if err != nil {
		return err
	}
	s.Tile = tile
	m.Dirty.Surfaces.Add(int(id), 1)
	return nil
}

// SetSurfaceLights replaces the list of lights affecting a surface.
func (m *Mesh) SetSurfaceLights(id SurfaceID, lights []LightID) error {
	if _, err := m.Surface(id); err != nil {
		return err
	}
	for _, l := range lights {
		if !m.LightLive(l) {
			return fmt.Errorf("light %d: %w", l, ErrUnknownID)
		}
	}
	m.writeLightList(id, lights)
	return nil
}

func (m *Mesh) writeLightList(id SurfaceID, lights []LightID) {
	s := &m.Surfaces[id]
	if !s.LightList.Empty() {
		m.lightIndexAlloc.Free(s.LightList.Start, s.LightList.Len())
		s.LightList = arena.Range{}
	}
	if len(lights) > 0 {
		pos := m.allocLightIndexes(len(lights))
		for i, l := range lights {
			m.LightIndexes[pos+i] = uint32(l)
		}
		s.LightList = arena.Range{Start: pos, End: pos + len(lights)}
		m.Dirty.LightIndexes.AddRange(s.LightList)
	}
	m.Dirty.Surfaces.Add(int(id), 1)
}

// AddLight adds a light and returns its id.
func (m *Mesh) AddLight(l lighting.Light) LightID {
	l = l.Sanitize()

	var id LightID
	if n := len(m.freeLights); n > 0 {
		id = m.freeLights[n-1]
		m.freeLights = m.freeLights[:n-1]
		m.Lights[id] = l
		m.lightLive[id] = true
	} else {
		m.Lights = append(m.Lights, l)
		m.lightLive = append(m.lightLive, true)
		id = LightID(len(m.Lights) - 1)
	}
	m.activeLights++
	m.Dirty.Lights.Add(int(id), 1)
	return id
}

// UpdateLight replaces the parameters of a live light.
func (m *Mesh) UpdateLight(id LightID, l lighting.Light) error {
	if !m.LightLive(id) {
		return fmt.Errorf("light %d: %w", id, ErrUnknownID)
	}
	l = l.Sanitize()
	m.Lights[id] = l
	m.Dirty.Lights.Add(int(id), 1)
	return nil
}

// RemoveLight removes a light and drops it from every surface light list.
func (m *Mesh) RemoveLight(id LightID) error {
	if !m.LightLive(id) {
		return fmt.Errorf("light %d: %w", id, ErrUnknownID)
	}

	for sid := range m.Surfaces {
		s := &m.Surfaces[sid]
		if !s.live || s.LightList.Empty() {
			continue
		}
		list := m.LightIndexes[s.LightList.Start:s.LightList.End]
		kept := make([]LightID, 0, len(list))
		for _, l := range list {
			if LightID(l) != id {
				kept = append(kept, LightID(l))
			}
		}
		if len(kept) != len(list) {
			m.writeLightList(SurfaceID(sid), kept)
		}
	}

	m.Lights[id] = lighting.Light{}
	m.lightLive[id] = false
	m.freeLights = append(m.freeLights, id)
	m.activeLights--
	m.Dirty.Lights.Add(int(id), 1)
	return nil
}

// AddPortal adds a portal transform and returns its id.
func (m *Mesh) AddPortal(transform mgl32.Mat4) PortalID {
	m.Portals = append(m.Portals, transform)
	id := len(m.Portals) - 1
	m.Dirty.Portals.Add(id, 1)
	return PortalID(id)
}
