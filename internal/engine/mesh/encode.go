package mesh

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/midgard-bake/internal/engine/lighting"
)

// GPU record sizes in bytes.
const (
	VertexStride  = 20
	IndexStride   = 4
	UniformStride = 32
	PortalStride  = 64

	// SurfaceStride is the size of the packed surface record:
	//
	//	struct Surface {
	//	    plane : vec4<f32>,
	//	    portal : i32, alpha : f32, flags : u32, texture : i32,
	//	    light_start : u32, light_count : u32, uniform : u32, tile : i32,
	//	}
	SurfaceStride = 48
)

// Surface flags.
const (
	SurfaceFlagLive uint32 = 1 << iota
	SurfaceFlagSky
)

// PutVertex writes v into buf.
func PutVertex(buf []byte, v Vertex) {
	_ = buf[VertexStride-1]
	putFloat(buf[0:], v.Position.X())
	putFloat(buf[4:], v.Position.Y())
	putFloat(buf[8:], v.Position.Z())
	putFloat(buf[12:], v.UV.X())
	putFloat(buf[16:], v.UV.Y())
}

// Put writes the packed surface record into buf.
func (s *Surface) Put(buf []byte) {
	_ = buf[SurfaceStride-1]
	var flags uint32
	if s.live {
		flags |= SurfaceFlagLive
	}
	if s.Sky {
		flags |= SurfaceFlagSky
	}
	for i := 0; i < 4; i++ {
		putFloat(buf[i*4:], s.Plane[i])
	}
	binary.LittleEndian.PutUint32(buf[16:], uint32(s.Portal))
	putFloat(buf[20:], s.Alpha)
	binary.LittleEndian.PutUint32(buf[24:], flags)
	binary.LittleEndian.PutUint32(buf[28:], uint32(s.Texture))
	binary.LittleEndian.PutUint32(buf[32:], uint32(s.LightList.Start))
	binary.LittleEndian.PutUint32(buf[36:], uint32(s.LightList.Len()))
	binary.LittleEndian.PutUint32(buf[40:], uint32(s.Uniform))
	binary.LittleEndian.PutUint32(buf[44:], uint32(int32(s.Tile)))
}

// Put writes the packed uniform block into buf.
func (u SurfaceUniforms) Put(buf []byte) {
	_ = buf[UniformStride-1]
	for i := 0; i < 4; i++ {
		putFloat(buf[i*4:], u.Color[i])
	}
	putFloat(buf[16:], u.TexScale.X())
	putFloat(buf[20:], u.TexScale.Y())
	putFloat(buf[24:], u.TexOffset.X())
	putFloat(buf[28:], u.TexOffset.Y())
}

// putMat4 writes m column-major, the layout WGSL expects.
func putMat4(buf []byte, m mgl32.Mat4) {
	_ = buf[PortalStride-1]
	for i, v := range m {
		putFloat(buf[i*4:], v)
	}
}

func putFloat(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func putUint32s(buf []byte, vals []uint32) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
}

// encoder packs n elements of one kind starting at first into dst.
type encoder func(m *Mesh, dst []byte, first, n int)

func encodeVertices(m *Mesh, dst []byte, first, n int) {
	for i := 0; i < n; i++ {
		PutVertex(dst[i*VertexStride:], m.Vertices[first+i])
	}
}

func encodeIndices(m *Mesh, dst []byte, first, n int) {
	putUint32s(dst, m.Indices[first:first+n])
}

func encodeSurfaceIndexes(m *Mesh, dst []byte, first, n int) {
	putUint32s(dst, m.SurfaceIndexes[first:first+n])
}

func encodeLightIndexes(m *Mesh, dst []byte, first, n int) {
	putUint32s(dst, m.LightIndexes[first:first+n])
}

func encodeSurfaces(m *Mesh, dst []byte, first, n int) {
	for i := 0; i < n; i++ {
		m.Surfaces[first+i].Put(dst[i*SurfaceStride:])
	}
}

func encodeUniforms(m *Mesh, dst []byte, first, n int) {
	for i := 0; i < n; i++ {
		m.Uniforms[first+i].Put(dst[i*UniformStride:])
	}
}

func encodeLights(m *Mesh, dst []byte, first, n int) {
	for i := 0; i < n; i++ {
		m.Lights[first+i].Put(dst[i*lighting.LightStride:])
	}
}

func encodePortals(m *Mesh, dst []byte, first, n int) {
	for i := 0; i < n; i++ {
		putMat4(dst[i*PortalStride:], m.Portals[first+i])
	}
}
