// Package lighting holds the light records baked into lightmaps and their
// GPU packing.
package lighting

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// LightStride is the byte size of a packed light record.
//
//	struct Light {
//	    origin : vec3<f32>, radius : f32,
//	    color : vec3<f32>, intensity : f32,
//	    spot_dir : vec3<f32>, soft_shadow_radius : f32,
//	    inner_cos : f32, outer_cos : f32, pad : vec2<f32>,
//	}
const LightStride = 64

// DefaultRadius is used for lights declared without a radius.
const DefaultRadius = 100.0

// Light is a point or spot light. A spot light has a non-zero SpotDir and
// an outer cone angle below 180 degrees.
type Light struct {
	Origin    mgl32.Vec3
	Radius    float32
	Intensity float32
	Color     mgl32.Vec3

	// Cone angles in degrees, measured from SpotDir to the cone edge.
	InnerAngle float32
	OuterAngle float32
	SpotDir    mgl32.Vec3

	// SoftShadowRadius is the radius of the light sphere sampled for soft
	// shadows. Zero gives hard shadows.
	SoftShadowRadius float32
}

// IsSpot reports whether the light has a cone.
func (l Light) IsSpot() bool {
	return l.SpotDir.Len() > 0 && l.OuterAngle > 0 && l.OuterAngle < 180
}

// Sanitize clamps the color to [0,1], fills in a missing radius and
// intensity, orders the cone angles and normalizes the spot direction.
func (l Light) Sanitize() Light {
	for i := 0; i < 3; i++ {
		l.Color[i] = mgl32.Clamp(l.Color[i], 0, 1)
	}
	if l.Radius <= 0 {
		l.Radius = DefaultRadius
	}
	if l.Intensity <= 0 {
		l.Intensity = 1
	}
	if l.SoftShadowRadius < 0 {
		l.SoftShadowRadius = 0
	}
	if l.InnerAngle > l.OuterAngle {
		l.InnerAngle = l.OuterAngle
	}
	if n := l.SpotDir.Len(); n > 0 {
		l.SpotDir = l.SpotDir.Mul(1 / n)
	}
	return l
}

// Bounds returns the AABB of the light's sphere of influence. It is used as
// the light's proxy in the top level acceleration structure.
func (l Light) Bounds() (mgl32.Vec3, mgl32.Vec3) {
	r := mgl32.Vec3{l.Radius, l.Radius, l.Radius}
	return l.Origin.Sub(r), l.Origin.Add(r)
}

// ProxyTransform returns the 3x4 row-major transform that maps the unit
// sphere proxy onto the light's sphere of influence.
func (l Light) ProxyTransform() [12]float32 {
	r := l.Radius
	return [12]float32{
		r, 0, 0, l.Origin.X(),
		0, r, 0, l.Origin.Y(),
		0, 0, r, l.Origin.Z(),
	}
}

// Put writes the packed record into buf, which must hold LightStride bytes.
func (l Light) Put(buf []byte) {
	_ = buf[LightStride-1]

	innerCos, outerCos := float32(-1), float32(-1)
	if l.IsSpot() {
		innerCos = float32(math.Cos(float64(mgl32.DegToRad(l.InnerAngle))))
		outerCos = float32(math.Cos(float64(mgl32.DegToRad(l.OuterAngle))))
	}

	putVec3(buf[0:], l.Origin)
	putFloat(buf[12:], l.Radius)
	putVec3(buf[16:], l.Color)
	putFloat(buf[28:], l.Intensity)
	putVec3(buf[32:], l.SpotDir)
	putFloat(buf[44:], l.SoftShadowRadius)
	putFloat(buf[48:], innerCos)
	putFloat(buf[52:], outerCos)
	putFloat(buf[56:], 0)
	putFloat(buf[60:], 0)
}

// Pack returns the packed record.
func (l Light) Pack() []byte {
	buf := make([]byte, LightStride)
	l.Put(buf)
	return buf
}

func putFloat(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func putVec3(b []byte, v mgl32.Vec3) {
	putFloat(b[0:], v.X())
	putFloat(b[4:], v.Y())
	putFloat(b[8:], v.Z())
}
