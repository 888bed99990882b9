package lighting

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// SunStride is the byte size of a packed Sun.
const SunStride = 32

// Sun is the directional light that reaches sky-facing surfaces.
type Sun struct {
	Direction mgl32.Vec3 // towards the sun
	Color     mgl32.Vec3
	Intensity float32
}

// SunDirection converts longitude/latitude angles in degrees to a
// normalized direction pointing towards the sun. Longitude rotates around
// Y, latitude is the elevation from the horizon.
func SunDirection(longitude, latitude float32) mgl32.Vec3 {
	lonRad := float64(mgl32.DegToRad(longitude))
	latRad := float64(mgl32.DegToRad(latitude))

	x := float32(math.Cos(latRad) * math.Sin(lonRad))
	y := float32(math.Sin(latRad))
	z := float32(math.Cos(latRad) * math.Cos(lonRad))

	return mgl32.Vec3{x, y, z}
}

// Put writes the packed sun into buf, which must hold SunStride bytes.
func (s Sun) Put(buf []byte) {
	_ = buf[SunStride-1]
	dir := s.Direction
	if n := dir.Len(); n > 0 {
		dir = dir.Mul(1 / n)
	}
	putVec3(buf[0:], dir)
	putFloat(buf[12:], s.Intensity)
	putVec3(buf[16:], s.Color)
	putFloat(buf[28:], 0)
}
