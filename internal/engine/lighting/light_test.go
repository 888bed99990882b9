package lighting

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	l := Light{
		Color:      mgl32.Vec3{1.5, -0.2, 0.5},
		InnerAngle: 50,
		OuterAngle: 30,
		SpotDir:    mgl32.Vec3{0, -2, 0},
	}.Sanitize()

	assert.Equal(t, mgl32.Vec3{1, 0, 0.5}, l.Color)
	assert.Equal(t, float32(DefaultRadius), l.Radius)
	assert.Equal(t, float32(1), l.Intensity)
	assert.Equal(t, float32(30), l.InnerAngle)
	assert.InDelta(t, 1.0, l.SpotDir.Len(), 1e-6)
	assert.True(t, l.IsSpot())
}

func TestBoundsAndProxy(t *testing.T) {
	l := Light{Origin: mgl32.Vec3{10, 20, 30}, Radius: 5}
	lo, hi := l.Bounds()
	assert.Equal(t, mgl32.Vec3{5, 15, 25}, lo)
	assert.Equal(t, mgl32.Vec3{15, 25, 35}, hi)

	m := l.ProxyTransform()
	assert.Equal(t, float32(5), m[0])
	assert.Equal(t, float32(10), m[3])
	assert.Equal(t, float32(30), m[11])
}

func TestPackLayout(t *testing.T) {
	l := Light{
		Origin:    mgl32.Vec3{1, 2, 3},
		Radius:    4,
		Color:     mgl32.Vec3{0.5, 0.25, 1},
		Intensity: 2,
	}
	buf := l.Pack()
	assert.Len(t, buf, LightStride)

	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
	}
	assert.Equal(t, float32(3), f(8))
	assert.Equal(t, float32(4), f(12))
	assert.Equal(t, float32(0.25), f(20))
	assert.Equal(t, float32(2), f(28))
	// Point lights disable the cone test.
	assert.Equal(t, float32(-1), f(52))
}

func TestSunDirection(t *testing.T) {
	tests := []struct {
		name     string
		lon, lat float32
		want     mgl32.Vec3
	}{
		{"zenith", 0, 90, mgl32.Vec3{0, 1, 0}},
		{"horizon south", 0, 0, mgl32.Vec3{0, 0, 1}},
		{"horizon east", 90, 0, mgl32.Vec3{1, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SunDirection(tt.lon, tt.lat)
			assert.True(t, got.ApproxEqualThreshold(tt.want, 1e-5), "got %v", got)
		})
	}
}
