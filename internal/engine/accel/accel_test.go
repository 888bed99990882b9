package accel

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/midgard-bake/internal/engine/bvh"
	"github.com/Faultbox/midgard-bake/internal/engine/lighting"
	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi/headless"
	"github.com/Faultbox/midgard-bake/pkg/arena"
)

// gridMesh builds a mesh whose index arena is exactly filled by n single
// triangle surfaces laid out along X.
func gridMesh(t *testing.T, n int) *mesh.Mesh {
	t.Helper()
	m := mesh.New(mesh.Capacity{Vertices: 3 * n, Indices: 3 * n, Uniforms: n, LightIndexes: 4}, nil)
	for i := 0; i < n; i++ {
		x := float32(i) * 2
		_, err := m.AddSurface(mesh.SurfaceDesc{
			Vertices: []mesh.Vertex{
				{Position: mgl32.Vec3{x, 0, 0}},
				{Position: mgl32.Vec3{x + 1, 0, 0}},
				{Position: mgl32.Vec3{x, 1, 0}},
			},
			Indices: []uint32{0, 1, 2},
		})
		require.NoError(t, err)
	}
	require.Equal(t, 3*n, m.IndexCount())
	return m
}

type frame struct {
	dev     *headless.Device
	release *rhi.ReleaseQueue
	staging *rhi.StagingBuffer
	gpu     *mesh.GPUBuffers
}

func newFrame(t *testing.T, rayQuery bool, budget uint64) *frame {
	t.Helper()
	dev := headless.New(headless.Options{RayQuery: rayQuery}, nil)
	release := rhi.NewReleaseQueue(dev, nil)
	staging, err := rhi.NewStagingBuffer(dev, budget)
	require.NoError(t, err)
	return &frame{dev: dev, release: release, staging: staging, gpu: mesh.NewGPUBuffers(dev, release, staging, nil)}
}

func (f *frame) run(t *testing.T, tr Tracer, m *mesh.Mesh) Stats {
	t.Helper()
	f.staging.Reset()
	rec := f.dev.Begin()
	_, err := f.gpu.Upload(rec, m)
	require.NoError(t, err)
	stats, err := tr.Update(rec, m, f.gpu)
	require.NoError(t, err)
	f.dev.Submit(rec)
	f.release.Collect()
	return stats
}

func TestNewPicksVariant(t *testing.T) {
	hw := newFrame(t, true, 1024)
	assert.IsType(t, &HardwareTracer{}, New(hw.dev, hw.release, hw.staging, Options{}, nil))
	assert.IsType(t, &SoftwareTracer{}, New(hw.dev, hw.release, hw.staging, Options{ForceSoftware: true}, nil))

	sw := newFrame(t, false, 1024)
	tr := New(sw.dev, sw.release, sw.staging, Options{}, nil)
	assert.IsType(t, &SoftwareTracer{}, tr)
	assert.Equal(t, VariantBVH, tr.ShaderVariant())
}

func TestSegmentsCoverIndexArena(t *testing.T) {
	for _, tc := range []struct {
		triangles, segments int
	}{
		{320, 32}, {321, 32}, {5, 32}, {1000, 7}, {1, 1},
	} {
		p := partitioner{want: tc.segments}
		p.partition(tc.triangles * 3)

		assert.LessOrEqual(t, len(p.segments), tc.segments)
		next := 0
		for _, s := range p.segments {
			assert.Equal(t, next, s.Indices.Start)
			assert.Zero(t, s.Indices.Len()%3)
			assert.LessOrEqual(t, s.Indices.Len(), p.perBLAS)
			next = s.Indices.End
		}
		assert.Equal(t, tc.triangles*3, next, "%d triangles in %d segments", tc.triangles, tc.segments)
	}
}

func TestHardwarePartialRebuild(t *testing.T) {
	m := gridMesh(t, 320)
	f := newFrame(t, true, 1<<20)
	tr := NewHardwareTracer(f.dev, f.release, Options{Segments: 32}, nil)
	assert.Equal(t, StateUninitialized, tr.State())

	stats := f.run(t, tr, m)
	require.Len(t, tr.Segments(), 32)
	assert.True(t, stats.Repartitioned)
	assert.Equal(t, 32, stats.Rebuilt)
	assert.Equal(t, StateBuilt, tr.State())

	before := make([]uint64, 32)
	for i, s := range tr.Segments() {
		assert.Equal(t, 30, s.Indices.Len())
		before[i] = s.Address
	}

	m.MarkGeometryChanged(arena.Range{Start: 100, End: 150})
	stats = f.run(t, tr, m)
	assert.False(t, stats.Repartitioned)
	assert.Equal(t, 2, stats.Rebuilt, "segments [90,120) and [120,150)")

	for i, s := range tr.Segments() {
		if i == 3 || i == 4 {
			assert.NotEqual(t, before[i], s.Address, "segment %d rebuilt", i)
			continue
		}
		assert.Equal(t, before[i], s.Address, "segment %d untouched", i)
	}

	cmds := f.dev.LastFrame()
	assert.Equal(t, 2, headless.Count(cmds, headless.CmdBuildBLAS))
	assert.Equal(t, 1, headless.Count(cmds, headless.CmdBuildTLAS), "TLAS rebuilt every frame")
}

func TestHardwareBarrierOrder(t *testing.T) {
	m := gridMesh(t, 12)
	f := newFrame(t, true, 1<<20)
	tr := NewHardwareTracer(f.dev, f.release, Options{Segments: 4}, nil)
	f.run(t, tr, m)

	var order []headless.CommandKind
	for _, c := range f.dev.LastFrame() {
		switch c.Kind {
		case headless.CmdBarrier, headless.CmdBuildBLAS, headless.CmdBuildTLAS:
			order = append(order, c.Kind)
		}
	}
	require.NotEmpty(t, order)
	assert.Equal(t, headless.CmdBarrier, order[0], "upload barrier before builds")
	assert.Equal(t, headless.CmdBuildTLAS, order[len(order)-2])
	assert.Equal(t, headless.CmdBarrier, order[len(order)-1], "build barrier before shaders")

	barriers := headless.Filter(f.dev.LastFrame(), headless.CmdBarrier)
	assert.Equal(t, rhi.BarrierUploadToBuild, barriers[0].Barrier)
	assert.Equal(t, rhi.BarrierBuildToShader, barriers[len(barriers)-1].Barrier)
}

func TestHardwareInstanceCount(t *testing.T) {
	m := gridMesh(t, 64)
	f := newFrame(t, true, 1<<20)
	tr := NewHardwareTracer(f.dev, f.release, Options{Segments: 8}, nil)

	stats := f.run(t, tr, m)
	assert.Equal(t, 8, stats.Instances)

	a := m.AddLight(lighting.Light{Origin: mgl32.Vec3{1, 1, 1}})
	m.AddLight(lighting.Light{Origin: mgl32.Vec3{5, 1, 1}})
	stats = f.run(t, tr, m)
	assert.Equal(t, 10, stats.Instances)
	assert.Zero(t, stats.Rebuilt, "lights do not touch segments")

	require.NoError(t, m.RemoveLight(a))
	stats = f.run(t, tr, m)
	assert.Equal(t, 9, stats.Instances)

	tlas := headless.Filter(f.dev.LastFrame(), headless.CmdBuildTLAS)
	require.Len(t, tlas, 1)
	assert.Equal(t, 9, tlas[0].Count)
}

func TestHardwareRepartitionsOnGrowth(t *testing.T) {
	m := gridMesh(t, 32)
	f := newFrame(t, true, 1<<20)
	tr := NewHardwareTracer(f.dev, f.release, Options{Segments: 4}, nil)
	f.run(t, tr, m)
	require.Len(t, tr.Segments(), 4)
	live := f.dev.LiveResources()

	_, err := m.AddSurface(mesh.SurfaceDesc{
		Vertices: []mesh.Vertex{{}, {Position: mgl32.Vec3{1, 0, 0}}, {Position: mgl32.Vec3{0, 1, 0}}},
		Indices:  []uint32{0, 1, 2},
	})
	require.NoError(t, err)
	stats := f.run(t, tr, m)
	assert.True(t, stats.Repartitioned)
	assert.Equal(t, len(tr.Segments()), stats.Rebuilt)

	f.dev.WaitIdle()
	f.release.Collect()
	assert.LessOrEqual(t, f.dev.LiveResources(), live+8, "old structures released")
}

func TestSoftwareTraceMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	m := mesh.New(mesh.Capacity{Vertices: 600, Indices: 600, Uniforms: 200, LightIndexes: 4}, nil)
	for i := 0; i < 200; i++ {
		c := mgl32.Vec3{rng.Float32()*40 - 20, rng.Float32()*40 - 20, rng.Float32()*40 - 20}
		_, err := m.AddSurface(mesh.SurfaceDesc{
			Vertices: []mesh.Vertex{
				{Position: c},
				{Position: c.Add(mgl32.Vec3{rng.Float32() * 3, 0, 0})},
				{Position: c.Add(mgl32.Vec3{0, rng.Float32() * 3, rng.Float32()})},
			},
			Indices: []uint32{0, 1, 2},
		})
		require.NoError(t, err)
	}
	m.AddLight(lighting.Light{Origin: mgl32.Vec3{0, 0, 30}, Radius: 2})

	f := newFrame(t, false, 1<<20)
	tr := NewSoftwareTracer(f.dev, f.release, f.staging, Options{Segments: 16}, nil)
	stats := f.run(t, tr, m)
	assert.Zero(t, stats.Deferred)

	for i := 0; i < 300; i++ {
		r := bvh.Ray{
			Origin:    mgl32.Vec3{rng.Float32()*40 - 20, rng.Float32()*40 - 20, -40},
			Direction: mgl32.Vec3{rng.Float32()*0.4 - 0.2, rng.Float32()*0.4 - 0.2, 1}.Normalize(),
		}

		want := Hit{Triangle: -1, Light: -1, T: 1000}
		for tri := 0; tri < m.IndexCount()/3; tri++ {
			if !m.TriangleLive(tri) {
				continue
			}
			a, b, c := m.Triangle(tri)
			if d, ok := r.IntersectTriangle(a, b, c); ok && d < want.T {
				want = Hit{Triangle: tri, Light: -1, T: d}
			}
		}
		l := m.Lights[0]
		if d, ok := r.IntersectSphere(l.Origin, l.Radius); ok && d < want.T {
			want = Hit{Triangle: -1, Light: 0, T: d}
		}

		got, ok := tr.Trace(r, 1000)
		assert.Equal(t, want.Triangle >= 0 || want.Light >= 0, ok, "ray %d", i)
		if ok {
			assert.Equal(t, want.Triangle, got.Triangle, "ray %d", i)
			assert.Equal(t, want.Light, got.Light, "ray %d", i)
			assert.InDelta(t, want.T, got.T, 1e-4, "ray %d", i)
		}
	}
}

func TestSoftwarePartialRebuildAndBackpressure(t *testing.T) {
	m := gridMesh(t, 320)
	f := newFrame(t, false, 1<<20)
	tr := NewSoftwareTracer(f.dev, f.release, f.staging, Options{Segments: 32}, nil)
	stats := f.run(t, tr, m)
	require.Equal(t, 32, stats.Rebuilt)
	gen := tr.Generation()

	m.MarkGeometryChanged(arena.Range{Start: 100, End: 150})
	stats = f.run(t, tr, m)
	assert.Equal(t, 2, stats.Rebuilt)
	assert.Equal(t, gen, tr.Generation(), "buffers keep their slots")

	// A segment tree of 7 nodes and 10 items takes 264 bytes; the 700 byte
	// budget is spent on the mesh upload first.
	small := newFrame(t, false, 700)
	tr = NewSoftwareTracer(small.dev, small.release, small.staging, Options{Segments: 32}, nil)
	stats = small.run(t, tr, m)
	assert.Positive(t, stats.Deferred)
	for i := 0; i < 400 && stats.Deferred > 0; i++ {
		stats = small.run(t, tr, m)
	}
	assert.Zero(t, stats.Deferred, "pending segment uploads drain")
}

func TestSoftwareBindings(t *testing.T) {
	m := gridMesh(t, 8)
	f := newFrame(t, false, 1<<20)
	tr := NewSoftwareTracer(f.dev, f.release, f.staging, Options{Segments: 2}, nil)
	f.run(t, tr, m)

	b := tr.Bindings()
	require.Len(t, b, 7)
	for _, binding := range b {
		assert.NotNil(t, binding.Buffer, binding.Name)
	}
	params := b[0].Buffer.(*headless.Buffer)
	assert.Equal(t, []byte{7, 0, 0, 0, 4, 0, 0, 0, 2, 0, 0, 0}, params.Data[:12])
}
