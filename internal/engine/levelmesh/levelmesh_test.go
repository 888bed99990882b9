package levelmesh

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/midgard-bake/internal/assets"
	"github.com/Faultbox/midgard-bake/internal/engine/accel"
	"github.com/Faultbox/midgard-bake/internal/engine/lighting"
	"github.com/Faultbox/midgard-bake/internal/engine/lightmap"
	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi/headless"
	"github.com/Faultbox/midgard-bake/internal/engine/shader"
	"github.com/Faultbox/midgard-bake/internal/engine/tasks"
)

func testOptions() Options {
	return Options{
		StagingSize: 1 << 20,
		Mesh:        mesh.Capacity{Vertices: 256, Indices: 384, Uniforms: 64, LightIndexes: 64},
		Accel:       accel.Options{Segments: 4},
		Atlas:       lightmap.AtlasConfig{PageSize: 256, Pages: 2, Padding: 1, MaxTileSize: 64},
		Baker:       lightmap.Config{ImageSize: 128},
	}
}

func newCache() *shader.Cache {
	return shader.NewCache(assets.NewLumps(shader.Private(), nil), shader.PassthroughCompiler{}, shader.Options{}, nil)
}

func floor(x, y, size float32) mesh.SurfaceDesc {
	return mesh.SurfaceDesc{
		Vertices: []mesh.Vertex{
			{Position: mgl32.Vec3{x, y, 0}},
			{Position: mgl32.Vec3{x + size, y, 0}},
			{Position: mgl32.Vec3{x + size, y + size, 0}},
			{Position: mgl32.Vec3{x, y + size, 0}},
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	}
}

func firstIndex(cmds []headless.Command, k headless.CommandKind) int {
	for i, c := range cmds {
		if c.Kind == k {
			return i
		}
	}
	return -1
}

func lastIndex(cmds []headless.Command, k headless.CommandKind) int {
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].Kind == k {
			return i
		}
	}
	return -1
}

func TestFrameOrder(t *testing.T) {
	dev := headless.New(headless.Options{}, nil)
	sys, err := New(dev, newCache(), testOptions(), nil)
	require.NoError(t, err)
	defer sys.Close()

	m := sys.Mesh()
	var ids []mesh.SurfaceID
	for i := 0; i < 3; i++ {
		id, err := m.AddSurface(floor(float32(i)*64, 0, 64))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	m.AddLight(lighting.Light{Origin: mgl32.Vec3{32, 32, 64}, Radius: 256, Intensity: 1, Color: mgl32.Vec3{1, 1, 1}})
	_, err = sys.Atlas().AddTile(ids[:2], 0)
	require.NoError(t, err)
	_, err = sys.Atlas().AddTile(ids[2:], 0)
	require.NoError(t, err)

	stats, err := sys.Step()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Frame)
	assert.Positive(t, stats.Upload.Bytes)
	assert.Positive(t, stats.Accel.Rebuilt)
	assert.Equal(t, 2, stats.Bake.Rendered)
	assert.Equal(t, 3, stats.Bake.Draws)
	assert.True(t, sys.Idle())

	cmds := dev.LastFrame()
	pass := firstIndex(cmds, headless.CmdBeginRenderPass)
	require.Positive(t, pass)
	assert.Less(t, lastIndex(cmds, headless.CmdCopyBuffer), pass, "uploads precede the bake")
	assert.Equal(t, headless.CmdBarrier, cmds[pass-1].Kind)

	for _, k := range []mesh.Kind{mesh.KindVertices, mesh.KindIndices, mesh.KindSurfaces, mesh.KindLights} {
		assert.NotNil(t, sys.Buffer(k), k.String())
	}
	assert.NotEmpty(t, sys.Bindings())
	assert.Equal(t, 2, sys.AtlasTexture().Desc().Layers)

	// Nothing changed: the next frame records no bake.
	stats, err = sys.Step()
	require.NoError(t, err)
	assert.Zero(t, stats.Bake.Selected)
	assert.Zero(t, headless.Count(dev.LastFrame(), headless.CmdBeginRenderPass))
}

func TestGeometryEditRebakes(t *testing.T) {
	dev := headless.New(headless.Options{}, nil)
	sys, err := New(dev, newCache(), testOptions(), nil)
	require.NoError(t, err)
	defer sys.Close()

	m := sys.Mesh()
	sid, err := m.AddSurface(floor(0, 0, 64))
	require.NoError(t, err)
	tid, err := sys.Atlas().AddTile([]mesh.SurfaceID{sid}, 0)
	require.NoError(t, err)
	_, err = sys.Step()
	require.NoError(t, err)

	require.NoError(t, m.UpdateSurfaceVertices(sid, floor(0, 0, 128).Vertices))
	require.NoError(t, sys.Atlas().GeometryChanged(tid))
	assert.False(t, sys.Idle())

	stats, err := sys.Step()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Placed)
	assert.Equal(t, 1, stats.Bake.Rendered)
	assert.Positive(t, stats.Accel.Rebuilt)

	tile, err := sys.Atlas().Tile(tid)
	require.NoError(t, err)
	assert.Equal(t, 9, tile.Location.Width)
	assert.True(t, sys.Idle())
}

func TestPartialUploadHoldsTracerAndBaker(t *testing.T) {
	dev := headless.New(headless.Options{RayQuery: true}, nil)
	opts := testOptions()
	opts.StagingSize = 2048
	sys, err := New(dev, newCache(), opts, nil)
	require.NoError(t, err)
	defer sys.Close()

	m := sys.Mesh()
	var ids []mesh.SurfaceID
	for i := 0; i < 60; i++ {
		id, err := m.AddSurface(floor(float32(i%10)*16, float32(i/10)*16, 16))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	tid, err := sys.Atlas().AddTile(ids[:4], 0)
	require.NoError(t, err)

	waited, rebuilt := 0, 0
	for frame := 0; frame < 64 && !sys.Idle(); frame++ {
		stats, err := sys.Step()
		require.NoError(t, err)
		if stats.Upload.Deferred > 0 {
			waited++
			assert.True(t, stats.Waiting)
			assert.Zero(t, rebuilt, "frame %d: uploads pending after a rebuild", frame)
			assert.Zero(t, stats.Accel.Rebuilt, "frame %d", frame)
			assert.Zero(t, stats.Bake.Selected, "frame %d", frame)
			assert.Zero(t, headless.Count(dev.LastFrame(), headless.CmdBuildBLAS), "frame %d", frame)
			assert.Zero(t, headless.Count(dev.LastFrame(), headless.CmdBeginRenderPass), "frame %d", frame)
			assert.NotEmpty(t, m.GeometryChanges(), "frame %d", frame)
			continue
		}
		rebuilt += stats.Accel.Rebuilt
	}

	assert.Positive(t, waited, "staging budget never ran out")
	assert.Positive(t, rebuilt)
	assert.True(t, sys.Idle())
	assert.Empty(t, m.GeometryChanges())
	tile, err := sys.Atlas().Tile(tid)
	require.NoError(t, err)
	assert.False(t, tile.NeedsUpdate)
	assert.Zero(t, tile.Flags&lightmap.NeedsInitialBake)
}

func TestCloseReleasesEverything(t *testing.T) {
	dev := headless.New(headless.Options{RayQuery: true}, nil)
	sys, err := New(dev, newCache(), testOptions(), nil)
	require.NoError(t, err)

	sid, err := sys.Mesh().AddSurface(floor(0, 0, 32))
	require.NoError(t, err)
	_, err = sys.Atlas().AddTile([]mesh.SurfaceID{sid}, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = sys.Step()
		require.NoError(t, err)
	}
	require.Positive(t, dev.LiveResources())

	sys.Close()
	assert.Zero(t, dev.LiveResources())
}

func TestNewRejectsBadAtlas(t *testing.T) {
	dev := headless.New(headless.Options{}, nil)
	opts := testOptions()
	opts.Atlas.MaxTileSize = 512

	_, err := New(dev, newCache(), opts, nil)
	require.Error(t, err)
	assert.Zero(t, dev.LiveResources())
}

func TestWarmUpFillsCache(t *testing.T) {
	cache := newCache()
	q := tasks.New(tasks.Options{Workers: 2}, nil)

	WarmUp(q, cache, accel.VariantBVH, nil)
	q.Wait()
	results := q.Drain()
	require.Len(t, results, 4)
	for _, r := range results {
		require.NoError(t, r.Err, r.Name)
	}
	require.Equal(t, 4, cache.Stats().Misses)

	dev := headless.New(headless.Options{}, nil)
	sys, err := New(dev, cache, testOptions(), nil)
	require.NoError(t, err)
	defer sys.Close()

	assert.Equal(t, 4, cache.Stats().Hits)
	assert.Equal(t, 4, cache.Stats().Misses)
}
