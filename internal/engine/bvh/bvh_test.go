package bvh

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBoxes(rng *rand.Rand, n int) []AABB {
	boxes := make([]AABB, n)
	for i := range boxes {
		c := mgl32.Vec3{rng.Float32() * 100, rng.Float32() * 100, rng.Float32() * 100}
		h := mgl32.Vec3{1 + rng.Float32()*3, 1 + rng.Float32()*3, 1 + rng.Float32()*3}
		boxes[i] = NewAABB(c.Sub(h), c.Add(h))
	}
	return boxes
}

func TestBuildCoversEveryItemOnce(t *testing.T) {
	boxes := randomBoxes(rand.New(rand.NewSource(1)), 257)
	tree := Build(boxes, 4)

	seen := make(map[int32]bool)
	for _, it := range tree.Items {
		require.False(t, seen[it], "item %d twice", it)
		seen[it] = true
	}
	assert.Len(t, seen, len(boxes))

	for i, n := range tree.Nodes {
		if n.IsLeaf() {
			assert.LessOrEqual(t, int(n.Count), 4)
			for _, it := range tree.Items[n.First : n.First+n.Count] {
				b := boxes[it]
				assert.Equal(t, n.Bounds, n.Bounds.Extend(b), "leaf %d does not contain item %d", i, it)
			}
			continue
		}
		left := tree.Nodes[i+1].Bounds
		right := tree.Nodes[n.Right].Bounds
		assert.Equal(t, n.Bounds, left.Extend(right))
	}
}

func TestTraverseMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	boxes := randomBoxes(rng, 300)
	tree := Build(boxes, 2)

	for i := 0; i < 200; i++ {
		dir := mgl32.Vec3{rng.Float32() - 0.5, rng.Float32() - 0.5, rng.Float32() - 0.5}.Normalize()
		r := Ray{Origin: mgl32.Vec3{50, 50, 50}.Add(dir.Mul(-150)), Direction: dir}

		want := Hit{Item: -1, T: 1e9}
		for j, b := range boxes {
			if d, ok := r.IntersectAABB(b); ok && d < want.T {
				want = Hit{Item: int32(j), T: d}
			}
		}

		got, ok := tree.Traverse(r, 1e9, func(item int32) (float32, bool) {
			return r.IntersectAABB(boxes[item])
		})
		assert.Equal(t, want.Item >= 0, ok)
		if ok {
			assert.InDelta(t, want.T, got.T, 1e-3)
		}
	}
}

func TestEmptyTreeMisses(t *testing.T) {
	tree := Build(nil, 0)
	require.Len(t, tree.Nodes, 1)

	_, ok := tree.Traverse(Ray{Direction: mgl32.Vec3{0, 0, 1}}, 1e9, func(int32) (float32, bool) {
		t.Fatal("no items to intersect")
		return 0, false
	})
	assert.False(t, ok)
}

func TestEncodeRebasesLinks(t *testing.T) {
	boxes := randomBoxes(rand.New(rand.NewSource(3)), 9)
	tree := Build(boxes, 1)

	buf := make([]byte, len(tree.Nodes)*NodeStride)
	tree.Encode(buf, 100, 1000)

	for i, n := range tree.Nodes {
		link := binary.LittleEndian.Uint32(buf[i*NodeStride+12:])
		count := binary.LittleEndian.Uint32(buf[i*NodeStride+28:])
		if n.IsLeaf() {
			assert.Equal(t, uint32(n.First+1000), link)
			assert.Equal(t, uint32(1), count)
		} else {
			assert.Equal(t, uint32(n.Right+100), link)
			assert.Zero(t, count)
		}
	}

	items := make([]byte, len(tree.Items)*4)
	tree.EncodeItems(items, func(i int32) uint32 { return uint32(i) * 3 })
	assert.Equal(t, uint32(tree.Items[0])*3, binary.LittleEndian.Uint32(items))
}

func TestRayPrimitives(t *testing.T) {
	r := Ray{Origin: mgl32.Vec3{0, 0, -5}, Direction: mgl32.Vec3{0, 0, 1}}

	d, ok := r.IntersectTriangle(mgl32.Vec3{-1, -1, 0}, mgl32.Vec3{1, -1, 0}, mgl32.Vec3{0, 1, 0})
	require.True(t, ok)
	assert.InDelta(t, 5, d, 1e-5)

	_, ok = r.IntersectTriangle(mgl32.Vec3{2, 2, 0}, mgl32.Vec3{3, 2, 0}, mgl32.Vec3{2, 3, 0})
	assert.False(t, ok)

	d, ok = r.IntersectSphere(mgl32.Vec3{0, 0, 5}, 2)
	require.True(t, ok)
	assert.InDelta(t, 8, d, 1e-5)

	inside := Ray{Origin: mgl32.Vec3{}, Direction: mgl32.Vec3{1, 0, 0}}
	d, ok = inside.IntersectAABB(NewAABB(mgl32.Vec3{-1, -1, -1}, mgl32.Vec3{1, 1, 1}))
	require.True(t, ok)
	assert.InDelta(t, 1, d, 1e-6)
}
