// Package bvh builds flattened bounding volume hierarchies over boxes and
// traverses them on the CPU. The flattened layout is the one the software
// trace shader walks.
package bvh

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// NodeStride is the byte size of an encoded node.
//
//	struct BVHNode {
//	    aabb_min : vec3<f32>, link : u32,  // leaf: first item, else right child
//	    aabb_max : vec3<f32>, count : u32, // zero for inner nodes
//	}
const NodeStride = 32

// DefaultMaxLeafSize is the leaf size used when Build is given zero.
const DefaultMaxLeafSize = 4

// Node is one node of a flattened tree. Nodes are stored depth-first, so
// the left child of an inner node always follows it directly.
type Node struct {
	Bounds AABB
	Right  int32
	First  int32
	Count  int32
}

// IsLeaf reports whether the node references items.
func (n Node) IsLeaf() bool {
	return n.Count > 0
}

// Tree is a flattened BVH. Items maps leaf slots to the indices of the
// boxes passed to Build.
type Tree struct {
	Nodes []Node
	Items []int32
}

type buildItem struct {
	box      AABB
	centroid [3]float32
	index    int32
}

// Build constructs a tree over boxes with a median split on the longest
// centroid axis. An empty input yields a single node that no ray hits.
func Build(boxes []AABB, maxLeaf int) Tree {
	if maxLeaf <= 0 {
		maxLeaf = DefaultMaxLeafSize
	}
	if len(boxes) == 0 {
		return Tree{Nodes: []Node{{Bounds: EmptyAABB(), Right: -1}}}
	}

	items := make([]buildItem, len(boxes))
	for i, b := range boxes {
		items[i] = buildItem{box: b, centroid: b.Centroid(), index: int32(i)}
	}

	t := Tree{
		Nodes: make([]Node, 0, 2*len(boxes)/maxLeaf+1),
		Items: make([]int32, 0, len(boxes)),
	}
	t.build(items, maxLeaf)
	return t
}

func (t *Tree) build(items []buildItem, maxLeaf int) int32 {
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, Node{Right: -1})

	bounds := EmptyAABB()
	centroids := EmptyAABB()
	for _, it := range items {
		bounds = bounds.Extend(it.box)
		centroids = centroids.ExtendPoint(it.centroid)
	}
	t.Nodes[idx].Bounds = bounds

	if len(items) <= maxLeaf {
		t.Nodes[idx].First = int32(len(t.Items))
		t.Nodes[idx].Count = int32(len(items))
		for _, it := range items {
			t.Items = append(t.Items, it.index)
		}
		return idx
	}

	extent := centroids.Extent()
	axis := 0
	if extent[1] > extent[axis] {
		axis = 1
	}
	if extent[2] > extent[axis] {
		axis = 2
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].centroid[axis] < items[j].centroid[axis]
	})

	mid := len(items) / 2
	t.build(items[:mid], maxLeaf)
	right := t.build(items[mid:], maxLeaf)
	t.Nodes[idx].Right = right
	return idx
}

// Bounds returns the bounds of the whole tree.
func (t *Tree) Bounds() AABB {
	if len(t.Nodes) == 0 {
		return EmptyAABB()
	}
	return t.Nodes[0].Bounds
}

// Hit is the closest intersection found by Traverse.
type Hit struct {
	Item int32
	T    float32
}

// Traverse finds the closest item hit by r within tMax. intersect is
// called with the box index of each candidate item.
func (t *Tree) Traverse(r Ray, tMax float32, intersect func(item int32) (float32, bool)) (Hit, bool) {
	best := Hit{Item: -1, T: tMax}
	if len(t.Nodes) == 0 {
		return best, false
	}

	var stack [64]int32
	sp := 0
	stack[sp] = 0
	sp++

	for sp > 0 {
		sp--
		idx := stack[sp]
		n := t.Nodes[idx]
		if d, ok := r.entry(n.Bounds); !ok || d > best.T {
			continue
		}
		if n.IsLeaf() {
			for _, item := range t.Items[n.First : n.First+n.Count] {
				if d, ok := intersect(item); ok && d < best.T {
					best = Hit{Item: item, T: d}
				}
			}
			continue
		}
		if n.Right < 0 {
			continue
		}
		if sp+2 > len(stack) {
			panic("bvh: traversal stack overflow")
		}
		stack[sp] = n.Right
		stack[sp+1] = idx + 1
		sp += 2
	}
	return best, best.Item >= 0
}

// Encode writes the nodes into buf with links rebased by nodeOffset and
// itemOffset, so several trees can share one buffer.
func (t *Tree) Encode(buf []byte, nodeOffset, itemOffset int32) {
	if len(buf) < len(t.Nodes)*NodeStride {
		panic(fmt.Sprintf("bvh: encode of %d nodes into %d bytes", len(t.Nodes), len(buf)))
	}
	for i, n := range t.Nodes {
		b := buf[i*NodeStride:]
		link := uint32(0xFFFFFFFF)
		switch {
		case n.IsLeaf():
			link = uint32(n.First + itemOffset)
		case n.Right >= 0:
			link = uint32(n.Right + nodeOffset)
		}
		putFloat(b[0:], n.Bounds.Min[0])
		putFloat(b[4:], n.Bounds.Min[1])
		putFloat(b[8:], n.Bounds.Min[2])
		binary.LittleEndian.PutUint32(b[12:], link)
		putFloat(b[16:], n.Bounds.Max[0])
		putFloat(b[20:], n.Bounds.Max[1])
		putFloat(b[24:], n.Bounds.Max[2])
		binary.LittleEndian.PutUint32(b[28:], uint32(n.Count))
	}
}

// EncodeItems writes the item indices, each mapped through remap when it
// is not nil.
func (t *Tree) EncodeItems(buf []byte, remap func(int32) uint32) {
	if len(buf) < len(t.Items)*4 {
		panic(fmt.Sprintf("bvh: encode of %d items into %d bytes", len(t.Items), len(buf)))
	}
	for i, it := range t.Items {
		v := uint32(it)
		if remap != nil {
			v = remap(it)
		}
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
}

func putFloat(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}
