package accel

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/bvh"
	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

// LightItemBit tags top level BVH items that reference a light instead of
// a segment.
const LightItemBit = uint32(1) << 31

// ParamsSize is the byte size of the traversal parameter block:
//
//	struct BVHParams { node_slot : u32, item_slot : u32, segments : u32, top_nodes : u32 }
const ParamsSize = 16

// Hit is a CPU trace result. Exactly one of Triangle and Light is set;
// the other is -1.
type Hit struct {
	Triangle int
	Light    mesh.LightID
	T        float32
}

// SoftwareTracer builds one CPU BVH per segment into a fixed slot of the
// node and item buffers, and a top level BVH over segment bounds and light
// spheres every frame. The trace_bvh.wgsl include walks the same layout.
type SoftwareTracer struct {
	dev     rhi.Device
	release *rhi.ReleaseQueue
	staging *rhi.StagingBuffer
	log     *zap.Logger
	maxLeaf int

	part  partitioner
	trees []bvh.Tree

	top      bvh.Tree
	topItems []uint32
	mesh     *mesh.Mesh

	nodeSlot int
	itemSlot int

	params       rhi.Buffer
	topNodesBuf  rhi.Buffer
	topItemsBuf  rhi.Buffer
	segNodesBuf  rhi.Buffer
	segItemsBuf  rhi.Buffer
	vertices     rhi.Buffer
	indices      rhi.Buffer
	generation   int
	scratch      []byte
	pendingWrite []int
}

// NewSoftwareTracer creates a CPU BVH tracer. Segment uploads go through
// staging and stay pending when its budget is spent.
func NewSoftwareTracer(dev rhi.Device, release *rhi.ReleaseQueue, staging *rhi.StagingBuffer, opts Options, log *zap.Logger) *SoftwareTracer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Segments <= 0 {
		opts.Segments = DefaultSegments
	}
	if opts.MaxLeafSize <= 0 {
		opts.MaxLeafSize = bvh.DefaultMaxLeafSize
	}
	return &SoftwareTracer{
		dev:     dev,
		release: release,
		staging: staging,
		log:     log,
		maxLeaf: opts.MaxLeafSize,
		part:    partitioner{want: opts.Segments},
	}
}

// Segments implements Tracer.
func (t *SoftwareTracer) Segments() []Segment {
	return t.part.segments
}

// ShaderVariant implements Tracer.
func (t *SoftwareTracer) ShaderVariant() string {
	return VariantBVH
}

// Generation implements Tracer.
func (t *SoftwareTracer) Generation() int {
	return t.generation
}

// Bindings implements Tracer.
func (t *SoftwareTracer) Bindings() []Binding {
	return []Binding{
		{Name: "bvh_params", Buffer: t.params},
		{Name: "bvh_top_nodes", Buffer: t.topNodesBuf},
		{Name: "bvh_top_items", Buffer: t.topItemsBuf},
		{Name: "bvh_nodes", Buffer: t.segNodesBuf},
		{Name: "bvh_items", Buffer: t.segItemsBuf},
		{Name: "mesh_vertices", Buffer: t.vertices},
		{Name: "mesh_indices", Buffer: t.indices},
	}
}

// Tree returns the CPU tree of segment i.
func (t *SoftwareTracer) Tree(i int) *bvh.Tree {
	return &t.trees[i]
}

// Update implements Tracer.
func (t *SoftwareTracer) Update(rec rhi.Recorder, m *mesh.Mesh, gpu *mesh.GPUBuffers) (Stats, error) {
	var stats Stats
	t.mesh = m
	// Triangle tests read the mesh buffers directly.
	if vb, ib := gpu.Buffer(mesh.KindVertices), gpu.Buffer(mesh.KindIndices); vb != t.vertices || ib != t.indices {
		t.vertices, t.indices = vb, ib
		t.generation++
	}
	stats.Repartitioned = t.part.sync(m)
	m.ClearGeometryChanges()

	if stats.Repartitioned {
		t.trees = make([]bvh.Tree, len(t.part.segments))
		t.pendingWrite = t.pendingWrite[:0]
		triangles := t.part.perBLAS / 3
		t.itemSlot = triangles
		t.nodeSlot = max(2*triangles-1, 1)
		if err := t.ensureSegmentBuffers(); err != nil {
			return stats, err
		}
	}

	for i := range t.part.segments {
		seg := &t.part.segments[i]
		if !seg.NeedsUpdate {
			continue
		}
		t.trees[i] = t.buildSegment(m, seg)
		seg.NeedsUpdate = false
		seg.Address = uint64(i * t.nodeSlot)
		t.queueWrite(i)
		stats.Rebuilt++
	}
	stats.Deferred = t.flushWrites(rec)

	if err := t.buildTop(rec, m); err != nil {
		return stats, err
	}
	stats.Instances = len(t.topItems)
	rec.Barrier(rhi.BarrierUploadToShader)

	if stats.Rebuilt > 0 {
		t.log.Debug("rebuilt segment BVHs",
			zap.Int("rebuilt", stats.Rebuilt),
			zap.Int("deferred", stats.Deferred),
			zap.Int("segments", len(t.part.segments)),
			zap.Bool("repartitioned", stats.Repartitioned))
	}
	return stats, nil
}

func (t *SoftwareTracer) buildSegment(m *mesh.Mesh, seg *Segment) bvh.Tree {
	first := seg.Indices.Start / 3
	n := seg.Indices.Len() / 3
	boxes := make([]bvh.AABB, 0, n)
	local := make([]int32, 0, n)
	for i := 0; i < n; i++ {
		if !m.TriangleLive(first + i) {
			continue
		}
		boxes = append(boxes, m.TriangleBounds(first+i))
		local = append(local, int32(i))
	}
	tree := bvh.Build(boxes, t.maxLeaf)
	for i, it := range tree.Items {
		tree.Items[i] = local[it]
	}
	return tree
}

func (t *SoftwareTracer) queueWrite(i int) {
	for _, p := range t.pendingWrite {
		if p == i {
			return
		}
	}
	t.pendingWrite = append(t.pendingWrite, i)
}

// flushWrites uploads pending segment trees until the staging budget runs
// out and returns how many stay pending.
func (t *SoftwareTracer) flushWrites(rec rhi.Recorder) int {
	kept := t.pendingWrite[:0]
	for _, i := range t.pendingWrite {
		if !t.writeSegment(rec, i) {
			kept = append(kept, i)
		}
	}
	t.pendingWrite = kept
	return len(kept)
}

func (t *SoftwareTracer) writeSegment(rec rhi.Recorder, i int) bool {
	tree := &t.trees[i]
	nodes := len(tree.Nodes) * bvh.NodeStride
	items := len(tree.Items) * 4
	if uint64(nodes+items) > t.staging.Remaining() {
		return false
	}
	if cap(t.scratch) < nodes+items {
		t.scratch = make([]byte, nodes+items)
	}
	data := t.scratch[:nodes+items]

	firstTri := uint32(t.part.segments[i].Indices.Start / 3)
	tree.Encode(data[:nodes], int32(i*t.nodeSlot), int32(i*t.itemSlot))
	tree.EncodeItems(data[nodes:], func(it int32) uint32 { return firstTri + uint32(it) })

	t.staging.Upload(rec, t.segNodesBuf, uint64(i*t.nodeSlot*bvh.NodeStride), data[:nodes])
	if items > 0 {
		t.staging.Upload(rec, t.segItemsBuf, uint64(i*t.itemSlot*4), data[nodes:])
	}
	return true
}

func (t *SoftwareTracer) ensureSegmentBuffers() error {
	segs := len(t.part.segments)
	usage := rhi.BufferUsageStorage | rhi.BufferUsageCopyDst

	nodes, r1, err := ensureBuffer(t.dev, t.release, t.segNodesBuf, "BVH Segment Nodes", uint64(segs*t.nodeSlot*bvh.NodeStride), usage)
	if err != nil {
		return err
	}
	items, r2, err := ensureBuffer(t.dev, t.release, t.segItemsBuf, "BVH Segment Items", uint64(segs*t.itemSlot*4), usage)
	if err != nil {
		return err
	}
	params, r3, err := ensureBuffer(t.dev, t.release, t.params, "BVH Params", ParamsSize, rhi.BufferUsageUniform|rhi.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	t.segNodesBuf, t.segItemsBuf, t.params = nodes, items, params
	if r1 || r2 || r3 {
		t.generation++
	}
	return nil
}

func (t *SoftwareTracer) buildTop(rec rhi.Recorder, m *mesh.Mesh) error {
	lights := liveLights(m)
	boxes := make([]bvh.AABB, 0, len(t.trees)+len(lights))
	t.topItems = t.topItems[:0]
	for i := range t.trees {
		b := t.trees[i].Bounds()
		if b.Empty() {
			continue
		}
		boxes = append(boxes, b)
		t.topItems = append(t.topItems, uint32(i))
	}
	for _, id := range lights {
		lo, hi := m.Lights[id].Bounds()
		boxes = append(boxes, bvh.NewAABB(lo, hi))
		t.topItems = append(t.topItems, LightItemBit|uint32(id))
	}
	t.top = bvh.Build(boxes, t.maxLeaf)

	usage := rhi.BufferUsageStorage | rhi.BufferUsageCopyDst
	nodes, r1, err := ensureBuffer(t.dev, t.release, t.topNodesBuf, "BVH Top Nodes", uint64(len(t.top.Nodes)*bvh.NodeStride), usage)
	if err != nil {
		return err
	}
	items, r2, err := ensureBuffer(t.dev, t.release, t.topItemsBuf, "BVH Top Items", uint64(len(t.top.Items)*4), usage)
	if err != nil {
		return err
	}
	t.topNodesBuf, t.topItemsBuf = nodes, items
	if r1 || r2 {
		t.generation++
	}

	nodeData := make([]byte, len(t.top.Nodes)*bvh.NodeStride)
	t.top.Encode(nodeData, 0, 0)
	rec.WriteBuffer(t.topNodesBuf, 0, nodeData)
	if len(t.top.Items) > 0 {
		itemData := make([]byte, len(t.top.Items)*4)
		t.top.EncodeItems(itemData, func(it int32) uint32 { return t.topItems[it] })
		rec.WriteBuffer(t.topItemsBuf, 0, itemData)
	}

	params := make([]byte, ParamsSize)
	binary.LittleEndian.PutUint32(params[0:], uint32(t.nodeSlot))
	binary.LittleEndian.PutUint32(params[4:], uint32(t.itemSlot))
	binary.LittleEndian.PutUint32(params[8:], uint32(len(t.part.segments)))
	binary.LittleEndian.PutUint32(params[12:], uint32(len(t.top.Nodes)))
	rec.WriteBuffer(t.params, 0, params)
	return nil
}

// Trace walks the CPU trees the same way the trace shader walks their GPU
// copy and returns the closest triangle or light sphere hit.
func (t *SoftwareTracer) Trace(r bvh.Ray, tMax float32) (Hit, bool) {
	if t.mesh == nil {
		return Hit{Triangle: -1, Light: -1}, false
	}
	m := t.mesh
	best := Hit{Triangle: -1, Light: -1, T: tMax}
	found := false

	t.top.Traverse(r, tMax, func(item int32) (float32, bool) {
		tag := t.topItems[item]
		if tag&LightItemBit != 0 {
			id := mesh.LightID(tag &^ LightItemBit)
			l := m.Lights[id]
			d, ok := r.IntersectSphere(l.Origin, l.Radius)
			if ok && d < best.T {
				best = Hit{Triangle: -1, Light: id, T: d}
				found = true
			}
			return d, ok
		}
		seg := int(tag)
		firstTri := t.part.segments[seg].Indices.Start / 3
		h, ok := t.trees[seg].Traverse(r, best.T, func(tri int32) (float32, bool) {
			tr := firstTri + int(tri)
			if !m.TriangleLive(tr) {
				return 0, false
			}
			a, b, c := m.Triangle(tr)
			return r.IntersectTriangle(a, b, c)
		})
		if ok && h.T < best.T {
			best = Hit{Triangle: firstTri + int(h.Item), Light: -1, T: h.T}
			found = true
		}
		return h.T, ok
	})
	return best, found
}

// Destroy implements Tracer.
func (t *SoftwareTracer) Destroy() {
	for _, b := range []rhi.Buffer{t.params, t.topNodesBuf, t.topItemsBuf, t.segNodesBuf, t.segItemsBuf} {
		t.release.Defer(b)
	}
	t.params, t.topNodesBuf, t.topItemsBuf, t.segNodesBuf, t.segItemsBuf = nil, nil, nil, nil, nil
	t.vertices, t.indices = nil, nil
	t.part = partitioner{want: t.part.want}
	t.trees = nil
	t.mesh = nil
}

func (t *SoftwareTracer) String() string {
	return fmt.Sprintf("SoftwareTracer(%d segments, slot %d nodes)", len(t.part.segments), t.nodeSlot)
}

var _ Tracer = (*SoftwareTracer)(nil)
