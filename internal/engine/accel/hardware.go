package accel

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
)

// InstanceStride is the byte size of a TLAS instance record:
//
//	transform : 3x4 f32 row-major      (48)
//	custom index : 24 bits, mask : 8   (4)
//	sbt offset : 24 bits, flags : 8    (4)
//	blas address : u64                 (8)
const InstanceStride = 64

// State is the lifecycle state of the hardware tracer.
type State int

const (
	StateUninitialized State = iota
	StateBuilt
	StateDirty
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBuilt:
		return "built"
	case StateDirty:
		return "dirty"
	case StateRebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var identityTransform = [12]float32{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
}

// HardwareTracer keeps one BLAS per segment plus a shared unit sphere
// proxy BLAS for lights, instanced under a TLAS rebuilt every frame.
type HardwareTracer struct {
	dev     rhi.Device
	release *rhi.ReleaseQueue
	log     *zap.Logger

	part  partitioner
	state State
	blas  []rhi.AccelStruct

	sphereAABB rhi.Buffer
	sphere     rhi.AccelStruct

	tlas       rhi.AccelStruct
	tlasCap    int
	instances  rhi.Buffer
	scratch    []byte
	vertices   rhi.Buffer
	indices    rhi.Buffer
	generation int
}

// NewHardwareTracer creates a tracer for a device with ray query.
func NewHardwareTracer(dev rhi.Device, release *rhi.ReleaseQueue, opts Options, log *zap.Logger) *HardwareTracer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Segments <= 0 {
		opts.Segments = DefaultSegments
	}
	return &HardwareTracer{
		dev:     dev,
		release: release,
		log:     log,
		part:    partitioner{want: opts.Segments},
	}
}

// State returns the current lifecycle state.
func (t *HardwareTracer) State() State {
	return t.state
}

// Segments implements Tracer.
func (t *HardwareTracer) Segments() []Segment {
	return t.part.segments
}

// ShaderVariant implements Tracer.
func (t *HardwareTracer) ShaderVariant() string {
	return VariantRayQuery
}

// Generation implements Tracer.
func (t *HardwareTracer) Generation() int {
	return t.generation
}

// Bindings implements Tracer.
func (t *HardwareTracer) Bindings() []Binding {
	return []Binding{{Name: "scene_tlas", Accel: t.tlas}}
}

// Update implements Tracer.
func (t *HardwareTracer) Update(rec rhi.Recorder, m *mesh.Mesh, gpu *mesh.GPUBuffers) (Stats, error) {
	var stats Stats
	stats.Repartitioned = t.part.sync(m)
	m.ClearGeometryChanges()

	if stats.Repartitioned {
		for _, as := range t.blas {
			t.release.Defer(as)
		}
		t.blas = make([]rhi.AccelStruct, len(t.part.segments))
	}
	// BLAS descriptors reference the mesh buffers themselves.
	vb, ib := gpu.Buffer(mesh.KindVertices), gpu.Buffer(mesh.KindIndices)
	if vb != t.vertices || ib != t.indices {
		t.part.markAll()
		t.vertices, t.indices = vb, ib
	}
	if t.part.dirtyCount() > 0 && t.state == StateBuilt {
		t.state = StateDirty
	}

	rec.Barrier(rhi.BarrierUploadToBuild)

	if t.sphere == nil {
		if err := t.createSphere(rec); err != nil {
			return stats, err
		}
	}

	if t.state != StateBuilt {
		t.state = StateRebuilding
	}
	for i := range t.part.segments {
		seg := &t.part.segments[i]
		if !seg.NeedsUpdate {
			continue
		}
		as, err := t.dev.CreateBLAS(rhi.BLASDesc{
			Label:        fmt.Sprintf("Mesh BLAS %d", i),
			Vertices:     gpu.Buffer(mesh.KindVertices),
			VertexStride: mesh.VertexStride,
			VertexCount:  len(m.Vertices),
			Indices:      gpu.Buffer(mesh.KindIndices),
			FirstIndex:   seg.Indices.Start,
			IndexCount:   seg.Indices.Len(),
		})
		if err != nil {
			return stats, fmt.Errorf("creating BLAS for segment %d: %w", i, err)
		}
		t.release.Defer(t.blas[i])
		t.blas[i] = as
		rec.BuildBLAS(as)
		seg.Address = as.DeviceAddress()
		seg.NeedsUpdate = false
		stats.Rebuilt++
	}
	rec.Barrier(rhi.BarrierBuildToBuild)

	lights := liveLights(m)
	count := len(t.part.segments) + len(lights)
	if err := t.writeInstances(rec, m, lights); err != nil {
		return stats, err
	}
	if err := t.ensureTLAS(count); err != nil {
		return stats, err
	}
	rec.BuildTLAS(t.tlas, t.instances, count)
	rec.Barrier(rhi.BarrierBuildToShader)
	t.state = StateBuilt
	stats.Instances = count

	if stats.Rebuilt > 0 {
		t.log.Debug("rebuilt BLAS segments",
			zap.Int("rebuilt", stats.Rebuilt),
			zap.Int("segments", len(t.part.segments)),
			zap.Bool("repartitioned", stats.Repartitioned))
	}
	return stats, nil
}

func (t *HardwareTracer) createSphere(rec rhi.Recorder) error {
	buf, err := t.dev.CreateBuffer(rhi.BufferDesc{
		Label: "Light Sphere AABB",
		Size:  24,
		Usage: rhi.BufferUsageAccelInput | rhi.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("creating light proxy AABB: %w", err)
	}
	data := make([]byte, 24)
	for i, v := range []float32{-1, -1, -1, 1, 1, 1} {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	rec.WriteBuffer(buf, 0, data)

	as, err := t.dev.CreateBLAS(rhi.BLASDesc{Label: "Light Sphere BLAS", AABBs: buf, AABBCount: 1})
	if err != nil {
		t.dev.Destroy(buf)
		return fmt.Errorf("creating light proxy BLAS: %w", err)
	}
	rec.BuildBLAS(as)
	t.sphereAABB, t.sphere = buf, as
	return nil
}

func (t *HardwareTracer) writeInstances(rec rhi.Recorder, m *mesh.Mesh, lights []mesh.LightID) error {
	count := len(t.part.segments) + len(lights)
	buf, replaced, err := ensureBuffer(t.dev, t.release, t.instances, "TLAS Instances",
		uint64(count*InstanceStride), rhi.BufferUsageAccelInput|rhi.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	t.instances = buf
	if replaced {
		t.generation++
	}

	size := count * InstanceStride
	if cap(t.scratch) < size {
		t.scratch = make([]byte, size)
	}
	data := t.scratch[:size]
	// Geometry instances carry their first triangle so a hit's primitive
	// index maps back onto the surface-index list.
	for i, seg := range t.part.segments {
		putInstance(data[i*InstanceStride:], identityTransform, uint32(seg.Indices.Start/3), MaskGeometry, seg.Address)
	}
	base := len(t.part.segments)
	for i, id := range lights {
		putInstance(data[(base+i)*InstanceStride:], m.Lights[id].ProxyTransform(), uint32(id), MaskLight, t.sphere.DeviceAddress())
	}
	if size > 0 {
		rec.WriteBuffer(t.instances, 0, data)
	}
	return nil
}

func (t *HardwareTracer) ensureTLAS(count int) error {
	if t.tlas != nil && count <= t.tlasCap {
		return nil
	}
	capacity := max(count+count/2, 16)
	as, err := t.dev.CreateTLAS(rhi.TLASDesc{Label: "Scene TLAS", MaxInstances: capacity})
	if err != nil {
		return fmt.Errorf("creating TLAS for %d instances: %w", capacity, err)
	}
	t.release.Defer(t.tlas)
	t.tlas, t.tlasCap = as, capacity
	t.generation++
	return nil
}

func putInstance(buf []byte, transform [12]float32, custom, mask uint32, address uint64) {
	for i, v := range transform {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(buf[48:], custom&0xFFFFFF|mask<<24)
	binary.LittleEndian.PutUint32(buf[52:], 0)
	binary.LittleEndian.PutUint64(buf[56:], address)
}

// Destroy implements Tracer.
func (t *HardwareTracer) Destroy() {
	for _, as := range t.blas {
		t.release.Defer(as)
	}
	t.blas = nil
	t.release.Defer(t.sphere)
	t.release.Defer(t.sphereAABB)
	t.release.Defer(t.tlas)
	t.release.Defer(t.instances)
	t.sphere, t.sphereAABB, t.tlas, t.instances = nil, nil, nil, nil
	t.vertices, t.indices = nil, nil
	t.part = partitioner{want: t.part.want}
	t.state = StateUninitialized
}

var _ Tracer = (*HardwareTracer)(nil)
