// Package accel keeps the ray tracing acceleration structures of the level
// mesh in sync with incremental edits. The index arena is split into a
// fixed number of segments per mesh version; an edit only rebuilds the
// segments it touches. Devices with ray query get one BLAS per segment
// under a TLAS, the rest get CPU built BVHs walked by a shader.
package accel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
	"github.com/Faultbox/midgard-bake/pkg/arena"
)

// DefaultSegments is the segment count used when Options leaves it zero.
const DefaultSegments = 32

// Trace include names selected by ShaderVariant.
const (
	VariantRayQuery = "trace_rayquery.wgsl"
	VariantBVH      = "trace_bvh.wgsl"
)

// Instance masks written into TLAS instances and top level BVH items.
const (
	MaskGeometry uint32 = 0x01
	MaskLight    uint32 = 0x02
)

// Segment is a contiguous index range covered by one bottom level
// structure.
type Segment struct {
	Indices     arena.Range
	NeedsUpdate bool
	Address     uint64
}

// Binding is one resource the trace shader include expects, in binding
// order.
type Binding struct {
	Name   string
	Buffer rhi.Buffer
	Accel  rhi.AccelStruct
}

// Stats summarizes one Update call.
type Stats struct {
	Repartitioned bool
	Rebuilt       int
	Deferred      int
	Instances     int
}

// Tracer is the acceleration structure manager. Update must be called
// after the mesh upload of the frame was recorded.
type Tracer interface {
	Update(rec rhi.Recorder, m *mesh.Mesh, gpu *mesh.GPUBuffers) (Stats, error)
	Segments() []Segment
	Bindings() []Binding
	ShaderVariant() string
	// Generation changes whenever Bindings returns different resources.
	Generation() int
	Destroy()
}

// Options configures New.
type Options struct {
	Segments      int
	ForceSoftware bool
	MaxLeafSize   int
}

// New picks the tracer variant once from the device features.
func New(dev rhi.Device, release *rhi.ReleaseQueue, staging *rhi.StagingBuffer, opts Options, log *zap.Logger) Tracer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Segments <= 0 {
		opts.Segments = DefaultSegments
	}
	if Variant(dev.Features(), opts.ForceSoftware) == VariantRayQuery {
		log.Info("using hardware ray query tracer", zap.Int("segments", opts.Segments))
		return NewHardwareTracer(dev, release, opts, log)
	}
	log.Info("using software BVH tracer", zap.Int("segments", opts.Segments))
	return NewSoftwareTracer(dev, release, staging, opts, log)
}

// Variant returns the trace include New would pick for a device with
// features f.
func Variant(f rhi.Features, forceSoftware bool) string {
	if f.RayQuery && !forceSoftware {
		return VariantRayQuery
	}
	return VariantBVH
}

// partitioner splits the index arena into segments and tracks which of
// them the latest geometry changes touched.
type partitioner struct {
	want     int
	version  int
	perBLAS  int
	segments []Segment
}

// sync re-partitions on a new mesh version and flags the segments that
// intersect the mesh's geometry changes. It reports whether it
// re-partitioned.
func (p *partitioner) sync(m *mesh.Mesh) bool {
	repartitioned := false
	if p.segments == nil || p.version != m.Version() {
		p.partition(m.IndexCount())
		p.version = m.Version()
		repartitioned = true
	}
	for _, r := range m.GeometryChanges() {
		p.mark(r)
	}
	return repartitioned
}

func (p *partitioner) partition(indexCount int) {
	triangles := indexCount / 3
	perTri := max((triangles+p.want-1)/p.want, 1)
	p.perBLAS = perTri * 3

	p.segments = p.segments[:0]
	for start := 0; start < indexCount; start += p.perBLAS {
		p.segments = append(p.segments, Segment{
			Indices:     arena.Range{Start: start, End: min(start+p.perBLAS, indexCount)},
			NeedsUpdate: true,
		})
	}
	if p.segments == nil {
		p.segments = []Segment{}
	}
}

func (p *partitioner) mark(r arena.Range) {
	if r.Empty() || len(p.segments) == 0 {
		return
	}
	first := r.Start / p.perBLAS
	last := min((r.End-1)/p.perBLAS, len(p.segments)-1)
	for i := first; i <= last; i++ {
		p.segments[i].NeedsUpdate = true
	}
}

func (p *partitioner) markAll() {
	for i := range p.segments {
		p.segments[i].NeedsUpdate = true
	}
}

func (p *partitioner) dirtyCount() int {
	n := 0
	for _, s := range p.segments {
		if s.NeedsUpdate {
			n++
		}
	}
	return n
}

func liveLights(m *mesh.Mesh) []mesh.LightID {
	out := make([]mesh.LightID, 0, m.ActiveLights())
	for i := range m.Lights {
		if m.LightLive(mesh.LightID(i)) {
			out = append(out, mesh.LightID(i))
		}
	}
	return out
}

func ensureBuffer(dev rhi.Device, release *rhi.ReleaseQueue, buf rhi.Buffer, label string, size uint64, usage rhi.BufferUsage) (rhi.Buffer, bool, error) {
	size = max(size, 16)
	if buf != nil && buf.Size() >= size {
		return buf, false, nil
	}
	nb, err := dev.CreateBuffer(rhi.BufferDesc{Label: label, Size: size + size/2, Usage: usage})
	if err != nil {
		return nil, false, fmt.Errorf("creating %s: %w", label, err)
	}
	release.Defer(buf)
	return nb, true, nil
}
