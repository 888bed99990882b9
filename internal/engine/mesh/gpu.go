package mesh

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/lighting"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
	"github.com/Faultbox/midgard-bake/pkg/arena"
)

// Kind identifies one of the mesh GPU buffers.
type Kind int

const (
	KindVertices Kind = iota
	KindIndices
	KindSurfaces
	KindSurfaceIndexes
	KindUniforms
	KindLights
	KindLightIndexes
	KindPortals
	kindCount
)

type kindInfo struct {
	label  string
	stride int
	usage  rhi.BufferUsage
	count  func(m *Mesh) int
	dirty  func(m *Mesh) *arena.DirtyRanges
	encode encoder
}

const storage = rhi.BufferUsageStorage | rhi.BufferUsageCopyDst

var kinds = [kindCount]kindInfo{
	KindVertices: {
		label:  "Mesh Vertices",
		stride: VertexStride,
		usage:  storage | rhi.BufferUsageVertex | rhi.BufferUsageAccelInput,
		count:  func(m *Mesh) int { return len(m.Vertices) },
		dirty:  func(m *Mesh) *arena.DirtyRanges { return &m.Dirty.Vertices },
		encode: encodeVertices,
	},
	KindIndices: {
		label:  "Mesh Indices",
		stride: IndexStride,
		usage:  storage | rhi.BufferUsageIndex | rhi.BufferUsageAccelInput,
		count:  func(m *Mesh) int { return len(m.Indices) },
		dirty:  func(m *Mesh) *arena.DirtyRanges { return &m.Dirty.Indices },
		encode: encodeIndices,
	},
	KindSurfaces: {
		label:  "Mesh Surfaces",
		stride: SurfaceStride,
		usage:  storage,
		count:  func(m *Mesh) int { return len(m.Surfaces) },
		dirty:  func(m *Mesh) *arena.DirtyRanges { return &m.Dirty.Surfaces },
		encode: encodeSurfaces,
	},
	KindSurfaceIndexes: {
		label:  "Mesh Surface Indexes",
		stride: IndexStride,
		usage:  storage,
		count:  func(m *Mesh) int { return len(m.SurfaceIndexes) },
		dirty:  func(m *Mesh) *arena.DirtyRanges { return &m.Dirty.SurfaceIndexes },
		encode: encodeSurfaceIndexes,
	},
	KindUniforms: {
		label:  "Mesh Uniforms",
		stride: UniformStride,
		usage:  storage,
		count:  func(m *Mesh) int { return len(m.Uniforms) },
		dirty:  func(m *Mesh) *arena.DirtyRanges { return &m.Dirty.Uniforms },
		encode: encodeUniforms,
	},
	KindLights: {
		label:  "Mesh Lights",
		stride: lighting.LightStride,
		usage:  storage,
		count:  func(m *Mesh) int { return len(m.Lights) },
		dirty:  func(m *Mesh) *arena.DirtyRanges { return &m.Dirty.Lights },
		encode: encodeLights,
	},
	KindLightIndexes: {
		label:  "Mesh Light Indexes",
		stride: IndexStride,
		usage:  storage,
		count:  func(m *Mesh) int { return len(m.LightIndexes) },
		dirty:  func(m *Mesh) *arena.DirtyRanges { return &m.Dirty.LightIndexes },
		encode: encodeLightIndexes,
	},
	KindPortals: {
		label:  "Mesh Portals",
		stride: PortalStride,
		usage:  storage,
		count:  func(m *Mesh) int { return len(m.Portals) },
		dirty:  func(m *Mesh) *arena.DirtyRanges { return &m.Dirty.Portals },
		encode: encodePortals,
	},
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].label
}

// UploadStats summarizes one Upload call.
type UploadStats struct {
	Bytes       uint64
	Ranges      int
	Deferred    int // ranges left dirty for a later frame
	Reallocated int
}

// GPUBuffers mirrors a Mesh on the device.
type GPUBuffers struct {
	dev     rhi.Device
	release *rhi.ReleaseQueue
	staging *rhi.StagingBuffer
	log     *zap.Logger

	buffers    [kindCount]rhi.Buffer
	generation int
	scratch    []byte
}

// NewGPUBuffers creates the GPU mirror. Buffers are created by the first
// Upload.
func NewGPUBuffers(dev rhi.Device, release *rhi.ReleaseQueue, staging *rhi.StagingBuffer, log *zap.Logger) *GPUBuffers {
	if log == nil {
		log = zap.NewNop()
	}
	return &GPUBuffers{dev: dev, release: release, staging: staging, log: log}
}

// Buffer returns the current buffer of kind k.
func (g *GPUBuffers) Buffer(k Kind) rhi.Buffer {
	return g.buffers[k]
}

// Generation changes whenever a buffer was replaced. Bind groups built
// against an older generation must be recreated.
func (g *GPUBuffers) Generation() int {
	return g.generation
}

// Upload grows buffers the arena outgrew and copies dirty ranges through
// the staging buffer. Ranges beyond this frame's staging budget stay dirty.
func (g *GPUBuffers) Upload(rec rhi.Recorder, m *Mesh) (UploadStats, error) {
	var stats UploadStats
	for k := Kind(0); k < kindCount; k++ {
		if err := g.ensure(k, m, &stats); err != nil {
			return stats, err
		}
		g.uploadKind(rec, k, m, &stats)
	}
	if stats.Deferred > 0 {
		g.log.Debug("staging budget exhausted",
			zap.Int("deferred", stats.Deferred),
			zap.Uint64("bytes", stats.Bytes))
	}
	return stats, nil
}

func (g *GPUBuffers) ensure(k Kind, m *Mesh, stats *UploadStats) error {
	info := &kinds[k]
	count := info.count(m)
	need := uint64(max(count, 1) * info.stride)
	if old := g.buffers[k]; old != nil && old.Size() >= need {
		return nil
	}

	size := need + need/2
	buf, err := g.dev.CreateBuffer(rhi.BufferDesc{
		Label: info.label,
		Size:  size,
		Usage: info.usage,
	})
	if err != nil {
		return fmt.Errorf("growing %s to %d bytes: %w", info.label, size, err)
	}
	g.release.Defer(g.buffers[k])
	g.buffers[k] = buf
	g.generation++
	stats.Reallocated++

	dirty := info.dirty(m)
	dirty.Clear()
	dirty.Add(0, count)

	g.log.Debug("mesh buffer reallocated",
		zap.Stringer("kind", k),
		zap.Uint64("size", size),
		zap.Int("elements", count))
	return nil
}

func (g *GPUBuffers) uploadKind(rec rhi.Recorder, k Kind, m *Mesh, stats *UploadStats) {
	info := &kinds[k]
	dirty := info.dirty(m)
	if dirty.Empty() {
		return
	}
	count := info.count(m)
	ranges := dirty.Snapshot()
	dirty.Clear()

	stride := info.stride
	for _, r := range ranges {
		r.End = min(r.End, count)
		if r.Empty() {
			continue
		}
		fit := int(g.staging.Remaining()) / stride
		if fit == 0 {
			dirty.AddRange(r)
			stats.Deferred++
			continue
		}
		n := min(r.Len(), fit)
		size := n * stride
		if cap(g.scratch) < size {
			g.scratch = make([]byte, size)
		}
		data := g.scratch[:size]
		info.encode(m, data, r.Start, n)
		if !g.staging.Upload(rec, g.buffers[k], uint64(r.Start*stride), data) {
			panic(fmt.Sprintf("mesh: staging rejected %d bytes with %d remaining", size, g.staging.Remaining()))
		}
		stats.Bytes += uint64(size)
		stats.Ranges++
		if n < r.Len() {
			dirty.Add(r.Start+n, r.Len()-n)
			stats.Deferred++
		}
	}
}

// Destroy releases every buffer through the release queue.
func (g *GPUBuffers) Destroy() {
	for k := range g.buffers {
		g.release.Defer(g.buffers[k])
		g.buffers[k] = nil
	}
}
