// Package levelmesh drives one frame of the level mesh backend: mesh
// uploads, acceleration structure updates, lightmap baking and resource
// reclamation, recorded into a single submission.
package levelmesh

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/engine/accel"
	"github.com/Faultbox/midgard-bake/internal/engine/lightmap"
	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
	"github.com/Faultbox/midgard-bake/internal/engine/shader"
	"github.com/Faultbox/midgard-bake/internal/engine/tasks"
)

// Options configures a System.
type Options struct {
	// StagingSize bounds the bytes uploaded per frame.
	StagingSize uint64

	Mesh  mesh.Capacity
	Accel accel.Options
	Atlas lightmap.AtlasConfig
	Baker lightmap.Config
}

// DefaultOptions returns the settings used by the bake tool.
func DefaultOptions() Options {
	return Options{
		StagingSize: 8 << 20,
		Mesh:        mesh.DefaultCapacity(),
		Accel:       accel.Options{Segments: accel.DefaultSegments},
		Atlas:       lightmap.DefaultAtlasConfig(),
		Baker:       lightmap.DefaultConfig(),
	}
}

// FrameStats summarizes one frame.
type FrameStats struct {
	Frame    int
	Fence    rhi.Fence
	Placed   int
	Upload   mesh.UploadStats
	Accel    accel.Stats
	Bake     lightmap.Result
	Released int
	Elapsed  time.Duration
	Waiting  bool // tracing and baking held back for pending uploads
}

// System owns the mesh, its GPU mirror, the tracer and the lightmap
// atlas and baker of one level.
type System struct {
	dev rhi.Device
	log *zap.Logger

	release *rhi.ReleaseQueue
	staging *rhi.StagingBuffer

	mesh   *mesh.Mesh
	gpu    *mesh.GPUBuffers
	tracer accel.Tracer
	atlas  *lightmap.Atlas
	baker  *lightmap.Baker

	frame    int
	deferred int
}

// New creates the backend for an empty level on dev. The bake programs
// are compiled through cache.
func New(dev rhi.Device, cache *shader.Cache, opts Options, log *zap.Logger) (*System, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.StagingSize == 0 {
		opts.StagingSize = DefaultOptions().StagingSize
	}

	s := &System{
		dev:     dev,
		log:     log,
		release: rhi.NewReleaseQueue(dev, log.Named("release")),
	}

	var err error
	s.staging, err = rhi.NewStagingBuffer(dev, opts.StagingSize)
	if err != nil {
		return nil, fmt.Errorf("creating staging buffer: %w", err)
	}
	s.mesh = mesh.New(opts.Mesh, log.Named("mesh"))
	s.gpu = mesh.NewGPUBuffers(dev, s.release, s.staging, log.Named("mesh"))
	s.tracer = accel.New(dev, s.release, s.staging, opts.Accel, log.Named("accel"))

	s.atlas, err = lightmap.NewAtlas(dev, s.mesh, opts.Atlas, log.Named("lightmap"))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.baker, err = lightmap.NewBaker(dev, s.release, s.mesh, s.gpu, s.tracer, s.atlas, cache, opts.Baker, log.Named("lightmap"))
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Mesh returns the level mesh. Edits take effect on the next frame.
func (s *System) Mesh() *mesh.Mesh { return s.mesh }

// Atlas returns the lightmap tile atlas.
func (s *System) Atlas() *lightmap.Atlas { return s.atlas }

// Baker returns the light baker.
func (s *System) Baker() *lightmap.Baker { return s.baker }

// Tracer returns the acceleration structure manager.
func (s *System) Tracer() accel.Tracer { return s.tracer }

// Buffer returns the device buffer of kind k for downstream renderers.
// It may change after any frame.
func (s *System) Buffer(k mesh.Kind) rhi.Buffer { return s.gpu.Buffer(k) }

// Bindings returns the tracer resources a trace shader binds.
func (s *System) Bindings() []accel.Binding { return s.tracer.Bindings() }

// AtlasTexture returns the baked lightmap texture array.
func (s *System) AtlasTexture() rhi.Texture { return s.atlas.Texture() }

// Frame records and submits one frame that bakes from dirty. A failing
// stage still submits what was recorded so fences keep advancing.
func (s *System) Frame(dirty []*lightmap.Tile) (FrameStats, error) {
	start := time.Now()
	stats := FrameStats{Frame: s.frame}
	s.frame++

	s.staging.Reset()
	rec := s.dev.Begin()

	err := s.record(rec, dirty, &stats)
	s.deferred = stats.Upload.Deferred + stats.Accel.Deferred
	stats.Fence = s.dev.Submit(rec)
	stats.Released = s.release.Collect()
	stats.Elapsed = time.Since(start)
	if err != nil {
		return stats, fmt.Errorf("frame %d: %w", stats.Frame, err)
	}

	s.log.Debug("frame",
		zap.Int("frame", stats.Frame),
		zap.Uint64("fence", uint64(stats.Fence)),
		zap.Uint64("upload_bytes", stats.Upload.Bytes),
		zap.Int("blas_rebuilt", stats.Accel.Rebuilt),
		zap.Int("tiles", stats.Bake.Rendered),
		zap.Int("released", stats.Released),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

func (s *System) record(rec rhi.Recorder, dirty []*lightmap.Tile, stats *FrameStats) error {
	var err error
	stats.Upload, err = s.gpu.Upload(rec, s.mesh)
	if err != nil {
		return fmt.Errorf("uploading mesh: %w", err)
	}
	if stats.Upload.Ranges > 0 {
		rec.Barrier(rhi.BarrierUploadToShader)
	}
	// Geometry changes and tile flags stay queued until the mesh buffers
	// are complete on the device.
	if stats.Upload.Deferred > 0 {
		stats.Waiting = true
		return nil
	}

	stats.Accel, err = s.tracer.Update(rec, s.mesh, s.gpu)
	if err != nil {
		return fmt.Errorf("updating tracer: %w", err)
	}
	if stats.Accel.Deferred > 0 {
		stats.Waiting = true
		return nil
	}

	stats.Bake, err = s.baker.UpdateLightmaps(rec, dirty)
	if err != nil {
		return fmt.Errorf("baking lightmaps: %w", err)
	}
	return nil
}

// Step re-places tiles whose geometry changed and bakes whatever is dirty.
func (s *System) Step() (FrameStats, error) {
	placed := s.atlas.Refresh()
	stats, err := s.Frame(s.atlas.DirtyTiles())
	stats.Placed = placed
	return stats, err
}

// Idle reports whether the last frame left no work behind.
func (s *System) Idle() bool {
	return s.deferred == 0 && s.atlas.Stats().Dirty == 0 && len(s.mesh.GeometryChanges()) == 0
}

// Close releases every device resource of the system.
func (s *System) Close() {
	if s.baker != nil {
		s.baker.Destroy()
	}
	if s.atlas != nil {
		s.atlas.Destroy(s.release)
	}
	if s.tracer != nil {
		s.tracer.Destroy()
	}
	if s.gpu != nil {
		s.gpu.Destroy()
	}
	if s.staging != nil {
		s.release.Defer(s.staging.Buffer())
	}
	s.release.Flush()
	s.log.Info("level mesh closed", zap.Int("frames", s.frame))
}

// WarmUp compiles the bake programs for variant on q so that New finds
// them in cache.
func WarmUp(q *tasks.Queue, cache *shader.Cache, variant string, filter shader.IncludeFilter) {
	for _, prog := range lightmap.Programs(variant) {
		q.Submit("compile "+prog.Label, func() (any, error) {
			p, err := cache.Compile(lightmap.ProgramStage, prog.Sources, filter)
			if err != nil {
				return nil, err
			}
			return p.ID(), nil
		}, nil)
	}
}
