package main

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/assets"
	"github.com/Faultbox/midgard-bake/internal/config"
	"github.com/Faultbox/midgard-bake/internal/engine/accel"
	"github.com/Faultbox/midgard-bake/internal/engine/levelmesh"
	"github.com/Faultbox/midgard-bake/internal/engine/lighting"
	"github.com/Faultbox/midgard-bake/internal/engine/lightmap"
	"github.com/Faultbox/midgard-bake/internal/engine/mesh"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi/headless"
	"github.com/Faultbox/midgard-bake/internal/engine/rhi/wgpudev"
	"github.com/Faultbox/midgard-bake/internal/engine/shader"
	"github.com/Faultbox/midgard-bake/internal/engine/tasks"
)

// Job is one bake run.
type Job struct {
	Scene    *Scene
	Frames   int    // upper bound, the run stops early once idle
	Manifest string // empty skips the export
}

// Summary describes a finished run.
type Summary struct {
	Frames   int
	Idle     bool
	Tiles    int
	Baked    int
	Unplaced int
	Manifest Manifest
}

func openDevice(cfg config.DeviceConfig, log *zap.Logger) (rhi.Device, error) {
	switch cfg.Backend {
	case config.BackendWGPU:
		dev, err := wgpudev.New(wgpudev.Options{}, log)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case config.BackendHeadless:
		return headless.New(headless.Options{RayQuery: cfg.RayQuery, FenceLatency: cfg.FenceLatency}, log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newShaderCache(cfg config.ShaderConfig, log *zap.Logger) (*shader.Cache, *assets.Lumps, error) {
	lumps := assets.NewLumps(shader.Private(), log.Named("assets"))
	for _, dir := range cfg.LumpDirs {
		if err := lumps.AddDir(dir); err != nil {
			lumps.Close()
			return nil, nil, err
		}
	}
	compiler, err := shader.NewCompiler(cfg.Compiler)
	if err != nil {
		lumps.Close()
		return nil, nil, err
	}
	cache := shader.NewCache(lumps, compiler, shader.Options{MaxIncludeDepth: cfg.MaxIncludeDepth}, log.Named("shader"))
	return cache, lumps, nil
}

func systemOptions(cfg *config.Config) levelmesh.Options {
	lm := cfg.Lightmap
	atlasCfg := lightmap.DefaultAtlasConfig()
	atlasCfg.PageSize = lm.PageSize
	atlasCfg.Pages = lm.Pages
	atlasCfg.Padding = lm.Padding
	atlasCfg.SampleDistance = lm.SampleDistance
	atlasCfg.MaxTileSize = lm.MaxTileSize

	return levelmesh.Options{
		StagingSize: cfg.Device.StagingSize,
		Mesh: mesh.Capacity{
			Vertices:     cfg.Mesh.Vertices,
			Indices:      cfg.Mesh.Indices,
			Uniforms:     cfg.Mesh.Uniforms,
			LightIndexes: cfg.Mesh.LightIndexes,
		},
		Accel: accel.Options{
			Segments:      cfg.Accel.Segments,
			ForceSoftware: cfg.Accel.ForceSoftware,
			MaxLeafSize:   cfg.Accel.MaxLeafSize,
		},
		Atlas: atlasCfg,
		Baker: lightmap.Config{
			ImageSize:   lm.ImageSize,
			Samples:     lm.Samples,
			Padding:     lm.BakePadding,
			MaxDraws:    lm.MaxDraws,
			RingFrames:  lm.RingFrames,
			TraceBias:   lm.TraceBias,
			SunDistance: lm.SunDistance,
		},
	}
}

func sun(cfg config.SunConfig) lighting.Sun {
	return lighting.Sun{
		Direction: lighting.SunDirection(cfg.Longitude, cfg.Latitude),
		Color:     mgl32.Vec3(cfg.Color),
		Intensity: cfg.Intensity,
	}
}

// Run bakes job on a fresh device and returns what it did.
func Run(cfg *config.Config, job Job, log *zap.Logger) (*Summary, error) {
	if log == nil {
		log = zap.NewNop()
	}

	dev, err := openDevice(cfg.Device, log.Named("device"))
	if err != nil {
		return nil, fmt.Errorf("opening device: %w", err)
	}
	defer dev.Close()

	cache, lumps, err := newShaderCache(cfg.Shader, log)
	if err != nil {
		return nil, fmt.Errorf("setting up shaders: %w", err)
	}
	defer lumps.Close()

	q := tasks.New(tasks.Options{Workers: cfg.Shader.Workers}, log.Named("tasks"))

	if cfg.Shader.WarmUp {
		levelmesh.WarmUp(q, cache, accel.Variant(dev.Features(), cfg.Accel.ForceSoftware), nil)
		q.Wait()
		for _, r := range q.Drain() {
			if r.Err != nil {
				return nil, fmt.Errorf("%s: %w", r.Name, r.Err)
			}
		}
		st := cache.Stats()
		log.Info("shaders warmed up", zap.Int("programs", st.Entries), zap.Int("compiled", st.Misses))
	}

	sys, err := levelmesh.New(dev, cache, systemOptions(cfg), log.Named("levelmesh"))
	if err != nil {
		return nil, err
	}
	defer sys.Close()
	sys.Baker().Sun = sun(cfg.Lightmap.Sun)

	loaded, err := job.Scene.Apply(sys.Mesh(), sys.Atlas())
	if err != nil {
		return nil, fmt.Errorf("loading scene: %w", err)
	}
	log.Info("scene loaded",
		zap.Int("lights", len(loaded.Lights)),
		zap.Int("surfaces", len(loaded.Surfaces)),
		zap.Int("tiles", len(loaded.Tiles)))

	summary := &Summary{}
	for summary.Frames < job.Frames {
		stats, err := sys.Step()
		summary.Frames++
		q.Drain()
		if err != nil {
			return nil, err
		}
		log.Info("frame baked",
			zap.Int("frame", stats.Frame),
			zap.Int("tiles", stats.Bake.Rendered),
			zap.Int("deferred", stats.Bake.Deferred),
			zap.Bool("waiting", stats.Waiting),
			zap.Uint64("upload_bytes", stats.Upload.Bytes),
			zap.Duration("elapsed", stats.Elapsed))
		if sys.Idle() {
			summary.Idle = true
			break
		}
	}

	summary.Manifest = buildManifest(sys.Atlas(), loaded.SurfaceNames())
	for _, t := range summary.Manifest.Tiles {
		summary.Tiles++
		if t.Baked {
			summary.Baked++
		}
		if !t.Placed {
			summary.Unplaced++
		}
	}

	if job.Manifest != "" {
		manifest, path := summary.Manifest, job.Manifest
		q.Submit("export manifest", func() (any, error) {
			return path, writeManifest(path, manifest)
		}, nil)
		q.Wait()
		for _, r := range q.Drain() {
			if r.Err != nil {
				return nil, r.Err
			}
		}
		log.Info("manifest written", zap.String("path", path))
	}
	return summary, nil
}
