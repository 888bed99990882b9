// Package config handles bake tool configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"slices"
)

// Backends accepted by DeviceConfig.Backend.
const (
	BackendHeadless = "headless"
	BackendWGPU     = "wgpu"
)

// Shader compilers accepted by ShaderConfig.Compiler.
const (
	CompilerNaga        = "naga"
	CompilerPassthrough = "passthrough"
)

// Config holds all bake settings.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Mesh     MeshConfig     `yaml:"mesh"`
	Accel    AccelConfig    `yaml:"accel"`
	Lightmap LightmapConfig `yaml:"lightmap"`
	Shader   ShaderConfig   `yaml:"shader"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig selects and tunes the GPU device.
type DeviceConfig struct {
	Backend      string `yaml:"backend"`
	RayQuery     bool   `yaml:"ray_query"`     // headless only
	FenceLatency int    `yaml:"fence_latency"` // headless only
	StagingSize  uint64 `yaml:"staging_size"`  // bytes uploaded per frame
}

// MeshConfig holds the initial arena sizes in elements.
type MeshConfig struct {
	Vertices     int `yaml:"vertices"`
	Indices      int `yaml:"indices"`
	Uniforms     int `yaml:"uniforms"`
	LightIndexes int `yaml:"light_indexes"`
}

// AccelConfig tunes the acceleration structures.
type AccelConfig struct {
	Segments      int  `yaml:"segments"`
	ForceSoftware bool `yaml:"force_software"`
	MaxLeafSize   int  `yaml:"max_leaf_size"`
}

// SunConfig places the sun in the sky.
type SunConfig struct {
	Longitude float32    `yaml:"longitude"`
	Latitude  float32    `yaml:"latitude"`
	Color     [3]float32 `yaml:"color"`
	Intensity float32    `yaml:"intensity"`
}

// LightmapConfig holds atlas and baker settings.
type LightmapConfig struct {
	PageSize       int     `yaml:"page_size"`
	Pages          int     `yaml:"pages"`
	Padding        int     `yaml:"padding"`
	SampleDistance float32 `yaml:"sample_distance"`
	MaxTileSize    int     `yaml:"max_tile_size"`

	ImageSize   int     `yaml:"image_size"`
	Samples     int     `yaml:"samples"`
	BakePadding int     `yaml:"bake_padding"`
	MaxDraws    int     `yaml:"max_draws"`
	RingFrames  int     `yaml:"ring_frames"`
	TraceBias   float32 `yaml:"trace_bias"`
	SunDistance float32 `yaml:"sun_distance"`

	Sun SunConfig `yaml:"sun"`
}

// ShaderConfig holds shader lookup and compilation settings.
type ShaderConfig struct {
	LumpDirs        []string `yaml:"lump_dirs"` // public lumps, last wins
	MaxIncludeDepth int      `yaml:"max_include_depth"`
	Compiler        string   `yaml:"compiler"`
	WarmUp          bool     `yaml:"warm_up"`
	Workers         int      `yaml:"workers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend:     BackendHeadless,
			StagingSize: 8 << 20,
		},
		Mesh: MeshConfig{
			Vertices:     64 * 1024,
			Indices:      3 * 64 * 1024,
			Uniforms:     4096,
			LightIndexes: 16 * 1024,
		},
		Accel: AccelConfig{
			Segments:    32,
			MaxLeafSize: 4,
		},
		Lightmap: LightmapConfig{
			PageSize:       1024,
			Pages:          4,
			Padding:        1,
			SampleDistance: 16,
			MaxTileSize:    128,
			ImageSize:      1024,
			Samples:        4,
			BakePadding:    3,
			MaxDraws:       4096,
			RingFrames:     3,
			TraceBias:      0.5,
			SunDistance:    1e5,
			Sun: SunConfig{
				Longitude: 45,
				Latitude:  45,
				Color:     [3]float32{1, 1, 1},
				Intensity: 1,
			},
		},
		Shader: ShaderConfig{
			MaxIncludeDepth: 16,
			Compiler:        CompilerNaga,
			WarmUp:          true,
			Workers:         4,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// Validate reports every setting the bake tool cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Device.Backend == BackendHeadless || c.Device.Backend == BackendWGPU,
		"device.backend: unknown backend %q", c.Device.Backend)
	check(c.Device.StagingSize > 0, "device.staging_size: must be positive")
	check(c.Device.FenceLatency >= 0, "device.fence_latency: must not be negative")

	check(c.Accel.Segments > 0, "accel.segments: must be positive, got %d", c.Accel.Segments)
	check(c.Accel.MaxLeafSize >= 0, "accel.max_leaf_size: must not be negative")

	lm := c.Lightmap
	check(lm.PageSize > 0 && lm.Pages > 0, "lightmap: page_size and pages must be positive")
	check(lm.SampleDistance > 0, "lightmap.sample_distance: must be positive")
	check(lm.MaxTileSize > 0, "lightmap.max_tile_size: must be positive")
	check(lm.MaxTileSize+2*lm.Padding <= lm.PageSize,
		"lightmap: padded tile size %d exceeds page size %d", lm.MaxTileSize+2*lm.Padding, lm.PageSize)
	check(lm.MaxTileSize+2*lm.BakePadding <= lm.ImageSize,
		"lightmap: padded tile size %d exceeds bake image size %d", lm.MaxTileSize+2*lm.BakePadding, lm.ImageSize)
	check(slices.Contains([]int{1, 4}, lm.Samples), "lightmap.samples: must be 1 or 4, got %d", lm.Samples)
	check(lm.MaxDraws > 0 && lm.RingFrames > 0, "lightmap: max_draws and ring_frames must be positive")

	check(c.Shader.Compiler == CompilerNaga || c.Shader.Compiler == CompilerPassthrough,
		"shader.compiler: unknown compiler %q", c.Shader.Compiler)
	check(c.Shader.MaxIncludeDepth > 0, "shader.max_include_depth: must be positive")

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}
