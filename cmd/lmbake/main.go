// Package main is the entry point of lmbake, which bakes the lightmaps of a
// scene description and writes an atlas manifest.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-bake/internal/config"
	"github.com/Faultbox/midgard-bake/internal/logger"
)

var (
	flagScene    = flag.String("scene", "scene.yaml", "Scene description to bake")
	flagFrames   = flag.Int("frames", 16, "Maximum number of frames to run")
	flagManifest = flag.String("manifest", "", "Write the atlas manifest to this path")
)

func main() {
	config.ParseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("=== lmbake ===", zap.String("backend", cfg.Device.Backend))
	logger.Sugar.Debugf("Config: %+v", cfg)

	scene, err := LoadScene(*flagScene)
	if err != nil {
		logger.Error("failed to load scene", zap.String("path", *flagScene), zap.Error(err))
		logger.Close()
		os.Exit(1)
	}

	summary, err := Run(cfg, Job{Scene: scene, Frames: *flagFrames, Manifest: *flagManifest}, logger.Log)
	if err != nil {
		logger.Error("bake failed", zap.Error(err))
		logger.Close()
		os.Exit(1)
	}

	logger.Info("bake finished",
		zap.Int("frames", summary.Frames),
		zap.Bool("idle", summary.Idle),
		zap.Int("tiles", summary.Tiles),
		zap.Int("baked", summary.Baked),
		zap.Int("unplaced", summary.Unplaced))
	if !summary.Idle {
		logger.Warn("frame limit reached with work left", zap.Int("frames", *flagFrames))
	}
}
