package config

import "flag"

var (
	flagConfig      = flag.String("config", "", "Path to config file")
	flagDebug       = flag.Bool("debug", false, "Enable debug logging")
	flagBackend     = flag.String("backend", "", "GPU backend: headless or wgpu")
	flagSoftwareBVH = flag.Bool("software-bvh", false, "Trace against the CPU-built BVH even with ray query support")
	flagSegments    = flag.Int("segments", 0, "Number of BLAS segments")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagBackend != "" {
		cfg.Device.Backend = *flagBackend
	}
	if *flagSoftwareBVH {
		cfg.Accel.ForceSoftware = true
	}
	if *flagSegments > 0 {
		cfg.Accel.Segments = *flagSegments
	}
}
