package config

import (
	"strings"
	"time"

	"github.com/marmos91/cloudcached/internal/bytesize"
)

// ApplyDefaults fills unspecified configuration fields with sensible
// defaults. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyVolumeDefaults(&cfg.Volume)
	applyCacheDefaults(&cfg.Cache)
	applyBackendDefaults(&cfg.Backend)
	applyCatalogDefaults(cfg)
	applyCollectorDefaults(&cfg.Collector)
	applyCodecDefaults(&cfg.Codec)
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyVolumeDefaults fills in the production block and cell sizes.
func applyVolumeDefaults(cfg *VolumeConfig) {
	if cfg.BigBlockSize == 0 {
		cfg.BigBlockSize = 20 * bytesize.MiB
	}
	if cfg.SmallBlockSize == 0 {
		cfg.SmallBlockSize = 512 * bytesize.KiB
	}
	if cfg.CellSize == 0 {
		cfg.CellSize = 4 * bytesize.KiB
	}
	if cfg.FractureDelay == 0 {
		cfg.FractureDelay = 60 * time.Second
	}
	// Size has no default — it's required and must be configured by the user.
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.MaxResidentBytes == 0 {
		cfg.MaxResidentBytes = 256 * bytesize.MiB
	}
	if cfg.SlogMaxSize == 0 {
		cfg.SlogMaxSize = 64 * bytesize.MiB
	}
	if cfg.MaxResidentBitmapPages == 0 {
		cfg.MaxResidentBitmapPages = 256
	}
	// Dir has no default — it's required (WAL/bitmap/catalog storage).
}

func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Kind == "" {
		cfg.Kind = "memory"
	}
	if cfg.Kind == "s3" && cfg.S3.NumDelParallel == 0 {
		cfg.S3.NumDelParallel = 4
	}
	if cfg.Kind == "s3" && cfg.S3.KeyPrefix == "" {
		cfg.S3.KeyPrefix = "blocks/"
	}
}

func applyCatalogDefaults(cfg *Config) {
	if cfg.Catalog.Dir == "" && cfg.Cache.Dir != "" {
		cfg.Catalog.Dir = cfg.Cache.Dir + "/catalog"
	}
}

func applyCollectorDefaults(cfg *CollectorConfig) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 64
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
}

func applyCodecDefaults(cfg *CodecConfig) {
	if cfg.Compression == "" {
		cfg.Compression = "zstd"
	}
	if cfg.ZstdLevel == "" {
		cfg.ZstdLevel = "default"
	}
	if cfg.Encryption == "" {
		cfg.Encryption = "none"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{"cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines"}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config with all defaults applied, used to
// generate sample configuration files and as the fallback when no config
// file is found.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Volume: VolumeConfig{
			Size: 100 * bytesize.GiB,
		},
		Cache: CacheConfig{
			Dir: "/var/lib/cloudcached/cache",
		},
		Backend: BackendConfig{
			Kind: "memory",
		},
		Collector: CollectorConfig{
			Enabled: true,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
