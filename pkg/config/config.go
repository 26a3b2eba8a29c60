// Package config loads cloudcached's static configuration: volume geometry,
// cache sizing, backend credentials, the slog path, and the ambient
// logging/telemetry/metrics sections. Layered with viper + mapstructure:
// CLI flags > env > file >
// defaults, with YAML persistence, re-scoped from a file server's
// share/store/adapter tree to the volume/cache/backend shape this system
// needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/cloudcached/internal/bytesize"
)

// Config is cloudcached's complete static configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (CLOUDCACHED_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Volume describes the logical block device: its size and block
	// geometry.
	Volume VolumeConfig `mapstructure:"volume" yaml:"volume"`

	// Cache configures the transactional block cache's residency budget
	// and the write-ahead log that backs it.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Backend configures the object-store frontend's upstream.
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`

	// Catalog configures the embedded metadata store backing the
	// frontend and collector.
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog"`

	// Collector configures the background collector's polling loop.
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`

	// Codec configures block compression and encryption.
	Codec CodecConfig `mapstructure:"codec" yaml:"codec"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics controls the Prometheus exporter.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout bounds how long "start" waits for an in-flight
	// checkpoint and collector poll to finish on SIGTERM.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// VolumeConfig sizes the logical block device and its block geometry.
type VolumeConfig struct {
	// Size is the logical volume size exposed to readers/writers.
	Size bytesize.ByteSize `mapstructure:"size" yaml:"size"`

	// BigBlockSize is the coarse block granularity (default 20 MiB).
	BigBlockSize bytesize.ByteSize `mapstructure:"big_block_size" yaml:"big_block_size,omitempty"`

	// SmallBlockSize is the fine block granularity (default 512 KiB).
	SmallBlockSize bytesize.ByteSize `mapstructure:"small_block_size" yaml:"small_block_size,omitempty"`

	// CellSize is the fine bitmap's tracking granularity (default 4 KiB).
	CellSize bytesize.ByteSize `mapstructure:"cell_size" yaml:"cell_size,omitempty"`

	// FractureDelay is how long after writes move to another big block the
	// previous big block waits before being split into small blocks
	// (default 60s).
	FractureDelay time.Duration `mapstructure:"fracture_delay" yaml:"fracture_delay,omitempty"`
}

// CacheConfig configures the in-process transactional block cache and its
// write-ahead log.
type CacheConfig struct {
	// Dir holds the bitmap pages, slog segments, and catalog database.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// MaxResidentBytes bounds the cache's in-memory working set.
	MaxResidentBytes bytesize.ByteSize `mapstructure:"max_resident_bytes" yaml:"max_resident_bytes"`

	// SlogMaxSize bounds one write-ahead log segment before rotation.
	SlogMaxSize bytesize.ByteSize `mapstructure:"slog_max_size" yaml:"slog_max_size,omitempty"`

	// MaxResidentBitmapPages bounds each bitmap store's in-memory page
	// cache (applied to the fine, big, and old-big bitmaps alike).
	MaxResidentBitmapPages int `mapstructure:"max_resident_bitmap_pages" yaml:"max_resident_bitmap_pages,omitempty"`
}

// BackendConfig configures the object-store backend the frontend uploads
// finalized blocks to.
type BackendConfig struct {
	// Kind selects the backend adapter: "s3" or "memory" (tests/dev only).
	Kind string `mapstructure:"kind" yaml:"kind"`

	S3 S3BackendConfig `mapstructure:"s3" yaml:"s3,omitempty"`
}

// S3BackendConfig configures the S3-compatible backend adapter.
type S3BackendConfig struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	KeyPrefix      string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
	NumDelParallel int    `mapstructure:"num_del_parallel" yaml:"num_del_parallel,omitempty"`
}

// CatalogConfig configures the embedded Badger metadata store.
type CatalogConfig struct {
	// Dir holds the Badger database. Defaults to <cache.dir>/catalog
	// when empty.
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`

	// AllowImport permits rebuilding an empty catalog from the bucket
	// enumeration at mount, recovering from a lost cache directory.
	AllowImport bool `mapstructure:"allow_import" yaml:"allow_import,omitempty"`
}

// CollectorConfig configures the background collector's poll loop.
type CollectorConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size,omitempty"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval,omitempty"`
	DryRun       bool          `mapstructure:"dry_run" yaml:"dry_run,omitempty"`
}

// CodecConfig configures block-level compression and encryption.
type CodecConfig struct {
	// Compression selects the block compressor: "zstd" or "none".
	Compression string `mapstructure:"compression" yaml:"compression"`

	// ZstdLevel selects the zstd encoder level: "fastest", "default",
	// "better", or "best".
	ZstdLevel string `mapstructure:"zstd_level" yaml:"zstd_level,omitempty"`

	// Encryption selects the block encryptor: "chacha20poly1305" or
	// "none".
	Encryption string `mapstructure:"encryption" yaml:"encryption"`

	// EncryptionKeyHex is the 32-byte ChaCha20-Poly1305 key, hex encoded.
	// Required when Encryption is enabled.
	EncryptionKeyHex string `mapstructure:"encryption_key_hex" yaml:"encryption_key_hex,omitempty"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing and Pyroscope profiling.
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version,omitempty"`
	Endpoint       string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Insecure       bool    `mapstructure:"insecure" yaml:"insecure,omitempty"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate,omitempty"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling,omitempty"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types,omitempty"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Precedence (highest to lowest): environment variables (CLOUDCACHED_*),
// configuration file, default values. When no configuration file is found,
// Load returns GetDefaultConfig() and environment variables are not applied.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with user-friendly errors when the file is
// missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Initialize one first:\n  cloudcached init\n\n"+
				"Or specify a custom config file:\n  cloudcached <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n  cloudcached init --config %s", configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML form, restricted to owner
// read/write since it may carry an encryption key or backend credentials.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("CLOUDCACHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize,
// enabling config files to use human-readable sizes like "20MiB" or "1Gi".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cloudcached")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "cloudcached")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string { return filepath.Join(getConfigDir(), "config.yaml") }

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir exposes the configuration directory for the init command.
func GetConfigDir() string { return getConfigDir() }
