package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marmos91/cloudcached/internal/bytesize"
)

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Volume: VolumeConfig{Size: 10 * bytesize.GiB, BigBlockSize: 1 * bytesize.MiB},
		Cache:  CacheConfig{Dir: "/data/cache", MaxResidentBytes: 512 * bytesize.MiB},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, 10*bytesize.GiB, cfg.Volume.Size)
	assert.Equal(t, 1*bytesize.MiB, cfg.Volume.BigBlockSize)
	assert.Equal(t, 512*bytesize.MiB, cfg.Cache.MaxResidentBytes)
	// Untouched fields fall back to spec-literal defaults.
	assert.Equal(t, 512*bytesize.KiB, cfg.Volume.SmallBlockSize)
	assert.Equal(t, 4*bytesize.KiB, cfg.Volume.CellSize)
	assert.Equal(t, "/data/cache/catalog", cfg.Catalog.Dir)
}

func TestGetDefaultConfig_PassesValidation(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))
}

func TestApplyDefaults_LoggingLevelNormalizedUppercase(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}
