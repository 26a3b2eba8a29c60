package config

import "fmt"

// Validate checks cfg for the minimum set of values required to mount a
// volume: a positive size, a cache directory, and a recognized backend
// kind. Plain hand-written checks; the config surface is small enough
// that a validation library would not pay for itself.
func Validate(cfg *Config) error {
	if cfg.Volume.Size <= 0 {
		return fmt.Errorf("volume.size must be > 0")
	}
	if cfg.Volume.SmallBlockSize <= 0 || cfg.Volume.BigBlockSize <= 0 {
		return fmt.Errorf("volume.big_block_size and volume.small_block_size must be > 0")
	}
	if cfg.Volume.BigBlockSize%cfg.Volume.SmallBlockSize != 0 {
		return fmt.Errorf("volume.big_block_size must be a multiple of volume.small_block_size")
	}
	if cfg.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if cfg.Cache.MaxResidentBytes <= 0 {
		return fmt.Errorf("cache.max_resident_bytes must be > 0")
	}

	switch cfg.Backend.Kind {
	case "memory":
	case "s3":
		if cfg.Backend.S3.Bucket == "" {
			return fmt.Errorf("backend.s3.bucket is required when backend.kind is \"s3\"")
		}
	default:
		return fmt.Errorf("backend.kind must be %q or %q, got %q", "memory", "s3", cfg.Backend.Kind)
	}

	switch cfg.Codec.Compression {
	case "zstd", "none":
	default:
		return fmt.Errorf("codec.compression must be %q or %q, got %q", "zstd", "none", cfg.Codec.Compression)
	}
	switch cfg.Codec.Encryption {
	case "chacha20poly1305", "none":
	default:
		return fmt.Errorf("codec.encryption must be %q or %q, got %q", "chacha20poly1305", "none", cfg.Codec.Encryption)
	}
	if cfg.Codec.Encryption != "none" && cfg.Codec.EncryptionKeyHex == "" {
		return fmt.Errorf("codec.encryption_key_hex is required when codec.encryption is enabled")
	}

	switch cfg.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level must be one of DEBUG, INFO, WARN, ERROR, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be %q or %q, got %q", "text", "json", cfg.Logging.Format)
	}

	return nil
}
