package config

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/cloudcached/internal/backend"
	backendmemory "github.com/marmos91/cloudcached/internal/backend/memory"
	backends3 "github.com/marmos91/cloudcached/internal/backend/s3"
	"github.com/marmos91/cloudcached/internal/bitmap"
	"github.com/marmos91/cloudcached/internal/blockcache"
	"github.com/marmos91/cloudcached/internal/catalog"
	"github.com/marmos91/cloudcached/internal/codec"
	"github.com/marmos91/cloudcached/internal/extentlock"
	"github.com/marmos91/cloudcached/internal/frontend"
	wal "github.com/marmos91/cloudcached/internal/slog"
	"github.com/marmos91/cloudcached/internal/volume"
	"github.com/marmos91/cloudcached/pkg/metrics"
	_ "github.com/marmos91/cloudcached/pkg/metrics/prometheus"
)

// Components bundles every subsystem a running mount needs, wired together
// from a loaded Config into the fixed volume/cache/backend/
// catalog stack this system always assembles.
type Components struct {
	Backend  backend.Backend
	Catalog  *catalog.Catalog
	Frontend *frontend.Frontend
	Cache    *blockcache.Cache
	Volume   *volume.Volume

	cdID uint64
}

// CDID is the cache-domain id the volume was opened under. Fixed at 1: a
// cloudcached mount always manages exactly one logical volume.
const CDID = uint64(1)

// Build constructs every subsystem described by cfg and opens a Volume
// sized at cfg.Volume.Size. Callers are responsible for calling Close on
// the returned Components once done.
func Build(ctx context.Context, cfg *Config) (*Components, error) {
	be, err := buildBackend(ctx, cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("build backend: %w", err)
	}

	cat, err := catalog.Open(cfg.Catalog.Dir)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	compressor, encryptor, err := buildCodec(cfg.Codec)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("build codec: %w", err)
	}

	startTransID, err := loadStartTransID(cat)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("load start transaction id: %w", err)
	}

	feCfg := frontend.Config{
		CDID:           CDID,
		KeyShard:       true,
		NumDelParallel: cfg.Backend.S3.NumDelParallel,
	}
	if cfg.Codec.Encryption != "none" {
		key, err := decodeEncryptionKey(cfg.Codec.EncryptionKeyHex)
		if err != nil {
			cat.Close()
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		feCfg.EncryptionKey = key
	}
	fe := frontend.New(feCfg, be, cat, compressor, encryptor, startTransID)

	if err := fe.EnsureMagic(ctx); err != nil {
		cat.Close()
		return nil, fmt.Errorf("verify bucket magic: %w", err)
	}
	if cfg.Catalog.AllowImport {
		if _, err := fe.RecoverCatalog(ctx); err != nil {
			cat.Close()
			return nil, fmt.Errorf("recover catalog: %w", err)
		}
	}

	// The generation counter skips ahead on every open so increments lost
	// in a crash can never repeat a value already handed out.
	if _, err := cat.SkipGeneration(CDID, 100); err != nil {
		cat.Close()
		return nil, fmt.Errorf("advance generation: %w", err)
	}

	cache := blockcache.New(fe, cfg.Cache.MaxResidentBytes.Int64())

	fine, big, oldBig, err := buildBitmaps(cfg, startTransID)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("open bitmaps: %w", err)
	}

	var slog *wal.Slog
	var recovered []wal.Record
	if cfg.Cache.Dir != "" {
		slogPath := cfg.Cache.Dir + "/slog"

		// A replay failure refuses the mount; a stale log is discarded
		// inside Replay and simply yields no records.
		records, live, err := wal.Replay(slogPath, fe.CurrentTransID())
		if err != nil {
			cat.Close()
			return nil, fmt.Errorf("replay slog: %w", err)
		}
		if live {
			recovered = records
		}

		slog, err = wal.Open(slogPath, fe.CurrentTransID(), cfg.Cache.SlogMaxSize.Int64())
		if err != nil {
			cat.Close()
			return nil, fmt.Errorf("open slog: %w", err)
		}
	}

	volCfg := volume.Config{
		BigBlockSize:   cfg.Volume.BigBlockSize.Int64(),
		SmallBlockSize: cfg.Volume.SmallBlockSize.Int64(),
		CellSize:       cfg.Volume.CellSize.Int64(),
		FractureDelay:  cfg.Volume.FractureDelay,
	}
	deps := volume.Deps{
		Cache:   cache,
		Locks:   extentlock.New(),
		Slog:    slog,
		Fine:    fine,
		Big:     big,
		OldBig:  oldBig,
		Trans:   fe,
		Barrier: fe.Barrier(),
	}

	vol, err := volume.New(ctx, volCfg, deps, cfg.Volume.Size.Int64())
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("open volume: %w", err)
	}

	if len(recovered) > 0 {
		if err := vol.ReplaySlog(ctx, recovered); err != nil {
			vol.Close()
			cat.Close()
			return nil, fmt.Errorf("replay slog records: %w", err)
		}
	}

	comps := &Components{
		Backend:  be,
		Catalog:  cat,
		Frontend: fe,
		Cache:    cache,
		Volume:   vol,
		cdID:     CDID,
	}
	comps.wireMetrics(cfg)
	return comps, nil
}

// wireMetrics attaches Prometheus-backed metrics sinks when cfg.Metrics is
// enabled. Every NewXxxMetrics constructor returns nil when metrics are
// disabled, and every subsystem nil-checks before recording, so this is a
// no-op rather than a branch when metrics aren't configured.
func (c *Components) wireMetrics(cfg *Config) {
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}
	c.Cache.SetMetrics(metrics.NewCacheMetrics())
	c.Frontend.SetMetrics(metrics.NewFrontendMetrics())
	c.Catalog.SetMetrics(metrics.NewCatalogMetrics())
	if setter, ok := c.Backend.(interface {
		SetMetrics(backend.Metrics)
	}); ok {
		setter.SetMetrics(metrics.NewBackendMetrics())
	}
}

// Close tears down every subsystem Build opened, persisting the frontend's
// current transaction id so the next Build resumes from it.
func (c *Components) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(saveStartTransID(c.Catalog, c.Frontend.CurrentTransID()))
	record(c.Volume.Close())
	record(c.Catalog.Close())
	return firstErr
}

func buildBackend(ctx context.Context, cfg BackendConfig) (backend.Backend, error) {
	switch cfg.Kind {
	case "memory":
		return backendmemory.New(), nil
	case "s3":
		return backends3.NewFromConfig(ctx, backends3.Config{
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			KeyPrefix:      cfg.S3.KeyPrefix,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			NumDelParallel: cfg.S3.NumDelParallel,
		})
	default:
		return nil, fmt.Errorf("unknown backend.kind %q", cfg.Kind)
	}
}

func buildCodec(cfg CodecConfig) (codec.Compressor, codec.Encryptor, error) {
	var compressor codec.Compressor
	if cfg.Compression == "zstd" {
		level, err := parseZstdLevel(cfg.ZstdLevel)
		if err != nil {
			return nil, nil, err
		}
		compressor = codec.NewZstdCompressor(level)
	}

	var encryptor codec.Encryptor
	if cfg.Encryption == "chacha20poly1305" {
		encryptor = codec.NewChunkedEncryptor()
	}

	return compressor, encryptor, nil
}

func parseZstdLevel(s string) (zstd.EncoderLevel, error) {
	switch s {
	case "", "default":
		return zstd.SpeedDefault, nil
	case "fastest":
		return zstd.SpeedFastest, nil
	case "better":
		return zstd.SpeedBetterCompression, nil
	case "best":
		return zstd.SpeedBestCompression, nil
	default:
		return 0, fmt.Errorf("codec.zstd_level must be one of fastest, default, better, best, got %q", s)
	}
}

func decodeEncryptionKey(hexKey string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, fmt.Errorf("decode hex: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func buildBitmaps(cfg *Config, transID uint64) (fine, big, oldBig *bitmap.Store, err error) {
	cellSize := cfg.Volume.CellSize.Int64()
	bigSize := cfg.Volume.BigBlockSize.Int64()
	size := cfg.Volume.Size.Int64()

	fineBits := uint64((size + cellSize - 1) / cellSize)
	bigBits := uint64((size + bigSize - 1) / bigSize)

	fine, err = bitmap.Open(cfg.Cache.Dir+"/fine.bitmap", fineBits, cfg.Cache.MaxResidentBitmapPages)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open fine bitmap: %w", err)
	}
	big, err = bitmap.Open(cfg.Cache.Dir+"/big.bitmap", bigBits, cfg.Cache.MaxResidentBitmapPages)
	if err != nil {
		fine.Close()
		return nil, nil, nil, fmt.Errorf("open big bitmap: %w", err)
	}
	oldBig, err = bitmap.Open(cfg.Cache.Dir+"/old_big.bitmap", bigBits, cfg.Cache.MaxResidentBitmapPages)
	if err != nil {
		fine.Close()
		big.Close()
		return nil, nil, nil, fmt.Errorf("open old-big bitmap: %w", err)
	}
	return fine, big, oldBig, nil
}

// transIDMiscKey is the catalog's generic key-value slot the frontend's
// current transaction id is persisted under across restarts (it otherwise
// only lives in frontend.Frontend's in-memory atomic.Uint64).
const transIDMiscKey = "current_transid"

func loadStartTransID(cat *catalog.Catalog) (uint64, error) {
	raw, ok, err := cat.GetMisc(transIDMiscKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	var transID uint64
	for _, b := range raw {
		transID = transID<<8 | uint64(b)
	}
	return transID, nil
}

func saveStartTransID(cat *catalog.Catalog, transID uint64) error {
	raw := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		raw[i] = byte(transID)
		transID >>= 8
	}
	return cat.SetMisc(transIDMiscKey, raw)
}
