// Package frontend implements the object-store frontend: the layer between
// the block cache and the pluggable Backend, responsible for object naming,
// transaction bookkeeping in the catalog, compression/encryption, and
// batched deletion.
package frontend

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/cloudcached/internal/backend"
	"github.com/marmos91/cloudcached/internal/blockcache"
	"github.com/marmos91/cloudcached/internal/catalog"
	"github.com/marmos91/cloudcached/internal/codec"
	"github.com/marmos91/cloudcached/internal/coreerr"
	"github.com/marmos91/cloudcached/internal/telemetry"
)

// Barrier is the put barrier: Put holds it shared so uploads can run
// concurrently with each other, and Checkpoint takes it exclusive for the
// duration of its swap so no put completes mid-checkpoint. A plain RWMutex
// is enough here since the exclusive side never crosses a network call.
type Barrier struct {
	mu sync.RWMutex
}

// Lock implements blockcache.Barrier: acquire exclusively.
func (b *Barrier) Lock(ctx context.Context) (func(), error) {
	b.mu.Lock()
	return b.mu.Unlock, nil
}

// RLock acquires the barrier shared, held by Frontend.Put for the duration
// of an upload.
func (b *Barrier) RLock() func() {
	b.mu.RLock()
	return b.mu.RUnlock
}

var _ blockcache.Barrier = (*Barrier)(nil)

// Tier is the 1-byte tier tag prefixing a block key.
type Tier byte

const (
	TierBig   Tier = 'b'
	TierSmall Tier = 's'
)

// GetFlags mirror the subset of backend.GetFlags a frontend caller chooses
// among; frontend forwards them unchanged to the Backend.
type GetFlags = backend.GetFlags

// PutFlags mirror backend.PutFlags.
type PutFlags = backend.PutFlags

// Config configures object naming and parallel-delete fan-out.
type Config struct {
	CDID           uint64
	KeyShard       bool // prefix object names with aaa/bb/ per MD5(key)
	NumDelParallel int
	EncryptionKey  [32]byte
}

// Metrics observes the object-store frontend's Get/Put/Del traffic. Defined
// next to the subsystem it measures, following the same split as
// blockcache.CacheMetrics; nil disables instrumentation.
type Metrics interface {
	ObserveGet(bytes int64, d time.Duration, err error)
	ObservePut(bytes int64, d time.Duration, err error)
	ObserveDelete(count int, d time.Duration, err error)
}

// Frontend routes block versions to and from the backend.
type Frontend struct {
	cfg        Config
	be         backend.Backend
	cat        *catalog.Catalog
	compressor codec.Compressor
	encryptor  codec.Encryptor
	barrier    Barrier
	metrics    Metrics

	currentTransID atomic.Uint64
}

// Barrier exposes the frontend's put-barrier so the volume layer can pass it
// to blockcache.Cache.Checkpoint as the CheckpointDeps.Barrier collaborator.
func (f *Frontend) Barrier() *Barrier { return &f.barrier }

// SetMetrics attaches m as the frontend's metrics sink; nil disables it.
func (f *Frontend) SetMetrics(m Metrics) { f.metrics = m }

// New constructs a Frontend over be, persisting bookkeeping in cat.
// startTransID is the transaction the volume resumes at (0 on first boot).
func New(cfg Config, be backend.Backend, cat *catalog.Catalog, compressor codec.Compressor, encryptor codec.Encryptor, startTransID uint64) *Frontend {
	if cfg.NumDelParallel <= 0 {
		cfg.NumDelParallel = be.Capabilities().NumDelParallel
	}
	if cfg.NumDelParallel <= 0 {
		cfg.NumDelParallel = 4
	}
	f := &Frontend{cfg: cfg, be: be, cat: cat, compressor: compressor, encryptor: encryptor}
	f.currentTransID.Store(startTransID)
	return f
}

// CurrentTransID returns the transaction the frontend is currently writing
// at; the volume layer advances this only through AdvanceTransaction.
func (f *Frontend) CurrentTransID() uint64 { return f.currentTransID.Load() }

// ObjectKey produces the block key: a tier tag followed by the block
// number in the smallest unsigned width that fits. Used by the volume
// layer to build the key it passes to Get/Put.
func ObjectKey(tier Tier, blockNum uint64) string {
	switch {
	case blockNum <= 0xff:
		return fmt.Sprintf("%c%02x", tier, blockNum)
	case blockNum <= 0xffff:
		return fmt.Sprintf("%c%04x", tier, blockNum)
	case blockNum <= 0xffffffff:
		return fmt.Sprintf("%c%08x", tier, blockNum)
	default:
		return fmt.Sprintf("%c%016x", tier, blockNum)
	}
}

// objectName produces the bucket object name:
// `{prefix/}{cd_id_}{trans_id}_{hex(block_key)}`.
func (f *Frontend) objectName(transid uint64, key string) string {
	hexKey := hex.EncodeToString([]byte(key))
	name := fmt.Sprintf("%s_%s", f.transactionPrefix(transid), hexKey)
	if !f.cfg.KeyShard {
		return name
	}
	sum := md5.Sum([]byte(key))
	hexSum := hex.EncodeToString(sum[:])
	return fmt.Sprintf("%s/%s/%s", hexSum[:3], hexSum[3:5], name)
}

// transactionPrefix is `{cd_id_}{trans_id}`, the common prefix shared by a
// transaction's block objects and its marker objects
// (`..._finalized`/`..._complete`/`..._inactive`).
func (f *Frontend) transactionPrefix(transid uint64) string {
	if f.cfg.CDID != 0 {
		return fmt.Sprintf("%d_%d", f.cfg.CDID, transid)
	}
	return fmt.Sprintf("%d", transid)
}

// Get locates and downloads the newest object with (cd_id, key,
// transid' <= transid) from the backend, decompressing/decrypting through
// codec, and recording the resolved version for the caller.
func (f *Frontend) Get(ctx context.Context, key string, transid uint64, flags GetFlags) (data []byte, resolvedTransID uint64, err error) {
	ctx, span := telemetry.StartFrontendSpan(ctx, "get", telemetry.BlockKey(key), telemetry.TransID(transid))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		if f.metrics != nil {
			f.metrics.ObserveGet(int64(len(data)), time.Since(start), err)
		}
	}()

	row, ok, err := f.cat.GetObject(f.cfg.CDID, key, transid)
	if err != nil {
		return nil, 0, fmt.Errorf("frontend get %q: catalog lookup: %w", key, err)
	}
	if !ok || row.Deleted {
		return nil, 0, coreerr.ErrNotFound
	}

	name := f.objectName(row.TransID, key)
	rc, res, err := f.be.Get(ctx, name, row.MD5, flags)
	if err != nil {
		return nil, 0, coreerr.Wrapf(coreerr.Classify(err), err, "frontend get %q (object %q)", key, name)
	}
	defer rc.Close()

	plain, err := f.decode(rc)
	if err != nil {
		return nil, 0, coreerr.Wrapf(coreerr.KindIntegrity, err, "decode object %q", name)
	}
	_ = res

	return plain, row.TransID, nil
}

// Put uploads a new version of key at transid, compressing/encrypting
// through codec, and records (md5, compressed size) in the catalog.
func (f *Frontend) Put(ctx context.Context, key string, transid, generation uint64, src io.Reader, flags PutFlags) (compressedSize int64, err error) {
	ctx, span := telemetry.StartFrontendSpan(ctx, "put", telemetry.BlockKey(key), telemetry.TransID(transid))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		if f.metrics != nil {
			f.metrics.ObservePut(compressedSize, time.Since(start), err)
		}
	}()

	release := f.barrier.RLock()
	defer release()

	encoded, err := f.encode(src)
	if err != nil {
		return 0, fmt.Errorf("frontend put %q: encode: %w", key, err)
	}

	name := f.objectName(transid, key)
	res, err := f.be.Put(ctx, name, bytes.NewReader(encoded), flags)
	if err != nil {
		return 0, coreerr.Wrapf(coreerr.Classify(err), err, "frontend put %q (object %q)", key, name)
	}

	if err := f.cat.PutObject(catalog.ObjectRow{
		CDID:         f.cfg.CDID,
		TransID:      transid,
		Key:          key,
		MD5:          res.MD5,
		Size:         res.CompressedSize,
		LastModified: time.Now(),
	}); err != nil {
		return 0, fmt.Errorf("frontend put %q: catalog record: %w", key, err)
	}

	return res.CompressedSize, nil
}

// Del records delete markers in the local catalog and batches backend
// deletions.
func (f *Frontend) Del(ctx context.Context, keys []string, transid uint64) (err error) {
	ctx, span := telemetry.StartFrontendSpan(ctx, "del", telemetry.TransID(transid))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		if f.metrics != nil {
			f.metrics.ObserveDelete(len(keys), time.Since(start), err)
		}
	}()

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := f.cat.MarkDeleted(f.cfg.CDID, transid, key); err != nil {
			return fmt.Errorf("frontend del %q: catalog tombstone: %w", key, err)
		}
		names = append(names, f.objectName(transid, key))
	}
	return f.deleteParallel(ctx, names)
}

// deleteParallel fans the backend delete out across up to NumDelParallel
// worker streams.
func (f *Frontend) deleteParallel(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	caps := f.be.Capabilities()
	batchSize := caps.MaxDelSize
	if batchSize <= 0 {
		batchSize = len(names)
	}

	var batches [][]string
	for i := 0; i < len(names); i += batchSize {
		end := i + batchSize
		if end > len(names) {
			end = len(names)
		}
		batches = append(batches, names[i:end])
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.NumDelParallel)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			if err := f.be.Delete(ctx, batch, false); err != nil {
				return coreerr.Wrapf(coreerr.Classify(err), err, "delete batch of %d objects", len(batch))
			}
			return nil
		})
	}
	return g.Wait()
}

// ObjectName exposes the bucket object name for (transid, key), used by the
// collector to name objects it is about to delete without re-deriving the
// naming scheme.
func (f *Frontend) ObjectName(transid uint64, key string) string {
	return f.objectName(transid, key)
}

// MarkerNames returns the three marker object names for transid
// (finalized, complete, inactive), used by the collector when removing a
// whole transaction.
func (f *Frontend) MarkerNames(transid uint64) (finalized, complete, inactive string) {
	p := f.transactionPrefix(transid)
	return p + "_finalized", p + "_complete", p + "_inactive"
}

// DeleteBackendObjects removes already-tombstoned object names directly from
// the backend, fanned out the same way Del does, without touching the
// catalog (the collector manages catalog rows itself once deletion lands).
func (f *Frontend) DeleteBackendObjects(ctx context.Context, names []string) error {
	return f.deleteParallel(ctx, names)
}

// NewTransaction begins a new transaction row for cd_id.
func (f *Frontend) NewTransaction(transid uint64) error {
	return f.cat.NewTransaction(f.cfg.CDID, transid)
}

// TransactionFinalize implements transaction_finalize(cd_id, transid,
// complete): writes the `<T>_finalized` marker, and on complete=true also
// `<T>_complete` and enqueues TASK_REMOVE_OLD_OBJECTS for T. No task is
// enqueued for earlier finalized transactions.
func (f *Frontend) TransactionFinalize(ctx context.Context, transid uint64, complete bool) error {
	if err := f.cat.FinalizeTransaction(f.cfg.CDID, transid, complete); err != nil {
		return fmt.Errorf("finalize transaction %d: %w", transid, err)
	}

	markerName := f.transactionPrefix(transid)
	if _, err := f.be.Put(ctx, markerName+"_finalized", bytes.NewReader(nil), 0); err != nil {
		return coreerr.Wrapf(coreerr.Classify(err), err, "write finalized marker for transaction %d", transid)
	}
	if !complete {
		return nil
	}
	if _, err := f.be.Put(ctx, markerName+"_complete", bytes.NewReader(nil), 0); err != nil {
		return coreerr.Wrapf(coreerr.Classify(err), err, "write complete marker for transaction %d", transid)
	}

	if _, err := f.cat.EnqueueTask(catalog.TaskRemoveOldObjects, f.cfg.CDID, transid, time.Now()); err != nil {
		return fmt.Errorf("enqueue TASK_REMOVE_OLD_OBJECTS for %d: %w", transid, err)
	}
	return nil
}

// SetActiveTransactions implements set_active_transactions(cd_id, active[]):
// writes <T>_inactive markers for every incomplete T not in active and
// schedules TASK_REMOVE_TRANSACTION for each.
func (f *Frontend) SetActiveTransactions(ctx context.Context, active []uint64) error {
	inactive, err := f.cat.SetActiveTransactions(f.cfg.CDID, active)
	if err != nil {
		return fmt.Errorf("set active transactions: %w", err)
	}

	for _, transid := range inactive {
		markerName := f.transactionPrefix(transid)
		if _, err := f.be.Put(ctx, markerName+"_inactive", bytes.NewReader(nil), 0); err != nil {
			return coreerr.Wrapf(coreerr.Classify(err), err, "write inactive marker for transaction %d", transid)
		}
		if _, err := f.cat.EnqueueTask(catalog.TaskRemoveTransaction, f.cfg.CDID, transid, time.Now()); err != nil {
			return fmt.Errorf("enqueue TASK_REMOVE_TRANSACTION for %d: %w", transid, err)
		}
	}
	return nil
}

// Sync is a barrier: no previously acknowledged put/del is lost after this
// returns.
func (f *Frontend) Sync(ctx context.Context) error {
	if err := f.be.Sync(ctx); err != nil {
		return coreerr.Wrapf(coreerr.Classify(err), err, "frontend sync")
	}
	return nil
}

// List enumerates all objects, used only for recovery/import.
func (f *Frontend) List(ctx context.Context, fn func(key, md5 string, size int64, mtime time.Time) error) error {
	return f.be.List(ctx, fn)
}

func (f *Frontend) encode(src io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	w := io.WriteCloser(nopWriteCloser{&buf})

	if f.encryptor != nil {
		ew, err := f.encryptor.NewWriter(w, f.cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("new encrypt writer: %w", err)
		}
		w = ew
	}
	if f.compressor != nil {
		cw, err := f.compressor.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("new compress writer: %w", err)
		}
		if _, err := io.Copy(cw, src); err != nil {
			cw.Close()
			return nil, fmt.Errorf("compress: %w", err)
		}
		if err := cw.Close(); err != nil {
			return nil, fmt.Errorf("close compressor: %w", err)
		}
	} else if _, err := io.Copy(w, src); err != nil {
		return nil, err
	}
	if closer, ok := w.(io.Closer); ok && f.encryptor != nil {
		if err := closer.Close(); err != nil {
			return nil, fmt.Errorf("close encryptor: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// decode reverses encode's compress-then-encrypt pipeline: decrypt first,
// then decompress.
func (f *Frontend) decode(r io.Reader) ([]byte, error) {
	var rc io.ReadCloser = io.NopCloser(r)

	if f.encryptor != nil {
		er, err := f.encryptor.NewReader(rc, f.cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("new decrypt reader: %w", err)
		}
		rc = er
	}
	if f.compressor != nil {
		cr, err := f.compressor.NewReader(rc)
		if err != nil {
			return nil, fmt.Errorf("new decompress reader: %w", err)
		}
		rc = cr
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ============================================================================
// blockcache.Source / blockcache.TransactionAdvancer adapters
//
// Frontend implements both directly (rather than through a separate wrapper
// type) by tracking the current transaction id itself, since the cache has
// no notion of transactions of its own — it always reads/writes "the
// frontend's current transaction" (see internal/blockcache.Source).
// ============================================================================

var _ blockcache.Source = (*Frontend)(nil)
var _ blockcache.TransactionAdvancer = (*Frontend)(nil)

// Fetch implements blockcache.Source.
func (f *Frontend) Fetch(ctx context.Context, key string, _ blockcache.BitmapInfo, _ int64) ([]byte, bool, error) {
	data, _, err := f.Get(ctx, key, f.currentTransID.Load(), 0)
	if err != nil {
		if err == coreerr.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Submit implements blockcache.Source.
func (f *Frontend) Submit(ctx context.Context, key string, data []byte) error {
	_, err := f.Put(ctx, key, f.currentTransID.Load(), 0, bytes.NewReader(data), 0)
	return err
}

// Delete implements blockcache.Source: a single-key Del at the current
// transaction id.
func (f *Frontend) Delete(ctx context.Context, key string) error {
	return f.Del(ctx, []string{key}, f.currentTransID.Load())
}

// AdvanceTransaction implements blockcache.TransactionAdvancer: finalize the
// current transaction and start the next one.
func (f *Frontend) AdvanceTransaction(ctx context.Context, complete bool) (uint64, error) {
	current := f.currentTransID.Load()
	if err := f.TransactionFinalize(ctx, current, complete); err != nil {
		return 0, err
	}
	next := current + 1
	if err := f.NewTransaction(next); err != nil {
		return 0, fmt.Errorf("advance transaction: start %d: %w", next, err)
	}
	f.currentTransID.Store(next)
	return next, nil
}
