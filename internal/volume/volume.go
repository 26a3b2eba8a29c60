// Package volume implements the logical block device: Read/Write/PunchHole/
// Resize/Size over a fixed-size logical byte range, translating byte ranges
// into big/small block keys and routing them through the extent lock table,
// the bitmap store, and the transactional block cache.
package volume

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/cloudcached/internal/bitmap"
	"github.com/marmos91/cloudcached/internal/blockcache"
	"github.com/marmos91/cloudcached/internal/coreerr"
	"github.com/marmos91/cloudcached/internal/extentlock"
	"github.com/marmos91/cloudcached/internal/frontend"
	"github.com/marmos91/cloudcached/internal/logger"
	wal "github.com/marmos91/cloudcached/internal/slog"
)

// ErrShortRead is returned alongside a partial read when the requested
// range extends past the end of the volume.
var ErrShortRead = errors.New("volume: short read past end of volume")

// ErrReadOnly is returned by mutating operations while the mount is
// read-only after a failed checkpoint, until a retry succeeds.
var ErrReadOnly = errors.New("volume: mount is read-only pending checkpoint retry")

// StatusReporter receives mount state transitions (mounted, readonly,
// error). Nil disables reporting; internal/mountstatus.Writer is the
// production implementation.
type StatusReporter interface {
	Report(state string, cause error)
}

// sizeKey names the cache entry that persists the volume's logical size
// across restarts.
const sizeKey = "cloudfile_size"

// Config holds the volume layer's block-size and timing parameters.
type Config struct {
	BigBlockSize   int64         // default 20 MiB
	SmallBlockSize int64         // default 512 KiB
	CellSize       int64         // default 4 KiB, the fine bitmap's granularity
	FractureDelay  time.Duration // default 60s, the delay before a scheduled fracture fires

	// CheckpointRetries bounds how many times a failing checkpoint is
	// retried before surfacing as fatal and leaving the mount read-only.
	CheckpointRetries int // default 5
}

// DefaultConfig returns the production block and cell sizes.
func DefaultConfig() Config {
	return Config{
		BigBlockSize:      20 << 20,
		SmallBlockSize:    512 << 10,
		CellSize:          4096,
		FractureDelay:     60 * time.Second,
		CheckpointRetries: 5,
	}
}

func fillDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.BigBlockSize <= 0 {
		cfg.BigBlockSize = d.BigBlockSize
	}
	if cfg.SmallBlockSize <= 0 {
		cfg.SmallBlockSize = d.SmallBlockSize
	}
	if cfg.CellSize <= 0 {
		cfg.CellSize = d.CellSize
	}
	if cfg.FractureDelay <= 0 {
		cfg.FractureDelay = d.FractureDelay
	}
	if cfg.CheckpointRetries <= 0 {
		cfg.CheckpointRetries = d.CheckpointRetries
	}
	return cfg
}

// Deps bundles the volume layer's collaborators. Slog may be nil to disable
// crash-recovery logging (tests only; a real mount always configures one).
type Deps struct {
	Cache          *blockcache.Cache
	Locks          *extentlock.Table
	Slog           *wal.Slog
	Fine, Big, OldBig *bitmap.Store
	Trans          blockcache.TransactionAdvancer
	Barrier        blockcache.Barrier
}

// Volume is the logical block device.
type Volume struct {
	cfg Config

	cache   *blockcache.Cache
	locks   *extentlock.Table
	slog    *wal.Slog
	fine    *bitmap.Store
	big     *bitmap.Store
	oldBig  *bitmap.Store
	trans   blockcache.TransactionAdvancer
	barrier blockcache.Barrier

	status StatusReporter

	mu                sync.Mutex
	size              int64
	usedBytes         int64
	readOnly          bool
	haveActiveBig     bool
	activeBigBlock    int64
	newBigBlocks      map[int64]struct{}
	pendingFracture   map[int64]struct{}
	autoCheckpointing bool

	closing chan struct{}
	wg      sync.WaitGroup
}

// New opens a Volume, loading (or, on first boot, creating) its persisted
// size and seeding its used-bytes counter from the fine bitmap's set-bit
// count.
func New(ctx context.Context, cfg Config, deps Deps, initialSize int64) (*Volume, error) {
	cfg = fillDefaults(cfg)

	v := &Volume{
		cfg:             cfg,
		cache:           deps.Cache,
		locks:           deps.Locks,
		slog:            deps.Slog,
		fine:            deps.Fine,
		big:             deps.Big,
		oldBig:          deps.OldBig,
		trans:           deps.Trans,
		barrier:         deps.Barrier,
		newBigBlocks:    make(map[int64]struct{}),
		pendingFracture: make(map[int64]struct{}),
		closing:         make(chan struct{}),
	}

	bits, err := v.fine.CountBits()
	if err != nil {
		return nil, fmt.Errorf("volume: count fine bitmap bits: %w", err)
	}
	v.usedBytes = int64(bits) * v.cfg.CellSize

	size, err := v.loadOrInitSize(ctx, initialSize)
	if err != nil {
		return nil, err
	}
	v.size = size

	return v, nil
}

// SetStatusReporter attaches r as the volume's mount-state sink; nil (the
// default) disables reporting.
func (v *Volume) SetStatusReporter(r StatusReporter) {
	v.mu.Lock()
	v.status = r
	v.mu.Unlock()
}

// ReadOnly reports whether the mount is read-only after a failed
// checkpoint.
func (v *Volume) ReadOnly() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readOnly
}

// Size returns the volume's current logical byte length.
func (v *Volume) Size() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// UsedBytes returns the fine bitmap's tracked used-byte count, kept equal
// to the bitmap's set-bit count times the cell size.
func (v *Volume) UsedBytes() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.usedBytes
}

func (v *Volume) setSize(n int64) {
	v.mu.Lock()
	v.size = n
	v.mu.Unlock()
}

func (v *Volume) addUsedBytes(delta int64) {
	if delta == 0 {
		return
	}
	v.mu.Lock()
	v.usedBytes += delta
	v.mu.Unlock()
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// loadOrInitSize reads the cloudfile_size cache entry, creating it at
// initialSize if the volume has never been opened before.
func (v *Volume) loadOrInitSize(ctx context.Context, initialSize int64) (int64, error) {
	h, err := v.cache.Get(ctx, sizeKey, blockcache.BitmapUnknown, blockcache.FlagDisableThrottling, 8, blockcache.MetadataTag)
	if err == nil {
		defer v.cache.Release(sizeKey)
		_ = v.cache.SetSecondChances(sizeKey, 1<<30)
		if len(h.Data) >= 8 {
			return int64(binary.LittleEndian.Uint64(h.Data)), nil
		}
		return initialSize, nil
	}
	if !errors.Is(err, coreerr.ErrNotFound) {
		return 0, fmt.Errorf("volume: load cloudfile_size: %w", err)
	}

	if _, err := v.cache.Get(ctx, sizeKey, blockcache.BitmapNotPresent, blockcache.FlagDisableThrottling, 8, blockcache.MetadataTag); err != nil {
		return 0, fmt.Errorf("volume: create cloudfile_size: %w", err)
	}
	defer v.cache.Release(sizeKey)
	_ = v.cache.SetSecondChances(sizeKey, 1<<30)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(initialSize))
	if err := v.cache.Put(sizeKey, buf); err != nil {
		return 0, fmt.Errorf("volume: init cloudfile_size: %w", err)
	}
	return initialSize, nil
}

func (v *Volume) persistSize(ctx context.Context, size int64) error {
	if _, err := v.cache.Get(ctx, sizeKey, blockcache.BitmapUnknown, blockcache.FlagDisableThrottling, 8, blockcache.MetadataTag); err != nil {
		if !errors.Is(err, coreerr.ErrNotFound) {
			return fmt.Errorf("volume: persist size: %w", err)
		}
		if _, err := v.cache.Get(ctx, sizeKey, blockcache.BitmapNotPresent, blockcache.FlagDisableThrottling, 8, blockcache.MetadataTag); err != nil {
			return fmt.Errorf("volume: persist size: create entry: %w", err)
		}
	}
	defer v.cache.Release(sizeKey)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(size))
	return v.cache.Put(sizeKey, buf)
}

// resolveBlock decides which tier and block covers pos: a block is big
// while its big-bitmap bit is set; if it is not,
// but the old-big-bitmap bit is set, the region was big before this
// transaction and has since been fractured, so it is addressed as small.
// Territory that was never big and never fractured is brand new; on a write
// it is claimed as big (setting the big-bitmap bit and, via isNewBig,
// flagging it for the in-memory new-big-block bookkeeping).
func (v *Volume) resolveBlock(pos int64, forWrite bool) (tier frontend.Tier, blockNum, blockStart, blockSize, bigIdx int64, isNewBig bool, err error) {
	bigIdx = pos / v.cfg.BigBlockSize

	bigBit, err := v.big.Get(uint64(bigIdx))
	if err != nil {
		return
	}
	if bigBit {
		tier, blockNum, blockStart, blockSize = frontend.TierBig, bigIdx, bigIdx*v.cfg.BigBlockSize, v.cfg.BigBlockSize
		return
	}

	oldBit, err2 := v.oldBig.Get(uint64(bigIdx))
	if err2 != nil {
		err = err2
		return
	}
	if oldBit {
		smallIdx := pos / v.cfg.SmallBlockSize
		tier, blockNum, blockStart, blockSize = frontend.TierSmall, smallIdx, smallIdx*v.cfg.SmallBlockSize, v.cfg.SmallBlockSize
		return
	}

	tier, blockNum, blockStart, blockSize = frontend.TierBig, bigIdx, bigIdx*v.cfg.BigBlockSize, v.cfg.BigBlockSize
	if forWrite {
		if _, setErr := v.big.Set(uint64(bigIdx), true); setErr != nil {
			err = setErr
			return
		}
		isNewBig = true
	}
	return
}

// Read fills buf with the volume's bytes starting at pos, zero-filling any
// range the fine bitmap reports as never written. If the requested range
// extends past Size(), Read fills as many bytes as exist and returns
// ErrShortRead alongside the partial count.
func (v *Volume) Read(ctx context.Context, pos int64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if pos < 0 {
		return 0, fmt.Errorf("volume: read: negative offset %d", pos)
	}

	size := v.Size()
	if pos >= size {
		return 0, ErrShortRead
	}

	end := pos + int64(len(buf))
	truncated := false
	if end > size {
		end = size
		truncated = true
	}

	lock, err := v.locks.Acquire(ctx, pos, int64(len(buf)), extentlock.Shared)
	if err != nil {
		return 0, err
	}
	defer lock.Unlock()

	off := pos
	for off < end {
		tier, blockNum, blockStart, blockSize, _, _, err := v.resolveBlock(off, false)
		if err != nil {
			return int(off - pos), err
		}

		spanEnd := blockStart + blockSize
		if spanEnd > end {
			spanEnd = end
		}

		cellStart := uint64(off / v.cfg.CellSize)
		cellEnd := uint64(ceilDiv(spanEnd, v.cfg.CellSize))
		any, err := v.fine.GetRange(cellStart, cellEnd)
		if err != nil {
			return int(off - pos), err
		}

		dst := buf[off-pos : spanEnd-pos]
		if !any {
			for i := range dst {
				dst[i] = 0
			}
		} else {
			key := frontend.ObjectKey(tier, uint64(blockNum))
			h, err := v.cache.Get(ctx, key, blockcache.BitmapPresent, 0, blockSize, "")
			if err != nil {
				return int(off - pos), err
			}
			copy(dst, h.Data[off-blockStart:spanEnd-blockStart])
			v.cache.Release(key)
		}

		off = spanEnd
	}

	if truncated {
		return int(end - pos), ErrShortRead
	}
	return int(end - pos), nil
}

// Write stores data at pos, appending a slog record first (if a slog is
// configured) so the write survives a crash before checkpoint, then
// updating the covering blocks and the fine bitmap.
func (v *Volume) Write(ctx context.Context, pos int64, data []byte) (int, error) {
	return v.write(ctx, pos, data, true)
}

// write is Write's implementation, with slog appending made optional so
// ReplaySlog can re-apply recovered records without re-logging them.
func (v *Volume) write(ctx context.Context, pos int64, data []byte, appendSlog bool) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if pos < 0 {
		return 0, fmt.Errorf("volume: write: negative offset %d", pos)
	}
	if v.ReadOnly() {
		return 0, ErrReadOnly
	}

	lock, err := v.locks.Acquire(ctx, pos, int64(len(data)), extentlock.Shared)
	if err != nil {
		return 0, err
	}
	defer lock.Unlock()

	if appendSlog && v.slog != nil {
		if err := v.slog.Append(pos, data); err != nil {
			return 0, fmt.Errorf("volume: write: append slog: %w", err)
		}
	}

	end := pos + int64(len(data))
	off := pos
	for off < end {
		tier, blockNum, blockStart, blockSize, bigIdx, isNewBig, err := v.resolveBlock(off, true)
		if err != nil {
			return int(off - pos), err
		}

		spanEnd := blockStart + blockSize
		if spanEnd > end {
			spanEnd = end
		}

		blockCellStart := uint64(blockStart / v.cfg.CellSize)
		blockCellEnd := uint64((blockStart + blockSize) / v.cfg.CellSize)
		hasData, err := v.fine.GetRange(blockCellStart, blockCellEnd)
		if err != nil {
			return int(off - pos), err
		}
		bitmapInfo := blockcache.BitmapPresent
		if !hasData {
			bitmapInfo = blockcache.BitmapNotPresent
		}

		key := frontend.ObjectKey(tier, uint64(blockNum))
		h, err := v.cache.Get(ctx, key, bitmapInfo, 0, blockSize, "")
		if err != nil {
			return int(off - pos), err
		}

		buf := h.Data
		if int64(len(buf)) < blockSize {
			grown := make([]byte, blockSize)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[off-blockStart:spanEnd-blockStart], data[off-pos:spanEnd-pos])

		if err := v.cache.Put(key, buf); err != nil {
			v.cache.Release(key)
			return int(off - pos), err
		}
		v.cache.Release(key)

		writeCellStart := uint64(off / v.cfg.CellSize)
		writeCellEnd := uint64(ceilDiv(spanEnd, v.cfg.CellSize))
		changed, err := v.fine.SetRange(writeCellStart, writeCellEnd, true)
		if err != nil {
			return int(off - pos), err
		}
		v.addUsedBytes(changed * v.cfg.CellSize)

		if isNewBig {
			v.mu.Lock()
			v.newBigBlocks[bigIdx] = struct{}{}
			v.mu.Unlock()
		}
		v.trackActiveBigBlock(bigIdx)

		off = spanEnd
	}

	if v.slog != nil && v.slog.ExceedsMaxSize() {
		v.maybeAutoCheckpoint()
	}

	return int(end - pos), nil
}

// ReplaySlog re-applies recovered write records from a crash, without
// re-appending them to the (fresh) slog.
func (v *Volume) ReplaySlog(ctx context.Context, records []wal.Record) error {
	for _, r := range records {
		if _, err := v.write(ctx, r.Offset, r.Payload, false); err != nil {
			return fmt.Errorf("volume: replay slog record at offset %d: %w", r.Offset, err)
		}
	}
	return nil
}

// PunchHole clears [pos, pos+length) to zero, deleting any block that
// becomes entirely empty and restoring the big-bitmap bit for any big block
// whose small fragments are now all empty.
func (v *Volume) PunchHole(ctx context.Context, pos, length int64) error {
	if length <= 0 {
		return nil
	}
	if v.ReadOnly() {
		return ErrReadOnly
	}
	size := v.Size()
	if pos >= size {
		return nil
	}
	end := pos + length
	if end > size {
		end = size
	}
	length = end - pos

	mode := extentlock.Shared
	if pos == 0 && end == size {
		mode = extentlock.Exclusive
	}
	lock, err := v.locks.Acquire(ctx, pos, length, mode)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	cellStart := uint64(pos / v.cfg.CellSize)
	cellEnd := uint64(ceilDiv(end, v.cfg.CellSize))
	changed, err := v.fine.SetRange(cellStart, cellEnd, false)
	if err != nil {
		return err
	}
	v.addUsedBytes(-changed * v.cfg.CellSize)

	touchedBig := make(map[int64]struct{})
	off := pos
	for off < end {
		tier, blockNum, blockStart, blockSize, bigIdx, _, err := v.resolveBlock(off, false)
		if err != nil {
			return err
		}
		spanEnd := blockStart + blockSize
		if spanEnd > end {
			spanEnd = end
		}

		blockCellStart := uint64(blockStart / v.cfg.CellSize)
		blockCellEnd := uint64((blockStart + blockSize) / v.cfg.CellSize)
		any, err := v.fine.GetRange(blockCellStart, blockCellEnd)
		if err != nil {
			return err
		}
		if !any {
			key := frontend.ObjectKey(tier, uint64(blockNum))
			if v.cache.HasItemCached(key) {
				if err := v.cache.Del(ctx, key); err != nil {
					logger.Warnf("volume: punch: delete emptied block %q: %v", key, err)
				}
			}
		}
		if tier == frontend.TierSmall {
			touchedBig[bigIdx] = struct{}{}
		}

		off = spanEnd
	}

	cellsPerBig := uint64(v.cfg.BigBlockSize / v.cfg.CellSize)
	for bigIdx := range touchedBig {
		start := uint64(bigIdx) * cellsPerBig
		any, err := v.fine.GetRange(start, start+cellsPerBig)
		if err != nil {
			continue
		}
		if !any {
			if _, err := v.big.Set(uint64(bigIdx), true); err != nil {
				logger.Warnf("volume: punch: restore big bit %d: %v", bigIdx, err)
			}
		}
	}

	return nil
}

// Resize changes the volume's logical size exclusively, growing (or
// shrinking) the three bitmap stores to match, then persists the new size.
func (v *Volume) Resize(ctx context.Context, newSize int64) error {
	if newSize < 0 {
		return fmt.Errorf("volume: resize: negative size %d", newSize)
	}
	if v.ReadOnly() {
		return ErrReadOnly
	}
	oldSize := v.Size()

	lockLen := oldSize
	if newSize > lockLen {
		lockLen = newSize
	}
	if lockLen == 0 {
		lockLen = 1
	}
	lock, err := v.locks.Acquire(ctx, 0, lockLen, extentlock.Exclusive)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	newCells := uint64(ceilDiv(newSize, v.cfg.CellSize))
	newBigBlocks := uint64(ceilDiv(newSize, v.cfg.BigBlockSize))

	if err := v.fine.Flush(); err != nil {
		return fmt.Errorf("volume: resize: flush fine bitmap: %w", err)
	}
	if err := v.fine.Resize(newCells); err != nil {
		return fmt.Errorf("volume: resize: fine bitmap: %w", err)
	}
	if err := v.big.Flush(); err != nil {
		return fmt.Errorf("volume: resize: flush big bitmap: %w", err)
	}
	if err := v.big.Resize(newBigBlocks); err != nil {
		return fmt.Errorf("volume: resize: big bitmap: %w", err)
	}
	if err := v.oldBig.Flush(); err != nil {
		return fmt.Errorf("volume: resize: flush old-big bitmap: %w", err)
	}
	if err := v.oldBig.Resize(newBigBlocks); err != nil {
		return fmt.Errorf("volume: resize: old-big bitmap: %w", err)
	}

	if err := v.persistSize(ctx, newSize); err != nil {
		return err
	}
	v.setSize(newSize)
	return nil
}

// Checkpoint freezes the current transaction, submits dirty blocks, and
// advances the transaction id, then folds this transaction's
// newly-claimed big blocks into the old-big-bitmap so they become
// fracture-eligible starting with the next transaction.
func (v *Volume) Checkpoint(ctx context.Context, doSubmit bool) (uint64, error) {
	var slogSyncer blockcache.SlogSyncer
	if v.slog != nil {
		slogSyncer = v.slog
	}

	deps := blockcache.CheckpointDeps{
		Barrier:  v.barrier,
		Slog:     slogSyncer,
		RetryMax: v.cfg.CheckpointRetries,
		Bitmaps: []blockcache.BitmapStore{
			bitmapCheckpointAdapter{v.fine},
			bitmapCheckpointAdapter{v.big},
			bitmapCheckpointAdapter{v.oldBig},
		},
		Trans: v.trans,
	}

	transID, err := v.cache.Checkpoint(ctx, doSubmit, deps)

	// A failed checkpoint leaves dirty state that cannot be made durable;
	// the mount goes read-only until a retry succeeds.
	v.mu.Lock()
	wasReadOnly := v.readOnly
	v.readOnly = err != nil
	status := v.status
	v.mu.Unlock()

	if err != nil {
		if status != nil {
			status.Report("readonly", err)
		}
		return 0, err
	}
	if wasReadOnly && status != nil {
		status.Report("mounted", nil)
	}

	v.mu.Lock()
	pending := v.newBigBlocks
	v.newBigBlocks = make(map[int64]struct{})
	v.mu.Unlock()
	for bigIdx := range pending {
		if _, err := v.oldBig.Set(uint64(bigIdx), true); err != nil {
			logger.Warnf("volume: checkpoint: fold new big block %d into old-big bitmap: %v", bigIdx, err)
		}
	}

	if v.slog != nil {
		if err := v.slog.Reopen(transID); err != nil {
			return transID, fmt.Errorf("volume: checkpoint: reopen slog: %w", err)
		}
	}

	return transID, nil
}

// Close stops any pending fracture timers and closes the bitmap stores,
// slog, and cache.
func (v *Volume) Close() error {
	close(v.closing)
	v.wg.Wait()

	var errs []error
	if err := v.fine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := v.big.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := v.oldBig.Close(); err != nil {
		errs = append(errs, err)
	}
	if v.slog != nil {
		if err := v.slog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	v.cache.Close()

	if len(errs) > 0 {
		return fmt.Errorf("volume: close: %v", errs)
	}
	return nil
}

// maybeAutoCheckpoint runs a checkpoint in the background when the slog has
// grown past its configured limit, so Write itself never blocks on one.
func (v *Volume) maybeAutoCheckpoint() {
	v.mu.Lock()
	if v.autoCheckpointing {
		v.mu.Unlock()
		return
	}
	v.autoCheckpointing = true
	v.mu.Unlock()

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer func() {
			v.mu.Lock()
			v.autoCheckpointing = false
			v.mu.Unlock()
		}()
		if _, err := v.Checkpoint(context.Background(), true); err != nil {
			logger.Errorf("volume: auto-checkpoint after slog overflow failed: %v", err)
		}
	}()
}
