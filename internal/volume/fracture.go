package volume

import (
	"context"
	"time"

	"github.com/marmos91/cloudcached/internal/blockcache"
	"github.com/marmos91/cloudcached/internal/frontend"
	"github.com/marmos91/cloudcached/internal/logger"
)

// trackActiveBigBlock schedules a fracture check for bigIdx the first time
// a write lands in it during the volume's lifetime, and whenever a write
// lands in a *different* big block than the previous write it also
// schedules a fracture check for that previous block (if it is still big):
// if write locality stays away from a big block for FractureDelay,
// fracture it. A single still-hot big block never re-schedules itself on
// every write; only a change of locality does.
func (v *Volume) trackActiveBigBlock(bigIdx int64) {
	v.mu.Lock()
	wasActive := v.haveActiveBig
	prev := v.activeBigBlock
	v.activeBigBlock = bigIdx
	v.haveActiveBig = true
	drifted := !wasActive || prev != bigIdx
	v.mu.Unlock()

	if drifted {
		v.scheduleFracture(bigIdx)
	}
	if wasActive && prev != bigIdx {
		if stillBig, err := v.big.Get(uint64(prev)); err == nil && stillBig {
			v.scheduleFracture(prev)
		}
	}
}

// scheduleFracture arms a one-shot timer for bigIdx unless one is already
// pending.
func (v *Volume) scheduleFracture(bigIdx int64) {
	v.mu.Lock()
	if _, pending := v.pendingFracture[bigIdx]; pending {
		v.mu.Unlock()
		return
	}
	v.pendingFracture[bigIdx] = struct{}{}
	v.mu.Unlock()

	v.launchFractureTimer(bigIdx, v.cfg.FractureDelay)
}

// launchFractureTimer starts (or restarts, on retry) the background timer
// that fires runFracture for bigIdx after delay. It does not touch
// pendingFracture: the caller is responsible for having already marked (or
// left marked) bigIdx pending before calling this.
func (v *Volume) launchFractureTimer(bigIdx int64, delay time.Duration) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			v.runFracture(bigIdx)
		case <-v.closing:
		}
	}()
}

// runFracture performs the fracture itself: if bigIdx is still the volume's
// active big block (a write landed in it again before the timer fired), the
// fracture is skipped and the entry is dropped since locality never
// drifted. Otherwise the big block's bit is cleared and every small block
// it covers is read out of the big object's cached bytes and resubmitted as
// its own small-tier entry, after which the pending marker is cleared. A
// failure along the way re-arms the timer rather than dropping the pending
// marker, so a transient backend error does not silently abandon the
// fracture.
func (v *Volume) runFracture(bigIdx int64) {
	v.mu.Lock()
	current := v.haveActiveBig && v.activeBigBlock == bigIdx
	v.mu.Unlock()
	if current {
		v.mu.Lock()
		delete(v.pendingFracture, bigIdx)
		v.mu.Unlock()
		return
	}

	if err := v.restoreBigBit(bigIdx); err != nil {
		logger.Warnf("volume: fracture big block %d failed, retrying in %s: %v", bigIdx, v.cfg.FractureDelay, err)
		v.launchFractureTimer(bigIdx, v.cfg.FractureDelay)
		return
	}

	v.mu.Lock()
	delete(v.pendingFracture, bigIdx)
	v.mu.Unlock()
}

// restoreBigBit splits big block bigIdx into its constituent small blocks:
// it reads the big object once, writes out each small-tier object that has
// any data in its span, clears the big bit, and sets the old-big bit so
// future resolveBlock calls address this territory at small granularity.
func (v *Volume) restoreBigBit(bigIdx int64) error {
	ctx := context.Background()
	blockStart := bigIdx * v.cfg.BigBlockSize

	cellStart := uint64(blockStart / v.cfg.CellSize)
	cellEnd := uint64((blockStart + v.cfg.BigBlockSize) / v.cfg.CellSize)
	any, err := v.fine.GetRange(cellStart, cellEnd)
	if err != nil {
		return err
	}

	bigKey := frontend.ObjectKey(frontend.TierBig, uint64(bigIdx))
	var bigData []byte
	if any && v.cache.HasItemCached(bigKey) {
		h, err := v.cache.Get(ctx, bigKey, blockcache.BitmapPresent, 0, v.cfg.BigBlockSize, "")
		if err != nil {
			return err
		}
		bigData = append([]byte(nil), h.Data...)
		v.cache.Release(bigKey)
	}

	smallPerBig := v.cfg.BigBlockSize / v.cfg.SmallBlockSize
	firstSmall := blockStart / v.cfg.SmallBlockSize

	for i := int64(0); i < smallPerBig; i++ {
		smallStart := blockStart + i*v.cfg.SmallBlockSize
		smallCellStart := uint64(smallStart / v.cfg.CellSize)
		smallCellEnd := uint64((smallStart + v.cfg.SmallBlockSize) / v.cfg.CellSize)

		hasData, err := v.fine.GetRange(smallCellStart, smallCellEnd)
		if err != nil {
			return err
		}
		if !hasData {
			continue
		}

		smallKey := frontend.ObjectKey(frontend.TierSmall, uint64(firstSmall+i))
		buf := make([]byte, v.cfg.SmallBlockSize)
		if bigData != nil {
			off := i * v.cfg.SmallBlockSize
			copy(buf, bigData[off:off+v.cfg.SmallBlockSize])
		}

		if _, err := v.cache.Get(ctx, smallKey, blockcache.BitmapNotPresent, 0, v.cfg.SmallBlockSize, ""); err != nil {
			return err
		}
		putErr := v.cache.Put(smallKey, buf)
		v.cache.Release(smallKey)
		if putErr != nil {
			return putErr
		}
	}

	if v.cache.HasItemCached(bigKey) {
		if err := v.cache.Del(ctx, bigKey); err != nil {
			logger.Warnf("volume: fracture %d: delete old big object: %v", bigIdx, err)
		}
	}

	if _, err := v.big.Set(uint64(bigIdx), false); err != nil {
		return err
	}
	if _, err := v.oldBig.Set(uint64(bigIdx), true); err != nil {
		return err
	}
	return nil
}
