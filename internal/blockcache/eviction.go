package blockcache

import (
	"cmp"
	"slices"
)

// evictLRUToTargetLocked evicts cold (refcount==0, clean-or-submitted)
// entries, least-recently-used first, until curSize <= target or nothing
// more is evictable. Caller must hold c.mu. Metadata-tagged entries carry
// a second-chance counter and survive that many passes.
func (c *Cache) evictLRUToTargetLocked(target int64) {
	type candidate struct {
		key      string
		lastUsed int64
	}

	cold := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		if e.refcount > 0 || e.dirty || e.fetching {
			continue
		}
		cold = append(cold, candidate{key: k, lastUsed: e.lastUsed.UnixNano()})
	}
	slices.SortFunc(cold, func(a, b candidate) int {
		return cmp.Compare(a.lastUsed, b.lastUsed)
	})

	for _, cand := range cold {
		if c.curSize <= target {
			return
		}
		e := c.entries[cand.key]
		if e == nil {
			continue
		}
		if e.secondChances > 0 {
			e.secondChances--
			continue
		}
		if e.submitted {
			c.submittedBytes -= e.size
		}
		c.curSize -= e.size
		delete(c.entries, cand.key)
	}
}

// EvictLRU evicts cold entries to free at least targetFreeBytes, for
// explicit cache management.
func (c *Cache) EvictLRU(targetFreeBytes int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.curSize
	target := start - targetFreeBytes
	if target < 0 {
		target = 0
	}
	c.evictLRUToTargetLocked(target)
	c.observeResidencyLocked()
	return start - c.curSize
}

// admissionBand classifies free cache-device space into the watchdog
// bands, used by the volume/frontend write path to decide whether to
// throttle, refuse, or block a new admission.
type admissionBand int

const (
	bandNormal admissionBand = iota
	bandThrottle
	bandCritical
	bandMin
)

func (c *Cache) admissionBand(freeBytes int64) admissionBand {
	switch {
	case freeBytes <= c.watchdog.ReservedFloor:
		return bandMin
	case freeBytes <= c.watchdog.CriticalFree:
		return bandCritical
	case freeBytes <= c.watchdog.ThrottleFree:
		return bandThrottle
	default:
		return bandNormal
	}
}

// AdmitAllowed reports whether a non-metadata admission is allowed given
// freeBytes of space remaining on the cache device; in the critical band
// only metadata entries are admitted.
func (c *Cache) AdmitAllowed(freeBytes int64, flags Flags, tag string) bool {
	if flags&FlagDisableThrottling != 0 {
		return true
	}
	band := c.admissionBand(freeBytes)
	switch band {
	case bandMin:
		return false // block until space reclaimed, even for metadata
	case bandCritical:
		return tag == MetadataTag
	default:
		return true
	}
}
