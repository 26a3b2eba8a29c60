// Package blockcache implements the transactional block cache: a mapping
// from block key to cache entry, sitting between the volume layer and the
// object-store frontend.
package blockcache

import (
	"errors"
	"time"
)

// BitmapInfo records whether a key is known to have a persisted object in
// the current transaction, mirroring the volume layer's fine-bitmap lookup
// before calling get().
type BitmapInfo int

const (
	BitmapUnknown BitmapInfo = iota
	BitmapPresent
	BitmapNotPresent
)

// Flags is the per-Get boolean flag set.
type Flags uint32

const (
	FlagReadOnly Flags = 1 << iota
	FlagSequential
	FlagDisableMemfiles
	FlagDisableThrottling
	FlagPrioritizeRead
	FlagPreloadOnce
	FlagDisableFDCache
)

var (
	// ErrCacheClosed is returned when operations are attempted on a closed cache.
	ErrCacheClosed = errors.New("blockcache: cache is closed")

	// ErrEntryNotFound is returned by Put and SetSecondChances when the key
	// has no resident entry.
	ErrEntryNotFound = errors.New("blockcache: entry not found")
)

// MetadataTag marks entries that should survive extra eviction passes.
const MetadataTag = "metadata"

// entry is one resident cache entry; the block's bytes are held in memory.
type entry struct {
	key        string
	data       []byte
	size       int64
	bitmapInfo BitmapInfo
	dirty      bool
	submitted  bool
	deleted    bool // not set by Del, which drops the entry and deletes from the source at once
	refcount   int
	lastUsed   time.Time
	tag        string
	flags      Flags

	secondChances int // remaining eviction passes to survive

	waiters []chan struct{} // parked Get callers waiting on an in-flight fetch for this key
	fetchErr error
	fetching bool
}

// Stats is the cache's byte and entry accounting snapshot.
type Stats struct {
	TotalBytes     int64
	DirtyBytes     int64
	SubmittedBytes int64
	EntryCount     int
}

// WatchdogBands are the free-space thresholds gating admission.
//
// Only ThrottleFree, CriticalFree, and ReservedFloor gate admission.
// MinFreeTarget is the eviction system's working-space target, not an
// admission gate: eviction aims to keep that much free on the cache
// device, while ReservedFloor is the hard boundary below which admission
// blocks until space is reclaimed.
type WatchdogBands struct {
	ThrottleFree  int64 // default 5 GiB: slow admissions
	CriticalFree  int64 // default 1 GiB: refuse new admissions except metadata
	ReservedFloor int64 // hard stop: block until space is reclaimed
	MinFreeTarget int64 // default 20 GiB: eviction aims to keep at least this much free
	CompStartFree int64 // default 20 GiB: arm background compression of idle entries
}

// DefaultWatchdogBands holds the production thresholds.
var DefaultWatchdogBands = WatchdogBands{
	ThrottleFree:  5 << 30,
	CriticalFree:  1 << 30,
	ReservedFloor: 64 << 20,
	MinFreeTarget: 20 << 30,
	CompStartFree: 20 << 30,
}

// Handle is the referenced cache entry returned by Get; callers must call
// Release when finished, mirroring release(key) decrementing refcount.
type Handle struct {
	Key        string
	Data       []byte
	Size       int64
	BitmapInfo BitmapInfo
}
