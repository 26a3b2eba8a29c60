// Package backend defines the pluggable object-store contract the
// frontend drives: a capability set {Get, Put, Delete, List,
// Sync, Capabilities}, modeled as a single Go interface rather than a
// tagged variant over concrete backend types. internal/backend/s3 and
// internal/backend/memory implement it.
package backend

import (
	"context"
	"io"
	"time"
)

// GetFlags modifies how Get behaves. Multiple flags combine with bitwise OR.
type GetFlags uint32

const (
	GetDecrypted     GetFlags = 1 << iota // caller wants cleartext, not the raw encrypted object
	GetPrioritize                         // serve ahead of background traffic
	GetUnsynced                           // tolerate reading a version not yet confirmed durable
	GetBackground                         // issued by a background task, not a client
	GetRebalance                          // issued by mirror/rebalance, not a client
	GetScrub                              // issued by the integrity scrubber
	GetRebuild                            // issued by catalog rebuild/import
	GetReadahead                          // speculative, may be dropped under pressure
	GetNoThrottle                         // bypass admission throttling
	GetPrependMd5sum                      // caller wants the MD5 prefixed to the stream
)

// PutFlags modifies how Put behaves.
type PutFlags uint32

const (
	PutBackground PutFlags = 1 << iota // issued by a background task
	PutNoThrottle
)

// StatusBits reports fine-grained outcome detail alongside a Get result.
type StatusBits uint32

const (
	StatusSkipped StatusBits = 1 << iota
	StatusRepaired
	StatusRepairError
	StatusNotFound
	StatusEnospc
)

// GetResult carries the outcome of a successful Get.
type GetResult struct {
	MD5    string
	Status StatusBits
}

// PutResult carries the outcome of a successful Put.
type PutResult struct {
	MD5            string
	CompressedSize int64
	LocationInfo   []byte // opaque backend hint, e.g. object version id
}

// Capabilities describes what a Backend implementation supports, so the
// frontend can adapt its batching and transaction bookkeeping.
type Capabilities struct {
	HasTransactions     bool
	DelWithLocationInfo bool
	OrderedDel          bool
	MaxDelSize          int
	NumDelParallel      int
}

// Backend is the contract every object-store adapter implements. All keys
// are ASCII object names.
type Backend interface {
	// Get locates key and returns a reader over its bytes. md5, if
	// non-empty, lets the backend skip re-verification when it already
	// knows the object's digest (e.g. a catalog-confirmed read).
	Get(ctx context.Context, key string, md5 string, flags GetFlags) (io.ReadCloser, GetResult, error)

	// Put uploads src under key, returning the computed digest and
	// compressed size.
	Put(ctx context.Context, key string, src io.Reader, flags PutFlags) (PutResult, error)

	// Delete removes keys. If background is true, the backend may defer
	// and batch the deletion more aggressively.
	Delete(ctx context.Context, keys []string, background bool) error

	// List enumerates every object in the bucket (or under the configured
	// key prefix, for implementations that have one). Used only for
	// recovery/import.
	List(ctx context.Context, fn func(key, md5 string, size int64, mtime time.Time) error) error

	// Sync is a barrier: no previously acknowledged Put or Delete is lost
	// after it returns.
	Sync(ctx context.Context) error

	// Capabilities reports static backend properties.
	Capabilities() Capabilities
}

// Metrics observes traffic against a concrete Backend adapter. Defined next
// to the contract it measures, as with blockcache.CacheMetrics; nil
// disables instrumentation. op is one of "get", "put", "delete", "list",
// "sync".
type Metrics interface {
	ObserveOp(op string, bytes int64, d time.Duration, err error)
}

// Well-known bucket objects outside the transaction-tagged namespace.
const (
	// MagicObjectName holds MagicContent; its presence is the
	// bucket-belongs-to-us test performed at mount.
	MagicObjectName = "cd_magic_file"
	MagicContent    = "CD_MAGIC"
	// NumObjectName holds the mount's cache-domain allocation bookkeeping.
	NumObjectName = "cd_num_file"
)

// ErrNotFound is returned by Get when key does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "backend: object not found" }
