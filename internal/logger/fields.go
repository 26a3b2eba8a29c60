package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging. Use these keys consistently
// across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Volume Operations
	// ========================================================================
	KeyOperation    = "operation"     // Operation name: read, write, punch, resize, checkpoint, fracture
	KeyOffset       = "offset"        // Volume byte offset for read/write operations
	KeyLength       = "length"        // Byte count requested
	KeyBytesRead    = "bytes_read"    // Actual bytes read
	KeyBytesWritten = "bytes_written" // Actual bytes written

	// ========================================================================
	// Blocks & Transactions
	// ========================================================================
	KeyBlockKey   = "block_key"  // Block key (hex form of the tier-tagged key)
	KeyTier       = "tier"       // Block tier: big, small
	KeyTransID    = "trans_id"   // Transaction id
	KeyGeneration = "generation" // Generation counter value

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeySource     = "source"      // Data source: cache, backend, catalog

	// ========================================================================
	// Object-Store Backend
	// ========================================================================
	KeyBucket     = "bucket"      // Cloud bucket name
	KeyKey        = "key"         // Object key in cloud storage
	KeyRegion     = "region"      // Cloud region
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts

	// ========================================================================
	// Cache Layer
	// ========================================================================
	KeyCacheHit      = "cache_hit"      // Cache hit indicator
	KeyCacheState    = "cache_state"    // Cache state: dirty, clean, submitted
	KeyCacheSize     = "cache_size"     // Current cache size
	KeyCacheCapacity = "cache_capacity" // Maximum cache capacity
	KeyEvicted       = "evicted"        // Number of entries evicted

	// ========================================================================
	// Collector
	// ========================================================================
	KeyTask      = "task"       // Collector task kind
	KeyBatchSize = "batch_size" // Objects in the current deletion batch

	// ========================================================================
	// Extent Locking
	// ========================================================================
	KeyLockMode   = "lock_mode"   // Lock mode: shared, exclusive
	KeyLockOffset = "lock_offset" // Lock range start
	KeyLockLength = "lock_length" // Lock range length
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Operation returns a slog.Attr for the volume operation name
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Offset returns a slog.Attr for a volume byte offset
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// Length returns a slog.Attr for a byte count requested
func Length(n int64) slog.Attr {
	return slog.Int64(KeyLength, n)
}

// BytesRead returns a slog.Attr for actual bytes read
func BytesRead(n int) slog.Attr {
	return slog.Int(KeyBytesRead, n)
}

// BytesWritten returns a slog.Attr for actual bytes written
func BytesWritten(n int) slog.Attr {
	return slog.Int(KeyBytesWritten, n)
}

// BlockKey returns a slog.Attr for a block key (formatted as hex)
func BlockKey(k []byte) slog.Attr {
	return slog.String(KeyBlockKey, fmt.Sprintf("%x", k))
}

// BlockKeyHex returns a slog.Attr for a block key already in hex form
func BlockKeyHex(k string) slog.Attr {
	return slog.String(KeyBlockKey, k)
}

// Tier returns a slog.Attr for a block tier
func Tier(t string) slog.Attr {
	return slog.String(KeyTier, t)
}

// TransID returns a slog.Attr for a transaction id
func TransID(id uint64) slog.Attr {
	return slog.Uint64(KeyTransID, id)
}

// Generation returns a slog.Attr for a generation counter value
func Generation(g uint64) slog.Attr {
	return slog.Uint64(KeyGeneration, g)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Source returns a slog.Attr for a data source
func Source(src string) slog.Attr {
	return slog.String(KeySource, src)
}

// Bucket returns a slog.Attr for a cloud bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key in cloud storage
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// Region returns a slog.Attr for a cloud region
func Region(r string) slog.Attr {
	return slog.String(KeyRegion, r)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// CacheHit returns a slog.Attr for a cache hit indicator
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// CacheState returns a slog.Attr for a cache entry state
func CacheState(state string) slog.Attr {
	return slog.String(KeyCacheState, state)
}

// CacheSize returns a slog.Attr for the current cache size
func CacheSize(size int64) slog.Attr {
	return slog.Int64(KeyCacheSize, size)
}

// CacheCapacity returns a slog.Attr for the maximum cache capacity
func CacheCapacity(capacity int64) slog.Attr {
	return slog.Int64(KeyCacheCapacity, capacity)
}

// Evicted returns a slog.Attr for the number of entries evicted
func Evicted(n int) slog.Attr {
	return slog.Int(KeyEvicted, n)
}

// Task returns a slog.Attr for a collector task kind
func Task(kind string) slog.Attr {
	return slog.String(KeyTask, kind)
}

// BatchSize returns a slog.Attr for a deletion batch size
func BatchSize(n int) slog.Attr {
	return slog.Int(KeyBatchSize, n)
}

// LockMode returns a slog.Attr for an extent lock mode
func LockMode(m string) slog.Attr {
	return slog.String(KeyLockMode, m)
}

// LockOffset returns a slog.Attr for a lock range start
func LockOffset(off int64) slog.Attr {
	return slog.Int64(KeyLockOffset, off)
}

// LockLength returns a slog.Attr for a lock range length
func LockLength(n int64) slog.Attr {
	return slog.Int64(KeyLockLength, n)
}
