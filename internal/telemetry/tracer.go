package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for core operations. Span names follow
// <component>.<operation>; attribute keys follow OpenTelemetry semantic
// convention style where one applies.
const (
	AttrBlockKey  = "volume.block_key"
	AttrTransID   = "volume.transid"
	AttrCDID      = "volume.cd_id"
	AttrOffset    = "volume.offset"
	AttrLength    = "volume.length"
	AttrTier      = "volume.tier"
	AttrCacheHit  = "cache.hit"
	AttrCacheSize = "cache.size"
	AttrBucket    = "storage.bucket"
	AttrKey       = "storage.key"
	AttrRegion    = "storage.region"
	AttrTaskKind  = "collector.task_kind"
)

// Span names for the core's operations.
const (
	SpanVolumeRead       = "volume.read"
	SpanVolumeWrite      = "volume.write"
	SpanVolumePunchHole  = "volume.punch_hole"
	SpanVolumeResize     = "volume.resize"
	SpanVolumeCheckpoint = "volume.checkpoint"
	SpanVolumeFracture   = "volume.fracture"
	SpanCacheGet         = "cache.get"
	SpanCacheCheckpoint  = "cache.checkpoint"
	SpanFrontendGet      = "frontend.get"
	SpanFrontendPut      = "frontend.put"
	SpanFrontendDel      = "frontend.del"
	SpanBackendGet       = "backend.get"
	SpanBackendPut       = "backend.put"
	SpanBackendDelete    = "backend.delete"
	SpanBackendList      = "backend.list"
	SpanBackendSync      = "backend.sync"
	SpanCollectorTask    = "collector.task"
)

// BlockKey returns an attribute for the frontend's block key.
func BlockKey(key string) attribute.KeyValue {
	return attribute.String(AttrBlockKey, key)
}

// TransID returns an attribute for a transaction id.
func TransID(transid uint64) attribute.KeyValue {
	return attribute.Int64(AttrTransID, int64(transid))
}

// CDID returns an attribute for a cloud-drive id.
func CDID(cdID uint64) attribute.KeyValue {
	return attribute.Int64(AttrCDID, int64(cdID))
}

// Offset returns an attribute for a logical byte offset.
func Offset(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrOffset, offset)
}

// Length returns an attribute for a byte range length.
func Length(length int64) attribute.KeyValue {
	return attribute.Int64(AttrLength, length)
}

// Tier returns an attribute for a block's tier ("big" or "small").
func Tier(tier string) attribute.KeyValue {
	return attribute.String(AttrTier, tier)
}

// CacheHit returns an attribute for a cache hit/miss outcome.
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// Bucket returns an attribute for the backend bucket name.
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for a backend object key.
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Region returns an attribute for a cloud region.
func Region(region string) attribute.KeyValue {
	return attribute.String(AttrRegion, region)
}

// TaskKind returns an attribute for a collector task kind.
func TaskKind(kind string) attribute.KeyValue {
	return attribute.String(AttrTaskKind, kind)
}

// StartVolumeSpan starts a span for a volume-layer operation.
func StartVolumeSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// StartCacheSpan starts a span for a transactional-cache operation.
func StartCacheSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "cache."+operation, trace.WithAttributes(attrs...))
}

// StartFrontendSpan starts a span for an object-store frontend operation.
func StartFrontendSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "frontend."+operation, trace.WithAttributes(attrs...))
}

// StartBackendSpan starts a span for a backend adapter operation.
func StartBackendSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "backend."+operation, trace.WithAttributes(attrs...))
}

// StartCollectorSpan starts a span for a background collector task.
func StartCollectorSpan(ctx context.Context, kind string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{TaskKind(kind)}, attrs...)
	return StartSpan(ctx, SpanCollectorTask, trace.WithAttributes(allAttrs...))
}
