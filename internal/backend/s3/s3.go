// Package s3 implements internal/backend.Backend against an S3-compatible
// bucket (PutObject/GetObject/DeleteObjects/paginated ListObjectsV2/
// HeadBucket), with crypto/md5 digesting on both upload and download.
package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/cloudcached/internal/backend"
	"github.com/marmos91/cloudcached/internal/telemetry"
)

// Config configures the S3 adapter.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	KeyPrefix      string
	ForcePathStyle bool // required for MinIO/localstack compatibility
	NumDelParallel int
}

// Backend is an S3-compatible implementation of backend.Backend.
type Backend struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	caps      backend.Capabilities
	metrics   backend.Metrics
}

// SetMetrics attaches m as the backend's metrics sink; nil disables it.
func (b *Backend) SetMetrics(m backend.Metrics) { b.metrics = m }

func (b *Backend) observe(op string, bytes int64, start time.Time, err error) {
	if b.metrics != nil {
		b.metrics.ObserveOp(op, bytes, time.Since(start), err)
	}
}

// New wraps an existing *s3.Client.
func New(client *s3.Client, cfg Config) *Backend {
	if cfg.NumDelParallel <= 0 {
		cfg.NumDelParallel = 4
	}
	return &Backend{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		caps: backend.Capabilities{
			HasTransactions:     false, // S3 itself has no transactions; the frontend's catalog supplies them
			DelWithLocationInfo: false,
			OrderedDel:          false,
			MaxDelSize:          1000, // S3 DeleteObjects batch limit
			NumDelParallel:      cfg.NumDelParallel,
		},
	}
}

// NewFromConfig builds an AWS config and S3 client from cfg.
func NewFromConfig(ctx context.Context, cfg Config) (*Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

func (b *Backend) fullKey(key string) string { return b.keyPrefix + key }

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, key string, md5Hex string, flags backend.GetFlags) (_ io.ReadCloser, _ backend.GetResult, err error) {
	ctx, span := telemetry.StartBackendSpan(ctx, "get", telemetry.Bucket(b.bucket), telemetry.StorageKey(key))
	defer span.End()

	start := time.Now()
	var n int64
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		b.observe("get", n, start, err)
	}()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, backend.GetResult{Status: backend.StatusNotFound}, backend.ErrNotFound
		}
		return nil, backend.GetResult{}, fmt.Errorf("s3 get object %q: %w", key, err)
	}

	body, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return nil, backend.GetResult{}, fmt.Errorf("read s3 object body %q: %w", key, err)
	}
	n = int64(len(body))

	sum := md5.Sum(body)
	gotMD5 := hex.EncodeToString(sum[:])
	var status backend.StatusBits
	if md5Hex != "" && md5Hex != gotMD5 {
		status |= backend.StatusRepairError
	}

	return io.NopCloser(bytes.NewReader(body)), backend.GetResult{MD5: gotMD5, Status: status}, nil
}

// Put implements backend.Backend.
func (b *Backend) Put(ctx context.Context, key string, src io.Reader, flags backend.PutFlags) (_ backend.PutResult, err error) {
	ctx, span := telemetry.StartBackendSpan(ctx, "put", telemetry.Bucket(b.bucket), telemetry.StorageKey(key))
	defer span.End()

	start := time.Now()
	var n int64
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		b.observe("put", n, start, err)
	}()

	data, err := io.ReadAll(src)
	if err != nil {
		return backend.PutResult{}, fmt.Errorf("read put source %q: %w", key, err)
	}
	n = int64(len(data))

	sum := md5.Sum(data)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return backend.PutResult{}, fmt.Errorf("s3 put object %q: %w", key, err)
	}

	return backend.PutResult{MD5: hex.EncodeToString(sum[:]), CompressedSize: n}, nil
}

// Delete implements backend.Backend, batching in groups of caps.MaxDelSize.
func (b *Backend) Delete(ctx context.Context, keys []string, background bool) (err error) {
	ctx, span := telemetry.StartBackendSpan(ctx, "delete", telemetry.Bucket(b.bucket))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		b.observe("delete", int64(len(keys)), start, err)
	}()

	for len(keys) > 0 {
		n := b.caps.MaxDelSize
		if n > len(keys) {
			n = len(keys)
		}
		batch := keys[:n]
		keys = keys[n:]

		objects := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			full := b.fullKey(k)
			objects[i] = types.ObjectIdentifier{Key: aws.String(full)}
		}
		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: objects},
		})
		if err != nil {
			return fmt.Errorf("s3 delete objects: %w", err)
		}
	}
	return nil
}

// List implements backend.Backend.
func (b *Backend) List(ctx context.Context, fn func(key, md5 string, size int64, mtime time.Time) error) (err error) {
	start := time.Now()
	var n int64
	defer func() { b.observe("list", n, start, err) }()

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.keyPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.keyPrefix != "" && strings.HasPrefix(key, b.keyPrefix) {
				key = key[len(b.keyPrefix):]
			}
			etag := strings.Trim(aws.ToString(obj.ETag), `"`)
			mtime := time.Time{}
			if obj.LastModified != nil {
				mtime = *obj.LastModified
			}
			n++
			if err := fn(key, etag, aws.ToInt64(obj.Size), mtime); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sync is a no-op: S3 PutObject/DeleteObjects are synchronous per call, so
// there is nothing outstanding to wait for once those calls return.
func (b *Backend) Sync(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { b.observe("sync", 0, start, err) }()
	return nil
}

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities { return b.caps }

// HealthCheck verifies the bucket is reachable (not part of the Backend
// interface itself).
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("s3 health check: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "NoSuchKey") || strings.Contains(s, "NotFound") || strings.Contains(s, "404")
}

var _ backend.Backend = (*Backend)(nil)
