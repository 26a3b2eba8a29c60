//go:build integration

package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/marmos91/cloudcached/internal/backend"
)

// minioHelper manages the MinIO container for the adapter's integration
// tests, or connects to an external endpoint when MINIO_ENDPOINT is set.
type minioHelper struct {
	container testcontainers.Container
	endpoint  string
	client    *awss3.Client
}

func newMinioHelper(t *testing.T) *minioHelper {
	t.Helper()
	ctx := context.Background()

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		h := &minioHelper{endpoint: endpoint}
		h.createClient(t)
		return h
	}

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("9000/tcp"),
			wait.ForHTTP("/minio/health/live").
				WithPort("9000/tcp").
				WithStartupTimeout(60*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start minio container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	h := &minioHelper{
		container: container,
		endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
	h.createClient(t)
	return h
}

func (h *minioHelper) createClient(t *testing.T) {
	t.Helper()

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"minioadmin", "minioadmin", "",
		)),
	)
	require.NoError(t, err)

	h.client = awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = &h.endpoint
		o.UsePathStyle = true
	})
}

func (h *minioHelper) createBucket(t *testing.T, name string) {
	t.Helper()
	_, err := h.client.CreateBucket(context.Background(), &awss3.CreateBucketInput{
		Bucket: aws.String(name),
	})
	require.NoError(t, err)
}

func (h *minioHelper) cleanup(t *testing.T) {
	t.Helper()
	if h.container != nil {
		_ = h.container.Terminate(context.Background())
	}
}

func newTestBackend(t *testing.T, h *minioHelper, bucket, prefix string) *Backend {
	t.Helper()
	h.createBucket(t, bucket)
	return New(h.client, Config{Bucket: bucket, KeyPrefix: prefix})
}

func TestPutGetRoundTrip(t *testing.T) {
	h := newMinioHelper(t)
	defer h.cleanup(t)
	be := newTestBackend(t, h, "roundtrip", "")
	ctx := context.Background()

	body := bytes.Repeat([]byte{0xAB}, 64<<10)
	put, err := be.Put(ctx, "1_6200", bytes.NewReader(body), 0)
	require.NoError(t, err)
	require.EqualValues(t, len(body), put.CompressedSize)
	require.Len(t, put.MD5, 32)

	rc, res, err := be.Get(ctx, "1_6200", put.MD5, 0)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, put.MD5, res.MD5)
	require.Zero(t, res.Status&backend.StatusRepairError)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestGetMissingObject(t *testing.T) {
	h := newMinioHelper(t)
	defer h.cleanup(t)
	be := newTestBackend(t, h, "missing", "")

	_, res, err := be.Get(context.Background(), "no-such-key", "", 0)
	require.ErrorIs(t, err, backend.ErrNotFound)
	require.NotZero(t, res.Status&backend.StatusNotFound)
}

func TestGetMD5Mismatch(t *testing.T) {
	h := newMinioHelper(t)
	defer h.cleanup(t)
	be := newTestBackend(t, h, "mismatch", "")
	ctx := context.Background()

	_, err := be.Put(ctx, "k", bytes.NewReader([]byte("payload")), 0)
	require.NoError(t, err)

	rc, res, err := be.Get(ctx, "k", "00000000000000000000000000000000", 0)
	require.NoError(t, err)
	rc.Close()
	require.NotZero(t, res.Status&backend.StatusRepairError)
}

func TestDeleteBatch(t *testing.T) {
	h := newMinioHelper(t)
	defer h.cleanup(t)
	be := newTestBackend(t, h, "delete", "")
	ctx := context.Background()

	keys := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("1_%02x", i)
		_, err := be.Put(ctx, k, bytes.NewReader([]byte{byte(i)}), 0)
		require.NoError(t, err)
		keys = append(keys, k)
	}

	require.NoError(t, be.Delete(ctx, keys, false))

	var remaining int
	require.NoError(t, be.List(ctx, func(key, md5 string, size int64, mtime time.Time) error {
		remaining++
		return nil
	}))
	require.Zero(t, remaining)
}

func TestListWithPrefix(t *testing.T) {
	h := newMinioHelper(t)
	defer h.cleanup(t)
	be := newTestBackend(t, h, "listing", "vol1/")
	ctx := context.Background()

	want := []string{"1_01", "1_02", "2_01"}
	for _, k := range want {
		_, err := be.Put(ctx, k, bytes.NewReader([]byte(k)), 0)
		require.NoError(t, err)
	}

	// An object outside the prefix must not be enumerated.
	_, err := h.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String("listing"),
		Key:    aws.String("other/ignored"),
		Body:   bytes.NewReader([]byte("x")),
	})
	require.NoError(t, err)

	var got []string
	require.NoError(t, be.List(ctx, func(key, md5 string, size int64, mtime time.Time) error {
		got = append(got, key)
		return nil
	}))
	sort.Strings(got)
	require.Equal(t, want, got)
}

func TestHealthCheck(t *testing.T) {
	h := newMinioHelper(t)
	defer h.cleanup(t)
	be := newTestBackend(t, h, "health", "")

	require.NoError(t, be.HealthCheck(context.Background()))

	missing := New(h.client, Config{Bucket: "does-not-exist"})
	require.Error(t, missing.HealthCheck(context.Background()))
}
