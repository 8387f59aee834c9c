package publish

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a/b.ptx", Key("", "a/b.ptx"))
	assert.Equal(t, "builds/42/a/b.ptx", Key("/builds/42/", "/a/b.ptx"))
	assert.Equal(t, "ptx/a/b.ptx", Key("ptx", `a\b.ptx`))
}

type fakeBucket struct {
	existsErrs []error // returned by successive BucketExists calls
	exists     bool
	checks     int
	made       int
	objects    map[string]string
}

func (f *fakeBucket) BucketExists(_ context.Context, _ string) (bool, error) {
	f.checks++
	if len(f.existsErrs) > 0 {
		err := f.existsErrs[0]
		f.existsErrs = f.existsErrs[1:]
		if err != nil {
			return false, err
		}
	}
	return f.exists, nil
}

func (f *fakeBucket) MakeBucket(_ context.Context, _ string, _ minio.MakeBucketOptions) error {
	f.made++
	f.exists = true
	return nil
}

func (f *fakeBucket) PutObject(_ context.Context, _, key string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[key] = string(data)
	return minio.UploadInfo{Key: key}, nil
}

func TestS3StoreRetriesBucketCheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := &fakeBucket{
		existsErrs: []error{errors.New("connection reset")},
		objects:    make(map[string]string),
	}
	s := &S3Store{client: fake, bucketName: "ptx", region: "us-east-1"}

	err := s.Put(ctx, "a.ptx", []byte("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, fake.objects)

	require.NoError(t, s.Put(ctx, "a.ptx", []byte("a")))
	require.NoError(t, s.Put(ctx, "b.ptx", nil))

	assert.Equal(t, 2, fake.checks, "bucket checked again after a failure, then not at all")
	assert.Equal(t, 1, fake.made)
	assert.Equal(t, map[string]string{"a.ptx": "a", "b.ptx": ""}, fake.objects)

	assert.Error(t, s.Put(ctx, " ", nil))
}

func TestNewS3StoreValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  S3Config
	}{
		{"no endpoint", S3Config{AccessKey: "a", SecretKey: "s", Bucket: "b"}},
		{"no keys", S3Config{Endpoint: "localhost:9000", Bucket: "b"}},
		{"no bucket", S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewS3Store(tt.cfg)
			assert.Error(t, err)
		})
	}

	s, err := NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Bucket: "ptx"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", s.region)
}

func TestContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "text/plain; charset=utf-8", contentType("a/b.ptx"))
	assert.Equal(t, "application/octet-stream", contentType("a/b.cubin"))
}
