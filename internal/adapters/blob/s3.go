package blob

import (
	"context"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.BlobStore = (*S3Store)(nil)

// S3Config configures the S3 compatible store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// S3ConfigFrom converts the pipeline's backend settings.
func S3ConfigFrom(b domain.S3Backend) S3Config {
	return S3Config{
		Endpoint:  b.Endpoint,
		AccessKey: b.AccessKey,
		SecretKey: b.SecretKey,
		Region:    b.Region,
		UseSSL:    b.UseSSL,
		Bucket:    b.Bucket,
		Prefix:    b.Prefix,
	}
}

// Validate checks that the configuration can reach a bucket.
func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return zerr.New("s3 endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return zerr.With(zerr.New("s3 endpoint must be host[:port] without scheme"), "endpoint", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return zerr.New("s3 bucket is required")
	}
	if c.Prefix != "" {
		if err := ValidateKey(strings.Trim(c.Prefix, "/")); err != nil {
			return zerr.With(zerr.Wrap(err, "invalid s3 prefix"), "prefix", c.Prefix)
		}
	}
	return nil
}

// S3Store implements ports.BlobStore on an S3 compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store creates a store for the configured bucket. It does not contact
// the server; see EnsureBucket.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to create s3 client"), "endpoint", cfg.Endpoint)
	}
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to check s3 bucket"), "bucket", s.bucket)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create s3 bucket"), "bucket", s.bucket)
	}
	return nil
}

func (s *S3Store) objectName(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

// Get opens the blob stored under key.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(err, key)
	}
	// GetObject is lazy; Stat performs the request and surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s.mapError(err, key)
	}
	return obj, nil
}

// Put replaces the blob stored under key. S3 makes an object visible only
// once the upload completes.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, name, r, -1, minio.PutObjectOptions{
		ContentType: "application/zstd",
	})
	if err != nil {
		return zerr.With(zerr.With(zerr.Wrap(err, "failed to upload blob"), "key", key), "bucket", s.bucket)
	}
	return nil
}

// Delete removes the blob stored under key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		if mapped := s.mapError(err, key); domain.IsKind(mapped, domain.ErrCacheMiss) {
			return nil
		}
		return zerr.With(zerr.With(zerr.Wrap(err, "failed to delete blob"), "key", key), "bucket", s.bucket)
	}
	return nil
}

// List returns every blob below the configured prefix.
func (s *S3Store) List(ctx context.Context) ([]domain.CacheEntry, error) {
	prefix := ""
	if s.prefix != "" {
		prefix = s.prefix + "/"
	}
	var entries []domain.CacheEntry
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, zerr.With(zerr.Wrap(obj.Err, "failed to list blobs"), "bucket", s.bucket)
		}
		entries = append(entries, domain.CacheEntry{
			Key:      strings.TrimPrefix(obj.Key, prefix),
			Size:     obj.Size,
			Modified: obj.LastModified,
		})
	}
	return entries, nil
}

func (s *S3Store) mapError(err error, key string) error {
	if minio.ToErrorResponse(err).Code == minio.NoSuchKey {
		return zerr.With(domain.ErrCacheMiss, "key", key)
	}
	return zerr.With(zerr.With(zerr.Wrap(err, "failed to read blob"), "key", key), "bucket", s.bucket)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
