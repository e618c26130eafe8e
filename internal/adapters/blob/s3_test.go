package blob_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/blob"
	"go.trai.ch/kiln/internal/core/domain"
)

func TestS3Config_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     blob.S3Config
		wantErr bool
	}{
		{name: "valid", cfg: blob.S3Config{Endpoint: "minio:9000", Bucket: "kiln", Prefix: "kiln/caches"}},
		{name: "missing endpoint", cfg: blob.S3Config{Bucket: "kiln"}, wantErr: true},
		{name: "endpoint with scheme", cfg: blob.S3Config{Endpoint: "https://s3.amazonaws.com", Bucket: "kiln"}, wantErr: true},
		{name: "missing bucket", cfg: blob.S3Config{Endpoint: "minio:9000"}, wantErr: true},
		{name: "escaping prefix", cfg: blob.S3Config{Endpoint: "minio:9000", Bucket: "kiln", Prefix: "../x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestS3ConfigFrom(t *testing.T) {
	cfg := blob.S3ConfigFrom(domain.S3Backend{
		Endpoint:  "minio:9000",
		Bucket:    "kiln",
		Region:    "us-east-1",
		Prefix:    "kiln",
		UseSSL:    true,
		AccessKey: "ak",
		SecretKey: "sk",
	})
	assert.Equal(t, blob.S3Config{
		Endpoint:  "minio:9000",
		AccessKey: "ak",
		SecretKey: "sk",
		Region:    "us-east-1",
		UseSSL:    true,
		Bucket:    "kiln",
		Prefix:    "kiln",
	}, cfg)
}

func TestS3Store_GetMissingKey(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	store, err := blob.NewS3Store(blob.S3Config{
		Endpoint: strings.TrimPrefix(srv.URL, "http://"),
		Bucket:   "kiln",
		Region:   "us-east-1",
		Prefix:   "ci",
	})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "caches/registry.tar.zst")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrCacheMiss), "got %v", err)
	require.NotEmpty(t, paths)
	assert.Equal(t, "/kiln/ci/caches/registry.tar.zst", paths[0])
}

func TestS3Store_RejectsInvalidKeys(t *testing.T) {
	store, err := blob.NewS3Store(blob.S3Config{Endpoint: "127.0.0.1:1", Bucket: "kiln"})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "../escape")
	assert.True(t, domain.IsKind(err, domain.ErrInvalidCacheKey))
}
