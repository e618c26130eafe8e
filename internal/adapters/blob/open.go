package blob

import (
	"context"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

// Open returns the blob store selected by the pipeline's cache backend.
// The S3 bucket is created when missing.
func Open(ctx context.Context, backend domain.CacheBackend) (ports.BlobStore, error) {
	switch backend.Kind {
	case domain.CacheBackendFS, "":
		return NewFSStore(backend.Dir)
	case domain.CacheBackendS3:
		store, err := NewS3Store(S3ConfigFrom(backend.S3))
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx, backend.S3.Region); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, zerr.With(domain.ErrUnknownCacheBackend, "backend", string(backend.Kind))
	}
}
