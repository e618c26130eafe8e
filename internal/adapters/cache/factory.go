package cache

import (
	"context"

	"go.trai.ch/kiln/internal/adapters/blob"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
)

var _ ports.CacheStoreFactory = (*Factory)(nil)

// Factory opens cache stores on the backend a pipeline selects.
type Factory struct {
	logger ports.Logger
	open   func(context.Context, domain.CacheBackend) (ports.BlobStore, error)
}

// NewFactory creates a Factory using the fs and s3 blob stores.
func NewFactory(logger ports.Logger) *Factory {
	return &Factory{logger: logger, open: blob.Open}
}

// Open returns the cache store for backend.
func (f *Factory) Open(ctx context.Context, backend domain.CacheBackend) (ports.CacheStore, error) {
	blobs, err := f.open(ctx, backend)
	if err != nil {
		return nil, err
	}
	return NewStore(blobs, f.logger), nil
}
