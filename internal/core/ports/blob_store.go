package ports

import (
	"context"
	"io"

	"go.trai.ch/kiln/internal/core/domain"
)

// BlobStore is a key to blob store with last-writer-wins semantics.
//
//go:generate mockgen -source=blob_store.go -destination=mocks/mock_blob_store.go -package=mocks
type BlobStore interface {
	// Get opens the blob stored under key.
	// It returns domain.ErrCacheMiss when the key holds no blob.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put replaces the blob stored under key. Readers never observe a
	// partially written blob.
	Put(ctx context.Context, key string, r io.Reader) error
	// Delete removes the blob stored under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every stored blob.
	List(ctx context.Context) ([]domain.CacheEntry, error)
}
