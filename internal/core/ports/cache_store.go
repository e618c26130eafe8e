package ports

import (
	"context"

	"go.trai.ch/kiln/internal/core/domain"
)

// CacheStore manages the persistent cache areas borrowed by build environments.
//
//go:generate mockgen -source=cache_store.go -destination=mocks/mock_cache_store.go -package=mocks
type CacheStore interface {
	// Acquire materializes the cache area stored under key at mountPath.
	// A missing or unreadable area yields an empty directory.
	Acquire(ctx context.Context, key, mountPath string) (CacheHandle, error)
	// List returns the stored cache areas.
	List(ctx context.Context) ([]domain.CacheEntry, error)
	// Prune removes the given cache areas.
	Prune(ctx context.Context, keys []string) error
}

// CacheHandle is a cache area borrowed by one build environment.
type CacheHandle interface {
	// Path returns the directory the area is mounted at.
	Path() string
	// Release persists the directory back to the store and detaches it.
	// Persisting is best effort; only local teardown failures are returned.
	Release(ctx context.Context) error
}

// CacheStoreFactory opens the cache store of a pipeline.
type CacheStoreFactory interface {
	Open(ctx context.Context, backend domain.CacheBackend) (CacheStore, error)
}
