// Package cache implements the cache store: named cache areas persisted as
// zstd compressed tar archives in a blob store.
package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.trai.ch/kiln/internal/adapters/archive"
	"go.trai.ch/kiln/internal/adapters/blob"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	keyPrefix = "caches/"
	keySuffix = ".tar.zst"
	dirPerm   = 0o750
)

var _ ports.CacheStore = (*Store)(nil)

// Store implements ports.CacheStore on top of a blob store.
type Store struct {
	blobs  ports.BlobStore
	logger ports.Logger
}

// NewStore creates a cache store persisting areas in blobs.
func NewStore(blobs ports.BlobStore, logger ports.Logger) *Store {
	return &Store{blobs: blobs, logger: logger}
}

func blobKey(key string) string {
	return keyPrefix + key + keySuffix
}

// Acquire restores the area stored under key into mountPath. Any previous
// content of mountPath is replaced. A missing or unreadable archive leaves
// an empty directory and a warning.
func (s *Store) Acquire(ctx context.Context, key, mountPath string) (ports.CacheHandle, error) {
	if err := blob.ValidateKey(key); err != nil {
		return nil, zerr.Wrap(err, domain.ErrCacheMountFailed.Error())
	}
	parent := filepath.Dir(mountPath)
	if err := os.MkdirAll(parent, dirPerm); err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrCacheMountFailed.Error()), "path", mountPath)
	}
	staging, err := os.MkdirTemp(parent, ".cache-*")
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrCacheMountFailed.Error()), "path", mountPath)
	}

	if err := s.restore(ctx, key, staging); err != nil {
		if ctx.Err() != nil {
			_ = os.RemoveAll(staging)
			return nil, zerr.Wrap(ctx.Err(), domain.ErrCacheMountFailed.Error())
		}
		s.warn("cache area "+key+" could not be restored, starting empty", err)
		if err := resetDir(staging); err != nil {
			return nil, zerr.With(zerr.Wrap(err, domain.ErrCacheMountFailed.Error()), "path", mountPath)
		}
	}

	if err := os.RemoveAll(mountPath); err != nil {
		_ = os.RemoveAll(staging)
		return nil, zerr.With(zerr.Wrap(err, domain.ErrCacheMountFailed.Error()), "path", mountPath)
	}
	if err := os.Rename(staging, mountPath); err != nil {
		_ = os.RemoveAll(staging)
		return nil, zerr.With(zerr.Wrap(err, domain.ErrCacheMountFailed.Error()), "path", mountPath)
	}
	return &handle{store: s, key: key, path: mountPath}, nil
}

func (s *Store) restore(ctx context.Context, key, dir string) error {
	rc, err := s.blobs.Get(ctx, blobKey(key))
	if err != nil {
		if domain.IsKind(err, domain.ErrCacheMiss) {
			if s.logger != nil {
				s.logger.Info("cache area " + key + " is empty")
			}
			return nil
		}
		return err
	}
	defer rc.Close() //nolint:errcheck // read only

	dec, err := zstd.NewReader(rc)
	if err != nil {
		return zerr.Wrap(err, "failed to open cache archive")
	}
	defer dec.Close()

	return archive.Extract(ctx, dec, dir)
}

// persist archives dir and stores it under key. The archive is streamed to
// the blob store, which publishes it only once complete.
func (s *Store) persist(ctx context.Context, key, dir string) error {
	pr, pw := io.Pipe()
	go func() {
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		writeErr := archive.WriteTree(ctx, enc, dir, archive.Options{})
		closeErr := enc.Close()
		pw.CloseWithError(errors.Join(writeErr, closeErr))
	}()

	err := s.blobs.Put(ctx, blobKey(key), pr)
	_ = pr.CloseWithError(err)
	return err
}

// List returns the stored cache areas.
func (s *Store) List(ctx context.Context) ([]domain.CacheEntry, error) {
	blobs, err := s.blobs.List(ctx)
	if err != nil {
		return nil, err
	}
	var entries []domain.CacheEntry
	for _, b := range blobs {
		if !strings.HasPrefix(b.Key, keyPrefix) || !strings.HasSuffix(b.Key, keySuffix) {
			continue
		}
		b.Key = strings.TrimSuffix(strings.TrimPrefix(b.Key, keyPrefix), keySuffix)
		entries = append(entries, b)
	}
	return entries, nil
}

// Prune removes the given cache areas, or every area when keys is empty.
func (s *Store) Prune(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		entries, err := s.List(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
	}
	var errs error
	for _, key := range keys {
		if err := blob.ValidateKey(key); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		errs = errors.Join(errs, s.blobs.Delete(ctx, blobKey(key)))
	}
	return errs
}

func (s *Store) warn(msg string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg + ": " + err.Error())
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, dirPerm)
}

// handle is one borrowed cache area.
type handle struct {
	store *Store
	key   string
	path  string

	once sync.Once
	err  error
}

func (h *handle) Path() string {
	return h.path
}

// Release persists the area and removes it from the environment. A failed
// upload only costs the next run a cold cache, so it is logged, not returned.
func (h *handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		if err := h.store.persist(ctx, h.key, h.path); err != nil {
			h.store.warn("cache area "+h.key+" was not saved", err)
		}
		if err := os.RemoveAll(h.path); err != nil {
			h.err = zerr.With(zerr.Wrap(err, "failed to detach cache area"), "path", h.path)
		}
	})
	return h.err
}
