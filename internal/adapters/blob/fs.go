package blob

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	dirPerm   = 0o750
	tmpPrefix = ".tmp-"
)

var _ ports.BlobStore = (*FSStore)(nil)

// DefaultDir returns the directory used by the local store when none is configured.
func DefaultDir() string {
	return filepath.Join(xdg.CacheHome, "kiln")
}

// FSStore implements ports.BlobStore on a local directory. Blobs are written
// to a temporary file and renamed into place.
type FSStore struct {
	dir string
}

// NewFSStore creates a store rooted at dir, creating it when needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to create cache directory"), "path", dir)
	}
	return &FSStore{dir: dir}, nil
}

// Dir returns the directory holding the blobs.
func (s *FSStore) Dir() string {
	return s.dir
}

func (s *FSStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

// Get opens the blob stored under key.
func (s *FSStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // key is validated
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, zerr.With(domain.ErrCacheMiss, "key", key)
		}
		return nil, zerr.With(zerr.Wrap(err, "failed to open blob"), "key", key)
	}
	return f, nil
}

// Put replaces the blob stored under key.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create blob directory"), "key", key)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create temporary blob"), "key", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return zerr.With(zerr.Wrap(err, "failed to write blob"), "key", key)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return zerr.With(zerr.Wrap(err, "failed to sync blob"), "key", key)
	}
	if err := tmp.Close(); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to close blob"), "key", key)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to rename blob into place"), "key", key)
	}
	return nil
}

// Delete removes the blob stored under key.
func (s *FSStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return zerr.With(zerr.Wrap(err, "failed to delete blob"), "key", key)
	}
	return nil
}

// List returns every stored blob, skipping in-flight temporary files.
func (s *FSStore) List(ctx context.Context) ([]domain.CacheEntry, error) {
	var entries []domain.CacheEntry
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, domain.CacheEntry{
			Key:      filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to list blobs"), "path", s.dir)
	}
	return entries, nil
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
