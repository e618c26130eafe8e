package fs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

const dirPerm = 0o750

var _ ports.FileSystem = (*Copier)(nil)

// Copier implements ports.FileSystem on the host file system.
type Copier struct {
	walker *Walker
}

// NewCopier creates a new Copier.
func NewCopier(walker *Walker) *Copier {
	return &Copier{walker: walker}
}

// CopyTree copies the directory src to dest. Modes and symlinks are kept;
// symlinks are not followed.
func (c *Copier) CopyTree(ctx context.Context, src, dest string, ignores []string) error {
	info, err := os.Stat(src)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to stat source directory"), "path", src)
	}
	if !info.IsDir() {
		return zerr.With(zerr.New("source is not a directory"), "path", src)
	}
	if err := os.MkdirAll(dest, info.Mode().Perm()|0o700); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", dest)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return zerr.With(zerr.Wrap(walkErr, "failed to walk directory"), "path", path)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if c.walker.shouldSkip(filepath.ToSlash(rel), d, ignores) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return c.copyEntry(path, filepath.Join(dest, rel), d)
	})
}

func (c *Copier) copyEntry(src, dest string, d fs.DirEntry) error {
	switch {
	case d.IsDir():
		info, err := d.Info()
		if err != nil {
			return zerr.With(zerr.Wrap(err, "failed to stat directory"), "path", src)
		}
		if err := os.MkdirAll(dest, info.Mode().Perm()|0o700); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", dest)
		}
		return nil
	case d.Type()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return zerr.With(zerr.Wrap(err, "failed to read symlink"), "path", src)
		}
		_ = os.Remove(dest)
		if err := os.Symlink(target, dest); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create symlink"), "path", dest)
		}
		return nil
	case d.Type().IsRegular():
		return c.CopyFile(src, dest)
	default:
		// Devices, sockets and pipes have no place in an image.
		return nil
	}
}

// CopyFile copies a regular file, creating the parent directory of dest.
func (c *Copier) CopyFile(src, dest string) error {
	in, err := os.Open(src) //nolint:gosec // Path is controlled by caller
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to open file"), "path", src)
	}
	defer in.Close() //nolint:errcheck // read only

	info, err := in.Stat()
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to stat file"), "path", src)
	}
	if !info.Mode().IsRegular() {
		return zerr.With(zerr.New("not a regular file"), "path", src)
	}
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", filepath.Dir(dest))
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()) //nolint:gosec // Path is controlled by caller
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create file"), "path", dest)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return zerr.With(zerr.Wrap(err, "failed to copy file"), "path", dest)
	}
	if err := out.Close(); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to close file"), "path", dest)
	}
	// OpenFile applies the umask; the copy keeps the source mode exactly.
	if err := os.Chmod(dest, info.Mode().Perm()); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to set file mode"), "path", dest)
	}
	return nil
}

// Promote copies src next to dest and renames it into place.
func (c *Copier) Promote(src, dest string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", dir)
	}
	tmp, err := os.CreateTemp(dir, ".promote-*")
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create temporary file"), "path", dir)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if err := c.CopyFile(src, tmpName); err != nil {
		return err
	}
	f, err := os.Open(tmpName) //nolint:gosec // created above
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to rename file into place"), "path", dest)
	}
	return nil
}

// ReplaceDir moves src to dest. An existing dest is moved aside first and
// removed once src is in place, or restored when the move fails.
func (c *Copier) ReplaceDir(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", filepath.Dir(dest))
	}

	var backup string
	if _, err := os.Lstat(dest); err == nil {
		backup = dest + ".old"
		_ = os.RemoveAll(backup)
		if err := os.Rename(dest, backup); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to move existing directory aside"), "path", dest)
		}
	}

	if err := c.move(src, dest); err != nil {
		if backup != "" {
			_ = os.RemoveAll(dest)
			_ = os.Rename(backup, dest)
		}
		return zerr.With(zerr.With(zerr.Wrap(err, "failed to move directory into place"), "src", src), "path", dest)
	}
	if backup != "" {
		_ = os.RemoveAll(backup)
	}
	return nil
}

// move renames src to dest, falling back to copy and delete across devices.
func (c *Copier) move(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	if err := c.CopyTree(context.Background(), src, dest, nil); err != nil {
		return err
	}
	return os.RemoveAll(src)
}
