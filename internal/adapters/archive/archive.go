// Package archive writes and reads the tar streams used for cache areas and
// image layers.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.trai.ch/zerr"
)

const dirPerm = 0o750

// ErrUnsafeEntry is returned when an archive entry would land outside the
// extraction directory.
var ErrUnsafeEntry = zerr.New("archive entry escapes destination")

// Options tune how a tree is written.
type Options struct {
	// Prefix is prepended to every entry name.
	Prefix string
	// Reproducible clears timestamps and ownership so equal trees produce
	// byte identical archives.
	Reproducible bool
}

// Entry describes one archive member.
type Entry struct {
	Name string
	Mode fs.FileMode
	Size int64
	Dir  bool
}

// WriteTree writes every entry below root to w as an uncompressed tar stream.
// Directories precede their contents; symlinks are stored, not followed.
func WriteTree(ctx context.Context, w io.Writer, root string, opts Options) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(root, func(hostPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, hostPath)
		if err != nil {
			return err
		}
		if rel == "." && opts.Prefix == "" {
			return nil
		}
		name := path.Join(opts.Prefix, filepath.ToSlash(rel))
		return writeEntry(tw, hostPath, name, d, opts.Reproducible)
	})
	if err != nil {
		_ = tw.Close()
		return zerr.With(zerr.Wrap(err, "failed to write archive"), "path", root)
	}
	return tw.Close()
}

func writeEntry(tw *tar.Writer, hostPath, name string, d fs.DirEntry, reproducible bool) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		return nil
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}
	header.Format = tar.FormatPAX
	if reproducible {
		header.ModTime = time.Unix(0, 0)
		header.AccessTime = time.Time{}
		header.ChangeTime = time.Time{}
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(hostPath) //nolint:gosec // walked from a trusted root
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // read only
	_, err = io.Copy(tw, f)
	return err
}

// Extract unpacks the tar stream r into dest. Entries that would land
// outside dest, through their name or through a symlink, abort the
// extraction with ErrUnsafeEntry.
func Extract(ctx context.Context, r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, dirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", dest)
	}
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return zerr.Wrap(err, "failed to read archive")
		}
		if err := extractEntry(tr, header, dest); err != nil {
			return err
		}
	}
}

func extractEntry(tr *tar.Reader, header *tar.Header, dest string) error {
	rel, ok := cleanName(header.Name)
	if !ok {
		return zerr.With(ErrUnsafeEntry, "entry", header.Name)
	}
	if rel == "." {
		return nil
	}
	target := filepath.Join(dest, filepath.FromSlash(rel))
	if err := checkParents(dest, rel); err != nil {
		return err
	}

	mode := header.FileInfo().Mode().Perm()
	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode|0o700); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", target)
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", filepath.Dir(target))
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) //nolint:gosec // name is checked above
		if err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create file"), "path", target)
		}
		if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // size is bounded by the archive
			_ = f.Close()
			return zerr.With(zerr.Wrap(err, "failed to write file"), "path", target)
		}
		if err := f.Close(); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to close file"), "path", target)
		}
		if err := os.Chmod(target, mode); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to set file mode"), "path", target)
		}
	case tar.TypeSymlink:
		if _, ok := cleanName(path.Join(path.Dir(rel), header.Linkname)); !ok || path.IsAbs(header.Linkname) {
			return zerr.With(zerr.With(ErrUnsafeEntry, "entry", header.Name), "link", header.Linkname)
		}
		if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", filepath.Dir(target))
		}
		_ = os.Remove(target)
		if err := os.Symlink(header.Linkname, target); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create symlink"), "path", target)
		}
	default:
		// Hard links, devices and fifos are never produced by WriteTree.
	}
	return nil
}

// checkParents rejects entries whose parent directories are symlinks, so a
// stored link cannot redirect later writes.
func checkParents(dest, rel string) error {
	dir := dest
	parts := strings.Split(rel, "/")
	for _, part := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, part)
		info, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return zerr.With(zerr.Wrap(err, "failed to stat directory"), "path", dir)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return zerr.With(ErrUnsafeEntry, "entry", rel)
		}
	}
	return nil
}

// List returns the members of the tar stream r.
func List(r io.Reader) ([]Entry, error) {
	tr := tar.NewReader(r)
	var entries []Entry
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, zerr.Wrap(err, "failed to read archive")
		}
		rel, ok := cleanName(header.Name)
		if !ok || rel == "." {
			continue
		}
		entries = append(entries, Entry{
			Name: rel,
			Mode: header.FileInfo().Mode(),
			Size: header.Size,
			Dir:  header.Typeflag == tar.TypeDir,
		})
	}
}

// cleanName normalizes an entry name and reports whether it stays inside
// the archive root.
func cleanName(name string) (string, bool) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" {
		clean = "."
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}
