package oci

import (
	"context"
	"encoding/json"
	"io"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.trai.ch/kiln/internal/adapters/archive"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

const whiteoutPrefix = ".wh."

// ErrManifestNotFound is returned when a layout has no manifest for the requested reference.
var ErrManifestNotFound = zerr.New("manifest not found in image layout")

// Inspect reads the configuration of the image stored in dir and lists the
// files of its flattened filesystem.
func (s *Store) Inspect(ctx context.Context, dir string) (*domain.ImageInspection, error) {
	l := layout{dir: dir}
	desc, manifest, config, err := l.resolve("")
	if err != nil {
		return nil, zerr.With(err, "path", dir)
	}

	files := make(map[string]domain.ImageFile)
	for _, layer := range manifest.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.applyLayer(layer, files); err != nil {
			return nil, zerr.With(zerr.With(err, "layer", layer.Digest.String()), "path", dir)
		}
	}

	out := &domain.ImageInspection{
		Ref:         desc.Annotations[ocispec.AnnotationRefName],
		WorkDir:     config.Config.WorkingDir,
		Env:         config.Config.Env,
		Entrypoint:  config.Config.Entrypoint,
		Cmd:         config.Config.Cmd,
		Labels:      config.Config.Labels,
		Annotations: manifest.Annotations,
	}
	for _, p := range slices.Sorted(maps.Keys(files)) {
		out.Files = append(out.Files, files[p])
	}
	return out, nil
}

// layout reads blobs from an OCI image layout directory.
type layout struct {
	dir string
}

// resolve returns the manifest tagged ref, or the first manifest when ref is empty.
func (l layout) resolve(ref string) (ocispec.Descriptor, ocispec.Manifest, ocispec.Image, error) {
	var index ocispec.Index
	if err := readJSONFile(filepath.Join(l.dir, ocispec.ImageIndexFile), &index); err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, ocispec.Image{}, err
	}

	var desc ocispec.Descriptor
	found := false
	for _, m := range index.Manifests {
		if m.MediaType != ocispec.MediaTypeImageManifest {
			continue
		}
		if ref == "" || m.Annotations[ocispec.AnnotationRefName] == ref {
			desc, found = m, true
			break
		}
	}
	if !found {
		return ocispec.Descriptor{}, ocispec.Manifest{}, ocispec.Image{}, zerr.With(ErrManifestNotFound, "ref", ref)
	}

	var manifest ocispec.Manifest
	if err := l.readBlob(desc.Digest, &manifest); err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, ocispec.Image{}, err
	}
	var config ocispec.Image
	if err := l.readBlob(manifest.Config.Digest, &config); err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, ocispec.Image{}, err
	}
	return desc, manifest, config, nil
}

func (l layout) blobPath(d digest.Digest) string {
	return blobPath(l.dir, d)
}

// readBlob decodes the JSON blob d after checking its content matches the digest.
func (l layout) readBlob(d digest.Digest, v any) error {
	if err := d.Validate(); err != nil {
		return zerr.With(zerr.Wrap(err, "invalid digest"), "digest", d.String())
	}
	b, err := os.ReadFile(l.blobPath(d))
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to read blob"), "digest", d.String())
	}
	if got := d.Algorithm().FromBytes(b); got != d {
		return zerr.With(zerr.With(zerr.New("blob digest mismatch"), "digest", d.String()), "actual", got.String())
	}
	if err := json.Unmarshal(b, v); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to decode blob"), "digest", d.String())
	}
	return nil
}

// applyLayer overlays the entries of layer onto files, honoring whiteouts.
func (l layout) applyLayer(layer ocispec.Descriptor, files map[string]domain.ImageFile) error {
	f, err := os.Open(l.blobPath(layer.Digest))
	if err != nil {
		return zerr.Wrap(err, "failed to open layer")
	}
	defer f.Close() //nolint:errcheck // read only

	var r io.Reader = f
	if layer.MediaType == ocispec.MediaTypeImageLayerGzip {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return zerr.Wrap(err, "failed to decompress layer")
		}
		defer gz.Close() //nolint:errcheck // read only
		r = gz
	}

	entries, err := archive.List(r)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := "/" + e.Name
		dir, name := path.Split(p)
		if strings.HasPrefix(name, whiteoutPrefix) {
			removed := path.Join(dir, strings.TrimPrefix(name, whiteoutPrefix))
			for existing := range files {
				if existing == removed || strings.HasPrefix(existing, removed+"/") {
					delete(files, existing)
				}
			}
			continue
		}
		files[p] = domain.ImageFile{
			Path: p,
			Dir:  e.Dir,
			Mode: int64(e.Mode.Perm()),
			Size: e.Size,
		}
	}
	return nil
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path) //nolint:gosec // layout path chosen by the caller
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to read"), "path", path)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to decode"), "path", path)
	}
	return nil
}
