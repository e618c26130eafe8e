// Package oci writes and reads runtime images as OCI image layouts.
package oci

import (
	"context"
	"encoding/json"
	"io"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.trai.ch/kiln/internal/adapters/archive"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	// BaseScratch starts the image from an empty filesystem.
	BaseScratch = "scratch"
	// BaseLayoutPrefix marks a base read from a local OCI layout directory.
	BaseLayoutPrefix = "oci:"

	dirPerm  = 0o755
	filePerm = 0o644
)

var _ ports.ImageStore = (*Store)(nil)

// Store implements ports.ImageStore on OCI image layout directories.
type Store struct {
	logger ports.Logger
}

// NewStore creates a new Store.
func NewStore(logger ports.Logger) *Store {
	return &Store{logger: logger}
}

// base is the part of an image inherited from its base reference.
type base struct {
	layers  []ocispec.Descriptor
	diffIDs []digest.Digest
	history []ocispec.History
	config  ocispec.ImageConfig
	name    string
	digest  digest.Digest
}

// Write packages req.RootFS as a single layer on top of the base image and
// writes the layout to dir. Equal inputs produce equal digests.
func (s *Store) Write(ctx context.Context, req *domain.ImageRequest, dir string) (*domain.RuntimeImage, error) {
	img, err := s.write(ctx, req, dir)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrImageWriteFailed.Error()), "path", dir)
	}
	return img, nil
}

func (s *Store) write(ctx context.Context, req *domain.ImageRequest, dir string) (*domain.RuntimeImage, error) {
	if err := os.MkdirAll(filepath.Join(dir, ocispec.ImageBlobsDir, string(digest.Canonical)), dirPerm); err != nil {
		return nil, zerr.Wrap(err, "failed to create blob directory")
	}

	b, err := s.resolveBase(req.Base, dir)
	if err != nil {
		return nil, err
	}

	layer, diffID, err := writeLayer(ctx, req.RootFS, dir)
	if err != nil {
		return nil, err
	}

	config := ocispec.Image{
		Platform: ocispec.Platform{OS: "linux", Architecture: runtime.GOARCH},
		Config: ocispec.ImageConfig{
			Env:        mergeEnv(b.config.Env, req.Env),
			Entrypoint: req.Entrypoint,
			WorkingDir: req.WorkDir,
			Labels:     req.Labels,
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: append(b.diffIDs, diffID),
		},
		History: append(b.history, ocispec.History{CreatedBy: "kiln", Comment: "runtime stage"}),
	}
	if !req.Created.IsZero() {
		created := req.Created.UTC()
		config.Created = &created
		config.History[len(config.History)-1].Created = &created
	}

	configDesc, err := writeJSON(dir, ocispec.MediaTypeImageConfig, config)
	if err != nil {
		return nil, err
	}

	annotations := maps.Clone(req.Annotations)
	if b.name != "" {
		if annotations == nil {
			annotations = map[string]string{}
		}
		annotations[ocispec.AnnotationBaseImageName] = b.name
		if b.digest != "" {
			annotations[ocispec.AnnotationBaseImageDigest] = b.digest.String()
		}
	}
	manifest := ocispec.Manifest{
		Versioned:   specs.Versioned{SchemaVersion: 2},
		MediaType:   ocispec.MediaTypeImageManifest,
		Config:      configDesc,
		Layers:      append(b.layers, layer),
		Annotations: annotations,
	}
	manifestDesc, err := writeJSON(dir, ocispec.MediaTypeImageManifest, manifest)
	if err != nil {
		return nil, err
	}
	if req.Tag != "" {
		manifestDesc.Annotations = map[string]string{ocispec.AnnotationRefName: req.Tag}
	}
	manifestDesc.Platform = &config.Platform

	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{manifestDesc},
	}
	if err := writeFile(filepath.Join(dir, ocispec.ImageIndexFile), index); err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(dir, ocispec.ImageLayoutFile), ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion}); err != nil {
		return nil, err
	}

	return &domain.RuntimeImage{
		Ref:            req.Tag,
		Base:           req.Base,
		Dir:            dir,
		ManifestDigest: manifestDesc.Digest.String(),
		ConfigDigest:   configDesc.Digest.String(),
		WorkDir:        req.WorkDir,
		Env:            config.Config.Env,
		Entrypoint:     req.Entrypoint,
		Labels:         req.Labels,
	}, nil
}

// resolveBase loads what the image inherits from ref. Layers of a local
// layout are copied into dir; registry references are only recorded.
func (s *Store) resolveBase(ref, dir string) (base, error) {
	switch {
	case ref == "" || ref == BaseScratch:
		return base{}, nil
	case strings.HasPrefix(ref, BaseLayoutPrefix):
		return loadLayoutBase(strings.TrimPrefix(ref, BaseLayoutPrefix), dir)
	default:
		if s.logger != nil {
			s.logger.Warn("base image " + ref + " is not a local layout, its layers are not included")
		}
		return base{name: ref}, nil
	}
}

func loadLayoutBase(src, dir string) (base, error) {
	l := layout{dir: src}
	manifestDesc, manifest, config, err := l.resolve("")
	if err != nil {
		return base{}, zerr.With(zerr.Wrap(err, "failed to read base layout"), "base", src)
	}
	for _, layer := range manifest.Layers {
		if err := copyBlob(l.blobPath(layer.Digest), blobPath(dir, layer.Digest)); err != nil {
			return base{}, zerr.With(err, "base", src)
		}
	}
	return base{
		layers:  manifest.Layers,
		diffIDs: config.RootFS.DiffIDs,
		history: config.History,
		config:  config.Config,
		name:    manifestDesc.Annotations[ocispec.AnnotationRefName],
		digest:  manifestDesc.Digest,
	}, nil
}

// writeLayer stores rootfs as a gzip compressed tar blob and returns its
// descriptor and the digest of the uncompressed stream.
func writeLayer(ctx context.Context, rootfs, dir string) (ocispec.Descriptor, digest.Digest, error) {
	tmp, err := os.CreateTemp(filepath.Join(dir, ocispec.ImageBlobsDir), ".layer-*")
	if err != nil {
		return ocispec.Descriptor{}, "", zerr.Wrap(err, "failed to create layer")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // renamed on success

	compressed := digest.Canonical.Digester()
	uncompressed := digest.Canonical.Digester()
	counter := &countingWriter{w: io.MultiWriter(tmp, compressed.Hash())}

	gz := gzip.NewWriter(counter)
	if err := archive.WriteTree(ctx, io.MultiWriter(gz, uncompressed.Hash()), rootfs, archive.Options{Reproducible: true}); err != nil {
		_ = tmp.Close()
		return ocispec.Descriptor{}, "", err
	}
	if err := gz.Close(); err != nil {
		_ = tmp.Close()
		return ocispec.Descriptor{}, "", zerr.Wrap(err, "failed to compress layer")
	}
	if err := tmp.Close(); err != nil {
		return ocispec.Descriptor{}, "", zerr.Wrap(err, "failed to close layer")
	}

	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    compressed.Digest(),
		Size:      counter.n,
	}
	if err := os.Rename(tmp.Name(), blobPath(dir, desc.Digest)); err != nil {
		return ocispec.Descriptor{}, "", zerr.Wrap(err, "failed to store layer")
	}
	if err := os.Chmod(blobPath(dir, desc.Digest), filePerm); err != nil {
		return ocispec.Descriptor{}, "", zerr.Wrap(err, "failed to store layer")
	}
	return desc, uncompressed.Digest(), nil
}

// writeJSON serializes v as a blob and returns the descriptor referencing it.
func writeJSON(dir, mediaType string, v any) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, zerr.Wrap(err, "failed to encode "+mediaType)
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := os.WriteFile(blobPath(dir, desc.Digest), b, filePerm); err != nil { //nolint:gosec // blobs are world readable
		return ocispec.Descriptor{}, zerr.Wrap(err, "failed to write blob")
	}
	return desc, nil
}

func writeFile(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to encode"), "path", path)
	}
	if err := os.WriteFile(path, b, filePerm); err != nil { //nolint:gosec // layout files are world readable
		return zerr.With(zerr.Wrap(err, "failed to write"), "path", path)
	}
	return nil
}

func copyBlob(src, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	in, err := os.Open(src) //nolint:gosec // path derived from a digest
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to open blob"), "path", src)
	}
	defer in.Close() //nolint:errcheck // read only

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm) //nolint:gosec // path derived from a digest
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create blob"), "path", dest)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return zerr.With(zerr.Wrap(err, "failed to copy blob"), "path", src)
	}
	return out.Close()
}

func blobPath(dir string, d digest.Digest) string {
	return filepath.Join(dir, ocispec.ImageBlobsDir, d.Algorithm().String(), d.Encoded())
}

// mergeEnv overlays override on top of inherited, keyed by variable name.
func mergeEnv(inherited, override []string) []string {
	if len(inherited) == 0 {
		return override
	}
	out := make([]string, 0, len(inherited)+len(override))
	seen := make(map[string]int, len(inherited))
	for _, kv := range append(slices.Clone(inherited), override...) {
		name, _, _ := strings.Cut(kv, "=")
		if i, ok := seen[name]; ok {
			out[i] = kv
			continue
		}
		seen[name] = len(out)
		out = append(out, kv)
	}
	return out
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
