package oci_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/oci"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports/mocks"
	"go.uber.org/mock/gomock"
)

func writeRootFS(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"app/server":                     "#!/bin/true\n",
		"app/migrations/0001_init.sql":   "create table users();",
		"app/ledger-migrations/0001.sql": "create table ledger();",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	require.NoError(t, os.Chmod(filepath.Join(root, "app", "server"), 0o755)) //nolint:gosec // executable
	return root
}

func request(rootfs string) *domain.ImageRequest {
	return &domain.ImageRequest{
		Base:       oci.BaseScratch,
		RootFS:     rootfs,
		Tag:        "server:latest",
		WorkDir:    "/app",
		Env:        []string{"PRIMARY_MIGRATIONS_PATH=/app/migrations", "RUST_LOG=info"},
		Entrypoint: []string{"./server"},
		Labels:     map[string]string{domain.ImageLabelPackages: "ca-certificates,libssl3"},
		Annotations: map[string]string{
			ocispec.AnnotationVersion: "v1.4.0",
		},
		Created: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestStore_WriteAndInspect(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := oci.NewStore(mocks.NewMockLogger(ctrl))
	dir := filepath.Join(t.TempDir(), "image")

	img, err := store.Write(context.Background(), request(writeRootFS(t)), dir)
	require.NoError(t, err)
	assert.Equal(t, "server:latest", img.Ref)
	assert.Equal(t, dir, img.Dir)
	assert.Contains(t, img.ManifestDigest, "sha256:")
	assert.FileExists(t, filepath.Join(dir, ocispec.ImageLayoutFile))

	var index ocispec.Index
	b, err := os.ReadFile(filepath.Join(dir, ocispec.ImageIndexFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &index))
	require.Len(t, index.Manifests, 1)
	assert.Equal(t, "server:latest", index.Manifests[0].Annotations[ocispec.AnnotationRefName])
	assert.Equal(t, img.ManifestDigest, index.Manifests[0].Digest.String())

	got, err := store.Inspect(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "server:latest", got.Ref)
	assert.Equal(t, "/app", got.WorkDir)
	assert.Equal(t, []string{"./server"}, got.Entrypoint)
	assert.Equal(t, "ca-certificates,libssl3", got.Labels[domain.ImageLabelPackages])
	assert.Equal(t, "v1.4.0", got.Annotations[ocispec.AnnotationVersion])
	v, ok := got.EnvValue("PRIMARY_MIGRATIONS_PATH")
	assert.True(t, ok)
	assert.Equal(t, "/app/migrations", v)

	paths := make(map[string]domain.ImageFile)
	for _, f := range got.Files {
		paths[f.Path] = f
	}
	require.Contains(t, paths, "/app/server")
	assert.Equal(t, int64(0o755), paths["/app/server"].Mode)
	assert.True(t, paths["/app/migrations"].Dir)
	assert.Contains(t, paths, "/app/ledger-migrations/0001.sql")
}

func TestStore_WriteIsReproducible(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := oci.NewStore(mocks.NewMockLogger(ctrl))
	rootfs := writeRootFS(t)

	first, err := store.Write(context.Background(), request(rootfs), filepath.Join(t.TempDir(), "a"))
	require.NoError(t, err)

	// Later modification times must not leak into the layer.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(rootfs, "app", "server"), later, later))

	second, err := store.Write(context.Background(), request(rootfs), filepath.Join(t.TempDir(), "b"))
	require.NoError(t, err)
	assert.Equal(t, first.ManifestDigest, second.ManifestDigest)
	assert.Equal(t, first.ConfigDigest, second.ConfigDigest)
}

func TestStore_WriteOnLayoutBase(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := oci.NewStore(mocks.NewMockLogger(ctrl))

	baseRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(baseRoot, "etc", "ssl"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(baseRoot, "etc", "ssl", "cert.pem"), []byte("pem"), 0o600))
	baseDir := filepath.Join(t.TempDir(), "base")
	baseReq := &domain.ImageRequest{
		Base:   oci.BaseScratch,
		RootFS: baseRoot,
		Tag:    "debian:bookworm-slim",
		Env:    []string{"PATH=/usr/bin", "RUST_LOG=warn"},
	}
	_, err := store.Write(context.Background(), baseReq, baseDir)
	require.NoError(t, err)

	req := request(writeRootFS(t))
	req.Base = oci.BaseLayoutPrefix + baseDir
	dir := filepath.Join(t.TempDir(), "image")
	_, err = store.Write(context.Background(), req, dir)
	require.NoError(t, err)

	got, err := store.Inspect(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "debian:bookworm-slim", got.Annotations[ocispec.AnnotationBaseImageName])
	assert.Equal(t, []string{"PATH=/usr/bin", "RUST_LOG=info", "PRIMARY_MIGRATIONS_PATH=/app/migrations"}, got.Env)

	var paths []string
	for _, f := range got.Files {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "/etc/ssl/cert.pem")
	assert.Contains(t, paths, "/app/server")
}

func TestStore_WriteRegistryBaseWarns(t *testing.T) {
	ctrl := gomock.NewController(t)
	log := mocks.NewMockLogger(ctrl)
	log.EXPECT().Warn("base image debian:bookworm-slim is not a local layout, its layers are not included")
	store := oci.NewStore(log)

	req := request(writeRootFS(t))
	req.Base = "debian:bookworm-slim"
	dir := filepath.Join(t.TempDir(), "image")
	_, err := store.Write(context.Background(), req, dir)
	require.NoError(t, err)

	got, err := store.Inspect(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "debian:bookworm-slim", got.Annotations[ocispec.AnnotationBaseImageName])
}

func TestStore_WriteMissingBaseLayout(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := oci.NewStore(mocks.NewMockLogger(ctrl))

	req := request(writeRootFS(t))
	req.Base = oci.BaseLayoutPrefix + filepath.Join(t.TempDir(), "missing")
	_, err := store.Write(context.Background(), req, filepath.Join(t.TempDir(), "image"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrImageWriteFailed))
}

func TestStore_InspectRejectsTamperedBlob(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := oci.NewStore(mocks.NewMockLogger(ctrl))
	dir := filepath.Join(t.TempDir(), "image")

	img, err := store.Write(context.Background(), request(writeRootFS(t)), dir)
	require.NoError(t, err)

	manifest := filepath.Join(dir, "blobs", "sha256", img.ManifestDigest[len("sha256:"):])
	require.NoError(t, os.WriteFile(manifest, []byte(`{"layers":[]}`), 0o600))

	_, err = store.Inspect(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}
