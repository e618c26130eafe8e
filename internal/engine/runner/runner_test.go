package runner_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/blob"
	"go.trai.ch/kiln/internal/adapters/cache"
	"go.trai.ch/kiln/internal/adapters/cas"
	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/adapters/oci"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/core/ports/mocks"
	"go.trai.ch/kiln/internal/engine/runner"
	"go.trai.ch/kiln/internal/engine/verifier"
	"go.trai.ch/zerr"
	"go.uber.org/mock/gomock"
)

// writeProject creates a source tree with a program and two migration sets.
func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"Cargo.toml":                        "[package]\nname = \"server\"\n",
		"src/main.rs":                       "fn main() {}\n",
		"migrations/0001_init.sql":          "create table users();\n",
		"ledger-migrations/0001_ledger.sql": "create table ledger();\n",
		"target/debug/stale":                "left over from a local build",
		"dist/image/index.json":             "{}",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	return root
}

func newPipeline(root string) *domain.Pipeline {
	return &domain.Pipeline{
		Name:   "server",
		Root:   root,
		Source: domain.SourceSpec{Path: root, Ignore: []string{"target"}},
		Params: domain.DefaultBuildParams(),
		Caches: map[string]domain.CacheArea{
			"registry": {Name: "registry", Scope: domain.CacheScopeShared},
			"target":   {Name: "target", Scope: domain.CacheScopePipeline},
		},
		Stages: []domain.Stage{
			{
				Name: "build",
				Kind: domain.StageBuild,
				Build: &domain.BuildSpec{
					WorkDir:  "/usr/src/app",
					Target:   "server",
					Command:  []string{"cargo", "build", "--release", "--bin", "$BUILD_TARGET"},
					Artifact: "target/release/server",
					Mounts: []domain.CacheMount{
						{Cache: "registry", Path: "/usr/local/cargo/registry", Env: "CARGO_HOME"},
						{Cache: "target", Path: "/usr/src/app/target"},
					},
				},
			},
			{
				Name:    "extract",
				Kind:    domain.StageExtract,
				Extract: &domain.ExtractSpec{From: "build", Dest: "/out/server"},
			},
			{
				Name: "runtime",
				Kind: domain.StageRuntime,
				Runtime: &domain.RuntimeSpec{
					Base:     "scratch",
					Packages: domain.PackageSpec{Manager: domain.PackageManagerApt, Packages: []string{"libssl3", "ca-certificates"}},
					WorkDir:  "/app",
					Copies: []domain.CopySpec{
						{From: "extract", Src: "/out/server", Dest: "server"},
						{Src: "migrations", Dest: "migrations", Env: "PRIMARY_MIGRATIONS_PATH"},
						{Src: "ledger-migrations", Dest: "ledger-migrations", Env: "SECONDARY_MIGRATIONS_PATH"},
					},
					Env:        map[string]string{"RUST_LOG": "info"},
					Entrypoint: []string{"./server"},
					Tag:        "server:latest",
					Output:     "dist/image",
				},
			},
		},
		Verify: domain.VerifySpec{Forbid: []string{"/usr/local/cargo"}},
	}
}

type harness struct {
	engine    *runner.Engine
	executor  *mocks.MockExecutor
	installer *mocks.MockPackageInstaller
	factory   *mocks.MockCacheStoreFactory
	logger    *mocks.MockLogger
	store     *cas.Store
	images    *oci.Store

	mu       sync.Mutex
	warnings []string
}

func (h *harness) warned() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.warnings)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		executor:  mocks.NewMockExecutor(ctrl),
		installer: mocks.NewMockPackageInstaller(ctrl),
		factory:   mocks.NewMockCacheStoreFactory(ctrl),
		logger:    mocks.NewMockLogger(ctrl),
		store:     cas.NewStore(),
	}
	h.logger.EXPECT().Info(gomock.Any()).AnyTimes()
	h.logger.EXPECT().Warn(gomock.Any()).Do(func(msg string) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.warnings = append(h.warnings, msg)
	}).AnyTimes()
	h.images = oci.NewStore(h.logger)

	walker := fs.NewWalker()
	h.engine = runner.NewEngine(
		h.executor,
		fs.NewCopier(walker),
		fs.NewHasher(walker),
		h.factory,
		h.installer,
		h.images,
		h.store,
		verifier.New(h.images),
		h.logger,
	)
	return h
}

// withBlobCache backs the cache store factory with a real store in dir.
func (h *harness) withBlobCache(t *testing.T, dir string) {
	t.Helper()
	blobs, err := blob.NewFSStore(dir)
	require.NoError(t, err)
	h.factory.EXPECT().Open(gomock.Any(), gomock.Any()).Return(cache.NewStore(blobs, h.logger), nil).AnyTimes()
}

// compile fakes the compiler: it writes the binary and fills the registry
// cache, reporting whether the registry was already warm.
func compile(t *testing.T, warm *bool) func(context.Context, *domain.Command, io.Writer, io.Writer) error {
	t.Helper()
	return func(_ context.Context, cmd *domain.Command, stdout, _ io.Writer) error {
		assert.Equal(t, []string{"cargo", "build", "--release", "--bin", "server"}, cmd.Args)
		assert.Equal(t, "abort", cmd.Env[domain.EnvPanicPolicy])
		assert.Equal(t, "server", cmd.Env[domain.EnvBuildTarget])
		assert.NoFileExists(t, filepath.Join(cmd.Dir, "target", "debug", "stale"))

		marker := filepath.Join(cmd.Env["CARGO_HOME"], "index", "crates")
		_, err := os.Stat(marker)
		*warm = err == nil
		require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0o750))
		require.NoError(t, os.WriteFile(marker, []byte("index"), 0o600))

		bin := filepath.Join(cmd.Dir, "target", "release", "server")
		require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o750))
		require.NoError(t, os.WriteFile(bin, []byte("#!/bin/true\n"), 0o755)) //nolint:gosec // executable
		_, _ = io.WriteString(stdout, "Finished release [optimized] target(s)\n")
		return nil
	}
}

func installPackages(_ context.Context, _ domain.PackageSpec, rootfs string, _, _ io.Writer) error {
	lib := filepath.Join(rootfs, "usr", "lib", "libssl.so.3")
	if err := os.MkdirAll(filepath.Dir(lib), 0o750); err != nil {
		return err
	}
	return os.WriteFile(lib, []byte("elf"), 0o600)
}

func runAll(ctx context.Context, t *testing.T, run *runner.Run, p *domain.Pipeline) error {
	t.Helper()
	g, err := p.Validate()
	require.NoError(t, err)
	if err := run.Snapshot(ctx); err != nil {
		return err
	}
	for stage := range g.Walk() {
		if err := run.RunStage(ctx, &stage); err != nil {
			return err
		}
	}
	return nil
}

func TestRun_ColdAndWarmCaches(t *testing.T) {
	ctx := context.Background()
	root := writeProject(t)
	p := newPipeline(root)
	h := newHarness(t)
	h.withBlobCache(t, t.TempDir())
	h.installer.EXPECT().Install(gomock.Any(), p.Stages[2].Runtime.Packages, gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(installPackages).Times(2)

	var warm []bool
	var images []*domain.RuntimeImage
	var digests []string
	for range 2 {
		var w bool
		h.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(compile(t, &w))

		run, err := h.engine.NewRun(ctx, p, runner.Options{})
		require.NoError(t, err)
		require.NoError(t, runAll(ctx, t, run, p))

		artifact, ok := run.Artifact("extract")
		require.True(t, ok)
		runDir := filepath.Join(domain.RunsPath(root), run.ID())
		assert.Equal(t, runner.LayerPath(runDir, "extract", "/out/server"), artifact.Path)
		assert.FileExists(t, artifact.Path)
		require.NoError(t, run.Close(ctx))

		warm = append(warm, w)
		images = append(images, run.Image())
		digests = append(digests, artifact.Digest)

		_, err = os.Stat(runDir)
		assert.True(t, os.IsNotExist(err), "run directory is removed")
	}

	assert.Equal(t, []bool{false, true}, warm)
	assert.Equal(t, digests[0], digests[1], "artifact does not depend on cache state")
	assert.Equal(t, images[0].ManifestDigest, images[1].ManifestDigest, "image is reproducible")

	out := filepath.Join(root, "dist", "image")
	assert.Equal(t, out, images[1].Dir)
	assert.Equal(t, []string{"ca-certificates", "libssl3"}, images[1].Packages)
	require.Len(t, images[1].DataSets, 2)

	inspection, err := h.images.Inspect(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, "server:latest", inspection.Ref)
	assert.Equal(t, "abort", inspection.Labels[domain.ImageLabelPanicPolicy])
	assert.Equal(t, "dev", inspection.Annotations["org.opencontainers.image.version"])

	for _, w := range h.warned() {
		assert.NotContains(t, w, "host toolchain", "no build base is declared")
	}

	info, err := h.store.Get(root, "extract")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, digests[1], info.OutputHash)
}

func TestRun_ParamsOverride(t *testing.T) {
	ctx := context.Background()
	root := writeProject(t)
	p := newPipeline(root)
	h := newHarness(t)
	h.withBlobCache(t, t.TempDir())

	run, err := h.engine.NewRun(ctx, p, runner.Options{
		Params: domain.BuildParams{PanicPolicy: "Unwind", VersionTag: "v1.4.0"},
		Output: "release/image",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BuildParams{PanicPolicy: domain.PanicUnwind, VersionTag: "v1.4.0"}, run.Params())
	assert.Equal(t, filepath.Join(root, "release", "image"), run.Output())

	_, err = h.engine.NewRun(ctx, p, runner.Options{Params: domain.BuildParams{PanicPolicy: "explode"}})
	assert.True(t, domain.IsKind(err, domain.ErrInvalidPanicPolicy))
}

func TestRun_CompileFailureReleasesCaches(t *testing.T) {
	ctx := context.Background()
	root := writeProject(t)
	p := newPipeline(root)
	h := newHarness(t)

	ctrl := gomock.NewController(t)
	caches := mocks.NewMockCacheStore(ctrl)
	h.factory.EXPECT().Open(gomock.Any(), p.Cache).Return(caches, nil)
	caches.EXPECT().Acquire(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, key, mount string) (ports.CacheHandle, error) {
			handle := mocks.NewMockCacheHandle(ctrl)
			handle.EXPECT().Release(gomock.Any()).Return(nil).Times(1)
			assert.Contains(t, []string{"registry", "server/target"}, key)
			return handle, nil
		}).Times(2)

	exitErr := zerr.With(zerr.Wrap(errors.New("exit status 101"), "command failed"), "exit_code", 101)
	h.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(exitErr)

	run, err := h.engine.NewRun(ctx, p, runner.Options{})
	require.NoError(t, err)
	require.NoError(t, run.Snapshot(ctx))

	err = run.RunStage(ctx, &p.Stages[0])
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrCompileFailed))
	meta := domain.Metadata(err)
	assert.Equal(t, 101, meta["exit_code"])
	assert.Equal(t, "build", meta["stage"])

	_, err = os.Stat(filepath.Join(domain.RunsPath(root), run.ID(), "envs", "build"))
	assert.True(t, os.IsNotExist(err), "failed environment is discarded")

	err = run.RunStage(ctx, &p.Stages[1])
	assert.True(t, domain.IsKind(err, domain.ErrExtractionFailed))
	require.NoError(t, run.Close(ctx))
}

func TestRun_MissingArtifact(t *testing.T) {
	ctx := context.Background()
	root := writeProject(t)
	p := newPipeline(root)
	h := newHarness(t)
	h.withBlobCache(t, t.TempDir())
	h.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	run, err := h.engine.NewRun(ctx, p, runner.Options{})
	require.NoError(t, err)
	require.NoError(t, run.Snapshot(ctx))
	require.NoError(t, run.RunStage(ctx, &p.Stages[0]))

	err = run.RunStage(ctx, &p.Stages[1])
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrExtractionFailed))
	assert.Equal(t, "/usr/src/app/target/release/server", domain.Metadata(err)["artifact"])
	require.NoError(t, run.Close(ctx))
}

func TestRun_MissingDataSet(t *testing.T) {
	ctx := context.Background()
	root := writeProject(t)
	require.NoError(t, os.RemoveAll(filepath.Join(root, "ledger-migrations")))
	p := newPipeline(root)
	h := newHarness(t)
	h.withBlobCache(t, t.TempDir())
	var warm bool
	h.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(compile(t, &warm))
	h.installer.EXPECT().Install(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(installPackages)

	run, err := h.engine.NewRun(ctx, p, runner.Options{})
	require.NoError(t, err)
	err = runAll(ctx, t, run, p)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrCopyFailed))
	assert.Equal(t, "ledger-migrations", domain.Metadata(err)["src"])
	assert.NoDirExists(t, filepath.Join(root, "dist", "image", "blobs"), "nothing is published")
	require.NoError(t, run.Close(ctx))
}

func TestRun_PackageInstallFailure(t *testing.T) {
	ctx := context.Background()
	root := writeProject(t)
	p := newPipeline(root)
	h := newHarness(t)
	h.withBlobCache(t, t.TempDir())
	var warm bool
	h.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(compile(t, &warm))
	h.installer.EXPECT().Install(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(zerr.With(domain.ErrPackageInstallFailed, "manager", "apt"))

	run, err := h.engine.NewRun(ctx, p, runner.Options{})
	require.NoError(t, err)
	err = runAll(ctx, t, run, p)
	assert.True(t, domain.IsKind(err, domain.ErrPackageInstallFailed))
	assert.Equal(t, "runtime", domain.Metadata(err)["stage"])
	require.NoError(t, run.Close(ctx))
}

func TestRun_CancelledBeforePublish(t *testing.T) {
	root := writeProject(t)
	p := newPipeline(root)
	h := newHarness(t)
	h.withBlobCache(t, t.TempDir())
	var warm bool
	h.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(compile(t, &warm))

	ctx, cancel := context.WithCancel(context.Background())
	h.installer.EXPECT().Install(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, spec domain.PackageSpec, rootfs string, stdout, stderr io.Writer) error {
			cancel()
			return installPackages(ctx, spec, rootfs, stdout, stderr)
		})

	run, err := h.engine.NewRun(context.Background(), p, runner.Options{})
	require.NoError(t, err)
	err = runAll(ctx, t, run, p)
	require.Error(t, err)
	assert.Nil(t, run.Image())
	assert.NoFileExists(t, filepath.Join(root, "dist", "image", "oci-layout"))
	require.NoError(t, run.Close(context.Background()))
}

func TestRun_ConcurrentRunsPromoteIndependently(t *testing.T) {
	ctx := context.Background()
	root := writeProject(t)
	p := newPipeline(root)
	h := newHarness(t)
	h.withBlobCache(t, t.TempDir())
	h.installer.EXPECT().Install(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(installPackages).Times(2)

	binaries := []string{"#!/bin/sh\necho A\n", "#!/bin/sh\necho BB\n"}
	for _, content := range binaries {
		h.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, cmd *domain.Command, _, _ io.Writer) error {
				bin := filepath.Join(cmd.Dir, "target", "release", "server")
				require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o750))
				return os.WriteFile(bin, []byte(content), 0o755) //nolint:gosec // executable
			})
	}

	a, err := h.engine.NewRun(ctx, p, runner.Options{Output: "dist/a"})
	require.NoError(t, err)
	b, err := h.engine.NewRun(ctx, p, runner.Options{Output: "dist/b"})
	require.NoError(t, err)
	require.NoError(t, a.Snapshot(ctx))
	require.NoError(t, b.Snapshot(ctx))

	build, extract, rt := &p.Stages[0], &p.Stages[1], &p.Stages[2]
	require.NoError(t, a.RunStage(ctx, build))
	require.NoError(t, a.RunStage(ctx, extract))
	require.NoError(t, b.RunStage(ctx, build))
	require.NoError(t, b.RunStage(ctx, extract))
	require.NoError(t, a.RunStage(ctx, rt))
	require.NoError(t, b.RunStage(ctx, rt))

	artifactA, ok := a.Artifact("extract")
	require.True(t, ok)
	artifactB, ok := b.Artifact("extract")
	require.True(t, ok)
	assert.NotEqual(t, artifactA.Path, artifactB.Path)
	assert.NotEqual(t, artifactA.Digest, artifactB.Digest)

	for _, tc := range []struct {
		dir      string
		artifact *domain.Artifact
	}{
		{filepath.Join(root, "dist", "a"), artifactA},
		{filepath.Join(root, "dist", "b"), artifactB},
	} {
		inspection, err := h.images.Inspect(ctx, tc.dir)
		require.NoError(t, err)
		idx := slices.IndexFunc(inspection.Files, func(f domain.ImageFile) bool { return f.Path == "/app/server" })
		require.GreaterOrEqual(t, idx, 0)
		assert.Equal(t, tc.artifact.Size, inspection.Files[idx].Size)
	}

	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Close(ctx))
}

func TestRun_BuildBaseRunsOnHost(t *testing.T) {
	ctx := context.Background()
	root := writeProject(t)
	p := newPipeline(root)
	p.Stages[0].Build.Base = "rust:1.80"
	h := newHarness(t)
	h.withBlobCache(t, t.TempDir())
	var warm bool
	h.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(compile(t, &warm))
	h.installer.EXPECT().Install(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(installPackages)

	run, err := h.engine.NewRun(ctx, p, runner.Options{})
	require.NoError(t, err)
	require.NoError(t, runAll(ctx, t, run, p))
	require.NoError(t, run.Close(ctx))

	assert.Contains(t, h.warned(), "build base image rust:1.80 is not pulled, stage build runs on the host toolchain")
	inspection, err := h.images.Inspect(ctx, filepath.Join(root, "dist", "image"))
	require.NoError(t, err)
	assert.Equal(t, "rust:1.80", inspection.Labels[domain.ImageLabelBuildBase])
}

func TestRun_CopyFailureWaitsForDataSets(t *testing.T) {
	ctx := context.Background()
	root := writeProject(t)
	p := newPipeline(root)
	rt := p.Stages[2].Runtime
	// The data sets are started before the failing plain copy.
	rt.Copies = []domain.CopySpec{
		rt.Copies[1],
		rt.Copies[2],
		rt.Copies[0],
		{Src: "missing.toml", Dest: "config.toml"},
	}
	h := newHarness(t)
	h.withBlobCache(t, t.TempDir())
	var warm bool
	h.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(compile(t, &warm))
	h.installer.EXPECT().Install(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(installPackages)

	run, err := h.engine.NewRun(ctx, p, runner.Options{})
	require.NoError(t, err)
	err = runAll(ctx, t, run, p)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrCopyFailed))
	assert.Equal(t, "missing.toml", domain.Metadata(err)["src"])
	assert.NoDirExists(t, filepath.Join(domain.RunsPath(root), run.ID(), "envs", "runtime"))
	require.NoError(t, run.Close(ctx))
}
