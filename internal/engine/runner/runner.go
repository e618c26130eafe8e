// Package runner executes the stages of one pipeline run: it snapshots the
// source tree, builds inside disposable environments, promotes the artifact
// and assembles the runtime image.
package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/verifier"
	"go.trai.ch/zerr"
)

const dirPerm = 0o750

// Engine holds the collaborators shared by every run.
type Engine struct {
	executor  ports.Executor
	fs        ports.FileSystem
	hasher    ports.Hasher
	caches    ports.CacheStoreFactory
	installer ports.PackageInstaller
	images    ports.ImageStore
	store     ports.BuildInfoStore
	verifier  *verifier.Verifier
	logger    ports.Logger
	now       func() time.Time
}

// NewEngine creates a new Engine.
func NewEngine(
	executor ports.Executor,
	fs ports.FileSystem,
	hasher ports.Hasher,
	caches ports.CacheStoreFactory,
	installer ports.PackageInstaller,
	images ports.ImageStore,
	store ports.BuildInfoStore,
	v *verifier.Verifier,
	logger ports.Logger,
) *Engine {
	return &Engine{
		executor:  executor,
		fs:        fs,
		hasher:    hasher,
		caches:    caches,
		installer: installer,
		images:    images,
		store:     store,
		verifier:  v,
		logger:    logger,
		now:       time.Now,
	}
}

// Options adjust a single run.
type Options struct {
	// Params override the build parameters of the pipeline file.
	Params domain.BuildParams
	// Output overrides the directory the image is published to.
	Output string
}

var _ ports.StageRunner = (*Run)(nil)

// Run is one execution of a pipeline. It implements ports.StageRunner.
type Run struct {
	e        *Engine
	pipeline *domain.Pipeline
	caches   ports.CacheStore

	id         string
	params     domain.BuildParams
	output     string
	dir        string
	source     string
	sourceHash string

	mu        sync.Mutex
	envs      map[string]*environment
	artifacts map[string]*domain.Artifact
	image     *domain.RuntimeImage
}

// NewRun opens the cache store of p and prepares a run with a fresh id.
func (e *Engine) NewRun(ctx context.Context, p *domain.Pipeline, opts Options) (*Run, error) {
	params := p.Params.Override(opts.Params)
	policy, err := domain.ParsePanicPolicy(string(params.PanicPolicy))
	if err != nil {
		return nil, err
	}
	params.PanicPolicy = policy

	output := opts.Output
	if output == "" {
		if rt, ok := p.StageOfKind(domain.StageRuntime); ok {
			output = rt.Runtime.Output
		}
	}
	if output != "" && !filepath.IsAbs(output) {
		output = filepath.Join(p.Root, output)
	}

	caches, err := e.caches.Open(ctx, p.Cache)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(domain.RunsPath(p.Root), id)
	return &Run{
		e:         e,
		pipeline:  p,
		caches:    caches,
		id:        id,
		params:    params,
		output:    output,
		dir:       dir,
		source:    filepath.Join(dir, "source"),
		envs:      make(map[string]*environment),
		artifacts: make(map[string]*domain.Artifact),
	}, nil
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Params returns the effective build parameters.
func (r *Run) Params() domain.BuildParams { return r.params }

// Output returns the directory the image is published to.
func (r *Run) Output() string { return r.output }

// SourceHash returns the fingerprint of the source snapshot.
func (r *Run) SourceHash() string { return r.sourceHash }

// Image returns the published image, or nil before the runtime stage completed.
func (r *Run) Image() *domain.RuntimeImage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.image
}

// Artifact returns the artifact promoted by the named extraction stage.
func (r *Run) Artifact(stage string) (*domain.Artifact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[stage]
	return a, ok
}

// Snapshot fingerprints the source tree and copies it into the run
// directory. Build environments are populated from this copy only, so edits
// made to the tree during the run are never observed.
func (r *Run) Snapshot(ctx context.Context) error {
	src := r.pipeline.Source.Path
	ignores := r.snapshotIgnores()

	hash, err := r.e.hasher.ComputeTreeHash(src, ignores)
	if err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrSourceFetchFailed.Error()), "path", src)
	}
	if err := os.MkdirAll(r.dir, dirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrSourceFetchFailed.Error()), "path", r.dir)
	}
	if err := r.e.fs.CopyTree(ctx, src, r.source, ignores); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrSourceFetchFailed.Error()), "path", src)
	}
	r.sourceHash = hash
	r.e.logger.Info("source snapshot " + hash + " taken for run " + r.id)
	return nil
}

// snapshotIgnores adds the state directory and an output directory inside
// the source tree to the configured ignores.
func (r *Run) snapshotIgnores() []string {
	ignores := append([]string{domain.StateDirName}, r.pipeline.Source.Ignore...)
	if r.output == "" {
		return ignores
	}
	rel, err := filepath.Rel(r.pipeline.Source.Path, r.output)
	if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		ignores = append(ignores, filepath.ToSlash(rel))
	}
	return ignores
}

// RunStage executes stage according to its kind.
func (r *Run) RunStage(ctx context.Context, stage *domain.Stage) error {
	switch stage.Kind {
	case domain.StageBuild:
		return r.runBuild(ctx, stage)
	case domain.StageExtract:
		return r.runExtract(ctx, stage)
	case domain.StageRuntime:
		return r.runRuntime(ctx, stage)
	default:
		return zerr.With(zerr.With(zerr.New("unsupported stage kind"), "stage", stage.Name), "kind", string(stage.Kind))
	}
}

// Close discards every environment still attached to the run, releasing its
// cache areas, and removes the run directory.
func (r *Run) Close(ctx context.Context) error {
	r.mu.Lock()
	envs := r.envs
	r.envs = make(map[string]*environment)
	r.mu.Unlock()

	var errs error
	for _, env := range envs {
		errs = errors.Join(errs, env.release(ctx))
	}
	if err := os.RemoveAll(r.dir); err != nil {
		errs = errors.Join(errs, zerr.With(zerr.Wrap(err, "failed to remove run directory"), "path", r.dir))
	}
	return errs
}

// record stores the outcome of a stage. Failing to record never fails the run.
func (r *Run) record(stage, inputHash, outputHash string) {
	err := r.e.store.Put(r.pipeline.Root, domain.BuildInfo{
		StageName:  stage,
		RunID:      r.id,
		InputHash:  inputHash,
		OutputHash: outputHash,
		Timestamp:  r.e.now(),
	})
	if err != nil {
		r.e.logger.Warn("could not record outcome of stage " + stage + ": " + err.Error())
	}
}

// hostPath maps an absolute path inside rootfs to the host.
func hostPath(rootfs, p string) string {
	return filepath.Join(rootfs, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}
