package runner

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// environment is a disposable build environment. Its root file system is
// private to one run; cache areas are borrowed from the store until release.
type environment struct {
	stage     string
	root      string
	rootfs    string
	workdir   string
	handles   []ports.CacheHandle
	inputHash string
}

// release returns every borrowed cache area to the store and removes the
// environment from disk.
func (env *environment) release(ctx context.Context) error {
	var errs error
	for _, h := range env.handles {
		errs = errors.Join(errs, h.Release(ctx))
	}
	env.handles = nil
	if err := os.RemoveAll(env.root); err != nil {
		errs = errors.Join(errs, zerr.With(zerr.Wrap(err, "failed to remove build environment"), "path", env.root))
	}
	return errs
}

func (r *Run) newEnvironment(stage string, b *domain.BuildSpec) *environment {
	root := filepath.Join(r.dir, "envs", stage)
	rootfs := filepath.Join(root, "rootfs")
	return &environment{
		stage:   stage,
		root:    root,
		rootfs:  rootfs,
		workdir: hostPath(rootfs, b.WorkDir),
	}
}

func (r *Run) runBuild(ctx context.Context, stage *domain.Stage) (err error) {
	b := stage.Build
	env := r.newEnvironment(stage.Name, b)
	defer func() {
		if err != nil {
			r.discard(ctx, env)
		}
	}()

	if err := os.MkdirAll(env.workdir, dirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrSourceFetchFailed.Error()), "stage", stage.Name)
	}
	if err := r.e.fs.CopyTree(ctx, r.source, env.workdir, nil); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrSourceFetchFailed.Error()), "stage", stage.Name)
	}
	if err := r.mountCaches(ctx, env, b); err != nil {
		return err
	}

	vars := r.buildEnv(env, b)
	cmd := &domain.Command{
		Args: expandArgs(b.Command, vars),
		Dir:  env.workdir,
		Env:  vars,
	}
	env.inputHash = r.e.hasher.ComputeStageHash(stage, r.hashedEnv(b), r.sourceHash)

	out := newStageOutput(ctx, r.e.logger, stage.Name)
	defer out.Close() //nolint:errcheck // flushes buffered lines only
	if b.Base != "" {
		r.e.logger.Warn("build base image " + b.Base + " is not pulled, stage " + stage.Name + " runs on the host toolchain")
	}
	r.e.logger.Info("building " + b.Target + " in stage " + stage.Name)
	if err := r.e.executor.Execute(ctx, cmd, out.Stdout(), out.Stderr()); err != nil {
		return zerr.With(zerr.With(zerr.Wrap(err, domain.ErrCompileFailed.Error()), "stage", stage.Name), "target", b.Target)
	}

	r.mu.Lock()
	r.envs[stage.Name] = env
	r.mu.Unlock()
	r.record(stage.Name, env.inputHash, "")
	return nil
}

// mountCaches acquires every cache area of b concurrently. A mount path
// inside the workdir replaces the matching directory of the source copy.
func (r *Run) mountCaches(ctx context.Context, env *environment, b *domain.BuildSpec) error {
	handles := make([]ports.CacheHandle, len(b.Mounts))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range b.Mounts {
		area := r.pipeline.Caches[m.Cache]
		key := area.Key(r.pipeline.Name)
		g.Go(func() error {
			h, err := r.caches.Acquire(gctx, key, hostPath(env.rootfs, m.Path))
			if err != nil {
				return zerr.With(zerr.With(zerr.Wrap(err, domain.ErrCacheMountFailed.Error()), "cache", m.Cache), "path", m.Path)
			}
			handles[i] = h
			return nil
		})
	}
	err := g.Wait()
	for _, h := range handles {
		if h != nil {
			env.handles = append(env.handles, h)
		}
	}
	if err != nil {
		return zerr.With(err, "stage", env.stage)
	}
	return nil
}

// buildEnv returns the variables exported to the build command. Reserved
// variables win over the stage's own.
func (r *Run) buildEnv(env *environment, b *domain.BuildSpec) map[string]string {
	vars := maps.Clone(b.Env)
	if vars == nil {
		vars = make(map[string]string)
	}
	maps.Copy(vars, r.params.Env())
	vars[domain.EnvBuildTarget] = b.Target
	vars[domain.EnvEnvRoot] = env.rootfs
	vars[domain.EnvWorkDir] = env.workdir
	for _, m := range b.Mounts {
		if m.Env != "" {
			vars[m.Env] = hostPath(env.rootfs, m.Path)
		}
	}
	return vars
}

// hashedEnv is the part of the build environment that does not depend on
// where the run lives on disk.
func (r *Run) hashedEnv(b *domain.BuildSpec) map[string]string {
	vars := maps.Clone(b.Env)
	if vars == nil {
		vars = make(map[string]string)
	}
	maps.Copy(vars, r.params.Env())
	vars[domain.EnvBuildTarget] = b.Target
	return vars
}

// expandArgs replaces $VAR and ${VAR} references to build variables.
// References to unknown variables are kept verbatim.
func expandArgs(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = os.Expand(arg, func(name string) string {
			if v, ok := vars[name]; ok {
				return v
			}
			return "${" + name + "}"
		})
	}
	return out
}

// discard tears an environment down after a failure. The teardown outlives
// cancellation so borrowed cache areas are still returned.
func (r *Run) discard(ctx context.Context, env *environment) {
	r.mu.Lock()
	delete(r.envs, env.stage)
	r.mu.Unlock()
	if err := env.release(context.WithoutCancel(ctx)); err != nil {
		r.e.logger.Warn("could not tear down environment of stage " + env.stage + ": " + err.Error())
	}
}
