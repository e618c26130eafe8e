// Package app implements the application layer for kiln.
package app

import (
	"cmp"
	"context"
	"errors"
	"runtime"
	"strings"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/runner"
	"go.trai.ch/kiln/internal/engine/scheduler"
	"go.trai.ch/kiln/internal/engine/verifier"
	"go.trai.ch/zerr"
)

// DefaultFile is the pipeline file read when none is given.
const DefaultFile = "kiln.yaml"

// App represents the main application logic.
type App struct {
	configLoader ports.ConfigLoader
	engine       *runner.Engine
	scheduler    *scheduler.Scheduler
	verifier     *verifier.Verifier
	caches       ports.CacheStoreFactory
	store        ports.BuildInfoStore
	logger       ports.Logger
}

// New creates a new App instance.
func New(
	loader ports.ConfigLoader,
	engine *runner.Engine,
	sched *scheduler.Scheduler,
	v *verifier.Verifier,
	caches ports.CacheStoreFactory,
	store ports.BuildInfoStore,
	log ports.Logger,
) *App {
	return &App{
		configLoader: loader,
		engine:       engine,
		scheduler:    sched,
		verifier:     v,
		caches:       caches,
		store:        store,
		logger:       log,
	}
}

// RunOptions configuration for the Run method.
type RunOptions struct {
	File        string
	PanicPolicy string
	VersionTag  string
	Output      string
	Parallelism int
}

// Result describes a completed run.
type Result struct {
	RunID    string
	Image    *domain.RuntimeImage
	Artifact *domain.Artifact
	Statuses map[string]domain.StageStatus
}

// Run executes every stage of the pipeline and publishes the runtime image.
// Any failure aborts the run and nothing is published.
func (a *App) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	// 1. Load and validate the pipeline
	p, graph, err := a.load(opts.File)
	if err != nil {
		return nil, err
	}

	// 2. Prepare the run
	run, err := a.engine.NewRun(ctx, p, runner.Options{
		Params: domain.BuildParams{
			PanicPolicy: domain.PanicPolicy(opts.PanicPolicy),
			VersionTag:  opts.VersionTag,
		},
		Output: opts.Output,
	})
	if err != nil {
		return nil, errors.Join(domain.ErrPipelineFailed, err)
	}
	defer func() {
		if errClose := run.Close(context.WithoutCancel(ctx)); errClose != nil {
			a.logger.Warn("could not clean up run " + run.ID() + ": " + errClose.Error())
		}
	}()

	params := run.Params()
	a.logger.Info("starting run " + run.ID() + " of pipeline " + p.Name +
		" (panic policy " + string(params.PanicPolicy) + ", version " + params.VersionTag + ")")

	// 3. Snapshot the source tree
	if err := run.Snapshot(ctx); err != nil {
		return nil, errors.Join(domain.ErrPipelineFailed, err)
	}

	// 4. Execute the stage graph
	parallelism := cmp.Or(opts.Parallelism, runtime.NumCPU())
	if err := a.scheduler.Run(ctx, graph, run, parallelism); err != nil {
		return nil, errors.Join(domain.ErrPipelineFailed, err)
	}

	res := &Result{
		RunID:    run.ID(),
		Image:    run.Image(),
		Statuses: a.scheduler.Statuses(),
	}
	if ex, ok := p.StageOfKind(domain.StageExtract); ok {
		res.Artifact, _ = run.Artifact(ex.Name)
	}
	return res, nil
}

// PlanStep is one stage of a plan, in execution order.
type PlanStep struct {
	Name      string
	Kind      domain.StageKind
	DependsOn []string
}

// Plan validates the pipeline without executing anything and returns its
// stages in execution order.
func (a *App) Plan(file string) ([]PlanStep, error) {
	_, graph, err := a.load(file)
	if err != nil {
		return nil, err
	}

	steps := make([]PlanStep, 0, graph.StageCount())
	for stage := range graph.Walk() {
		steps = append(steps, PlanStep{Name: stage.Name, Kind: stage.Kind, DependsOn: stage.Dependencies()})
	}
	return steps, nil
}

// Verify checks an existing image layout against the release properties of
// the pipeline.
func (a *App) Verify(ctx context.Context, file, layout string) (*verifier.Report, error) {
	p, _, err := a.load(file)
	if err != nil {
		return nil, err
	}
	return a.verifier.Verify(ctx, layout, p)
}

// CacheList returns the cache areas held by the pipeline's cache backend.
func (a *App) CacheList(ctx context.Context, file string) ([]domain.CacheEntry, error) {
	store, err := a.openCaches(ctx, file)
	if err != nil {
		return nil, err
	}
	return store.List(ctx)
}

// CachePrune removes the given cache areas, or all of them when keys is empty.
// It returns the removed keys.
func (a *App) CachePrune(ctx context.Context, file string, keys []string) ([]string, error) {
	store, err := a.openCaches(ctx, file)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		entries, err := store.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if err := store.Prune(ctx, keys); err != nil {
		return nil, err
	}
	a.logger.Info("pruned cache areas: " + strings.Join(keys, ", "))
	return keys, nil
}

// StageInfo is the last recorded outcome of a stage. Info is nil when the
// stage never completed.
type StageInfo struct {
	Stage string
	Kind  domain.StageKind
	Info  *domain.BuildInfo
}

// Status returns the last recorded outcome of every stage in execution order.
func (a *App) Status(file string) ([]StageInfo, error) {
	p, graph, err := a.load(file)
	if err != nil {
		return nil, err
	}

	infos := make([]StageInfo, 0, graph.StageCount())
	for stage := range graph.Walk() {
		info, err := a.store.Get(p.Root, stage.Name)
		if err != nil {
			return nil, zerr.With(err, "stage", stage.Name)
		}
		infos = append(infos, StageInfo{Stage: stage.Name, Kind: stage.Kind, Info: info})
	}
	return infos, nil
}

// SetJSONLogs switches the logger to JSON output when it supports it.
func (a *App) SetJSONLogs(enable bool) {
	if l, ok := a.logger.(interface{ SetJSON(bool) }); ok {
		l.SetJSON(enable)
	}
}

func (a *App) load(file string) (*domain.Pipeline, *domain.Graph, error) {
	file = cmp.Or(file, DefaultFile)
	p, err := a.configLoader.Load(file)
	if err != nil {
		return nil, nil, zerr.Wrap(err, "failed to load configuration")
	}
	graph, err := p.Validate()
	if err != nil {
		return nil, nil, zerr.With(err, "file", file)
	}
	return p, graph, nil
}

func (a *App) openCaches(ctx context.Context, file string) (ports.CacheStore, error) {
	file = cmp.Or(file, DefaultFile)
	p, err := a.configLoader.Load(file)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to load configuration")
	}
	return a.caches.Open(ctx, p.Cache)
}
