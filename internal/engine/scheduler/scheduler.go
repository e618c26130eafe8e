// Package scheduler runs the stages of a pipeline graph.
package scheduler

import (
	"context"
	"errors"
	"maps"
	"sync"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

// Scheduler manages the execution of stages in the dependency graph.
type Scheduler struct {
	telemetry ports.Telemetry

	mu          sync.RWMutex
	stageStatus map[string]domain.StageStatus
}

// NewScheduler creates a new Scheduler reporting progress to telemetry.
func NewScheduler(telemetry ports.Telemetry) *Scheduler {
	return &Scheduler{
		telemetry:   telemetry,
		stageStatus: make(map[string]domain.StageStatus),
	}
}

func (s *Scheduler) initStageStatuses(graph *domain.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stageStatus = make(map[string]domain.StageStatus, graph.StageCount())
	for stage := range graph.Walk() {
		s.stageStatus[stage.Name] = domain.StageStatusPending
	}
}

func (s *Scheduler) updateStatus(name string, status domain.StageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageStatus[name] = status
}

// Statuses returns a snapshot of the stage statuses of the last run.
func (s *Scheduler) Statuses() map[string]domain.StageStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.stageStatus)
}

// Run executes every stage of graph through runner, starting a stage once
// all of its dependencies completed and running at most parallelism stages
// at a time. The first failure cancels the stages in flight and no further
// stage is started; stages that never ran are marked skipped.
func (s *Scheduler) Run(ctx context.Context, graph *domain.Graph, runner ports.StageRunner, parallelism int) error {
	if err := graph.Validate(); err != nil {
		return err
	}
	if parallelism < 1 {
		parallelism = 1
	}

	s.initStageStatuses(graph)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := s.newRunState(runCtx, cancel, graph, runner, parallelism)
	err := state.runExecutionLoop()

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	s.markSkipped()
	return err
}

func (s *Scheduler) markSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, status := range s.stageStatus {
		if !status.IsTerminal() {
			s.stageStatus[name] = domain.StageStatusSkipped
		}
	}
}

type result struct {
	stage string
	err   error
}

type schedulerRunState struct {
	graph       *domain.Graph
	runner      ports.StageRunner
	inDegree    map[string]int
	ready       []string
	active      int
	resultsCh   chan result
	errs        error
	failed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	parallelism int
	s           *Scheduler
}

func (s *Scheduler) newRunState(
	ctx context.Context,
	cancel context.CancelFunc,
	graph *domain.Graph,
	runner ports.StageRunner,
	parallelism int,
) *schedulerRunState {
	inDegree := make(map[string]int, graph.StageCount())
	var ready []string
	for stage := range graph.Walk() {
		degree := len(stage.Dependencies())
		inDegree[stage.Name] = degree
		if degree == 0 {
			ready = append(ready, stage.Name)
		}
	}

	return &schedulerRunState{
		graph:       graph,
		runner:      runner,
		inDegree:    inDegree,
		ready:       ready,
		resultsCh:   make(chan result, parallelism),
		ctx:         ctx,
		cancel:      cancel,
		parallelism: parallelism,
		s:           s,
	}
}

func (state *schedulerRunState) runExecutionLoop() error {
	for !state.isDone() {
		state.schedule()

		if state.isDone() {
			break
		}

		if state.ctx.Err() != nil && state.active == 0 {
			return state.errs
		}

		select {
		case res := <-state.resultsCh:
			state.handleResult(res)
		case <-state.ctx.Done():
			if state.active == 0 {
				return state.errs
			}
			state.handleResult(<-state.resultsCh)
		}
	}
	return state.errs
}

func (state *schedulerRunState) isDone() bool {
	return state.active == 0 && (len(state.ready) == 0 || state.ctx.Err() != nil)
}

func (state *schedulerRunState) schedule() {
	for len(state.ready) > 0 && state.active < state.parallelism && state.ctx.Err() == nil {
		name := state.ready[0]
		state.ready = state.ready[1:]

		state.active++
		state.s.updateStatus(name, domain.StageStatusRunning)

		stage, _ := state.graph.Stage(name)
		go state.executeStage(&stage)
	}
}

func (state *schedulerRunState) executeStage(stage *domain.Stage) {
	// The vertex is completed before the result is sent so the run never
	// finishes ahead of its progress record.
	res := func() result {
		ctx, vertex := state.s.telemetry.Record(state.ctx, stage.Name)
		err := state.runner.RunStage(ctx, stage)
		vertex.Complete(err)
		return result{stage: stage.Name, err: err}
	}()

	state.resultsCh <- res
}

func (state *schedulerRunState) handleResult(res result) {
	state.active--

	if res.err == nil {
		state.handleSuccess(res)
		return
	}

	state.s.updateStatus(res.stage, domain.StageStatusFailed)
	// Stages interrupted by an earlier failure only report that failure.
	if state.failed && errors.Is(res.err, context.Canceled) {
		return
	}
	state.failed = true
	state.errs = errors.Join(state.errs, zerr.With(zerr.Wrap(res.err, domain.ErrStageExecutionFailed.Error()), "stage", res.stage))
	state.cancel()
}

func (state *schedulerRunState) handleSuccess(res result) {
	state.s.updateStatus(res.stage, domain.StageStatusCompleted)
	for _, dep := range state.graph.Dependents(res.stage) {
		state.inDegree[dep]--
		if state.inDegree[dep] == 0 {
			state.ready = append(state.ready, dep)
		}
	}
}
