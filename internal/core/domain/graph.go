// Package domain contains the core domain models of the build-and-release pipeline.
package domain

import (
	"iter"
	"slices"
	"strings"

	"go.trai.ch/zerr"
)

// Graph represents the dependency graph of pipeline stages.
type Graph struct {
	stages         map[string]Stage
	dependents     map[string][]string
	executionOrder []string
}

// NewGraph creates a new empty Graph.
func NewGraph() *Graph {
	return &Graph{
		stages:     make(map[string]Stage),
		dependents: make(map[string][]string),
	}
}

// AddStage adds a stage to the graph.
// It returns an error if a stage with the same name already exists.
func (g *Graph) AddStage(s *Stage) error {
	if _, exists := g.stages[s.Name]; exists {
		return zerr.With(ErrStageAlreadyExists, "stage", s.Name)
	}
	g.stages[s.Name] = *s
	return nil
}

// Validate checks for missing dependencies and cycles using a depth-first
// topological sort and populates the execution order.
// Stages are visited by name so the order is stable between runs.
func (g *Graph) Validate() error {
	g.executionOrder = make([]string, 0, len(g.stages))
	g.dependents = make(map[string][]string, len(g.stages))
	visited := make(map[string]int) // 0: unvisited, 1: visiting, 2: visited
	var path []string

	var visit func(u string) error
	visit = func(u string) error {
		visited[u] = 1
		path = append(path, u)

		stage := g.stages[u]
		for _, dep := range stage.Dependencies() {
			if _, exists := g.stages[dep]; !exists {
				return zerr.With(zerr.With(ErrMissingDependency, "dependency", dep), "stage", u)
			}
			if visited[dep] == 1 {
				return g.buildCycleError(path, dep)
			}
			if visited[dep] == 0 {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		visited[u] = 2
		path = path[:len(path)-1]
		g.executionOrder = append(g.executionOrder, u)
		return nil
	}

	for _, name := range g.names() {
		if visited[name] == 0 {
			if err := visit(name); err != nil {
				return err
			}
		}
	}

	for _, name := range g.executionOrder {
		stage := g.stages[name]
		for _, dep := range stage.Dependencies() {
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	return nil
}

// buildCycleError constructs an error with cycle path metadata.
func (g *Graph) buildCycleError(path []string, dep string) error {
	start := slices.Index(path, dep)
	cycle := append(slices.Clone(path[start:]), dep)
	return zerr.With(ErrCycleDetected, "cycle", strings.Join(cycle, " -> "))
}

func (g *Graph) names() []string {
	names := make([]string, 0, len(g.stages))
	for name := range g.stages {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Walk returns an iterator that yields stages in execution order.
// It assumes Validate() has been called and returned nil.
func (g *Graph) Walk() iter.Seq[Stage] {
	return func(yield func(Stage) bool) {
		for _, name := range g.executionOrder {
			if !yield(g.stages[name]) {
				return
			}
		}
	}
}

// Stage returns the stage with the given name.
func (g *Graph) Stage(name string) (Stage, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// Dependents returns the stages that directly depend on the named stage.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// StageCount returns the number of stages in the graph.
func (g *Graph) StageCount() int {
	return len(g.stages)
}

// ExecutionOrder returns the stage names in execution order.
func (g *Graph) ExecutionOrder() []string {
	return slices.Clone(g.executionOrder)
}
