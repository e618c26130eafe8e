package domain_test

import (
	"testing"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

func TestGraph_AddStage(t *testing.T) {
	g := domain.NewGraph()
	stage := domain.Stage{Name: "build", Kind: domain.StageBuild}

	if err := g.AddStage(&stage); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := g.AddStage(&stage); err == nil {
		t.Error("expected error when adding duplicate stage, got nil")
	} else {
		zErr, ok := err.(*zerr.Error)
		if !ok {
			t.Fatalf("expected *zerr.Error, got %T", err)
		}
		if name, ok := zErr.Metadata()["stage"].(string); !ok || name != "build" {
			t.Errorf("expected metadata stage=build, got %v", zErr.Metadata()["stage"])
		}
	}
}

func TestGraph_Validate_Cycle(t *testing.T) {
	g := domain.NewGraph()
	a := domain.Stage{Name: "A", DependsOn: []string{"B"}}
	b := domain.Stage{Name: "B", DependsOn: []string{"A"}}

	if err := g.AddStage(&a); err != nil {
		t.Fatalf("failed to add stage A: %v", err)
	}
	if err := g.AddStage(&b); err != nil {
		t.Fatalf("failed to add stage B: %v", err)
	}

	err := g.Validate()
	if err == nil {
		t.Fatal("expected error for cycle, got nil")
	}

	zErr, ok := err.(*zerr.Error)
	if !ok {
		t.Fatalf("expected *zerr.Error, got %T", err)
	}
	if !domain.IsKind(err, domain.ErrCycleDetected) {
		t.Errorf("expected cycle error, got %v", err)
	}
	if cycle, _ := zErr.Metadata()["cycle"].(string); cycle != "A -> B -> A" {
		t.Errorf("expected cycle A -> B -> A, got %q", cycle)
	}
}

func TestGraph_Validate_MissingDependency(t *testing.T) {
	g := domain.NewGraph()
	a := domain.Stage{Name: "A", DependsOn: []string{"ghost"}}
	if err := g.AddStage(&a); err != nil {
		t.Fatalf("failed to add stage: %v", err)
	}

	err := g.Validate()
	if !domain.IsKind(err, domain.ErrMissingDependency) {
		t.Fatalf("expected missing dependency, got %v", err)
	}
	if dep := domain.Metadata(err)["dependency"]; dep != "ghost" {
		t.Errorf("expected dependency=ghost, got %v", dep)
	}
}

func TestGraph_Walk_ImplicitEdges(t *testing.T) {
	g := domain.NewGraph()
	stages := []domain.Stage{
		{
			Name: "runtime",
			Kind: domain.StageRuntime,
			Runtime: &domain.RuntimeSpec{
				Copies: []domain.CopySpec{{From: "extract", Src: "/out/server", Dest: "server"}},
			},
		},
		{Name: "extract", Kind: domain.StageExtract, Extract: &domain.ExtractSpec{From: "build", Dest: "/out/server"}},
		{Name: "build", Kind: domain.StageBuild, Build: &domain.BuildSpec{}},
	}
	for i := range stages {
		if err := g.AddStage(&stages[i]); err != nil {
			t.Fatalf("failed to add stage: %v", err)
		}
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var order []string
	for s := range g.Walk() {
		order = append(order, s.Name)
	}
	want := []string{"build", "extract", "runtime"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}

	if deps := g.Dependents("build"); len(deps) != 1 || deps[0] != "extract" {
		t.Errorf("expected build dependents [extract], got %v", deps)
	}
	if g.StageCount() != 3 {
		t.Errorf("expected 3 stages, got %d", g.StageCount())
	}
}

func TestGraph_Validate_DeterministicOrder(t *testing.T) {
	for range 20 {
		g := domain.NewGraph()
		for _, name := range []string{"c", "a", "b"} {
			s := domain.Stage{Name: name}
			if err := g.AddStage(&s); err != nil {
				t.Fatalf("failed to add stage: %v", err)
			}
		}
		if err := g.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		order := g.ExecutionOrder()
		if order[0] != "a" || order[1] != "b" || order[2] != "c" {
			t.Fatalf("expected sorted order for independent stages, got %v", order)
		}
	}
}
