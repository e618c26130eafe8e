package ports

import (
	"context"

	"go.trai.ch/kiln/internal/core/domain"
)

// StageRunner executes a single pipeline stage.
//
//go:generate mockgen -source=stage_runner.go -destination=mocks/mock_stage_runner.go -package=mocks
type StageRunner interface {
	RunStage(ctx context.Context, stage *domain.Stage) error
}
