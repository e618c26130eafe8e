// Package ports defines the core interfaces for the application.
package ports

import (
	"context"
	"io"

	"go.trai.ch/kiln/internal/core/domain"
)

// Executor defines the interface for running host processes.
//
//go:generate go run go.uber.org/mock/mockgen -source=executor.go -destination=mocks/mock_executor.go -package=mocks
type Executor interface {
	// Execute runs the command and waits for it to complete.
	//
	// Output is streamed to stdout and stderr line by line.
	// A non-zero exit is returned as an error carrying the exit code.
	Execute(ctx context.Context, cmd *domain.Command, stdout, stderr io.Writer) error
}
