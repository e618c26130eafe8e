package ports

import (
	"context"
	"io"

	"go.trai.ch/kiln/internal/core/domain"
)

//go:generate mockgen -source=telemetry.go -destination=mocks/mock_telemetry.go -package=mocks

// Telemetry records the progress of a run.
type Telemetry interface {
	// Record starts a vertex for a unit of work and returns a context carrying it.
	Record(ctx context.Context, name string) (context.Context, Vertex)
	// Close flushes and closes the recording session.
	Close() error
}

// Vertex is a unit of recorded work.
type Vertex interface {
	Stdout() io.Writer
	Stderr() io.Writer
	Log(level domain.LogLevel, msg string)
	Complete(err error)
}

type vertexKey struct{}

// ContextWithVertex returns a copy of ctx carrying v.
func ContextWithVertex(ctx context.Context, v Vertex) context.Context {
	return context.WithValue(ctx, vertexKey{}, v)
}

// VertexFromContext returns the vertex carried by ctx, or a vertex that
// discards everything.
func VertexFromContext(ctx context.Context) Vertex {
	if v, ok := ctx.Value(vertexKey{}).(Vertex); ok {
		return v
	}
	return discardVertex{}
}

type discardVertex struct{}

func (discardVertex) Stdout() io.Writer           { return io.Discard }
func (discardVertex) Stderr() io.Writer           { return io.Discard }
func (discardVertex) Log(domain.LogLevel, string) {}
func (discardVertex) Complete(error)              {}
