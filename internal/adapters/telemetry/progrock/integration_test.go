package progrock_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/telemetry/progrock"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
)

// TestRecorder_PipelineRun records a full run the way the scheduler does and
// checks that stage output reaches the vertex carried by the context.
func TestRecorder_PipelineRun(t *testing.T) {
	recorder := progrock.New()
	ctx := context.Background()

	for _, stage := range []string{"build", "extract", "runtime"} {
		stageCtx, vertex := recorder.Record(ctx, stage)
		require.Same(t, vertex, ports.VertexFromContext(stageCtx))

		_, err := fmt.Fprintf(ports.VertexFromContext(stageCtx).Stdout(), "%s done\n", stage)
		require.NoError(t, err)
		vertex.Log(domain.LogLevelInfo, "digest computed")
		vertex.Log(domain.LogLevelWarn, "data set is empty")

		var stageErr error
		if stage == "runtime" {
			stageErr = errors.New("package install failed")
		}
		vertex.Complete(stageErr)
	}

	assert.NoError(t, recorder.Close())
}
