package runner

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"go.trai.ch/kiln/internal/core/ports"
)

// stageOutput routes the output of a stage's commands to its progress
// vertex and, line by line, to the logger.
type stageOutput struct {
	stdout *lineWriter
	stderr *lineWriter
}

func newStageOutput(ctx context.Context, logger ports.Logger, stage string) *stageOutput {
	vertex := ports.VertexFromContext(ctx)
	prefix := "[" + stage + "] "
	return &stageOutput{
		stdout: &lineWriter{mirror: vertex.Stdout(), log: logger.Info, prefix: prefix},
		stderr: &lineWriter{mirror: vertex.Stderr(), log: logger.Warn, prefix: prefix},
	}
}

func (o *stageOutput) Stdout() io.Writer { return o.stdout }
func (o *stageOutput) Stderr() io.Writer { return o.stderr }

// Close flushes partial lines.
func (o *stageOutput) Close() error {
	o.stdout.flush()
	o.stderr.flush()
	return nil
}

type lineWriter struct {
	mu     sync.Mutex
	mirror io.Writer
	log    func(string)
	prefix string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, _ = w.mirror.Write(p)
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	w.log(w.prefix + strings.TrimSuffix(string(line), "\r"))
}
