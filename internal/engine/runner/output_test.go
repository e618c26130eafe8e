package runner

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandArgs(t *testing.T) {
	vars := map[string]string{"BUILD_TARGET": "server", "PANIC_POLICY": "abort"}
	got := expandArgs([]string{"cargo", "build", "--bin", "$BUILD_TARGET", "-Cpanic=${PANIC_POLICY}", "$HOME/x"}, vars)
	assert.Equal(t, []string{"cargo", "build", "--bin", "server", "-Cpanic=abort", "${HOME}/x"}, got)
}

func TestLineWriter(t *testing.T) {
	var mirror bytes.Buffer
	var lines []string
	w := &lineWriter{mirror: &mirror, log: func(s string) { lines = append(lines, s) }, prefix: "[build] "}

	_, _ = w.Write([]byte("Compiling serde\r\nCompil"))
	_, _ = w.Write([]byte("ing tokio\nFinished"))
	assert.Equal(t, []string{"[build] Compiling serde", "[build] Compiling tokio"}, lines)

	w.flush()
	assert.Equal(t, "[build] Finished", lines[2])
	assert.Equal(t, "Compiling serde\r\nCompiling tokio\nFinished", mirror.String())
}
