package shell_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/shell"
)

func TestResolveEnvironment(t *testing.T) {
	sys := []string{"HOME=/home/kiln", "PATH=/usr/bin", "SECRET=x", "TERM=xterm", "MALFORMED"}
	got := shell.ResolveEnvironment(sys, map[string]string{
		"PATH":         "/env/bin",
		"PANIC_POLICY": "unwind",
	})

	assert.Equal(t, []string{
		"HOME=/home/kiln",
		"PANIC_POLICY=unwind",
		"PATH=/env/bin" + string(os.PathListSeparator) + "/usr/bin",
		"TERM=xterm",
	}, got)
}

func TestLookPath(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o700)) //nolint:gosec // test script
	plain := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o600))

	got, err := shell.LookPath("tool", []string{"PATH=" + dir})
	require.NoError(t, err)
	assert.Equal(t, exe, got)

	_, err = shell.LookPath("data", []string{"PATH=" + dir})
	require.ErrorIs(t, err, exec.ErrNotFound)

	_, err = shell.LookPath("tool", nil)
	require.ErrorIs(t, err, exec.ErrNotFound)
}
