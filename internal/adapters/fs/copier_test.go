package fs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/fs"
)

func TestCopier_CopyTree(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"migrations/0001_init.sql": "create table accounts();",
		"target/debug/junk":        "junk",
		"bin/run":                  "#!/bin/sh\n",
	})
	require.NoError(t, os.Chmod(filepath.Join(src, "bin", "run"), 0o755)) //nolint:gosec // executable fixture
	require.NoError(t, os.Symlink("migrations", filepath.Join(src, "current")))

	dest := filepath.Join(t.TempDir(), "snapshot")
	c := fs.NewCopier(fs.NewWalker())
	require.NoError(t, c.CopyTree(context.Background(), src, dest, []string{"target"}))

	data, err := os.ReadFile(filepath.Join(dest, "migrations", "0001_init.sql"))
	require.NoError(t, err)
	assert.Equal(t, "create table accounts();", string(data))

	info, err := os.Stat(filepath.Join(dest, "bin", "run"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dest, "current"))
	require.NoError(t, err)
	assert.Equal(t, "migrations", target)

	_, err = os.Stat(filepath.Join(dest, "target"))
	assert.True(t, os.IsNotExist(err))
}

func TestCopier_CopyTree_Cancelled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a": "1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fs.NewCopier(fs.NewWalker()).CopyTree(ctx, src, filepath.Join(t.TempDir(), "out"), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCopier_CopyTree_MissingSource(t *testing.T) {
	err := fs.NewCopier(fs.NewWalker()).CopyTree(context.Background(), filepath.Join(t.TempDir(), "absent"), t.TempDir(), nil)
	require.Error(t, err)
}

func TestCopier_CopyFile_RejectsDirectory(t *testing.T) {
	err := fs.NewCopier(fs.NewWalker()).CopyFile(t.TempDir(), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
}

func TestCopier_Promote(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "server")
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o700)) //nolint:gosec // executable fixture

	dest := filepath.Join(dir, "layers", "extract", "out", "server")
	c := fs.NewCopier(fs.NewWalker())
	require.NoError(t, c.Promote(src, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestCopier_ReplaceDir(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "dist", "image")
	writeTree(t, dest, map[string]string{"old": "stale"})

	staging := filepath.Join(root, "staging")
	writeTree(t, staging, map[string]string{"index.json": "{}"})

	c := fs.NewCopier(fs.NewWalker())
	require.NoError(t, c.ReplaceDir(staging, dest))

	_, err := os.Stat(filepath.Join(dest, "old"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dest, "index.json"))
	require.NoError(t, err)
	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dest + ".old")
	assert.True(t, os.IsNotExist(err))
}

func TestCopier_ReplaceDir_RestoresOnFailure(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "image")
	writeTree(t, dest, map[string]string{"index.json": "previous"})

	err := fs.NewCopier(fs.NewWalker()).ReplaceDir(filepath.Join(root, "missing"), dest)
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "index.json"))
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))
}
