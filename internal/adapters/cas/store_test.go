package cas_test

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/cas"
	"go.trai.ch/kiln/internal/core/domain"
)

func TestStore_PutAndGet(t *testing.T) {
	root := t.TempDir()
	store := cas.NewStore()

	info := domain.BuildInfo{
		StageName:  "build",
		RunID:      "run-1",
		InputHash:  "abc",
		OutputHash: "sha256:def",
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, store.Put(root, info))

	got, err := store.Get(root, "build")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, info, *got)
}

func TestStore_GetMissing(t *testing.T) {
	got, err := cas.NewStore().Get(t.TempDir(), "runtime")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_FileLayout(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, cas.NewStore().Put(root, domain.BuildInfo{StageName: "extract"}))

	sum := sha256.Sum256([]byte("extract"))
	path := filepath.Join(root, ".kiln", "store", hex.EncodeToString(sum[:])+".json")
	_, err := os.Stat(path)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestStore_Overwrite(t *testing.T) {
	root := t.TempDir()
	store := cas.NewStore()
	require.NoError(t, store.Put(root, domain.BuildInfo{StageName: "build", RunID: "first"}))
	require.NoError(t, store.Put(root, domain.BuildInfo{StageName: "build", RunID: "second"}))

	got, err := store.Get(root, "build")
	require.NoError(t, err)
	assert.Equal(t, "second", got.RunID)
}

func TestStore_CorruptRecord(t *testing.T) {
	root := t.TempDir()
	store := cas.NewStore()
	require.NoError(t, store.Put(root, domain.BuildInfo{StageName: "build"}))

	sum := sha256.Sum256([]byte("build"))
	path := filepath.Join(domain.StorePath(root), hex.EncodeToString(sum[:])+".json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := store.Get(root, "build")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrStoreReadFailed))
}
