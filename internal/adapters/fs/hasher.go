package fs

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.Hasher = (*Hasher)(nil)

// Hasher provides hashing functionality for stages and source trees.
type Hasher struct {
	walker *Walker
}

// NewHasher creates a new Hasher.
func NewHasher(walker *Walker) *Hasher {
	return &Hasher{walker: walker}
}

// ComputeFileHash computes the XXHash of a file's content.
func (h *Hasher) ComputeFileHash(path string) (uint64, error) {
	f, err := os.Open(path) //nolint:gosec // Path is controlled by caller
	if err != nil {
		return 0, zerr.With(zerr.Wrap(err, "failed to open file"), "path", path)
	}
	defer f.Close() //nolint:errcheck // Best effort close in defer

	hasher := xxhash.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return 0, zerr.With(zerr.Wrap(err, "failed to hash file content"), "path", path)
	}

	return hasher.Sum64(), nil
}

// ComputeTreeHash hashes the relative path, kind and content of every entry
// below root. The result does not depend on where root lives.
func (h *Hasher) ComputeTreeHash(root string, ignores []string) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to stat tree"), "path", root)
	}
	if !info.IsDir() {
		return "", zerr.With(zerr.New("tree root is not a directory"), "path", root)
	}

	hasher := xxhash.New()
	for rel, d := range h.walker.Walk(root, ignores) {
		_, _ = hasher.WriteString(rel)
		_, _ = hasher.Write([]byte{0})

		path := filepath.Join(root, filepath.FromSlash(rel))
		switch {
		case d.IsDir():
			_, _ = hasher.Write([]byte{'d', 0})
		case d.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return "", zerr.With(zerr.Wrap(err, "failed to read symlink"), "path", path)
			}
			_, _ = hasher.Write([]byte{'l', 0})
			_, _ = hasher.WriteString(target)
			_, _ = hasher.Write([]byte{0})
		default:
			sum, err := h.ComputeFileHash(path)
			if err != nil {
				return "", err
			}
			_, _ = hasher.Write([]byte{'f', 0})
			if err := binary.Write(hasher, binary.LittleEndian, sum); err != nil {
				return "", zerr.Wrap(err, "failed to write hash to digest")
			}
		}
	}

	return fmt.Sprintf("%016x", hasher.Sum64()), nil
}

// ComputeStageHash computes a single hash representing the stage definition,
// its environment and the source fingerprint.
func (h *Hasher) ComputeStageHash(stage *domain.Stage, env map[string]string, sourceHash string) string {
	hasher := xxhash.New()

	// encoding/json sorts map keys, so the definition encodes deterministically.
	def, _ := json.Marshal(stage)
	_, _ = hasher.Write(def)
	_, _ = hasher.Write([]byte{0})

	h.hashEnvironment(env, hasher)

	_, _ = hasher.WriteString(sourceHash)
	return fmt.Sprintf("%016x", hasher.Sum64())
}

// hashEnvironment hashes environment variables in a deterministic order.
func (h *Hasher) hashEnvironment(env map[string]string, hasher *xxhash.Digest) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		_, _ = hasher.WriteString(k)
		_, _ = hasher.Write([]byte{'='})
		_, _ = hasher.WriteString(env[k])
		_, _ = hasher.Write([]byte{0})
	}
	_, _ = hasher.Write([]byte{0})
}
