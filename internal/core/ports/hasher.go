package ports

import "go.trai.ch/kiln/internal/core/domain"

// Hasher defines the interface for computing fingerprints.
//
//go:generate mockgen -destination=mocks/hasher_mock.go -package=mocks -source=hasher.go
type Hasher interface {
	// ComputeFileHash computes the hash of a single file's content.
	ComputeFileHash(path string) (uint64, error)
	// ComputeTreeHash computes a single hash over every file below root,
	// skipping entries matching ignores.
	ComputeTreeHash(root string, ignores []string) (string, error)
	// ComputeStageHash computes the input hash of a stage from its
	// definition, its environment and the source fingerprint.
	ComputeStageHash(stage *domain.Stage, env map[string]string, sourceHash string) string
}
