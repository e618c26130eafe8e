package ports

import "go.trai.ch/kiln/internal/core/domain"

// ConfigLoader defines the interface for loading the pipeline definition.
//
//go:generate mockgen -source=config_loader.go -destination=mocks/mock_config_loader.go -package=mocks
type ConfigLoader interface {
	// Load reads the pipeline file at the given path. Relative source and
	// output paths are resolved against the directory of the file.
	Load(path string) (*domain.Pipeline, error)
}
