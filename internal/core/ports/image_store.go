package ports

import (
	"context"

	"go.trai.ch/kiln/internal/core/domain"
)

// ImageStore writes and reads runtime images.
//
//go:generate mockgen -source=image_store.go -destination=mocks/mock_image_store.go -package=mocks
type ImageStore interface {
	// Write packages the assembled root filesystem as an image in dir.
	Write(ctx context.Context, req *domain.ImageRequest, dir string) (*domain.RuntimeImage, error)
	// Inspect reads the configuration and file list of the image in dir.
	Inspect(ctx context.Context, dir string) (*domain.ImageInspection, error)
}
