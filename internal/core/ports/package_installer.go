package ports

import (
	"context"
	"io"

	"go.trai.ch/kiln/internal/core/domain"
)

// PackageInstaller installs runtime packages into an image root filesystem.
//
//go:generate mockgen -source=package_installer.go -destination=mocks/mock_package_installer.go -package=mocks
type PackageInstaller interface {
	// Install installs exactly the declared packages into rootfs, without
	// recommended or suggested extras.
	Install(ctx context.Context, spec domain.PackageSpec, rootfs string, stdout, stderr io.Writer) error
}
