// Package pkg installs runtime packages into an image root file system.
package pkg

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.PackageInstaller = (*Installer)(nil)

// Installer implements ports.PackageInstaller with the host's package tools.
//
// apt packages are resolved and fetched with apt-get and unpacked with
// dpkg-deb, so maintainer scripts never run and nothing outside rootfs is touched.
// apk installs straight into rootfs with --root.
type Installer struct {
	executor ports.Executor
}

// NewInstaller creates an Installer running commands through executor.
func NewInstaller(executor ports.Executor) *Installer {
	return &Installer{executor: executor}
}

// Install installs exactly the packages named in spec into rootfs.
func (i *Installer) Install(ctx context.Context, spec domain.PackageSpec, rootfs string, stdout, stderr io.Writer) error {
	if len(spec.Packages) == 0 {
		return nil
	}
	switch spec.Manager {
	case domain.PackageManagerNone:
		return nil
	case domain.PackageManagerApt:
		return i.installApt(ctx, spec.Packages, rootfs, stdout, stderr)
	case domain.PackageManagerApk:
		return i.installApk(ctx, spec.Packages, rootfs, stdout, stderr)
	default:
		return zerr.With(domain.ErrUnknownPackageManager, "manager", string(spec.Manager))
	}
}

func (i *Installer) installApt(ctx context.Context, packages []string, rootfs string, stdout, stderr io.Writer) error {
	work, err := os.MkdirTemp("", "kiln-apt-*")
	if err != nil {
		return installError(err, domain.PackageManagerApt, packages)
	}
	defer os.RemoveAll(work) //nolint:errcheck // temporary download directory

	// An empty dpkg status makes apt resolve the whole closure instead of
	// trusting what the host already has installed.
	archives := filepath.Join(work, "archives")
	status := filepath.Join(work, "status")
	if err := os.MkdirAll(filepath.Join(archives, "partial"), 0o750); err != nil {
		return installError(err, domain.PackageManagerApt, packages)
	}
	if err := os.WriteFile(status, nil, 0o600); err != nil {
		return installError(err, domain.PackageManagerApt, packages)
	}

	download := &domain.Command{
		Args: append([]string{
			"apt-get", "install",
			"-y", "-q",
			"--no-install-recommends",
			"--no-install-suggests",
			"--download-only",
			"-o", "Dir::Cache::Archives=" + archives,
			"-o", "Dir::State::Status=" + status,
			"-o", "Debug::NoLocking=1",
		}, packages...),
		Dir: work,
	}
	if err := i.executor.Execute(ctx, download, stdout, stderr); err != nil {
		return installError(err, domain.PackageManagerApt, packages)
	}

	debs, err := filepath.Glob(filepath.Join(archives, "*.deb"))
	if err != nil {
		return installError(err, domain.PackageManagerApt, packages)
	}
	slices.Sort(debs)
	if len(debs) < len(packages) {
		return installError(zerr.With(zerr.New("apt-get fetched fewer archives than requested"), "archives", len(debs)), domain.PackageManagerApt, packages)
	}

	for _, deb := range debs {
		unpack := &domain.Command{Args: []string{"dpkg-deb", "-x", deb, rootfs}, Dir: work}
		if err := i.executor.Execute(ctx, unpack, stdout, stderr); err != nil {
			return installError(zerr.With(err, "archive", filepath.Base(deb)), domain.PackageManagerApt, packages)
		}
	}
	return nil
}

func (i *Installer) installApk(ctx context.Context, packages []string, rootfs string, stdout, stderr io.Writer) error {
	args := []string{
		"apk", "add",
		"--root", rootfs,
		"--initdb",
		"--no-cache",
		"--repositories-file", "/etc/apk/repositories",
		"--keys-dir", "/etc/apk/keys",
	}
	cmd := &domain.Command{Args: append(args, packages...), Dir: rootfs}
	if err := i.executor.Execute(ctx, cmd, stdout, stderr); err != nil {
		return installError(err, domain.PackageManagerApk, packages)
	}
	return nil
}

func installError(err error, manager domain.PackageManager, packages []string) error {
	wrapped := zerr.Wrap(err, domain.ErrPackageInstallFailed.Error())
	wrapped = zerr.With(wrapped, "manager", string(manager))
	return zerr.With(wrapped, "packages", strings.Join(packages, ","))
}
