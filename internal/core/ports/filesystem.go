package ports

import "context"

// FileSystem defines the host file operations the pipeline relies on.
//
//go:generate mockgen -source=filesystem.go -destination=mocks/mock_filesystem.go -package=mocks
type FileSystem interface {
	// CopyTree copies the directory src to dest, skipping entries matching ignores.
	CopyTree(ctx context.Context, src, dest string, ignores []string) error
	// CopyFile copies a regular file, preserving its mode.
	CopyFile(src, dest string) error
	// Promote copies src over dest atomically, so readers see either the old
	// or the new file.
	Promote(src, dest string) error
	// ReplaceDir moves the directory src to dest, replacing any existing dest.
	ReplaceDir(src, dest string) error
}
