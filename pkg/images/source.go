// Package images resolves image references to local files the native
// servicing stack can mount.
//
// A batch target names its image by reference: a plain filesystem path, or an
// s3:// URL pointing at a staged build artifact. Stage turns the reference
// into a local path, downloading to the scratch directory when needed.
package images

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Source resolves image references to mountable local paths.
type Source interface {
	// Stage resolves ref to a local file path, fetching it if remote.
	// The returned path stays valid until the source is closed.
	Stage(ctx context.Context, ref string) (string, error)

	// Close releases staged artifacts.
	Close() error
}

// FilesystemSource passes local paths through after checking they exist.
type FilesystemSource struct{}

// NewFilesystemSource creates a pass-through source for local images.
func NewFilesystemSource() *FilesystemSource {
	return &FilesystemSource{}
}

func (s *FilesystemSource) Stage(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "s3://") {
		return "", fmt.Errorf("remote reference %s requires an s3 image source", ref)
	}
	info, err := os.Stat(ref)
	if err != nil {
		return "", fmt.Errorf("image not found: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("image path %s is a directory", ref)
	}
	return ref, nil
}

func (s *FilesystemSource) Close() error {
	return nil
}
