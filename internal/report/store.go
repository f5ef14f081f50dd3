// Package report writes the final reports an OutputSender produces, either
// to the local filesystem or to S3, behind one store interface.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists one report document. dir is the destination the flow was
// configured with; the returned location is the concrete path or object URL
// that was written.
type Store interface {
	Write(ctx context.Context, dir, filename, content string) (location string, err error)
}

// FSStore writes reports as UTF-8 files, creating parent directories as
// needed.
type FSStore struct{}

// NewFSStore creates a filesystem report store.
func NewFSStore() *FSStore {
	return &FSStore{}
}

// Write stores content at <dir>/<filename>.
func (s *FSStore) Write(_ context.Context, dir, filename, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return path, nil
}

// IsS3Dir reports whether an output destination addresses S3.
func IsS3Dir(dir string) bool {
	return strings.HasPrefix(dir, "s3://")
}
