package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/use-agent/pagecapture/config"
	"github.com/use-agent/pagecapture/models"
)

// Service files captured artifacts under a run identifier and returns the
// final stored path. The source file is never removed.
type Service interface {
	UploadSnapshot(ctx context.Context, localPath, runID string) (string, error)
	UploadDOM(ctx context.Context, localPath, runID string) (string, error)
	UploadHAR(ctx context.Context, localPath, runID string) (string, error)
	UploadTrace(ctx context.Context, localPath, runID string) (string, error)
}

// BucketEnsurer is implemented by backends that can create their root up
// front. Calling it more than once has no further effect.
type BucketEnsurer interface {
	EnsureBucketExists(ctx context.Context) error
}

// Remover is implemented by backends that can delete an artifact they
// filed. storedPath is a path returned by one of the Upload operations.
type Remover interface {
	Remove(ctx context.Context, storedPath string) error
}

// New returns the backend selected by cfg.Backend.
func New(cfg config.StorageConfig, fs afero.Fs) (Service, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(fs, cfg.Root), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

// Upload dispatches to the Service operation for kind.
func Upload(ctx context.Context, s Service, kind models.ArtifactKind, localPath, runID string) (string, error) {
	switch kind {
	case models.KindSnapshot:
		return s.UploadSnapshot(ctx, localPath, runID)
	case models.KindDOM:
		return s.UploadDOM(ctx, localPath, runID)
	case models.KindHAR:
		return s.UploadHAR(ctx, localPath, runID)
	case models.KindTrace:
		return s.UploadTrace(ctx, localPath, runID)
	default:
		return "", fmt.Errorf("storage: unknown artifact kind %q", kind)
	}
}

// ArtifactPath is the deterministic destination {root}/{kind}/{runID}.{ext}.
func ArtifactPath(root string, kind models.ArtifactKind, runID, ext string) string {
	return filepath.Join(root, string(kind), runID+"."+ext)
}

// HARExtension keeps the compound extension for a gzip-compressed log.
func HARExtension(localPath string) string {
	if strings.HasSuffix(localPath, ".gz") {
		return "har.gz"
	}
	return "har"
}
