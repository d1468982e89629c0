package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/use-agent/pagecapture/models"
)

var (
	_ Service       = (*LocalStorage)(nil)
	_ BucketEnsurer = (*LocalStorage)(nil)
	_ Remover       = (*LocalStorage)(nil)
)

// LocalStorage files artifacts on a local filesystem below root.
type LocalStorage struct {
	fs   afero.Fs
	root string
}

// NewLocal creates a LocalStorage rooted at root.
func NewLocal(fs afero.Fs, root string) *LocalStorage {
	return &LocalStorage{fs: fs, root: root}
}

// Root returns the base directory.
func (l *LocalStorage) Root() string { return l.root }

func (l *LocalStorage) UploadSnapshot(ctx context.Context, localPath, runID string) (string, error) {
	return l.uploadArtifact(ctx, localPath, models.KindSnapshot, runID, "png")
}

func (l *LocalStorage) UploadDOM(ctx context.Context, localPath, runID string) (string, error) {
	return l.uploadArtifact(ctx, localPath, models.KindDOM, runID, "html")
}

func (l *LocalStorage) UploadHAR(ctx context.Context, localPath, runID string) (string, error) {
	return l.uploadArtifact(ctx, localPath, models.KindHAR, runID, HARExtension(localPath))
}

func (l *LocalStorage) UploadTrace(ctx context.Context, localPath, runID string) (string, error) {
	return l.uploadArtifact(ctx, localPath, models.KindTrace, runID, "zip")
}

// EnsureBucketExists creates the root directory if it is missing.
func (l *LocalStorage) EnsureBucketExists(_ context.Context) error {
	if err := l.fs.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("creating storage root %q: %w", l.root, err)
	}
	return nil
}

// Remove deletes a filed artifact. Paths outside the root are refused.
func (l *LocalStorage) Remove(ctx context.Context, storedPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := filepath.Rel(filepath.Clean(l.root), filepath.Clean(storedPath))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %q outside storage root %q", storedPath, l.root)
	}
	if err := l.fs.Remove(storedPath); err != nil {
		return fmt.Errorf("removing stored artifact %q: %w", storedPath, err)
	}
	return nil
}

// uploadArtifact copies localPath to its destination. The source is opened
// before anything is created, and bytes land in a temp file next to the
// destination that is renamed into place only after a complete copy.
func (l *LocalStorage) uploadArtifact(ctx context.Context, localPath string, kind models.ArtifactKind, runID, ext string) (dest string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := l.fs.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening artifact source %q: %w", localPath, err)
	}
	defer src.Close() //nolint:errcheck

	dest = ArtifactPath(l.root, kind, runID, ext)
	dir := filepath.Dir(dest)
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	tmp, err := afero.TempFile(l.fs, dir, "."+runID+".*.part")
	if err != nil {
		return "", fmt.Errorf("creating a local file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = l.fs.Remove(tmpName)
		}
	}()

	bf := bufio.NewWriter(tmp)
	if _, err = io.Copy(bf, src); err != nil {
		return "", fmt.Errorf("copying %q: %w", localPath, err)
	}
	if err = bf.Flush(); err != nil {
		return "", fmt.Errorf("flushing data to disk: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("closing the local file %q: %w", tmpName, err)
	}
	if err = l.fs.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("renaming %q to %q: %w", tmpName, dest, err)
	}

	slog.Debug("artifact stored", "kind", kind, "run_id", runID, "path", dest)
	return dest, nil
}
