// Package runner drives one capture run end to end: prepare storage, visit
// the page, file each artifact under a fresh run ID, and report the outcome.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/use-agent/pagecapture/capture"
	"github.com/use-agent/pagecapture/models"
	"github.com/use-agent/pagecapture/storage"
)

// Capturer visits the page and leaves the artifacts of runID in local files.
type Capturer interface {
	Capture(ctx context.Context, runID string) (*capture.Result, error)
}

// Ledger records finished runs.
type Ledger interface {
	RecordRun(ctx context.Context, run *models.Run) error
}

// Notifier announces finished runs.
type Notifier interface {
	Notify(ctx context.Context, run *models.Run) error
}

// Runner executes capture runs.
type Runner struct {
	capturer  Capturer
	store     storage.Service
	fs        afero.Fs
	targetURL string
	ledger    Ledger
	notifier  Notifier
	newID     func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLedger records every run in l.
func WithLedger(l Ledger) Option { return func(r *Runner) { r.ledger = l } }

// WithNotifier announces every run through n.
func WithNotifier(n Notifier) Option { return func(r *Runner) { r.notifier = n } }

// WithTargetURL sets the URL reported for runs that fail before navigation.
func WithTargetURL(u string) Option { return func(r *Runner) { r.targetURL = u } }

// WithIDFunc replaces the run ID generator.
func WithIDFunc(fn func() string) Option { return func(r *Runner) { r.newID = fn } }

// New creates a Runner. fs is the filesystem the capturer writes its
// temporary files to; they are removed once filed. Filed artifacts are only
// ever touched through store.
func New(c Capturer, store storage.Service, fs afero.Fs, opts ...Option) *Runner {
	r := &Runner{
		capturer: c,
		store:    store,
		fs:       fs,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one capture run. The returned Run is never nil; when err is
// non-nil it describes the failure and no artifact of the run is stored.
func (r *Runner) Run(ctx context.Context) (*models.Run, error) {
	run := &models.Run{
		ID:        r.newID(),
		URL:       r.targetURL,
		StartedAt: time.Now().UTC(),
	}
	log := slog.With("run_id", run.ID)
	log.Info("run started", "url", run.URL)

	err := r.execute(ctx, run, log)
	r.finish(ctx, run, err, log)
	return run, err
}

func (r *Runner) execute(ctx context.Context, run *models.Run, log *slog.Logger) error {
	// ── 1. Storage root ───────────────────────────────────────────────
	if be, ok := r.store.(storage.BucketEnsurer); ok {
		if err := be.EnsureBucketExists(ctx); err != nil {
			return models.NewCaptureError(models.ErrCodeStorage, "failed to prepare storage", err)
		}
	}

	// ── 2. Capture ────────────────────────────────────────────────────
	res, err := r.capturer.Capture(ctx, run.ID)
	if err != nil {
		return err
	}
	if res.URL != "" {
		run.URL = res.URL
	}
	defer r.removeSources(res, log)

	// ── 3. File artifacts ─────────────────────────────────────────────
	stored := make(map[models.ArtifactKind]string, len(res.Artifacts))
	for _, a := range res.Artifacts {
		path, err := storage.Upload(ctx, r.store, a.Kind, a.SourcePath, run.ID)
		if err != nil {
			r.rollback(ctx, stored, log)
			return models.NewCaptureError(models.ErrCodeStorage, "failed to store "+string(a.Kind), err)
		}
		log.Info("artifact stored", "kind", a.Kind, "path", path)
		stored[a.Kind] = path
	}

	run.Artifacts = stored
	return nil
}

// finish stamps the outcome and hands the run to the ledger and notifier.
// Neither can change the outcome.
func (r *Runner) finish(ctx context.Context, run *models.Run, err error, log *slog.Logger) {
	run.FinishedAt = time.Now().UTC()
	if err != nil {
		run.Status = models.RunFailed
		run.Error = err.Error()
		run.Artifacts = nil
		log.Error("run failed", "error", err, "code", errorCode(err))
	} else {
		run.Status = models.RunSucceeded
		log.Info("run finished",
			"artifacts", len(run.Artifacts),
			"took", run.FinishedAt.Sub(run.StartedAt),
		)
	}

	// Reporting must happen even when ctx is what failed the run.
	reportCtx := context.WithoutCancel(ctx)

	if r.ledger != nil {
		if lerr := r.ledger.RecordRun(reportCtx, run); lerr != nil {
			log.Warn("failed to record run", "error", lerr)
		}
	}
	if r.notifier != nil {
		if nerr := r.notifier.Notify(reportCtx, run); nerr != nil {
			log.Warn("failed to notify", "error", nerr)
		}
	}
}

func (r *Runner) removeSources(res *capture.Result, log *slog.Logger) {
	for _, p := range res.Paths() {
		if err := r.fs.Remove(p); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
			log.Warn("failed to remove temporary artifact", "path", p, "error", err)
		}
	}
}

// rollback removes artifacts filed before a later one failed. Backends
// that cannot remove keep them and the run still fails.
func (r *Runner) rollback(ctx context.Context, stored map[models.ArtifactKind]string, log *slog.Logger) {
	if len(stored) == 0 {
		return
	}
	rm, ok := r.store.(storage.Remover)
	if !ok {
		log.Warn("storage backend cannot remove artifacts, leaving partial run", "stored", len(stored))
		return
	}
	ctx = context.WithoutCancel(ctx)
	for kind, p := range stored {
		if err := rm.Remove(ctx, p); err != nil {
			log.Warn("failed to roll back artifact", "kind", kind, "path", p, "error", err)
		}
	}
}

func errorCode(err error) string {
	var ce *models.CaptureError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
