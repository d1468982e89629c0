package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/use-agent/pagecapture/capture"
	"github.com/use-agent/pagecapture/config"
	"github.com/use-agent/pagecapture/index"
	"github.com/use-agent/pagecapture/models"
	"github.com/use-agent/pagecapture/runner"
	"github.com/use-agent/pagecapture/storage"
	"github.com/use-agent/pagecapture/webhook"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always happens.
func run() int {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration",
			"error", models.NewCaptureError(models.ErrCodeInvalidConfig, "configuration rejected", err),
		)
		return 1
	}
	slog.Info("pagecapture starting",
		"version", version,
		"url", cfg.Capture.TargetURL,
		"storageRoot", cfg.Storage.Root,
		"headless", cfg.Browser.Headless,
	)

	// ── 3. Interrupts cancel the run ────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 4. Storage ──────────────────────────────────────────────────
	fs := afero.NewOsFs()
	store, err := storage.New(cfg.Storage, fs)
	if err != nil {
		slog.Error("failed to initialise storage", "error", err)
		return 1
	}

	// ── 5. Browser ──────────────────────────────────────────────────
	driver, err := capture.NewDriver(cfg, fs, version)
	if err != nil {
		slog.Error("failed to launch browser", "error", err)
		return 1
	}
	defer func() {
		if err := driver.Close(); err != nil {
			slog.Warn("browser did not close cleanly", "error", err)
		}
	}()

	opts := []runner.Option{runner.WithTargetURL(cfg.Capture.TargetURL)}

	// ── 6. Optional run ledger ──────────────────────────────────────
	if cfg.Index.Path != "" {
		db, err := index.OpenSQLite(cfg.Index.Path)
		if err != nil {
			slog.Error("failed to open run index", "path", cfg.Index.Path, "error", err)
			return 1
		}
		ix, err := index.New(db)
		if err != nil {
			db.Close()
			slog.Error("failed to initialise run index", "error", err)
			return 1
		}
		defer ix.Close()
		opts = append(opts, runner.WithLedger(ix))
		slog.Info("run index enabled", "path", cfg.Index.Path)
	}

	// ── 7. Optional webhook ─────────────────────────────────────────
	if cfg.Webhook.URL != "" {
		opts = append(opts, runner.WithNotifier(webhook.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Secret)))
		slog.Info("webhook enabled", "url", cfg.Webhook.URL)
	}

	// ── 8. Capture ──────────────────────────────────────────────────
	r := runner.New(driver, store, fs, opts...)
	result, err := r.Run(ctx)
	if err != nil {
		slog.Error("capture failed", "run_id", result.ID, "error", err)
		return 1
	}

	for _, kind := range models.Kinds {
		slog.Info("stored", "kind", kind, "path", result.Artifacts[kind])
	}
	slog.Info("pagecapture finished", "run_id", result.ID)
	return 0
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
