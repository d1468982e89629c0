package capture

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/spf13/afero"
	"github.com/use-agent/pagecapture/har"
	"github.com/use-agent/pagecapture/models"
	"github.com/use-agent/pagecapture/trace"
	"github.com/ysmood/gson"
)

// Capture visits the configured URL once and writes the four artifacts of
// runID into the work directory.
//
// Ordering constraints:
//   - Event listeners are attached before tracing starts and before
//     navigation, so the network log sees the document request.
//   - The screenshot is taken before the DOM is read, and both before
//     tracing stops.
//   - Response bodies are fetched after the page has settled but before
//     the page is closed; the browser drops them with the target.
//
// On error every file already written for runID is removed.
func (d *Driver) Capture(ctx context.Context, runID string) (res *Result, err error) {
	// ── 1. Timeout guard ──────────────────────────────────────────────
	if d.captureCfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.captureCfg.Timeout)
		defer cancel()
	}

	targetURL := d.captureCfg.TargetURL
	paths := d.tempPaths(runID)
	log := slog.With("run_id", runID)

	// ── 2. DEFER: no partial artifacts survive a failed run ──────────
	defer func() {
		if err != nil {
			d.removeTemp(paths)
		}
	}()

	if mkErr := d.fs.MkdirAll(d.captureCfg.WorkDir, 0o755); mkErr != nil {
		return nil, models.NewCaptureError(models.ErrCodeArtifact, "failed to create work directory", mkErr)
	}

	tr := trace.NewRecorder(trace.Options{
		Title:       d.traceCfg.Title,
		RunID:       runID,
		URL:         targetURL,
		Screenshots: d.traceCfg.Screenshots,
		Snapshots:   d.traceCfg.Snapshots,
		FrameRate:   d.traceCfg.FrameRate,
	})
	hr := har.NewRecorder(har.Options{
		CreatorVersion: d.version,
		Content:        d.harCfg.Content,
	})

	// ── 3. Open page ──────────────────────────────────────────────────
	var page *rod.Page
	if stepErr := d.step(tr, log, "open page", func() error {
		var openErr error
		page, openErr = d.browser.Page(proto.TargetCreateTarget{})
		return openErr
	}); stepErr != nil {
		return nil, models.NewCaptureError(models.ErrCodeBrowserCrash, "failed to open page", stepErr)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			log.Warn("cleanup: failed to close page", "error", closeErr)
		}
	}()

	// ── 4. Stealth injection ──────────────────────────────────────────
	if d.captureCfg.Stealth {
		if _, evalErr := page.EvalOnNewDocument(stealth.JS); evalErr != nil {
			log.Warn("stealth injection failed, proceeding without stealth",
				"error", evalErr,
			)
		}
	}

	// ── 5. Extra headers ──────────────────────────────────────────────
	if len(d.captureCfg.Headers) > 0 {
		if hdrErr := (proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(d.captureCfg.Headers),
		}).Call(page); hdrErr != nil {
			log.Warn("extra headers not applied, proceeding without them",
				"headers", len(d.captureCfg.Headers),
				"error", hdrErr,
			)
		}
	}

	// ── 6. Ad blocking ────────────────────────────────────────────────
	// NOTE: the hijack router uses the Fetch domain. Some Chromium builds
	// report every request as blocked when it runs next to Network events,
	// which is why BlockAds is off by default.
	if d.captureCfg.BlockAds {
		router := blockAds(page)
		defer func() { _ = router.Stop() }()
	}

	// ── 7. Bind context and attach listeners BEFORE navigation ───────
	p := page.Context(ctx)

	if enableErr := (proto.NetworkEnable{}).Call(p); enableErr != nil {
		return nil, categorizeError(enableErr, "failed to enable network events")
	}
	if enableErr := (proto.PageEnable{}).Call(p); enableErr != nil {
		return nil, categorizeError(enableErr, "failed to enable page events")
	}

	traceDone := make(chan struct{})
	var traceOnce sync.Once

	evCtx, stopEvents := context.WithCancel(ctx)
	eventsDone := make(chan struct{})
	wait := page.Context(evCtx).EachEvent(
		hr.OnRequest,
		hr.OnResponse,
		hr.OnFinished,
		hr.OnFailed,
		hr.OnDOMContentLoaded,
		hr.OnLoad,
		func(e *proto.TracingDataCollected) {
			tr.AddEvents(e.Value)
		},
		func(e *proto.TracingTracingComplete) {
			traceOnce.Do(func() { close(traceDone) })
		},
		func(e *proto.PageScreencastFrame) {
			tr.AddFrame(e.Data, time.Now())
			_ = proto.PageScreencastFrameAck{SessionID: e.SessionID}.Call(page)
		},
	)
	go func() {
		defer close(eventsDone)
		wait()
	}()
	defer func() {
		stopEvents()
		<-eventsDone
	}()

	// ── 8. Start tracing and screencast ───────────────────────────────
	tracing := true
	if traceErr := d.step(tr, log, "start tracing", func() error {
		included, excluded := splitCategories(d.traceCfg.Categories)
		return proto.TracingStart{
			TransferMode: proto.TracingStartTransferModeReportEvents,
			TraceConfig: &proto.TracingTraceConfig{
				IncludedCategories: included,
				ExcludedCategories: excluded,
			},
		}.Call(p)
	}); traceErr != nil {
		// The archive still carries actions, frames and the DOM.
		tracing = false
		log.Warn("tracing unavailable, archive will have no trace events", "error", traceErr)
	}

	screencast := false
	if d.traceCfg.Screenshots {
		if scErr := (proto.PageStartScreencast{
			Format: proto.PageStartScreencastFormatJpeg,
		}).Call(p); scErr != nil {
			log.Warn("screencast unavailable", "error", scErr)
		} else {
			screencast = true
		}
	}

	// ── 9. Navigate ───────────────────────────────────────────────────
	log.Info("navigating", "url", targetURL)
	if navErr := d.step(tr, log, "navigate", func() error {
		return p.Navigate(targetURL)
	}); navErr != nil {
		return nil, categorizeError(navErr, "navigation to target URL failed")
	}

	// ── 10. Wait strategy ─────────────────────────────────────────────
	_ = d.step(tr, log, "wait load", func() error {
		if loadErr := p.WaitLoad(); loadErr != nil {
			log.Debug("load event not observed, proceeding", "error", loadErr)
		}
		if stableErr := p.WaitDOMStable(300*time.Millisecond, 0.1); stableErr != nil {
			log.Debug("WaitDOMStable did not converge, proceeding with current DOM",
				"error", stableErr,
			)
		}
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, categorizeError(ctxErr, "page did not settle")
	}

	if d.captureCfg.ScrollPasses > 0 {
		if scrollErr := d.step(tr, log, "scroll", func() error {
			return scrollPage(ctx, p, d.captureCfg.ScrollPasses)
		}); scrollErr != nil {
			return nil, categorizeError(scrollErr, "failed to scroll page")
		}
	}

	// ── 11. Screenshot ────────────────────────────────────────────────
	if shotErr := d.step(tr, log, "screenshot", func() error {
		data, shotErr := p.Screenshot(d.captureCfg.FullPage, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if shotErr != nil {
			return shotErr
		}
		return afero.WriteFile(d.fs, paths[models.KindSnapshot], data, 0o600)
	}); shotErr != nil {
		return nil, artifactError(shotErr, "failed to capture screenshot")
	}

	// ── 12. DOM ───────────────────────────────────────────────────────
	if domErr := d.step(tr, log, "read dom", func() error {
		html, htmlErr := p.HTML()
		if htmlErr != nil {
			return htmlErr
		}
		tr.SetSnapshot(html)
		return afero.WriteFile(d.fs, paths[models.KindDOM], []byte(html), 0o600)
	}); domErr != nil {
		return nil, artifactError(domErr, "failed to extract page HTML")
	}

	// ── 13. Title, final URL and status (best-effort) ────────────────
	title := evalStringOrEmpty(p, `() => document.title`)
	finalURL := evalStringOrEmpty(p, `() => window.location.href`)
	if finalURL == "" {
		finalURL = targetURL
	}
	statusCode := 0
	if nav, evalErr := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`); evalErr == nil {
		statusCode = nav.Value.Int()
	}
	hr.SetTitle(title)

	// ── 14. Stop screencast and tracing ───────────────────────────────
	if screencast {
		if scErr := (proto.PageStopScreencast{}).Call(p); scErr != nil {
			log.Debug("failed to stop screencast", "error", scErr)
		}
	}
	if tracing {
		_ = d.step(tr, log, "stop tracing", func() error {
			if endErr := (proto.TracingEnd{}).Call(p); endErr != nil {
				return endErr
			}
			return waitTraceComplete(ctx, traceDone, traceStopTimeout)
		})
	}

	// ── 15. Response bodies ───────────────────────────────────────────
	if d.harCfg.Content {
		_ = d.step(tr, log, "fetch bodies", func() error {
			missed := 0
			for _, id := range hr.PendingBodies() {
				body, bodyErr := proto.NetworkGetResponseBody{RequestID: id}.Call(p)
				if bodyErr != nil {
					missed++
					continue
				}
				hr.SetBody(id, body.Body, body.Base64Encoded)
			}
			if missed > 0 {
				log.Debug("some response bodies were unavailable", "missed", missed)
			}
			return nil
		})
	}

	stopEvents()
	<-eventsDone

	// ── 16. Network log ───────────────────────────────────────────────
	if harErr := d.step(tr, log, "write har", func() error {
		return hr.WriteFile(d.fs, paths[models.KindHAR])
	}); harErr != nil {
		return nil, artifactError(harErr, "failed to write network log")
	}

	// ── 17. Trace archive (last, so it records every step above) ─────
	if zipErr := tr.WriteFile(d.fs, paths[models.KindTrace]); zipErr != nil {
		return nil, artifactError(zipErr, "failed to write trace archive")
	}

	log.Info("capture finished",
		"title", title,
		"final_url", finalURL,
		"status", statusCode,
		"requests", hr.Len(),
		"frames", tr.FrameCount(),
	)

	artifacts := make([]models.Artifact, 0, len(models.Kinds))
	for _, kind := range models.Kinds {
		artifacts = append(artifacts, models.Artifact{
			Kind:       kind,
			SourcePath: paths[kind],
			RunID:      runID,
		})
	}

	return &Result{
		RunID:      runID,
		URL:        targetURL,
		FinalURL:   finalURL,
		Title:      title,
		StatusCode: statusCode,
		Artifacts:  artifacts,
		Requests:   hr.Len(),
		Frames:     tr.FrameCount(),
	}, nil
}

// traceStopTimeout bounds the wait for Tracing.tracingComplete. The trace
// is best-effort, so a browser that never confirms does not hang the run.
var traceStopTimeout = 30 * time.Second

// errTraceIncomplete means tracing did not confirm completion in time; the
// archive keeps whatever events arrived.
var errTraceIncomplete = errors.New("tracing did not complete in time")

// waitTraceComplete waits for done, ctx or timeout, whichever comes first.
func waitTraceComplete(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTraceIncomplete
	}
}

// step runs fn as a named trace action and logs its outcome.
func (d *Driver) step(tr *trace.Recorder, log *slog.Logger, name string, fn func() error) error {
	start := time.Now()
	err := tr.Step(name, fn)
	if err != nil {
		log.Warn("capture step failed", "step", name, "error", err)
		return err
	}
	log.Debug("capture step done", "step", name, "took", time.Since(start))
	return nil
}

// evalStringOrEmpty evaluates a JS expression and returns the string result,
// swallowing any errors (useful for optional metadata extraction).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

// splitCategories separates "-category" exclusions from inclusions.
func splitCategories(categories []string) (included, excluded []string) {
	for _, c := range categories {
		c = strings.TrimSpace(c)
		switch {
		case c == "":
		case strings.HasPrefix(c, "-"):
			if name := strings.TrimPrefix(c, "-"); name != "" {
				excluded = append(excluded, name)
			}
		default:
			included = append(included, c)
		}
	}
	return included, excluded
}

// categorizeError maps context errors to CAPTURE_TIMEOUT and everything
// else to NAVIGATION_FAILED.
func categorizeError(err error, msg string) *models.CaptureError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewCaptureError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewCaptureError(models.ErrCodeTimeout, "capture canceled", err)
	default:
		return models.NewCaptureError(models.ErrCodeNavigation, msg, err)
	}
}

// artifactError is categorizeError for failures while producing an artifact.
func artifactError(err error, msg string) *models.CaptureError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return categorizeError(err, msg)
	}
	return models.NewCaptureError(models.ErrCodeArtifact, msg, err)
}
