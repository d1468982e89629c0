package capture

import (
	"log/slog"
	"path/filepath"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/spf13/afero"
	"github.com/use-agent/pagecapture/config"
	"github.com/use-agent/pagecapture/models"
)

// Driver owns one browser process and captures pages with it.
// A Driver visits one page at a time.
type Driver struct {
	browser    *rod.Browser
	launcher   *launcher.Launcher
	fs         afero.Fs
	captureCfg config.CaptureConfig
	harCfg     config.HARConfig
	traceCfg   config.TraceConfig
	version    string
}

// NewDriver launches a browser configured by cfg. Temporary artifact files
// are written through fs; version is stamped into the HAR creator.
func NewDriver(cfg *config.Config, fs afero.Fs, version string) (*Driver, error) {
	bc := cfg.Browser
	l := launcher.New().
		Headless(bc.Headless).
		NoSandbox(bc.NoSandbox)

	if bc.BrowserBin != "" {
		l = l.Bin(bc.BrowserBin)
	}
	if bc.Proxy != "" {
		l = l.Proxy(bc.Proxy)
	}

	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))
	if cfg.Capture.Stealth {
		l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
		l.Delete(flags.Flag("enable-automation"))
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewCaptureError(
			models.ErrCodeBrowserCrash,
			"failed to launch browser",
			err,
		)
	}
	slog.Info("browser launched", "controlURL", controlURL, "headless", bc.Headless)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, models.NewCaptureError(
			models.ErrCodeBrowserCrash,
			"failed to connect to browser",
			err,
		)
	}

	return &Driver{
		browser:    browser,
		launcher:   l,
		fs:         fs,
		captureCfg: cfg.Capture,
		harCfg:     cfg.HAR,
		traceCfg:   cfg.Trace,
		version:    version,
	}, nil
}

// Close shuts the browser down and removes its profile directory.
func (d *Driver) Close() error {
	slog.Info("closing browser")
	err := d.browser.Close()
	d.launcher.Kill()
	d.launcher.Cleanup()
	return err
}

// tempPaths returns where each artifact of runID is written before filing.
func (d *Driver) tempPaths(runID string) map[models.ArtifactKind]string {
	harExt := ".har"
	if d.harCfg.Gzip {
		harExt = ".har.gz"
	}
	dir := d.captureCfg.WorkDir
	return map[models.ArtifactKind]string{
		models.KindSnapshot: filepath.Join(dir, runID+".png"),
		models.KindDOM:      filepath.Join(dir, runID+".html"),
		models.KindHAR:      filepath.Join(dir, runID+harExt),
		models.KindTrace:    filepath.Join(dir, runID+".zip"),
	}
}

// removeTemp deletes whatever temporary files of a failed run exist.
func (d *Driver) removeTemp(paths map[models.ArtifactKind]string) {
	for _, p := range paths {
		if err := d.fs.Remove(p); err == nil {
			slog.Debug("removed partial artifact", "path", p)
		}
	}
}
