package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// DefaultTargetURL is the page visited when CAPTURE_URL is unset.
const DefaultTargetURL = "https://perfai.ai/"

// Config holds all application configuration.
type Config struct {
	Storage StorageConfig
	Capture CaptureConfig
	HAR     HARConfig
	Trace   TraceConfig
	Browser BrowserConfig
	Index   IndexConfig
	Webhook WebhookConfig
	Log     LogConfig
}

// StorageConfig controls where artifacts are filed.
type StorageConfig struct {
	// Root is the base directory for all artifact kinds.
	Root string // default: "./tmp-storage"

	// Backend selects the storage implementation. Only "local" exists.
	Backend string // default: "local"
}

// CaptureConfig controls the single page visit.
type CaptureConfig struct {
	// TargetURL is the page to visit.
	TargetURL string // default: DefaultTargetURL

	// WorkDir is where temporary artifact files are written before filing.
	WorkDir string // default: os.TempDir()

	// Timeout bounds the whole capture. Zero leaves only the browser defaults.
	Timeout time.Duration // default: 0

	// FullPage captures the whole scrollable page instead of the viewport.
	FullPage bool // default: true

	// Stealth masks navigator.webdriver and friends before navigation.
	Stealth bool // default: false

	// BlockAds aborts requests to well-known ad and tracking domains.
	BlockAds bool // default: false

	// ScrollPasses scrolls the page this many viewports before the
	// screenshot so lazy-loaded content is rendered.
	ScrollPasses int // default: 0

	// Headers are extra HTTP headers sent with every request.
	Headers map[string]string
}

// HARConfig controls the network log.
type HARConfig struct {
	// Gzip writes the HAR as .har.gz.
	Gzip bool // default: false

	// Content embeds response bodies in the log ("full" mode).
	Content bool // default: true
}

// TraceConfig controls the execution trace archive.
type TraceConfig struct {
	Title string // default: "PerfAI.ai walk-through"

	// Screenshots records screencast frames into the archive.
	Screenshots bool // default: true

	// Snapshots stores the final DOM into the archive.
	Snapshots bool // default: true

	// FrameRate is the maximum number of screencast frames kept per second.
	FrameRate float64 // default: 4

	// Categories are the Chrome tracing categories to record. A leading
	// "-" excludes a category.
	Categories []string
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Proxy is the proxy URL for all requests.
	Proxy string
}

// IndexConfig controls the optional SQLite run ledger.
type IndexConfig struct {
	// Path is the database file. Empty disables the ledger.
	Path string
}

// WebhookConfig controls the optional completion notification.
type WebhookConfig struct {
	URL    string
	Secret string
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "text"
}

// DefaultTraceCategories mirrors the DevTools performance panel.
var DefaultTraceCategories = []string{
	"devtools.timeline",
	"disabled-by-default-devtools.timeline",
	"disabled-by-default-devtools.timeline.frame",
	"toplevel",
	"blink.console",
	"blink.user_timing",
	"latencyInfo",
	"loading",
	"v8.execute",
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Storage: StorageConfig{
			Root:    envOr("LOCAL_STORAGE_PATH", "./tmp-storage"),
			Backend: envOr("CAPTURE_STORAGE_BACKEND", "local"),
		},
		Capture: CaptureConfig{
			TargetURL:    envOr("CAPTURE_URL", DefaultTargetURL),
			WorkDir:      envOr("CAPTURE_WORK_DIR", os.TempDir()),
			Timeout:      envDurationOr("CAPTURE_TIMEOUT", 0),
			FullPage:     envBoolOr("CAPTURE_FULL_PAGE", true),
			Stealth:      envBoolOr("CAPTURE_STEALTH", false),
			BlockAds:     envBoolOr("CAPTURE_BLOCK_ADS", false),
			ScrollPasses: envIntOr("CAPTURE_SCROLL_PASSES", 0),
			Headers:      envMapOr("CAPTURE_HEADERS", nil),
		},
		HAR: HARConfig{
			Gzip:    envBoolOr("CAPTURE_HAR_GZIP", false),
			Content: envBoolOr("CAPTURE_HAR_CONTENT", true),
		},
		Trace: TraceConfig{
			Title:       envOr("CAPTURE_TRACE_TITLE", "PerfAI.ai walk-through"),
			Screenshots: envBoolOr("CAPTURE_TRACE_SCREENSHOTS", true),
			Snapshots:   envBoolOr("CAPTURE_TRACE_SNAPSHOTS", true),
			FrameRate:   envFloatOr("CAPTURE_TRACE_FPS", 4),
			Categories:  envSliceOr("CAPTURE_TRACE_CATEGORIES", DefaultTraceCategories),
		},
		Browser: BrowserConfig{
			Headless:   envBoolOr("CAPTURE_HEADLESS", true),
			NoSandbox:  envBoolOr("CAPTURE_NO_SANDBOX", false),
			BrowserBin: os.Getenv("CAPTURE_BROWSER_BIN"),
			Proxy:      os.Getenv("CAPTURE_PROXY"),
		},
		Index: IndexConfig{
			Path: os.Getenv("CAPTURE_INDEX_PATH"),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("CAPTURE_WEBHOOK_URL"),
			Secret: os.Getenv("CAPTURE_WEBHOOK_SECRET"),
		},
		Log: LogConfig{
			Level:  envOr("CAPTURE_LOG_LEVEL", "info"),
			Format: envOr("CAPTURE_LOG_FORMAT", "text"),
		},
	}
}

// Validate checks the loaded values and normalises the target URL so an
// internationalised host is navigated in its ASCII form.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Capture.TargetURL)
	if err != nil {
		return fmt.Errorf("config: parse target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: target url %q must be http or https", c.Capture.TargetURL)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("config: target url %q has no host", c.Capture.TargetURL)
	}

	host, err := asciiHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("config: target host %q: %w", u.Hostname(), err)
	}
	switch port := u.Port(); {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}
	c.Capture.TargetURL = u.String()

	if c.Storage.Root == "" {
		return errors.New("config: storage root must not be empty")
	}
	if c.Storage.Backend != "local" {
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Capture.ScrollPasses < 0 {
		return fmt.Errorf("config: scroll passes must be >= 0, got %d", c.Capture.ScrollPasses)
	}
	if c.Trace.FrameRate < 0 {
		return fmt.Errorf("config: trace frame rate must be >= 0, got %v", c.Trace.FrameRate)
	}
	return nil
}

// hostProfile maps like a browser's address bar but, unlike idna.Lookup,
// keeps STD3-invalid names such as "my_host.internal".
var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.StrictDomainName(false),
)

// asciiHost converts an internationalised host to ASCII. IP literals are
// returned unchanged.
func asciiHost(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	return hostProfile.ToASCII(host)
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}

// envMapOr parses "k=v,k2=v2". Pairs without "=" are skipped.
func envMapOr(key string, fallback map[string]string) map[string]string {
	pairs := envSliceOr(key, nil)
	if len(pairs) == 0 {
		return fallback
	}
	result := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
