// Package trace records the execution trace of a capture run and packs it
// into a zip archive:
//
//	trace.json               Chrome trace-event data (Perfetto, chrome://tracing)
//	actions.json             the ordered driver steps with timings and errors
//	screenshots/frame-N.jpeg screencast frames, throttled to Options.FrameRate
//	snapshots/dom.html       the rendered DOM at the end of the run
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/ysmood/gson"
	"golang.org/x/time/rate"
)

// Options configures a Recorder.
type Options struct {
	Title string
	RunID string
	URL   string

	// Screenshots keeps screencast frames.
	Screenshots bool

	// Snapshots keeps the final DOM.
	Snapshots bool

	// FrameRate caps kept frames per second. Zero keeps every frame.
	FrameRate float64
}

// Action is one driver step.
type Action struct {
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

type frame struct {
	data []byte
	at   time.Time
}

// Recorder collects trace data for one run. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	opts      Options
	limiter   *rate.Limiter
	startedAt time.Time
	events    []map[string]gson.JSON
	actions   []Action
	frames    []frame
	snapshot  string
}

// NewRecorder creates a Recorder.
func NewRecorder(opts Options) *Recorder {
	limit := rate.Inf
	if opts.FrameRate > 0 {
		limit = rate.Limit(opts.FrameRate)
	}
	return &Recorder{
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		startedAt: time.Now(),
	}
}

// AddEvents appends a batch of Chrome trace events.
func (r *Recorder) AddEvents(events []map[string]gson.JSON) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

// AddFrame keeps a screencast frame unless screenshots are disabled or the
// frame rate budget at time at is spent. It reports whether it was kept.
func (r *Recorder) AddFrame(data []byte, at time.Time) bool {
	if !r.opts.Screenshots || len(data) == 0 {
		return false
	}
	if !r.limiter.AllowN(at, 1) {
		return false
	}
	r.mu.Lock()
	r.frames = append(r.frames, frame{data: data, at: at})
	r.mu.Unlock()
	return true
}

// Step runs fn and records it as a named action.
func (r *Recorder) Step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	end := time.Now()

	a := Action{
		Name:       name,
		StartedAt:  start,
		EndedAt:    end,
		DurationMs: end.Sub(start).Milliseconds(),
	}
	if err != nil {
		a.Error = err.Error()
	}

	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
	return err
}

// SetSnapshot stores the final DOM when snapshots are enabled.
func (r *Recorder) SetSnapshot(html string) {
	if !r.opts.Snapshots {
		return
	}
	r.mu.Lock()
	r.snapshot = html
	r.mu.Unlock()
}

// Actions returns a copy of the recorded steps.
func (r *Recorder) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.actions...)
}

// FrameCount returns the number of kept frames.
func (r *Recorder) FrameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type traceFile struct {
	TraceEvents     []map[string]gson.JSON `json:"traceEvents"`
	DisplayTimeUnit string                 `json:"displayTimeUnit"`
	OtherData       map[string]string      `json:"otherData"`
}

type actionsFile struct {
	Title     string    `json:"title"`
	RunID     string    `json:"run_id"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
	Actions   []Action  `json:"actions"`
}

// WriteArchive writes the zip archive to w.
func (r *Recorder) WriteArchive(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.events
	if events == nil {
		events = []map[string]gson.JSON{}
	}
	actions := r.actions
	if actions == nil {
		actions = []Action{}
	}

	zw := zip.NewWriter(w)

	if err := writeJSON(zw, "trace.json", r.startedAt, traceFile{
		TraceEvents:     events,
		DisplayTimeUnit: "ms",
		OtherData: map[string]string{
			"title":  r.opts.Title,
			"run_id": r.opts.RunID,
			"url":    r.opts.URL,
		},
	}); err != nil {
		return err
	}

	if err := writeJSON(zw, "actions.json", r.startedAt, actionsFile{
		Title:     r.opts.Title,
		RunID:     r.opts.RunID,
		URL:       r.opts.URL,
		StartedAt: r.startedAt,
		Actions:   actions,
	}); err != nil {
		return err
	}

	if r.snapshot != "" {
		if err := writeEntry(zw, "snapshots/dom.html", zip.Deflate, r.startedAt, []byte(r.snapshot)); err != nil {
			return err
		}
	}

	for i, f := range r.frames {
		name := fmt.Sprintf("screenshots/frame-%04d.jpeg", i+1)
		// jpeg is already compressed
		if err := writeEntry(zw, name, zip.Store, f.at, f.data); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("trace: close archive: %w", err)
	}
	return nil
}

// WriteFile writes the archive to path on fs.
func (r *Recorder) WriteFile(fs afero.Fs, path string) (err error) {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("trace: create %q: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("trace: close %q: %w", path, cerr)
		}
	}()
	return r.WriteArchive(f)
}

func writeJSON(zw *zip.Writer, name string, modified time.Time, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("trace: marshal %s: %w", name, err)
	}
	return writeEntry(zw, name, zip.Deflate, modified, data)
}

func writeEntry(zw *zip.Writer, name string, method uint16, modified time.Time, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("trace: create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("trace: write %s: %w", name, err)
	}
	return nil
}
