package har

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// Options configures a Recorder.
type Options struct {
	CreatorName    string
	CreatorVersion string
	PageID         string

	// Content embeds response bodies set through SetBody.
	Content bool
}

// Recorder turns CDP Network events into HAR entries.
// It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	opts    Options
	records []*record
	active  map[proto.NetworkRequestID]*record

	title         string
	firstStart    float64
	firstWall     time.Time
	onContentLoad float64
	onLoad        float64
}

type record struct {
	entry      Entry
	startTS    float64
	responseTS float64
	finished   bool
	hasBody    bool
}

// NewRecorder creates an empty Recorder.
func NewRecorder(opts Options) *Recorder {
	if opts.CreatorName == "" {
		opts.CreatorName = "pagecapture"
	}
	if opts.PageID == "" {
		opts.PageID = "page_1"
	}
	return &Recorder{
		opts:          opts,
		active:        make(map[proto.NetworkRequestID]*record),
		onContentLoad: -1,
		onLoad:        -1,
	}
}

// OnRequest starts an entry. A request carrying a redirect response closes
// the previous hop under the same request id first.
func (r *Recorder) OnRequest(e *proto.NetworkRequestWillBeSent) {
	if e == nil || e.Request == nil {
		return
	}
	ts := float64(e.Timestamp)
	wall := epochTime(float64(e.WallTime))

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.active[e.RequestID]; ok && e.RedirectResponse != nil {
		applyResponse(prev, e.RedirectResponse, ts)
		prev.entry.Response.RedirectURL = e.Request.URL
		finish(prev, ts)
	}

	if len(r.records) == 0 {
		r.firstStart = ts
		r.firstWall = wall
	}

	headers := headerList(e.Request.Headers)
	rec := &record{
		startTS: ts,
		entry: Entry{
			Pageref:         r.opts.PageID,
			StartedDateTime: wall.UTC().Format(time.RFC3339Nano),
			Request: Request{
				Method:      e.Request.Method,
				URL:         e.Request.URL,
				HTTPVersion: "HTTP/1.1",
				Cookies:     requestCookies(headers),
				Headers:     headers,
				QueryString: parseQueryString(e.Request.URL),
				HeadersSize: -1,
				BodySize:    0,
			},
			Response: Response{
				Cookies:     []NameValue{},
				Headers:     []NameValue{},
				HeadersSize: -1,
				BodySize:    -1,
			},
			Timings:      Timings{Blocked: -1, DNS: -1, Connect: -1, SSL: -1},
			ResourceType: string(e.Type),
		},
	}
	if e.Request.PostData != "" {
		rec.entry.Request.PostData = &PostData{
			MimeType: headerValue(headers, "Content-Type"),
			Text:     e.Request.PostData,
		}
		rec.entry.Request.BodySize = len(e.Request.PostData)
	}

	r.records = append(r.records, rec)
	r.active[e.RequestID] = rec
}

// OnResponse fills in the response of the current hop.
func (r *Recorder) OnResponse(e *proto.NetworkResponseReceived) {
	if e == nil || e.Response == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.active[e.RequestID]; ok {
		applyResponse(rec, e.Response, float64(e.Timestamp))
	}
}

// OnFinished closes an entry that loaded successfully.
func (r *Recorder) OnFinished(e *proto.NetworkLoadingFinished) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.active[e.RequestID]; ok {
		rec.entry.Response.BodySize = int(e.EncodedDataLength)
		finish(rec, float64(e.Timestamp))
	}
}

// OnFailed closes an entry that never completed.
func (r *Recorder) OnFailed(e *proto.NetworkLoadingFailed) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.active[e.RequestID]; ok {
		rec.entry.Error = e.ErrorText
		finish(rec, float64(e.Timestamp))
	}
}

// OnDOMContentLoaded records the page's DOMContentLoaded milestone.
func (r *Recorder) OnDOMContentLoaded(e *proto.PageDomContentEventFired) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) > 0 {
		r.onContentLoad = ms(float64(e.Timestamp) - r.firstStart)
	}
}

// OnLoad records the page's load milestone.
func (r *Recorder) OnLoad(e *proto.PageLoadEventFired) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) > 0 {
		r.onLoad = ms(float64(e.Timestamp) - r.firstStart)
	}
}

// SetTitle sets the page title written into the log.
func (r *Recorder) SetTitle(title string) {
	r.mu.Lock()
	r.title = title
	r.mu.Unlock()
}

// PendingBodies lists finished requests whose bodies should still be
// fetched, in request order. It is empty when Content is disabled.
func (r *Recorder) PendingBodies() []proto.NetworkRequestID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.opts.Content {
		return nil
	}
	var ids []proto.NetworkRequestID
	for id, rec := range r.active {
		if !rec.finished || rec.hasBody || rec.entry.Error != "" {
			continue
		}
		status := rec.entry.Response.Status
		if status == 0 || status == http.StatusNoContent || (status >= 300 && status < 400) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.active[ids[i]].startTS < r.active[ids[j]].startTS
	})
	return ids
}

// SetBody attaches a response body to the final hop of a request.
func (r *Recorder) SetBody(id proto.NetworkRequestID, body string, base64Encoded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.active[id]
	if !ok || !r.opts.Content {
		return
	}
	rec.hasBody = true
	rec.entry.Response.Content.Text = body
	rec.entry.Response.Content.Size = len(body)
	if base64Encoded {
		rec.entry.Response.Content.Encoding = "base64"
		if raw, err := base64.StdEncoding.DecodeString(body); err == nil {
			rec.entry.Response.Content.Size = len(raw)
		}
	}
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Build assembles the HAR log. Entries appear in the order requests were
// sent; requests still in flight are marked with an error.
func (r *Recorder) Build() *Log {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.records))
	for _, rec := range r.records {
		e := rec.entry
		if !rec.finished && e.Error == "" {
			e.Error = "request did not finish before the capture ended"
		}
		entries = append(entries, e)
	}

	pages := []Page{}
	if len(r.records) > 0 {
		pages = append(pages, Page{
			StartedDateTime: r.firstWall.UTC().Format(time.RFC3339Nano),
			ID:              r.opts.PageID,
			Title:           r.title,
			PageTimings: PageTimings{
				OnContentLoad: r.onContentLoad,
				OnLoad:        r.onLoad,
			},
		})
	}

	return &Log{
		Log: LogInner{
			Version: "1.2",
			Creator: Creator{Name: r.opts.CreatorName, Version: r.opts.CreatorVersion},
			Pages:   pages,
			Entries: entries,
		},
	}
}

// Write encodes the log as indented JSON, gzip-compressed when compress is set.
func (r *Recorder) Write(w io.Writer, compress bool) error {
	l := r.Build()

	if !compress {
		bf := bufio.NewWriter(w)
		enc := json.NewEncoder(bf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("har: encode: %w", err)
		}
		return bf.Flush()
	}

	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l); err != nil {
		_ = zw.Close()
		return fmt.Errorf("har: encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("har: gzip close: %w", err)
	}
	return nil
}

// WriteFile writes the log to path. A path ending in ".gz" is compressed.
func (r *Recorder) WriteFile(fs afero.Fs, path string) (err error) {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("har: create %q: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("har: close %q: %w", path, cerr)
		}
	}()
	return r.Write(f, strings.HasSuffix(path, ".gz"))
}

// --- conversion helpers ---

func applyResponse(rec *record, resp *proto.NetworkResponse, ts float64) {
	headers := headerList(resp.Headers)
	statusText := resp.StatusText
	if statusText == "" {
		statusText = http.StatusText(resp.Status)
	}

	rec.responseTS = ts
	rec.entry.Response.Status = resp.Status
	rec.entry.Response.StatusText = statusText
	rec.entry.Response.HTTPVersion = httpVersion(resp.Protocol)
	rec.entry.Request.HTTPVersion = rec.entry.Response.HTTPVersion
	rec.entry.Response.Headers = headers
	rec.entry.Response.Cookies = responseCookies(headers)
	rec.entry.Response.Content.MimeType = resp.MIMEType
	rec.entry.Response.RedirectURL = headerValue(headers, "Location")
	rec.entry.ServerIPAddress = resp.RemoteIPAddress
	rec.entry.Timings.Wait = nonNegative(ms(ts - rec.startTS))
}

func finish(rec *record, ts float64) {
	rec.finished = true
	rec.entry.Time = nonNegative(ms(ts - rec.startTS))
	if rec.responseTS > 0 {
		rec.entry.Timings.Receive = nonNegative(ms(ts - rec.responseTS))
	} else {
		rec.entry.Timings.Wait = rec.entry.Time
	}
}

// headerList flattens CDP headers into sorted name/value pairs. CDP joins
// repeated headers with "\n", which are split back into separate pairs.
func headerList(h proto.NetworkHeaders) []NameValue {
	out := make([]NameValue, 0, len(h))
	for name, v := range h {
		for _, line := range strings.Split(v.Str(), "\n") {
			out = append(out, NameValue{Name: name, Value: line})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func headerValue(h []NameValue, name string) string {
	for _, nv := range h {
		if strings.EqualFold(nv.Name, name) {
			return nv.Value
		}
	}
	return ""
}

func toHTTPHeader(h []NameValue) http.Header {
	hh := make(http.Header, len(h))
	for _, nv := range h {
		hh.Add(nv.Name, nv.Value)
	}
	return hh
}

func requestCookies(h []NameValue) []NameValue {
	req := http.Request{Header: toHTTPHeader(h)}
	out := make([]NameValue, 0)
	for _, c := range req.Cookies() {
		out = append(out, NameValue{Name: c.Name, Value: c.Value})
	}
	return out
}

func responseCookies(h []NameValue) []NameValue {
	resp := http.Response{Header: toHTTPHeader(h)}
	out := make([]NameValue, 0)
	for _, c := range resp.Cookies() {
		out = append(out, NameValue{Name: c.Name, Value: c.Value})
	}
	return out
}

// parseQueryString extracts query parameters from a URL as name/value pairs.
func parseQueryString(rawURL string) []NameValue {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return make([]NameValue, 0)
	}
	params := parsed.Query()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]NameValue, 0, len(params))
	for _, name := range names {
		for _, val := range params[name] {
			result = append(result, NameValue{Name: name, Value: val})
		}
	}
	return result
}

func httpVersion(protocol string) string {
	switch strings.ToLower(protocol) {
	case "h2", "http/2.0":
		return "HTTP/2"
	case "h3", "h3-29", "http/3":
		return "HTTP/3"
	case "http/1.0":
		return "HTTP/1.0"
	case "", "http/1.1":
		return "HTTP/1.1"
	default:
		return strings.ToUpper(protocol)
	}
}

func epochTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Now()
	}
	return time.Unix(0, int64(sec*float64(time.Second)))
}

func ms(sec float64) float64 {
	return sec * 1000
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
