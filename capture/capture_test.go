package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/pagecapture/config"
	"github.com/use-agent/pagecapture/models"
)

func TestIsAdDomain(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"doubleclick.net", true},
		{"stats.g.doubleclick.net", true},
		{"pagead2.googlesyndication.com", true},
		{"WWW.Google-Analytics.com", true},
		{"googletagmanager.com.", true},
		{"perfai.ai", false},
		{"notdoubleclick.net", false},
		{"net", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isAdDomain(tt.host), "host %q", tt.host)
	}
}

func TestToHeadersMap(t *testing.T) {
	m := toHeadersMap(map[string]string{"X-Run": "1", "Accept-Language": "en"})
	require.Len(t, m, 2)
	assert.Equal(t, "1", m["X-Run"].Str())
	assert.Equal(t, "en", m["Accept-Language"].Str())
}

func TestSplitCategories(t *testing.T) {
	in, ex := splitCategories([]string{"-*", "toplevel", " loading ", "", "-", "-v8"})
	assert.Equal(t, []string{"toplevel", "loading"}, in)
	assert.Equal(t, []string{"*", "v8"}, ex)

	in, ex = splitCategories(config.DefaultTraceCategories)
	assert.Equal(t, config.DefaultTraceCategories, in)
	assert.Nil(t, ex)
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"deadline", context.DeadlineExceeded, models.ErrCodeTimeout},
		{"wrapped deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), models.ErrCodeTimeout},
		{"canceled", context.Canceled, models.ErrCodeTimeout},
		{"other", errors.New("net::ERR_NAME_NOT_RESOLVED"), models.ErrCodeNavigation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := categorizeError(tt.err, "navigation failed")
			assert.Equal(t, tt.code, ce.Code)
			assert.ErrorIs(t, ce, tt.err)
		})
	}
}

func TestArtifactError(t *testing.T) {
	assert.Equal(t, models.ErrCodeArtifact, artifactError(errors.New("disk full"), "x").Code)
	assert.Equal(t, models.ErrCodeTimeout, artifactError(context.DeadlineExceeded, "x").Code)
}

func newTestDriver(fs afero.Fs, gzip bool) *Driver {
	return &Driver{
		fs:         fs,
		captureCfg: config.CaptureConfig{WorkDir: "/work"},
		harCfg:     config.HARConfig{Gzip: gzip},
	}
}

func TestTempPaths(t *testing.T) {
	d := newTestDriver(afero.NewMemMapFs(), false)
	paths := d.tempPaths("run-1")
	assert.Equal(t, map[models.ArtifactKind]string{
		models.KindSnapshot: filepath.Join("/work", "run-1.png"),
		models.KindDOM:      filepath.Join("/work", "run-1.html"),
		models.KindHAR:      filepath.Join("/work", "run-1.har"),
		models.KindTrace:    filepath.Join("/work", "run-1.zip"),
	}, paths)

	gz := newTestDriver(afero.NewMemMapFs(), true)
	assert.Equal(t, filepath.Join("/work", "run-1.har.gz"), gz.tempPaths("run-1")[models.KindHAR])
}

func TestRemoveTemp(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := newTestDriver(fs, false)
	paths := d.tempPaths("run-1")

	// only some artifacts were written before the failure
	require.NoError(t, afero.WriteFile(fs, paths[models.KindSnapshot], []byte("png"), 0o600))
	require.NoError(t, afero.WriteFile(fs, paths[models.KindDOM], []byte("<html>"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/work/other.png", []byte("keep"), 0o600))

	d.removeTemp(paths)

	for _, p := range paths {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}
	exists, err := afero.Exists(fs, "/work/other.png")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestResultPaths(t *testing.T) {
	r := &Result{Artifacts: []models.Artifact{
		{Kind: models.KindSnapshot, SourcePath: "/work/a.png"},
		{Kind: models.KindDOM, SourcePath: "/work/a.html"},
	}}
	assert.Equal(t, []string{"/work/a.png", "/work/a.html"}, r.Paths())
}

func TestWaitTraceComplete(t *testing.T) {
	done := make(chan struct{})
	close(done)
	assert.NoError(t, waitTraceComplete(context.Background(), done, time.Hour))

	pending := make(chan struct{})
	start := time.Now()
	err := waitTraceComplete(context.Background(), pending, 20*time.Millisecond)
	assert.ErrorIs(t, err, errTraceIncomplete)
	assert.Less(t, time.Since(start), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, waitTraceComplete(ctx, pending, time.Hour), context.Canceled)
}
