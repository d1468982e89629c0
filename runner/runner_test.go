package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/pagecapture/capture"
	"github.com/use-agent/pagecapture/models"
	"github.com/use-agent/pagecapture/storage"
)

const workDir = "/work"

// fakeCapturer writes small stand-in artifacts the way the browser driver
// lays them out.
type fakeCapturer struct {
	fs      afero.Fs
	harGzip bool
	err     error
	calls   []string
}

func (f *fakeCapturer) Capture(_ context.Context, runID string) (*capture.Result, error) {
	f.calls = append(f.calls, runID)
	if f.err != nil {
		return nil, f.err
	}

	harExt := ".har"
	if f.harGzip {
		harExt = ".har.gz"
	}
	files := []struct {
		kind models.ArtifactKind
		name string
		data string
	}{
		{models.KindSnapshot, runID + ".png", "png"},
		{models.KindDOM, runID + ".html", "<html></html>"},
		{models.KindHAR, runID + harExt, `{"log":{}}`},
		{models.KindTrace, runID + ".zip", "PK"},
	}

	res := &capture.Result{RunID: runID, URL: "https://perfai.ai/"}
	for _, file := range files {
		p := filepath.Join(workDir, file.name)
		if err := afero.WriteFile(f.fs, p, []byte(file.data), 0o600); err != nil {
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, models.Artifact{Kind: file.kind, SourcePath: p, RunID: runID})
	}
	return res, nil
}

type fakeLedger struct {
	mu   sync.Mutex
	runs []models.Run
	err  error
}

func (l *fakeLedger) RecordRun(_ context.Context, run *models.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, *run)
	return l.err
}

type fakeNotifier struct {
	runs []models.Run
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, run *models.Run) error {
	n.runs = append(n.runs, *run)
	return n.err
}

// failingStore fails one kind and delegates the rest, including Remove.
type failingStore struct {
	*storage.LocalStorage
	kind models.ArtifactKind
}

func (s failingStore) UploadHAR(ctx context.Context, localPath, runID string) (string, error) {
	if s.kind == models.KindHAR {
		return "", errors.New("disk full")
	}
	return s.LocalStorage.UploadHAR(ctx, localPath, runID)
}

// uploadOnlyStore hides every optional capability of the wrapped backend.
type uploadOnlyStore struct {
	storage.Service
}

func fixedID(id string) Option {
	return WithIDFunc(func() string { return id })
}

func listFiles(t *testing.T, fs afero.Fs, root string) []string {
	t.Helper()
	var out []string
	exists, err := afero.DirExists(fs, root)
	require.NoError(t, err)
	if !exists {
		return nil
	}
	require.NoError(t, afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			out = append(out, path)
		}
		return nil
	}))
	return out
}

func TestRun_FilesEveryArtifact(t *testing.T) {
	fs := afero.NewMemMapFs()
	capt := &fakeCapturer{fs: fs}
	ledger := &fakeLedger{}
	notifier := &fakeNotifier{}

	r := New(capt, storage.NewLocal(fs, "/store"), fs,
		fixedID("run-1"),
		WithLedger(ledger),
		WithNotifier(notifier),
	)

	run, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"run-1"}, capt.calls)
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, "https://perfai.ai/", run.URL)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
	assert.Equal(t, map[models.ArtifactKind]string{
		models.KindSnapshot: filepath.Join("/store", "snapshots", "run-1.png"),
		models.KindDOM:      filepath.Join("/store", "dom", "run-1.html"),
		models.KindHAR:      filepath.Join("/store", "har", "run-1.har"),
		models.KindTrace:    filepath.Join("/store", "trace", "run-1.zip"),
	}, run.Artifacts)

	for _, p := range run.Artifacts {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.True(t, exists, p)
	}
	data, err := afero.ReadFile(fs, run.Artifacts[models.KindDOM])
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))

	assert.Empty(t, listFiles(t, fs, workDir), "temporary files must be removed")
	assert.Len(t, listFiles(t, fs, "/store"), 4)

	require.Len(t, ledger.runs, 1)
	assert.Equal(t, "run-1", ledger.runs[0].ID)
	require.Len(t, notifier.runs, 1)
	assert.Equal(t, models.RunSucceeded, notifier.runs[0].Status)
}

func TestRun_GzipHAR(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(&fakeCapturer{fs: fs, harGzip: true}, storage.NewLocal(fs, "/store"), fs, fixedID("run-gz"))

	run, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/store", "har", "run-gz.har.gz"), run.Artifacts[models.KindHAR])
}

func TestRun_CaptureFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	capErr := models.NewCaptureError(models.ErrCodeNavigation, "navigation failed", errors.New("net::ERR_NAME_NOT_RESOLVED"))
	ledger := &fakeLedger{}
	notifier := &fakeNotifier{}

	r := New(&fakeCapturer{fs: fs, err: capErr}, storage.NewLocal(fs, "/store"), fs,
		fixedID("run-2"),
		WithTargetURL("https://perfai.ai/"),
		WithLedger(ledger),
		WithNotifier(notifier),
	)

	run, err := r.Run(context.Background())
	require.ErrorIs(t, err, capErr)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, "https://perfai.ai/", run.URL)
	assert.Contains(t, run.Error, models.ErrCodeNavigation)
	assert.Nil(t, run.Artifacts)
	assert.Empty(t, listFiles(t, fs, "/store"))

	require.Len(t, ledger.runs, 1)
	assert.Equal(t, models.RunFailed, ledger.runs[0].Status)
	require.Len(t, notifier.runs, 1)
}

func TestRun_StorageFailureRollsBack(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := failingStore{LocalStorage: storage.NewLocal(fs, "/store"), kind: models.KindHAR}

	r := New(&fakeCapturer{fs: fs}, store, fs, fixedID("run-3"))

	run, err := r.Run(context.Background())
	require.Error(t, err)

	var ce *models.CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.ErrCodeStorage, ce.Code)
	assert.Equal(t, models.RunFailed, run.Status)

	assert.Empty(t, listFiles(t, fs, "/store"), "filed artifacts must be rolled back")
	assert.Empty(t, listFiles(t, fs, workDir))
}

func TestRun_RollbackUsesStoreFilesystem(t *testing.T) {
	workFs := afero.NewMemMapFs()
	storeFs := afero.NewMemMapFs()
	store := failingStore{LocalStorage: storage.NewLocal(storeFs, "/store"), kind: models.KindHAR}

	// sources live where the store can read them; the runner's own
	// filesystem never sees the filed artifacts
	capt := &fakeCapturer{fs: storeFs}
	r := New(capt, store, workFs, fixedID("run-y"))

	run, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.RunFailed, run.Status)

	assert.Empty(t, listFiles(t, storeFs, "/store"), "filed artifacts must be rolled back on the store's filesystem")
}

func TestRun_RollbackWithoutRemover(t *testing.T) {
	fs := afero.NewMemMapFs()
	failing := failingStore{LocalStorage: storage.NewLocal(fs, "/store"), kind: models.KindHAR}

	r := New(&fakeCapturer{fs: fs}, uploadOnlyStore{Service: failing}, fs, fixedID("run-z"))

	run, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Nil(t, run.Artifacts)

	// nothing outside the storage interface is touched
	assert.Len(t, listFiles(t, fs, "/store"), 2)
}

func TestRun_ReportingErrorsDoNotFailRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(&fakeCapturer{fs: fs}, storage.NewLocal(fs, "/store"), fs,
		WithLedger(&fakeLedger{err: errors.New("db locked")}),
		WithNotifier(&fakeNotifier{err: errors.New("503")}),
	)

	run, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, run.Status)
}

func TestRun_UniqueIDs(t *testing.T) {
	fs := afero.NewMemMapFs()
	capt := &fakeCapturer{fs: fs}
	r := New(capt, storage.NewLocal(fs, "/store"), fs)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		run, err := r.Run(context.Background())
		require.NoError(t, err, fmt.Sprintf("run %d", i))
		assert.False(t, seen[run.ID], "duplicate run id %s", run.ID)
		seen[run.ID] = true
	}
	assert.Len(t, listFiles(t, fs, filepath.Join("/store", "dom")), 5)
}
