package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/pagecapture/models"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ix, err := New(db)
	require.NoError(t, err)
	return ix
}

func makeRun(id string, started time.Time) *models.Run {
	return &models.Run{
		ID:         id,
		URL:        "https://perfai.ai/",
		Status:     models.RunSucceeded,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Artifacts: map[models.ArtifactKind]string{
			models.KindSnapshot: "tmp-storage/snapshots/" + id + ".png",
			models.KindDOM:      "tmp-storage/dom/" + id + ".html",
			models.KindHAR:      "tmp-storage/har/" + id + ".har",
			models.KindTrace:    "tmp-storage/trace/" + id + ".zip",
		},
	}
}

func TestRecordAndGetRun(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	started := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)

	run := makeRun("run-1", started)
	require.NoError(t, ix.RecordRun(ctx, run))

	got, err := ix.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.URL, got.URL)
	assert.Equal(t, models.RunSucceeded, got.Status)
	assert.Empty(t, got.Error)
	assert.True(t, started.Equal(got.StartedAt))
	assert.True(t, run.FinishedAt.Equal(got.FinishedAt))
	assert.Equal(t, run.Artifacts, got.Artifacts)
}

func TestRecordRun_Replaces(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	run := makeRun("run-1", time.Now())
	require.NoError(t, ix.RecordRun(ctx, run))

	run.Status = models.RunFailed
	run.Error = "STORAGE_FAILED: disk full"
	run.Artifacts = nil
	require.NoError(t, ix.RecordRun(ctx, run))

	got, err := ix.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "STORAGE_FAILED: disk full", got.Error)
	assert.Empty(t, got.Artifacts)
}

func TestGetRun_NotFound(t *testing.T) {
	ix := newTestIndex(t)
	_, err := ix.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, ix.RecordRun(ctx, makeRun(id, base.Add(time.Duration(i)*time.Minute))))
	}

	runs, err := ix.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "mid", runs[1].ID)
	assert.Len(t, runs[0].Artifacts, 4)

	all, err := ix.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db)
	require.NoError(t, err)
	_, err = New(db)
	require.NoError(t, err)

	var version int
	require.NoError(t, db.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}
