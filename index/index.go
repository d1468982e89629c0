// Package index keeps a SQLite ledger of capture runs and the stored path
// of every artifact they filed.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/use-agent/pagecapture/models"
)

// ErrNotFound is returned when a run is not in the ledger.
var ErrNotFound = errors.New("index: run not found")

// Index provides access to the run ledger.
type Index struct {
	db *sql.DB
}

// New creates an Index and initialises the schema.
func New(db *sql.DB) (*Index, error) {
	ix := &Index{db: db}
	if err := ix.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return ix, nil
}

// currentSchemaVersion is bumped whenever the schema changes.
const currentSchemaVersion = 1

func (ix *Index) migrate() error {
	if _, err := ix.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := ix.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := ix.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		ix.migrateV1, // v0 → v1: runs and artifacts
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := ix.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

func (ix *Index) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		url         TEXT NOT NULL,
		status      TEXT NOT NULL,
		error       TEXT,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS artifacts (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		kind   TEXT NOT NULL,
		path   TEXT NOT NULL,
		PRIMARY KEY (run_id, kind)
	);
	`
	_, err := ix.db.Exec(schema)
	return err
}

// RecordRun inserts or replaces run and its artifacts in one transaction.
func (ix *Index) RecordRun(ctx context.Context, run *models.Run) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, url, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		run.ID, run.URL, run.Status, nullString(run.Error),
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("clear artifacts: %w", err)
	}
	for _, kind := range models.Kinds {
		path, ok := run.Artifacts[kind]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (run_id, kind, path) VALUES (?, ?, ?)`,
			run.ID, string(kind), path,
		); err != nil {
			return fmt.Errorf("insert artifact %s: %w", kind, err)
		}
	}

	return tx.Commit()
}

// GetRun returns the run with id, or ErrNotFound.
func (ix *Index) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var (
		run               models.Run
		errText           sql.NullString
		started, finished string
	)
	err := ix.db.QueryRowContext(ctx,
		`SELECT id, url, status, error, started_at, finished_at FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.URL, &run.Status, &errText, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Error = errText.String
	run.StartedAt = parseTime(started)
	run.FinishedAt = parseTime(finished)

	if err := ix.loadArtifacts(ctx, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 means 20.
func (ix *Index) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, url, status, error, started_at, finished_at FROM runs
		 ORDER BY started_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var (
			run               models.Run
			errText           sql.NullString
			started, finished string
		)
		if err := rows.Scan(&run.ID, &run.URL, &run.Status, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Error = errText.String
		run.StartedAt = parseTime(started)
		run.FinishedAt = parseTime(finished)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if err := ix.loadArtifacts(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (ix *Index) loadArtifacts(ctx context.Context, run *models.Run) error {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT kind, path FROM artifacts WHERE run_id = ?`, run.ID,
	)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, path string
		if err := rows.Scan(&kind, &path); err != nil {
			return fmt.Errorf("scan artifact: %w", err)
		}
		if run.Artifacts == nil {
			run.Artifacts = make(map[models.ArtifactKind]string)
		}
		run.Artifacts[models.ArtifactKind(kind)] = path
	}
	return rows.Err()
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// timeLayout is fixed width so started_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
