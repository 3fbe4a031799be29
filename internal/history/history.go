// Package history persists one row per clone job to a local SQLite
// database, so the unattended appliance keeps an auditable record of what
// was cloned and how it went.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const jobsTable = "clone_jobs"

// Job is the row written when a clone starts and completed when it ends.
type Job struct {
	ID           string
	Mode         string
	SourceModel  string
	SourceSerial string
	SourceSize   uint64
	DestModel    string
	DestSerial   string
	DestSize     uint64
	AgentVersion string
	StartedAt    time.Time

	FinishedAt  time.Time
	Outcome     string
	ErrorKind   string
	BytesCopied uint64
	Duration    time.Duration
}

// Store is a single-writer SQLite store for clone job history.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "history: create dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "history: open sqlite database failed")
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "history: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	createTable := `CREATE TABLE IF NOT EXISTS ` + jobsTable + ` (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			source_model TEXT,
			source_serial TEXT,
			source_size INTEGER,
			dest_model TEXT,
			dest_serial TEXT,
			dest_size INTEGER,
			agent_version TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			outcome TEXT,
			error_kind TEXT,
			bytes_copied INTEGER,
			duration_ms INTEGER
		);`
	if _, err := db.Exec(createTable); err != nil {
		return pkgerrors.Wrap(err, "history: init sqlite schema failed")
	}
	createIndex := `CREATE INDEX IF NOT EXISTS idx_` + jobsTable + `_started_at ON ` + jobsTable + `(started_at DESC);`
	if _, err := db.Exec(createIndex); err != nil {
		return pkgerrors.Wrap(err, "history: init sqlite index failed")
	}
	return nil
}

// JobStarted inserts the job's initial row. Re-inserting the same job ID
// overwrites it, so a crash between start and finish leaves one row.
func (s *Store) JobStarted(ctx context.Context, job Job) error {
	const stmt = `INSERT INTO ` + jobsTable + `
		(id, mode, source_model, source_serial, source_size,
		 dest_model, dest_serial, dest_size, agent_version, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET started_at=excluded.started_at;`
	args := []any{
		job.ID, job.Mode,
		job.SourceModel, job.SourceSerial, job.SourceSize,
		job.DestModel, job.DestSerial, job.DestSize,
		job.AgentVersion, job.StartedAt.Unix(),
	}
	log.Debug().Msg(formatSQL(stmt, args...))
	_, err := s.db.ExecContext(ctx, stmt, args...)
	return pkgerrors.Wrap(err, "history: insert job failed")
}

// JobFinished fills in the terminal columns of the job's row.
func (s *Store) JobFinished(ctx context.Context, job Job) error {
	const stmt = `UPDATE ` + jobsTable + ` SET
			finished_at = ?, outcome = ?, error_kind = ?,
			bytes_copied = ?, duration_ms = ?
		WHERE id = ?;`
	args := []any{
		job.FinishedAt.Unix(), job.Outcome, job.ErrorKind,
		job.BytesCopied, job.Duration.Milliseconds(), job.ID,
	}
	log.Debug().Msg(formatSQL(stmt, args...))
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return pkgerrors.Wrap(err, "history: update job failed")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return pkgerrors.Errorf("history: job %s has no start row", job.ID)
	}
	return nil
}

// List returns the most recent jobs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, mode, source_model, source_serial, source_size,
			dest_model, dest_serial, dest_size, COALESCE(agent_version, ''), started_at,
			COALESCE(finished_at, 0), COALESCE(outcome, ''), COALESCE(error_kind, ''),
			COALESCE(bytes_copied, 0), COALESCE(duration_ms, 0)
		FROM ` + jobsTable + `
		ORDER BY started_at DESC, id DESC LIMIT ?;`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "history: query jobs failed")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			job                     Job
			startedAt, finishedAt   int64
			durationMS, bytesCopied int64
		)
		if err := rows.Scan(
			&job.ID, &job.Mode,
			&job.SourceModel, &job.SourceSerial, &job.SourceSize,
			&job.DestModel, &job.DestSerial, &job.DestSize,
			&job.AgentVersion, &startedAt, &finishedAt, &job.Outcome, &job.ErrorKind,
			&bytesCopied, &durationMS,
		); err != nil {
			return nil, pkgerrors.Wrap(err, "history: scan job row failed")
		}
		job.StartedAt = time.Unix(startedAt, 0)
		if finishedAt > 0 {
			job.FinishedAt = time.Unix(finishedAt, 0)
		}
		job.BytesCopied = uint64(bytesCopied)
		job.Duration = time.Duration(durationMS) * time.Millisecond
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "history: iterate job rows failed")
	}
	return jobs, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string { return s.path }
