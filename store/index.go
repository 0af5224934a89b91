package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the shared sqlite registry of jobs under one data dir. It backs
// --resume lookup, --list output, and the status endpoint. The per-job
// checkpoint file stays authoritative; the index is rebuilt from it when
// they disagree.
type Index struct {
	db *sql.DB
}

// JobRecord is one row of the index.
type JobRecord struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenIndex opens (or creates) jobs.db at path. Single connection with WAL
// and a busy timeout: several orchestrator processes may share the file.
func OpenIndex(path string) (*Index, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Upsert writes or replaces a job row.
func (ix *Index) Upsert(rec JobRecord) error {
	_, err := execWithRetry(ix.db, `
		INSERT INTO jobs (id, prompt, stage, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Prompt, rec.Stage, rec.Status, rec.Error,
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for a job id, or sql.ErrNoRows.
func (ix *Index) Get(id string) (*JobRecord, error) {
	row := ix.db.QueryRow(`
		SELECT id, prompt, stage, status, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

// List returns all known jobs, most recent first.
func (ix *Index) List() ([]JobRecord, error) {
	rows, err := ix.db.Query(`
		SELECT id, prompt, stage, status, error, created_at, updated_at
		FROM jobs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Close closes the underlying database.
func (ix *Index) Close() error { return ix.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*JobRecord, error) {
	var rec JobRecord
	var created, updated int64
	err := row.Scan(&rec.ID, &rec.Prompt, &rec.Stage, &rec.Status, &rec.Error, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return &rec, nil
}

// execWithRetry retries a statement a few times on SQLITE_BUSY.
func execWithRetry(db *sql.DB, query string, args ...any) (sql.Result, error) {
	const maxRetries = 3
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		var res sql.Result
		res, err = db.Exec(query, args...)
		if err == nil {
			return res, nil
		}
		if !isBusyError(err) {
			return nil, err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("exec failed after %d retries: %w", maxRetries, err)
}

func isBusyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
