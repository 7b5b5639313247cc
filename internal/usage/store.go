package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_outcomes (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id         TEXT NOT NULL,
    job_type       TEXT NOT NULL DEFAULT '',
    message_id     TEXT NOT NULL DEFAULT '',
    stream         TEXT NOT NULL DEFAULT '',
    processor      TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    attempt        INTEGER NOT NULL DEFAULT 0,
    delivery_count INTEGER NOT NULL DEFAULT 0,
    started_at     TEXT NOT NULL,
    completed_at   TEXT NOT NULL,
    duration_ms    INTEGER NOT NULL,
    error_message  TEXT NOT NULL DEFAULT '',
    worker_id      TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_job_outcomes_job_id ON job_outcomes(job_id);
CREATE INDEX IF NOT EXISTS idx_job_outcomes_completed_at ON job_outcomes(completed_at);
`

// Store provides SQLite-backed storage for job outcome records.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the outcome database at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// Worker goroutines insert concurrently; SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert stores an outcome record.
func (s *Store) Insert(r Record) error {
	_, err := s.db.Exec(`
		INSERT INTO job_outcomes (
			job_id, job_type, message_id, stream, processor,
			status, attempt, delivery_count,
			started_at, completed_at, duration_ms,
			error_message, worker_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.JobType, r.MessageID, r.Stream, r.Processor,
		r.Status, r.Attempt, r.DeliveryCount,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.CompletedAt.UTC().Format(time.RFC3339Nano), r.DurationMs,
		r.ErrorMessage, r.WorkerID,
	)
	if err != nil {
		return fmt.Errorf("insert outcome record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, job_type, message_id, stream, processor,
		       status, attempt, delivery_count,
		       started_at, completed_at, duration_ms,
		       error_message, worker_id
		FROM job_outcomes
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var startedAt, completedAt string
		if err := rows.Scan(
			&r.ID, &r.JobID, &r.JobType, &r.MessageID, &r.Stream, &r.Processor,
			&r.Status, &r.Attempt, &r.DeliveryCount,
			&startedAt, &completedAt, &r.DurationMs,
			&r.ErrorMessage, &r.WorkerID,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			r.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
			r.CompletedAt = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_outcomes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Prune deletes records completed before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_outcomes WHERE completed_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return res.RowsAffected()
}

// RecordFunc returns a callback suitable for worker.Config.JobRecordFn.
// Insert failures are logged, never propagated to the job.
func (s *Store) RecordFunc(logger *slog.Logger) func(Record) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(r Record) {
		if err := s.Insert(r); err != nil {
			logger.Warn("failed to record job outcome", "job_id", r.JobID, "error", err)
		}
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
