// Package history persists attempt and outcome rows in sqlite so past
// runs can be inspected after the flat files roll over.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rovercraft/fleetbridge/internal/watcher"
)

const (
	schemaVersion = 1
)

// Store records watcher activity in a single sqlite database. It is safe
// for concurrent use; the connection pool is pinned to one connection the
// way sqlite likes it.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and migrates its schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			try INTEGER NOT NULL,
			refined_task TEXT NOT NULL,
			evaluation_result TEXT NOT NULL,
			replanned_task TEXT NOT NULL DEFAULT '',
			refined_replan_task TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			task_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			urgency TEXT NOT NULL,
			original_task TEXT NOT NULL,
			final_task TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			duration_seconds REAL NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var version int
	err = tx.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// RecordAttempt appends one attempt row.
func (s *Store) RecordAttempt(ctx context.Context, taskID string, info watcher.AttemptInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (task_id, try, refined_task, evaluation_result, replanned_task, refined_replan_task)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, info.Try, info.RefinedTask, info.EvaluationResult, info.ReplannedTask, info.RefinedReplanTask,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// RecordOutcome upserts the terminal row for a task.
func (s *Store) RecordOutcome(ctx context.Context, done watcher.CompletedTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (task_id, status, urgency, original_task, final_task, attempts, started_at, duration_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			duration_seconds = excluded.duration_seconds`,
		done.TaskID, done.Status, done.Payload.Urgency, done.Payload.OriginalTask,
		done.Payload.Task, done.Payload.Attempts, done.StartedAt.UTC(), done.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// Outcome is one terminal row as read back by Recent.
type Outcome struct {
	TaskID          string
	Status          string
	Urgency         string
	OriginalTask    string
	FinalTask       string
	Attempts        int
	StartedAt       time.Time
	DurationSeconds float64
}

// Recent returns the latest terminal outcomes, newest first. A status
// filter narrows to Success or Failed; empty means all.
func (s *Store) Recent(ctx context.Context, status string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT task_id, status, urgency, original_task, final_task, attempts, started_at, duration_seconds
		 FROM outcomes`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.TaskID, &o.Status, &o.Urgency, &o.OriginalTask,
			&o.FinalTask, &o.Attempts, &o.StartedAt, &o.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Attempts returns all attempt rows for a task in try order.
func (s *Store) Attempts(ctx context.Context, taskID string) ([]watcher.AttemptInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT try, refined_task, evaluation_result, replanned_task, refined_replan_task
		 FROM attempts WHERE task_id = ? ORDER BY try ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []watcher.AttemptInfo
	for rows.Next() {
		var a watcher.AttemptInfo
		if err := rows.Scan(&a.Try, &a.RefinedTask, &a.EvaluationResult, &a.ReplannedTask, &a.RefinedReplanTask); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Summary counts outcomes per status.
func (s *Store) Summary(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM outcomes GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out[strings.TrimSpace(status)] = n
	}
	return out, rows.Err()
}
