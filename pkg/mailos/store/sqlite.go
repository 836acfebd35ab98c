package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// timeLayout sorts lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultPath is where the database lives when none is configured.
const DefaultPath = "./data/mailos.db"

// schema is executed on every open (idempotent via IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS processed_messages (
    checker_id   TEXT NOT NULL,
    message_key  TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    processed_at TEXT NOT NULL,
    PRIMARY KEY (checker_id, message_key)
);

CREATE TABLE IF NOT EXISTS checker_status (
    checker_id     TEXT PRIMARY KEY,
    last_run_at    TEXT,
    last_duration  INTEGER DEFAULT 0,
    last_error     TEXT DEFAULT '',
    suspended      INTEGER DEFAULT 0,
    run_count      INTEGER DEFAULT 0,
    processed      INTEGER DEFAULT 0,
    replied        INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS task_runs (
    checker_id  TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    last_run_at TEXT,
    last_error  TEXT DEFAULT '',
    run_count   INTEGER DEFAULT 0,
    PRIMARY KEY (checker_id, task_id)
);
`

// OpenDatabase opens (or creates) the database at path with WAL enabled
// and the schema in place.
func OpenDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

// SQLite is the durable ProcessedStore and StatusStore.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite wraps a database opened with OpenDatabase.
func NewSQLite(db *sql.DB, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLite{db: db, logger: logger.With("component", "store")}
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) IsProcessed(ctx context.Context, checkerID, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_messages WHERE checker_id = ? AND message_key = ?`,
		checkerID, key).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query processed message: %w", err)
	}
	return true, nil
}

func (s *SQLite) MarkProcessed(ctx context.Context, rec Record) error {
	at := rec.ProcessedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (checker_id, message_key, outcome, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(checker_id, message_key) DO UPDATE SET
			outcome = excluded.outcome,
			processed_at = excluded.processed_at`,
		rec.CheckerID, rec.MessageKey, string(rec.Outcome), at.UTC().Format(timeLayout))
	if err != nil {
		s.logger.Error("failed to record processed message", "checker", rec.CheckerID, "key", rec.MessageKey, "err", err)
		return fmt.Errorf("save processed message: %w", err)
	}
	return nil
}

func (s *SQLite) Forget(ctx context.Context, checkerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE checker_id = ?`, checkerID); err != nil {
		return fmt.Errorf("forget checker %s: %w", checkerID, err)
	}
	return nil
}

// Prune deletes records processed before cutoff and returns how many
// were removed.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE processed_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune processed messages: %w", err)
	}
	return res.RowsAffected()
}

// Recent lists the latest records of a checker, newest first.
func (s *SQLite) Recent(ctx context.Context, checkerID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_key, outcome, processed_at
		FROM processed_messages
		WHERE checker_id = ?
		ORDER BY processed_at DESC
		LIMIT ?`, checkerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list processed messages: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     = Record{CheckerID: checkerID}
			outcome string
			at      string
		)
		if err := rows.Scan(&rec.MessageKey, &outcome, &at); err != nil {
			return nil, fmt.Errorf("scan processed message: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		rec.ProcessedAt, _ = time.Parse(timeLayout, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveStatus(ctx context.Context, st Status) error {
	var lastRun any
	if !st.LastRunAt.IsZero() {
		lastRun = st.LastRunAt.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checker_status
			(checker_id, last_run_at, last_duration, last_error, suspended, run_count, processed, replied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checker_id) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_duration = excluded.last_duration,
			last_error = excluded.last_error,
			suspended = excluded.suspended,
			run_count = excluded.run_count,
			processed = excluded.processed,
			replied = excluded.replied`,
		st.CheckerID, lastRun, st.LastDuration.Milliseconds(), st.LastError,
		boolToInt(st.Suspended), st.RunCount, st.Processed, st.Replied)
	if err != nil {
		return fmt.Errorf("save checker status: %w", err)
	}
	return nil
}

func (s *SQLite) LoadStatuses(ctx context.Context) (map[string]Status, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checker_id, last_run_at, last_duration, last_error, suspended, run_count, processed, replied
		FROM checker_status`)
	if err != nil {
		return nil, fmt.Errorf("load checker status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Status)
	for rows.Next() {
		var (
			st         Status
			lastRun    sql.NullString
			durationMS int64
			suspended  int
		)
		if err := rows.Scan(&st.CheckerID, &lastRun, &durationMS, &st.LastError, &suspended,
			&st.RunCount, &st.Processed, &st.Replied); err != nil {
			return nil, fmt.Errorf("scan checker status: %w", err)
		}
		if lastRun.Valid {
			st.LastRunAt, _ = time.Parse(timeLayout, lastRun.String)
		}
		st.LastDuration = time.Duration(durationMS) * time.Millisecond
		st.Suspended = suspended != 0
		out[st.CheckerID] = st
	}
	return out, rows.Err()
}

func (s *SQLite) SaveTaskRun(ctx context.Context, run TaskRun) error {
	var lastRun any
	if !run.LastRunAt.IsZero() {
		lastRun = run.LastRunAt.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (checker_id, task_id, last_run_at, last_error, run_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(checker_id, task_id) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_error = excluded.last_error,
			run_count = excluded.run_count`,
		run.CheckerID, run.TaskID, lastRun, run.LastError, run.RunCount)
	if err != nil {
		return fmt.Errorf("save task run: %w", err)
	}
	return nil
}

func (s *SQLite) LoadTaskRuns(ctx context.Context) (map[string]TaskRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checker_id, task_id, last_run_at, last_error, run_count FROM task_runs`)
	if err != nil {
		return nil, fmt.Errorf("load task runs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TaskRun)
	for rows.Next() {
		var (
			run     TaskRun
			lastRun sql.NullString
		)
		if err := rows.Scan(&run.CheckerID, &run.TaskID, &lastRun, &run.LastError, &run.RunCount); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		if lastRun.Valid {
			run.LastRunAt, _ = time.Parse(timeLayout, lastRun.String)
		}
		out[TaskKey(run.CheckerID, run.TaskID)] = run
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
