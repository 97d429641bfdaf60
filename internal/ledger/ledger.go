// Package ledger persists a durable record of each batch run to SQL, so run
// history survives past what the JSON progress files retain and can be
// queried in aggregate. It supports both PostgreSQL and embedded SQLite
// behind the same database/sql API, matching the two deployment shapes the
// crawler runs in: a managed Postgres in production, SQLite for local/single
// node use.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config holds the ledger's database connection configuration.
type Config struct {
	Driver          string // "pgx" for PostgreSQL, "sqlite" for SQLite
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Ledger records batch run history in SQL.
type Ledger struct {
	db     *sql.DB
	driver string
}

// Open connects to the database described by cfg, applies pool settings and
// default fallbacks, runs embedded migrations, and returns a ready Ledger.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open database: %w", err)
	}

	maxOpenConns := cfg.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 5
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: failed to run migrations: %w", err)
	}

	return &Ledger{db: db, driver: cfg.Driver}, nil
}

// OpenSQLite opens a SQLite-backed ledger at dbPath with WAL mode and a busy
// timeout, suitable for single-process local runs.
func OpenSQLite(ctx context.Context, dbPath string) (*Ledger, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	return Open(ctx, Config{Driver: "sqlite", DSN: dsn})
}

func runMigrations(db *sql.DB, driver string) error {
	dialect := "sqlite3"
	if driver == "pgx" {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// q rewrites a query written with "?" placeholders into pgx's "$N" style
// when the ledger is running against Postgres; sqlite accepts "?" as-is.
func (l *Ledger) q(query string) string {
	if l.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Run is one row in the runs table: the ledger's record of a single batch
// execution.
type Run struct {
	ID            string
	ProgressID    string
	StartedAt     time.Time
	FinishedAt    *time.Time
	TotalConfigs  int
	Completed     int
	Failed        int
	Skipped       int
	Retried       int
	Status        string // running, completed, aborted
}

// RunError is one row in the run_errors table.
type RunError struct {
	RunID      string
	ConfigName string
	Kind       string
	Message    string
	OccurredAt time.Time
}

// StartRun inserts a new run row with status "running".
func (l *Ledger) StartRun(ctx context.Context, run Run) error {
	_, err := l.db.ExecContext(ctx, l.q(`
		INSERT INTO runs (id, progress_id, started_at, total_configs, completed, failed, skipped, retried, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.ProgressID, run.StartedAt, run.TotalConfigs, run.Completed, run.Failed, run.Skipped, run.Retried, "running")
	if err != nil {
		return fmt.Errorf("ledger: failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun updates a run's counters, status, and finish timestamp.
func (l *Ledger) FinishRun(ctx context.Context, runID string, completed, failed, skipped, retried int, status string, finishedAt time.Time) error {
	_, err := l.db.ExecContext(ctx, l.q(`
		UPDATE runs SET completed = ?, failed = ?, skipped = ?, retried = ?, status = ?, finished_at = ?
		WHERE id = ?
	`), completed, failed, skipped, retried, status, finishedAt, runID)
	if err != nil {
		return fmt.Errorf("ledger: failed to finish run %s: %w", runID, err)
	}
	return nil
}

// RecordError appends an error row for runID.
func (l *Ledger) RecordError(ctx context.Context, e RunError) error {
	_, err := l.db.ExecContext(ctx, l.q(`
		INSERT INTO run_errors (run_id, config_name, kind, message, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`), e.RunID, e.ConfigName, e.Kind, e.Message, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("ledger: failed to record error for run %s: %w", e.RunID, err)
	}
	return nil
}

// AggregateStats summarizes run history for the statistics command.
type AggregateStats struct {
	TotalRuns      int
	TotalCompleted int
	TotalFailed    int
	TotalRetried   int
	LastRunAt      *time.Time
}

// Aggregate computes run totals across all recorded runs.
func (l *Ledger) Aggregate(ctx context.Context) (AggregateStats, error) {
	var stats AggregateStats
	row := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(completed), 0), COALESCE(SUM(failed), 0), COALESCE(SUM(retried), 0), MAX(started_at)
		FROM runs
	`) // no placeholders; safe on both dialects unmodified
	var lastRun sql.NullTime
	if err := row.Scan(&stats.TotalRuns, &stats.TotalCompleted, &stats.TotalFailed, &stats.TotalRetried, &lastRun); err != nil {
		return AggregateStats{}, fmt.Errorf("ledger: failed to aggregate run stats: %w", err)
	}
	if lastRun.Valid {
		stats.LastRunAt = &lastRun.Time
	}
	return stats, nil
}

// RecentRuns returns the limit most recent runs, newest first.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, l.q(`
		SELECT id, progress_id, started_at, finished_at, total_configs, completed, failed, skipped, retried, status
		FROM runs ORDER BY started_at DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ProgressID, &r.StartedAt, &finishedAt, &r.TotalConfigs, &r.Completed, &r.Failed, &r.Skipped, &r.Retried, &r.Status); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan run row: %w", err)
		}
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
