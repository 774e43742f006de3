package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avoss/crewdeck/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS lifetime_usage (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batch_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		completed INTEGER NOT NULL,
		total INTEGER NOT NULL,
		was_stopped INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_batch_summaries_finished ON batch_summaries(finished_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// isBusy reports whether the error is a transient SQLITE_BUSY condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// withBusyRetry runs fn with exponential backoff on SQLITE_BUSY.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Database busy, retrying", "op", op, "attempt", i+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadLifetimeUsage retrieves the process-wide lifetime usage counter.
func (s *SQLiteStore) LoadLifetimeUsage(ctx context.Context) (domain.UsageStats, error) {
	query := `
		SELECT input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cost_usd
		FROM lifetime_usage WHERE id = 1`

	var usage domain.UsageStats
	err := s.db.QueryRowContext(ctx, query).Scan(
		&usage.InputTokens, &usage.OutputTokens,
		&usage.CacheReadTokens, &usage.CacheCreationTokens, &usage.CostUSD,
	)
	if err == sql.ErrNoRows {
		return domain.UsageStats{}, nil
	}
	if err != nil {
		return domain.UsageStats{}, fmt.Errorf("scan lifetime usage: %w", err)
	}
	return usage, nil
}

// SaveLifetimeUsage overwrites the lifetime usage counter.
func (s *SQLiteStore) SaveLifetimeUsage(ctx context.Context, usage domain.UsageStats) error {
	query := `
		INSERT INTO lifetime_usage (id, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cost_usd, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cache_creation_tokens = excluded.cache_creation_tokens,
			cost_usd = excluded.cost_usd,
			updated_at = excluded.updated_at`

	return withBusyRetry(ctx, "save lifetime usage", func() error {
		_, err := s.db.ExecContext(ctx, query,
			usage.InputTokens, usage.OutputTokens,
			usage.CacheReadTokens, usage.CacheCreationTokens, usage.CostUSD,
			time.Now().Unix(),
		)
		return err
	})
}

// RecordBatchSummary archives a finished batch run.
func (s *SQLiteStore) RecordBatchSummary(ctx context.Context, summary BatchSummary) error {
	query := `
		INSERT INTO batch_summaries (session_id, completed, total, was_stopped, elapsed_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	wasStopped := 0
	if summary.WasStopped {
		wasStopped = 1
	}
	return withBusyRetry(ctx, "record batch summary", func() error {
		_, err := s.db.ExecContext(ctx, query,
			summary.SessionID, summary.Completed, summary.Total,
			wasStopped, summary.ElapsedMs, summary.FinishedAt.Unix(),
		)
		return err
	})
}

// ListBatchSummaries returns the most recent summaries, newest first.
func (s *SQLiteStore) ListBatchSummaries(ctx context.Context, limit int) ([]BatchSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT session_id, completed, total, was_stopped, elapsed_ms, finished_at
		FROM batch_summaries ORDER BY finished_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query batch summaries: %w", err)
	}
	defer rows.Close()

	var out []BatchSummary
	for rows.Next() {
		var sm BatchSummary
		var wasStopped int
		var finishedAt int64
		if err := rows.Scan(&sm.SessionID, &sm.Completed, &sm.Total, &wasStopped, &sm.ElapsedMs, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan batch summary: %w", err)
		}
		sm.WasStopped = wasStopped != 0
		sm.FinishedAt = time.Unix(finishedAt, 0)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
