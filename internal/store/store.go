// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/avoss/crewdeck/internal/domain"
)

// BatchSummary is the archived outcome of a finished batch run, kept for
// the achievement/leaderboard collaborator.
type BatchSummary struct {
	SessionID  string    `json:"session_id"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	WasStopped bool      `json:"was_stopped"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// Repository persists the counters that must outlive any single session.
type Repository interface {
	// LoadLifetimeUsage retrieves the process-wide lifetime usage counter.
	LoadLifetimeUsage(ctx context.Context) (domain.UsageStats, error)

	// SaveLifetimeUsage overwrites the lifetime usage counter.
	SaveLifetimeUsage(ctx context.Context, usage domain.UsageStats) error

	// RecordBatchSummary archives a finished batch run.
	RecordBatchSummary(ctx context.Context, summary BatchSummary) error

	// ListBatchSummaries returns the most recent summaries, newest first.
	ListBatchSummaries(ctx context.Context, limit int) ([]BatchSummary, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
