// Package usage maintains the lifetime usage counter: every token and cent
// any agent ever reported, surviving session deletion and restarts.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avoss/crewdeck/internal/domain"
	"github.com/avoss/crewdeck/internal/store"
)

const flushDelay = 2 * time.Second

// Aggregator accumulates usage deltas in memory and persists the running
// total on a debounce, so a burst of result lines costs one write.
type Aggregator struct {
	mu    sync.Mutex
	total domain.UsageStats
	dirty bool
	timer *time.Timer

	repo   store.Repository
	logger *slog.Logger
}

// Load restores the counter from the store and returns a ready aggregator.
func Load(ctx context.Context, repo store.Repository, logger *slog.Logger) (*Aggregator, error) {
	total, err := repo.LoadLifetimeUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lifetime usage: %w", err)
	}
	return &Aggregator{total: total, repo: repo, logger: logger}, nil
}

// Record folds a delta into the lifetime total and schedules a flush.
func (a *Aggregator) Record(delta domain.UsageStats) {
	if delta.IsZero() {
		return
	}
	a.mu.Lock()
	a.total.Add(delta)
	a.dirty = true
	if a.timer == nil {
		a.timer = time.AfterFunc(flushDelay, a.flushAsync)
	} else {
		a.timer.Reset(flushDelay)
	}
	a.mu.Unlock()
}

// Lifetime returns the current total.
func (a *Aggregator) Lifetime() domain.UsageStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func (a *Aggregator) flushAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		a.logger.Error("Failed to persist lifetime usage", "error", err)
	}
}

// Flush writes the total through to the store if anything changed since the
// last write. Called on the debounce timer and once more at shutdown.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return nil
	}
	total := a.total
	a.dirty = false
	a.mu.Unlock()

	if err := a.repo.SaveLifetimeUsage(ctx, total); err != nil {
		a.mu.Lock()
		a.dirty = true
		a.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the debounce timer and performs a final flush.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	return a.Flush(ctx)
}
