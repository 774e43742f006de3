package sandbox

import (
	"context"
	"log/slog"
	"time"
)

const reaperInterval = 5 * time.Minute

// ExpiredLister returns the ids of sandboxed sessions whose shells have
// been inactive past the TTL. The orchestration core implements this.
type ExpiredLister func(ttl time.Duration) []string

// StartReaper runs a background goroutine that periodically sweeps for
// expired sandbox containers and removes them. Live orchestration state is
// never touched here; only the container substrate is reclaimed.
func StartReaper(ctx context.Context, mgr Manager, ttl time.Duration, expired ExpiredLister) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Sandbox reaper started", "interval", reaperInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				reapExpired(ctx, mgr, ttl, expired)
			case <-ctx.Done():
				slog.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reapExpired(ctx context.Context, mgr Manager, ttl time.Duration, expired ExpiredLister) {
	ids := expired(ttl)
	if len(ids) == 0 {
		return
	}

	slog.Info("Sandbox reaper found expired containers", "count", len(ids))
	for _, sessionID := range ids {
		if err := mgr.StopContainer(ctx, sessionID); err != nil {
			slog.Error("Sandbox reaper failed to stop container",
				"error", err,
				"session_id", sessionID)
		}
	}
}
