package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/avoss/crewdeck/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return repo
}

func TestLifetimeUsageRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	usage, err := repo.LoadLifetimeUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !usage.IsZero() {
		t.Fatalf("fresh store should have zero usage, got %+v", usage)
	}

	want := domain.UsageStats{
		InputTokens:         1200,
		OutputTokens:        340,
		CacheReadTokens:     99000,
		CacheCreationTokens: 5,
		CostUSD:             1.25,
	}
	if err := repo.SaveLifetimeUsage(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := repo.LoadLifetimeUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	// Second save overwrites rather than appends.
	want.InputTokens = 2000
	if err := repo.SaveLifetimeUsage(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err = repo.LoadLifetimeUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.InputTokens != 2000 {
		t.Fatalf("got %+v after overwrite", got)
	}
}

func TestBatchSummariesNewestFirst(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := repo.RecordBatchSummary(ctx, BatchSummary{
			SessionID:  "deadbeef01",
			Completed:  i + 1,
			Total:      3,
			WasStopped: i == 1,
			ElapsedMs:  int64(i * 1000),
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.ListBatchSummaries(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Completed != 3 || got[1].Completed != 2 {
		t.Fatalf("wrong order: %+v", got)
	}
	if !got[1].WasStopped {
		t.Fatal("was_stopped not persisted")
	}
}

func TestWithBusyRetryGivesUp(t *testing.T) {
	calls := 0
	err := withBusyRetry(context.Background(), "test op", func() error {
		calls++
		return errors.New("database is locked (SQLITE_BUSY)")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}
