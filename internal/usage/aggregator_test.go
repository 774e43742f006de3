package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/avoss/crewdeck/internal/domain"
	"github.com/avoss/crewdeck/internal/store"
)

type fakeRepo struct {
	mu      sync.Mutex
	stored  domain.UsageStats
	saves   int
	saveErr error
}

func (f *fakeRepo) LoadLifetimeUsage(ctx context.Context) (domain.UsageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored, nil
}

func (f *fakeRepo) SaveLifetimeUsage(ctx context.Context, usage domain.UsageStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.stored = usage
	f.saves++
	return nil
}

func (f *fakeRepo) RecordBatchSummary(ctx context.Context, summary store.BatchSummary) error {
	return nil
}

func (f *fakeRepo) ListBatchSummaries(ctx context.Context, limit int) ([]store.BatchSummary, error) {
	return nil, nil
}

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }
func (f *fakeRepo) Close() error                   { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadRestoresStoredTotal(t *testing.T) {
	repo := &fakeRepo{stored: domain.UsageStats{InputTokens: 999, CostUSD: 3.5}}
	a, err := Load(context.Background(), repo, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := a.Lifetime(); got.InputTokens != 999 || got.CostUSD != 3.5 {
		t.Fatalf("lifetime = %+v", got)
	}
}

func TestRecordAccumulatesAndFlushes(t *testing.T) {
	repo := &fakeRepo{}
	a, err := Load(context.Background(), repo, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	a.Record(domain.UsageStats{InputTokens: 100, OutputTokens: 20})
	a.Record(domain.UsageStats{InputTokens: 50, CostUSD: 0.05})

	if got := a.Lifetime(); got.InputTokens != 150 || got.OutputTokens != 20 {
		t.Fatalf("lifetime = %+v", got)
	}

	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.stored.InputTokens != 150 || repo.stored.CostUSD != 0.05 {
		t.Fatalf("stored = %+v", repo.stored)
	}
}

func TestFlushWithoutChangesIsNoop(t *testing.T) {
	repo := &fakeRepo{}
	a, err := Load(context.Background(), repo, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if repo.saves != 0 {
		t.Fatalf("saves = %d, want 0", repo.saves)
	}
}

func TestZeroDeltaIgnored(t *testing.T) {
	repo := &fakeRepo{}
	a, err := Load(context.Background(), repo, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	a.Record(domain.UsageStats{})
	if err := a.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if repo.saves != 0 {
		t.Fatal("zero delta must not mark the counter dirty")
	}
}

func TestFailedFlushStaysDirty(t *testing.T) {
	repo := &fakeRepo{saveErr: errors.New("disk full")}
	a, err := Load(context.Background(), repo, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	a.Record(domain.UsageStats{InputTokens: 1})

	if err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}

	repo.mu.Lock()
	repo.saveErr = nil
	repo.mu.Unlock()

	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.stored.InputTokens != 1 {
		t.Fatal("retry after failed flush should persist the total")
	}
}
