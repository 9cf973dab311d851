package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/botloop/internal/cron"
	"github.com/basket/botloop/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "botloop.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func recordUpdates(t *testing.T, store *persistence.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := store.RecordUpdate(ctx, int64(100+i), "42", "message", persistence.JournalStatusEmitted); err != nil {
			t.Fatalf("record update: %v", err)
		}
	}
}

func TestScheduler_PruneRemovesRowsPastRetention(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	recordUpdates(t, store, 5)

	sched := cron.NewScheduler(cron.Config{
		Store:     store,
		Retention: 30 * 24 * time.Hour,
		Logger:    slog.Default(),
	})

	// Pruning as seen from 31 days in the future puts every row past
	// retention.
	sched.Prune(ctx, time.Now().Add(31*24*time.Hour))

	n, err := store.JournalCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("journal rows after prune = %d, want 0", n)
	}
}

func TestScheduler_PruneKeepsRecentRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	recordUpdates(t, store, 3)

	sched := cron.NewScheduler(cron.Config{
		Store:     store,
		Retention: 30 * 24 * time.Hour,
		Logger:    slog.Default(),
	})
	sched.Prune(ctx, time.Now())

	n, err := store.JournalCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("journal rows after prune = %d, want 3", n)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	store := openTestStore(t)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		CronExpr: "0 3 * * *",
		Logger:   slog.Default(),
		Interval: 20 * time.Millisecond,
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !sched.NextRun().After(time.Now()) {
		t.Fatalf("next run %v not in the future", sched.NextRun())
	}
	sched.Stop()
}

func TestScheduler_StartRejectsBadCron(t *testing.T) {
	store := openTestStore(t)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		CronExpr: "not a cron line",
		Logger:   slog.Default(),
	})
	if err := sched.Start(context.Background()); err == nil {
		sched.Stop()
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 24, 10, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next.Minute()%10 != 0 || !next.After(after) {
		t.Fatalf("next run = %v, want next 10-minute boundary after %v", next, after)
	}

	if _, err := cron.NextRunTime("bogus", after); err == nil {
		t.Fatal("expected parse error")
	}
}
