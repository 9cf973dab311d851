// Package cron runs the periodic housekeeping jobs, currently pruning the
// update journal on a cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/botloop/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the pruning scheduler.
type Config struct {
	Store *persistence.Store
	// CronExpr is when pruning runs; defaults to "0 3 * * *" (daily at 03:00).
	CronExpr string
	// Retention is how long journal rows are kept; defaults to 30 days.
	Retention time.Duration
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically checks whether the prune schedule is due and
// deletes journal rows past retention.
type Scheduler struct {
	store     *persistence.Store
	cronExpr  string
	retention time.Duration
	logger    *slog.Logger
	interval  time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	cronExpr := cfg.CronExpr
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		cronExpr:  cronExpr,
		retention: retention,
		logger:    logger,
		interval:  interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	next, err := NextRunTime(s.cronExpr, time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("journal pruner started",
		"cron", s.cronExpr, "retention", s.retention.String(), "next_run", next)
	return nil
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("journal pruner stopped")
}

// NextRun reports when the next prune is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick prunes when the schedule is due and advances the next run time.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	s.mu.Unlock()
	if !due {
		return
	}
	s.Prune(ctx, now)

	next, err := NextRunTime(s.cronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"cron_expr", s.cronExpr, "error", err)
		return
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
}

// Prune deletes journal rows older than the retention window, measured
// backwards from now.
func (s *Scheduler) Prune(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.retention)
	pruned, err := s.store.PruneJournal(ctx, cutoff)
	if err != nil {
		s.logger.Error("cron: journal prune failed", "cutoff", cutoff, "error", err)
		return
	}
	s.logger.Info("journal pruned", "rows", pruned, "cutoff", cutoff)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
