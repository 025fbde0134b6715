package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/chunkrelay/internal/clock"
	"github.com/aixgo-dev/chunkrelay/internal/observability"
)

// SweepFunc observes the outcome of one sweep.
type SweepFunc func(removed, remaining int, duration time.Duration, err error)

// Janitor sweeps expired sessions on a fixed cron schedule, so idle
// deployments reclaim memory without waiting for traffic.
type Janitor struct {
	store    Store
	ttl      time.Duration
	schedule string
	clock    clock.Clock
	logger   *slog.Logger
	observe  SweepFunc

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithJanitorClock sets the time source used to decide expiry.
func WithJanitorClock(c clock.Clock) JanitorOption {
	return func(j *Janitor) {
		j.clock = c
	}
}

// WithJanitorLogger sets the logger.
func WithJanitorLogger(l *slog.Logger) JanitorOption {
	return func(j *Janitor) {
		j.logger = l
	}
}

// WithSweepObserver registers a callback run after every sweep.
func WithSweepObserver(fn SweepFunc) JanitorOption {
	return func(j *Janitor) {
		j.observe = fn
	}
}

// NewJanitor creates a janitor for store. schedule is a cron spec such as
// "@every 1m" or "*/5 * * * *".
func NewJanitor(store Store, ttl time.Duration, schedule string, opts ...JanitorOption) (*Janitor, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("janitor ttl must be positive")
	}

	j := &Janitor{
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}

	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := j.cron.AddFunc(schedule, func() {
		_, _ = j.RunOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return j, nil
}

// RunOnce performs a single sweep now.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	ctx, span := observability.StartSpan(ctx, "session.sweep", map[string]any{
		"ttl": j.ttl.String(),
	})
	defer span.End()

	start := time.Now()
	removed, err := j.store.SweepExpired(ctx, j.clock.Now(), j.ttl)
	duration := time.Since(start)

	remaining, lenErr := j.store.Len(ctx)
	if err == nil && lenErr != nil {
		err = lenErr
	}

	span.SetAttribute("removed", removed)
	span.SetAttribute("remaining", remaining)
	if err != nil {
		span.SetError(err)
		j.logger.Error("session sweep failed", "removed", removed, "error", err)
	} else if removed > 0 {
		j.logger.Info("expired sessions swept", "removed", removed, "remaining", remaining, "duration", duration)
	} else {
		j.logger.Debug("session sweep found nothing", "remaining", remaining)
	}

	if j.observe != nil {
		j.observe(removed, remaining, duration, err)
	}
	return removed, err
}

// Start begins the sweep schedule. It does not block.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.cron.Start()
	j.logger.Info("session janitor started", "schedule", j.schedule, "ttl", j.ttl)
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to end.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	j.mu.Unlock()

	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
