// Package janitor sweeps expired terminal tasks and their report artifacts.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/internal/postgres"
	"github.com/eafonin/nessus-api-sub002/pkg/telemetry"
)

// Default retention per terminal state. QUEUED and RUNNING tasks are never
// swept regardless of age.
const (
	DefaultCompletedTTL = 7 * 24 * time.Hour
	DefaultFailedTTL    = 30 * 24 * time.Hour
)

// Janitor deletes terminal tasks past their retention.
type Janitor struct {
	repo         postgres.TaskRepository
	completedTTL time.Duration
	failedTTL    time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

func WithCompletedTTL(d time.Duration) Option { return func(j *Janitor) { j.completedTTL = d } }
func WithFailedTTL(d time.Duration) Option    { return func(j *Janitor) { j.failedTTL = d } }
func WithLogger(l *slog.Logger) Option        { return func(j *Janitor) { j.logger = l } }
func WithClock(now func() time.Time) Option   { return func(j *Janitor) { j.now = now } }

// New builds a Janitor with default retention.
func New(repo postgres.TaskRepository, opts ...Option) *Janitor {
	j := &Janitor{
		repo:         repo,
		completedTTL: DefaultCompletedTTL,
		failedTTL:    DefaultFailedTTL,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Sweep deletes every expired terminal task, one state at a time, and
// returns the total removed. The repository re-checks the terminal state in
// its delete predicate, so a task retried out of FAILED since selection
// survives the sweep.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	start := j.now()
	retention := map[domain.State]time.Duration{
		domain.StateCompleted: j.completedTTL,
		domain.StateFailed:    j.failedTTL,
		domain.StateTimeout:   j.failedTTL,
	}

	total := 0
	for state, ttl := range retention {
		cutoff := start.Add(-ttl).UTC()
		ids, err := j.repo.DeleteExpired(ctx, map[domain.State]time.Time{state: cutoff})
		if err != nil {
			return total, fmt.Errorf("sweep %s tasks: %w", state, err)
		}
		if len(ids) > 0 {
			telemetry.JanitorTasksDeleted.WithLabelValues(string(state)).Add(float64(len(ids)))
			j.logger.Info("expired tasks deleted",
				slog.String("state", string(state)),
				slog.Int("count", len(ids)),
				slog.Time("cutoff", cutoff),
			)
		}
		total += len(ids)
	}

	telemetry.JanitorSweepDurationSeconds.Observe(time.Since(start).Seconds())
	return total, nil
}

// Run sweeps once immediately, then on the cron schedule, until ctx is
// cancelled.
func (j *Janitor) Run(ctx context.Context, schedule string) error {
	j.sweepAndLog(ctx)

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { j.sweepAndLog(ctx) }); err != nil {
		return fmt.Errorf("cron schedule %q: %w", schedule, err)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

func (j *Janitor) sweepAndLog(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	n, err := j.Sweep(sweepCtx)
	if err != nil {
		j.logger.Error("sweep failed", slog.String("error", err.Error()))
		return
	}
	j.logger.Info("sweep complete", slog.Int("deleted", n))
}
