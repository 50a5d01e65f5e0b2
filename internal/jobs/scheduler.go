// Package jobs runs the periodic maintenance of the relay on a cron scheduler.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSessionSweepSpec = "@every 5m"
	DefaultStaleStreamSpec  = "@every 1h"
	DefaultLimiterPruneSpec = "@every 10m"
	DefaultStreamRetention  = 24 * time.Hour

	staleStreamTimeout = 30 * time.Second
)

var errMissingSessions = errors.New("jobs: session sweeper required")

// SessionSweeper deletes expired admin sessions.
type SessionSweeper interface {
	Sweep() int
}

// StreamPruner deletes long-inactive stream snapshots.
type StreamPruner interface {
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner forgets idle in-memory limiter state.
type Pruner interface {
	Prune() int
}

// Config holds the job schedules in cron syntax.
type Config struct {
	SessionSweepSpec string
	StaleStreamSpec  string
	LimiterPruneSpec string
	StreamRetention  time.Duration
}

// Dependencies are the components the jobs maintain.
type Dependencies struct {
	Sessions SessionSweeper
	Streams  StreamPruner
	Limiters []Pruner
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

type scheduledJob struct {
	name string
	spec string
	run  func()
}

// Scheduler owns the cron instance and its jobs.
type Scheduler struct {
	cron      *cron.Cron
	sessions  SessionSweeper
	streams   StreamPruner
	limiters  []Pruner
	retention time.Duration
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewScheduler registers every job; it does not start them.
func NewScheduler(cfg Config, deps Dependencies) (*Scheduler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	retention := cfg.StreamRetention
	if retention <= 0 {
		retention = DefaultStreamRetention
	}

	cronLog := cronLogger{logger: logger.Sugar()}
	scheduler := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		)),
		sessions:  deps.Sessions,
		streams:   deps.Streams,
		limiters:  deps.Limiters,
		retention: retention,
		clock:     clock,
		logger:    logger,
	}

	jobs := []scheduledJob{
		{name: "session_sweep", spec: orDefault(cfg.SessionSweepSpec, DefaultSessionSweepSpec), run: func() { scheduler.SweepSessions() }},
		{name: "limiter_prune", spec: orDefault(cfg.LimiterPruneSpec, DefaultLimiterPruneSpec), run: func() { scheduler.PruneLimiters() }},
	}
	if deps.Streams != nil {
		jobs = append(jobs, scheduledJob{
			name: "stale_stream_cleanup",
			spec: orDefault(cfg.StaleStreamSpec, DefaultStaleStreamSpec),
			run: func() {
				ctx, cancel := context.WithTimeout(context.Background(), staleStreamTimeout)
				defer cancel()
				_, _ = scheduler.PruneStaleStreams(ctx)
			},
		})
	}
	for _, job := range jobs {
		if _, err := scheduler.cron.AddFunc(job.spec, job.run); err != nil {
			return nil, fmt.Errorf("jobs: schedule %s (%q): %w", job.name, job.spec, err)
		}
	}
	return scheduler, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// JobCount returns the number of registered jobs.
func (s *Scheduler) JobCount() int {
	return len(s.cron.Entries())
}

// SweepSessions removes expired admin sessions.
func (s *Scheduler) SweepSessions() int {
	removed := s.sessions.Sweep()
	if removed > 0 {
		s.logger.Info("expired admin sessions removed", zap.Int("count", removed))
	}
	return removed
}

// PruneStaleStreams deletes snapshots inactive for longer than the retention period.
func (s *Scheduler) PruneStaleStreams(ctx context.Context) (int64, error) {
	if s.streams == nil {
		return 0, nil
	}
	cutoff := s.clock.Now().UTC().Add(-s.retention)
	removed, err := s.streams.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale stream cleanup failed", zap.Error(err))
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("stale streams removed", zap.Int64("count", removed), zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// PruneLimiters drops idle limiter entries.
func (s *Scheduler) PruneLimiters() int {
	total := 0
	for _, limiter := range s.limiters {
		total += limiter.Prune()
	}
	if total > 0 {
		s.logger.Debug("idle limiter entries pruned", zap.Int("count", total))
	}
	return total
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
