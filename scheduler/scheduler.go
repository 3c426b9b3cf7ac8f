// Package scheduler drives orchestrator ticks on fixed cadences, one per
// job, plus periodic idempotency garbage collection.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/idempotency"
	"github.com/rustyeddy/tradeguard/orchestrator"
	"github.com/rustyeddy/tradeguard/pkg/logger"
)

// Ticker runs one tick of a job; *orchestrator.Orchestrator implements it.
type Ticker interface {
	Tick(ctx context.Context, job orchestrator.Job) (orchestrator.Result, error)
}

type Config struct {
	// GCInterval is the cadence of idempotency cleanup; zero disables it.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`
	// RunOnStart fires every job once before its first interval elapses.
	RunOnStart bool `json:"run_on_start" yaml:"run_on_start"`
}

type Scheduler struct {
	ticker Ticker
	jobs   []orchestrator.Job
	idem   idempotency.Store
	cfg    Config
	clock  clock.Clock
	log    *zap.Logger
}

func New(t Ticker, jobs []orchestrator.Job, idem idempotency.Store, cfg Config, c clock.Clock, log *zap.Logger) *Scheduler {
	if c == nil {
		c = clock.System{}
	}
	return &Scheduler{
		ticker: t,
		jobs:   jobs,
		idem:   idem,
		cfg:    cfg,
		clock:  c,
		log:    logger.OrNop(log).Named("scheduler"),
	}
}

// Run blocks until ctx is cancelled. Cancellation stops new ticks; a tick
// already running finishes on a context detached from ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		return errors.New("scheduler: no jobs")
	}
	for _, j := range s.jobs {
		if j.Interval <= 0 {
			return fmt.Errorf("scheduler: job %s: interval must be positive", j.Name)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		j := j
		g.Go(func() error {
			s.every(ctx, j.Interval, s.cfg.RunOnStart, func() { s.tick(ctx, j) })
			return nil
		})
	}
	if s.idem != nil && s.cfg.GCInterval > 0 {
		g.Go(func() error {
			s.every(ctx, s.cfg.GCInterval, false, func() { s.collect(ctx) })
			return nil
		})
	}

	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)), zap.Duration("gc_interval", s.cfg.GCInterval))
	err := g.Wait()
	s.log.Info("scheduler stopped")
	return err
}

func (s *Scheduler) every(ctx context.Context, d time.Duration, now bool, fn func()) {
	if now && ctx.Err() == nil {
		fn()
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job orchestrator.Job) {
	res, err := s.ticker.Tick(context.WithoutCancel(ctx), job)
	if err != nil {
		s.log.Warn("tick failed", zap.String("job", job.Name), zap.Stringer("result", res), zap.Error(err))
		return
	}
	s.log.Debug("tick", zap.String("job", job.Name), zap.Stringer("result", res))
}

func (s *Scheduler) collect(ctx context.Context) {
	n, err := s.idem.CleanupExpired(context.WithoutCancel(ctx), s.clock.Now())
	if err != nil {
		s.log.Warn("idempotency cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("idempotency keys expired", zap.Int("removed", n))
	}
}
