// Package app assembles the tradeguard components from a Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/tradeguard/advisor"
	"github.com/rustyeddy/tradeguard/broker/paper"
	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/config"
	"github.com/rustyeddy/tradeguard/idempotency"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/lock"
	"github.com/rustyeddy/tradeguard/market"
	"github.com/rustyeddy/tradeguard/metrics"
	"github.com/rustyeddy/tradeguard/notify"
	"github.com/rustyeddy/tradeguard/orchestrator"
	"github.com/rustyeddy/tradeguard/pkg/logger"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/rustyeddy/tradeguard/scanner"
	"github.com/rustyeddy/tradeguard/scheduler"
	"github.com/rustyeddy/tradeguard/store"
)

type App struct {
	Config       *config.Config
	Log          *zap.Logger
	Clock        clock.Clock
	DB           *sql.DB
	Locks        *lock.Manager
	Idem         idempotency.Store
	Ledger       *ledger.Store
	Journal      *journal.SQLite
	Feed         *market.Feed
	Exchange     *paper.Exchange
	Metrics      *metrics.Prometheus
	Orchestrator *orchestrator.Orchestrator

	redis *redis.Client
}

// New opens the store and builds every component. Close releases them.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (a *App, err error) {
	log = logger.OrNop(log)
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a = &App{Config: cfg, Log: log, Clock: clock.System{Loc: loc}}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.DB, err = store.Open(cfg.Store.Path); err != nil {
		return nil, err
	}
	schemas := []string{ledger.Schema, journal.Schema, paper.Schema}
	if cfg.Lock.Backend == "sqlite" {
		schemas = append(schemas, lock.Schema)
	}
	if cfg.Idempotency.Backend == "sqlite" {
		schemas = append(schemas, idempotency.Schema)
	}
	if err = store.Migrate(ctx, a.DB, schemas...); err != nil {
		return nil, err
	}

	if a.Locks, err = a.buildLocks(ctx); err != nil {
		return nil, err
	}
	if a.Idem, err = a.buildIdempotency(); err != nil {
		return nil, err
	}
	a.Ledger = ledger.NewStore(a.DB, a.Clock, log)
	a.Journal = journal.NewSQLite(a.DB)

	a.Feed = market.NewFeed()
	for asset, path := range cfg.Market.CSV {
		n, err := a.Feed.LoadCSV(path, asset)
		if err != nil {
			return nil, fmt.Errorf("market csv %s: %w", asset, err)
		}
		log.Info("loaded candles", zap.String("asset", asset), zap.Int("candles", n))
	}
	// The paper account lives next to the position book so both survive
	// restarts together.
	if a.Exchange, err = paper.Open(ctx, cfg.Paper, a.Feed, a.Clock, log, paper.NewSQLiteStore(a.DB)); err != nil {
		return nil, err
	}

	if a.Orchestrator, err = a.buildOrchestrator(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildLocks(ctx context.Context) (*lock.Manager, error) {
	cfg := a.Config.Lock
	var b lock.Backend
	switch cfg.Backend {
	case "memory":
		b = lock.NewMemoryBackend()
	case "sqlite":
		b = lock.NewSQLiteBackend(a.DB)
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		// Unreachable Redis is not fatal here; acquisition fails closed.
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Log.Warn("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		b = lock.NewRedisBackend(a.redis, cfg.Redis.Prefix)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}

	var opts []lock.Option
	if cfg.OpTimeout > 0 {
		opts = append(opts, lock.WithOpTimeout(cfg.OpTimeout))
	}
	return lock.NewManager(b, a.Clock, a.Log, opts...), nil
}

func (a *App) buildIdempotency() (idempotency.Store, error) {
	cfg := a.Config.Idempotency
	switch cfg.Backend {
	case "memory":
		return idempotency.NewMemoryStore(a.Clock, cfg.Retention), nil
	case "sqlite":
		return idempotency.NewSQLiteStore(a.DB, a.Clock, cfg.Retention), nil
	case "badger":
		s, err := idempotency.OpenBadgerStore(idempotency.BadgerOptions{
			Dir:       cfg.BadgerDir,
			Retention: cfg.Retention,
		}, a.Clock, a.Log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
}

func (a *App) buildOrchestrator() (*orchestrator.Orchestrator, error) {
	cfg := a.Config

	var adv advisor.Advisor
	if cfg.Advisor.Enabled {
		c, err := advisor.NewHTTPClient(cfg.Advisor.HTTP)
		if err != nil {
			return nil, err
		}
		adv = c
	}

	sinks := notify.Multi{}
	if cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(a.Log))
	}
	if cfg.Notify.Webhook.URL != "" {
		wh, err := notify.NewWebhookSink(cfg.Notify.Webhook)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, wh)
	}

	var ms metrics.Sink = metrics.Nop{}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewPrometheus()
		ms = a.Metrics
	}

	sc := cfg.Scanner
	if len(sc.Assets) == 0 {
		sc.Assets = a.Feed.Assets()
	}

	return orchestrator.New(orchestrator.Deps{
		Locks:    a.Locks,
		Idem:     a.Idem,
		Ledger:   a.Ledger,
		Engine:   risk.NewEngine(cfg.Limits, a.Log),
		Scanner:  scanner.NewStatic(sc, a.Feed, a.Log),
		Advisor:  adv,
		Exchange: a.Exchange,
		Market:   a.Feed,
		Journal:  a.Journal,
		Notifier: sinks,
		Metrics:  ms,
		Clock:    a.Clock,
		Log:      a.Log,
	}, cfg.Orchestrator)
}

// Run starts the scheduler and, when enabled, the metrics endpoint, and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	sched := scheduler.New(a.Orchestrator, a.Config.Jobs, a.Idem, a.Config.Scheduler, a.Clock, a.Log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	if a.Metrics != nil {
		g.Go(func() error {
			a.Log.Info("serving metrics", zap.String("addr", a.Config.Metrics.Addr))
			return metrics.Serve(ctx, a.Config.Metrics.Addr, a.Metrics.Handler())
		})
	}
	return g.Wait()
}

func (a *App) Close() error {
	var errs []error
	if a.Idem != nil {
		errs = append(errs, a.Idem.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
