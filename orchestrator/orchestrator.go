// Package orchestrator runs one evaluation tick: lock, idempotency, mode
// resolution, then entry or position management against the exchange.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/advisor"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/events"
	"github.com/rustyeddy/tradeguard/idempotency"
	"github.com/rustyeddy/tradeguard/indicators"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/lock"
	"github.com/rustyeddy/tradeguard/market"
	"github.com/rustyeddy/tradeguard/metrics"
	"github.com/rustyeddy/tradeguard/mode"
	"github.com/rustyeddy/tradeguard/notify"
	"github.com/rustyeddy/tradeguard/pkg/logger"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/rustyeddy/tradeguard/scanner"
)

// Deps are the collaborators a tick talks to. Advisor, Journal, Notifier
// and Metrics are optional.
type Deps struct {
	Locks    *lock.Manager
	Idem     idempotency.Store
	Ledger   *ledger.Store
	Engine   *risk.Engine
	Scanner  scanner.Scanner
	Advisor  advisor.Advisor
	Exchange broker.Exchange
	Market   market.Data
	Journal  journal.Journal
	Notifier notify.Sink
	Metrics  metrics.Sink
	Clock    clock.Clock
	Log      *zap.Logger
}

type Options struct {
	// Capital is the reference capital P&L percentages are measured
	// against, and the sizing capital when the exchange reports no balance.
	Capital        float64          `json:"capital" yaml:"capital"`
	StatsLookback  int              `json:"stats_lookback" yaml:"stats_lookback"`
	Fallback       journal.Fallback `json:"fallback" yaml:"fallback"`
	ATRPeriod      int              `json:"atr_period" yaml:"atr_period"`
	MaxCandidates  int              `json:"max_candidates" yaml:"max_candidates"`
	CallTimeout    time.Duration    `json:"call_timeout" yaml:"call_timeout"`
	AdvisorTimeout time.Duration    `json:"advisor_timeout" yaml:"advisor_timeout"`
	MinConfidence  float64          `json:"min_confidence" yaml:"min_confidence"`
	// EntryGate sends every entry candidate to the advisor first.
	EntryGate bool `json:"entry_gate" yaml:"entry_gate"`
}

func DefaultOptions() Options {
	return Options{
		Capital:        10000,
		StatsLookback:  50,
		Fallback:       journal.Fallback{MinTrades: 10, WinRate: 0.5, AvgWinLossRatio: 1.5},
		ATRPeriod:      14,
		MaxCandidates:  3,
		CallTimeout:    10 * time.Second,
		AdvisorTimeout: 15 * time.Second,
		MinConfidence:  0.7,
	}
}

type Orchestrator struct {
	locks    *lock.Manager
	idem     idempotency.Store
	ledger   *ledger.Store
	engine   *risk.Engine
	scanner  scanner.Scanner
	advisor  advisor.Advisor
	exchange broker.Exchange
	market   market.Data
	journal  journal.Journal
	notifier notify.Sink
	metrics  metrics.Sink
	clock    clock.Clock
	log      *zap.Logger
	opts     Options
}

func New(d Deps, o Options) (*Orchestrator, error) {
	switch {
	case d.Locks == nil:
		return nil, errors.New("orchestrator: lock manager is required")
	case d.Idem == nil:
		return nil, errors.New("orchestrator: idempotency store is required")
	case d.Ledger == nil:
		return nil, errors.New("orchestrator: ledger store is required")
	case d.Engine == nil:
		return nil, errors.New("orchestrator: risk engine is required")
	case d.Scanner == nil:
		return nil, errors.New("orchestrator: scanner is required")
	case d.Exchange == nil:
		return nil, errors.New("orchestrator: exchange is required")
	case d.Market == nil:
		return nil, errors.New("orchestrator: market data is required")
	}
	if o.Capital <= 0 {
		return nil, fmt.Errorf("orchestrator: capital must be positive, got %v", o.Capital)
	}
	def := DefaultOptions()
	if o.ATRPeriod <= 0 {
		o.ATRPeriod = def.ATRPeriod
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = def.MaxCandidates
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = def.CallTimeout
	}
	if o.AdvisorTimeout <= 0 {
		o.AdvisorTimeout = def.AdvisorTimeout
	}
	if o.StatsLookback <= 0 {
		o.StatsLookback = def.StatsLookback
	}

	orc := &Orchestrator{
		locks:    d.Locks,
		idem:     d.Idem,
		ledger:   d.Ledger,
		engine:   d.Engine,
		scanner:  d.Scanner,
		exchange: d.Exchange,
		market:   d.Market,
		journal:  d.Journal,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		clock:    d.Clock,
		log:      logger.OrNop(d.Log).Named("orchestrator"),
		opts:     o,
	}
	if d.Advisor != nil {
		orc.advisor = advisor.WithTimeout(d.Advisor, o.AdvisorTimeout)
	}
	if orc.notifier == nil {
		orc.notifier = notify.Nop{}
	}
	if orc.metrics == nil {
		orc.metrics = metrics.Nop{}
	}
	if orc.clock == nil {
		orc.clock = clock.System{}
	}
	return orc, nil
}

// tick carries the per-run values shared by the mode handlers.
type tick struct {
	job    Job
	tf     time.Duration
	candle time.Time
	log    *zap.Logger
	res    *Result
	// protective is set while managing positions under a BLOCKED mode:
	// only protective exits may execute.
	protective bool
}

// Tick runs one evaluation of job. The returned error is non-nil only for
// ABORTED ticks and lock backend failures; SKIPPED and BLOCKED results
// carry their cause in Result.Err.
func (o *Orchestrator) Tick(ctx context.Context, job Job) (Result, error) {
	start := o.clock.Now()
	res := Result{RunID: uuid.NewString(), Job: job.Name, Started: start}

	if err := job.Validate(); err != nil {
		res.abort(fmt.Errorf("%w: %w", ErrCollaboratorFailure, err))
		return o.finish(ctx, res)
	}
	tf, _ := market.ParseTimeframe(job.Timeframe)
	t := &tick{
		job:    job,
		tf:     tf,
		candle: clock.CandleFloor(start, tf),
		res:    &res,
	}
	res.Candle = t.candle
	t.log = o.log.With(zap.String("job", job.Name), zap.String("run_id", res.RunID),
		zap.Time("candle", t.candle))

	err := o.locks.WithLock(ctx, job.lockName(), job.lockTTL(), func(ctx context.Context) error {
		o.run(ctx, t)
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrLocked):
		res.skip(SkipLocked, fmt.Errorf("%w: %w", ErrLockUnavailable, err))
	case err != nil:
		res.Outcome, res.Reason = Skipped, reasonLockUnavailable
		res.Err = fmt.Errorf("%w: %w", ErrLockUnavailable, err)
	}
	return o.finish(ctx, res)
}

func (o *Orchestrator) run(ctx context.Context, t *tick) {
	res := t.res
	tickKey := idempotency.Key{
		Asset:     t.job.scope(),
		Timeframe: t.job.Timeframe,
		Candle:    t.candle,
		Action:    t.job.Name,
	}

	dup, err := o.idem.Check(ctx, tickKey)
	if err != nil {
		// An unreadable store is treated as a duplicate.
		t.log.Warn("idempotency check failed", zap.String("key", tickKey.String()), zap.Error(err))
		res.skip(SkipDuplicate, fmt.Errorf("%w: %w", ErrDuplicateTick, err))
		return
	}
	if dup {
		t.log.Debug("duplicate tick", zap.String("key", tickKey.String()))
		res.skip(SkipDuplicate, ErrDuplicateTick)
		return
	}

	st, err := o.ledger.Load(ctx)
	if err != nil {
		res.abort(fmt.Errorf("%w: %w", ErrPersistence, err))
		return
	}
	book, err := o.ledger.Positions(ctx)
	if err != nil {
		res.abort(fmt.Errorf("%w: %w", ErrPersistence, err))
		return
	}

	now := o.clock.Now()
	r := mode.ResolveWith(o.engine, book.Len(), st.Snapshot(now), now)
	res.Mode = r.Mode
	t.log = t.log.With(zap.String("mode", string(r.Mode)))

	if r.Mode == mode.Blocked {
		t.log.Info("tick blocked", zap.String("reason", r.Reason))
		res.Outcome, res.Reason = Blocked, r.Reason
		res.Err = fmt.Errorf("%w: %s", ErrRiskBlocked, r.Reason)
		// New trades stay blocked; open positions keep their stops.
		if book.Len() > 0 && t.job.allows(mode.Management) {
			t.protective = true
			if err := o.manage(ctx, t, book); err != nil {
				t.log.Error("tick aborted", zap.Error(err))
				res.abort(err)
			}
		}
		return
	}
	if !t.job.allows(r.Mode) {
		res.skip(SkipModeNotScheduled, nil)
		return
	}

	switch r.Mode {
	case mode.Entry:
		err = o.enter(ctx, t, book)
	case mode.Management:
		err = o.manage(ctx, t, book)
	}
	if err != nil {
		t.log.Error("tick aborted", zap.Error(err))
		res.abort(err)
		return
	}

	res.Outcome = Done
	outcome := fmt.Sprintf("done:%d", len(res.Actions))
	if err := o.idem.Mark(ctx, tickKey, outcome); err != nil {
		// Every action is already persisted and keyed on its own.
		t.log.Warn("mark tick key failed", zap.String("key", tickKey.String()), zap.Error(err))
	}
}

// finish reports the result: one tick metric, plus one notification when
// the tick was blocked or aborted. A safe-mode trip rides on that
// notification, or is sent on its own when the tick otherwise succeeded.
func (o *Orchestrator) finish(ctx context.Context, res Result) (Result, error) {
	res.Elapsed = o.clock.Now().Sub(res.Started)

	ev := o.event(events.KindTick, res)
	o.metrics.Record(ev)

	var kind events.Kind
	switch {
	case res.Outcome == Blocked:
		kind = events.KindBlocked
	case res.Outcome == Aborted, res.Reason == reasonLockUnavailable:
		kind = events.KindAborted
	}
	switch {
	case kind != "":
		ev := o.event(kind, res)
		if res.Err != nil {
			ev.Message = res.Err.Error()
		}
		if res.SafeMode != "" {
			ev.Message += "; safe mode engaged: " + res.SafeMode
		}
		o.send(ctx, ev)
		o.metrics.Record(ev)
	case res.SafeMode != "":
		ev := o.event(events.KindSafeMode, res)
		ev.Reason = res.SafeMode
		o.send(ctx, ev)
	}

	o.log.Info("tick finished",
		zap.String("job", res.Job),
		zap.String("run_id", res.RunID),
		zap.Stringer("result", res),
		zap.Duration("elapsed", res.Elapsed))

	if res.Outcome == Aborted || res.Reason == reasonLockUnavailable {
		return res, res.Err
	}
	return res, nil
}

func (o *Orchestrator) event(kind events.Kind, res Result) events.Event {
	ev := events.New(kind, o.clock.Now())
	ev.Job = res.Job
	ev.Mode = string(res.Mode)
	ev.Outcome = string(res.Outcome)
	ev.Reason = res.Reason
	ev.Duration = res.Elapsed
	return ev
}

// send delivers a notification. Sink failures are logged and never fail
// the tick.
func (o *Orchestrator) send(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CallTimeout)
	defer cancel()
	if err := o.notifier.Send(ctx, ev); err != nil {
		o.log.Warn("notification failed", zap.Stringer("event", ev), zap.Error(err))
	}
}

func (o *Orchestrator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.opts.CallTimeout)
}

// collaboratorErr classifies a failed collaborator call.
func collaboratorErr(what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrCollaboratorTimeout, what, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCollaboratorFailure, what, err)
}

// atr returns the ATR for asset on the tick timeframe, or 0 when it cannot
// be computed; the engine then falls back to fixed percentages.
func (o *Orchestrator) atr(ctx context.Context, t *tick, asset string) float64 {
	ctx, cancel := o.call(ctx)
	defer cancel()
	cs, err := o.market.Candles(ctx, asset, t.tf, o.opts.ATRPeriod+1)
	if err == nil {
		var v float64
		if v, err = indicators.ATR(cs, o.opts.ATRPeriod); err == nil {
			return v
		}
	}
	t.log.Debug("atr unavailable", zap.String("asset", asset), zap.Error(err))
	return 0
}

// sizingCapital is the exchange balance when it reports one.
func (o *Orchestrator) sizingCapital(ctx context.Context, t *tick) float64 {
	b, ok := o.exchange.(broker.Balancer)
	if !ok {
		return o.opts.Capital
	}
	ctx, cancel := o.call(ctx)
	defer cancel()
	v, err := b.Balance(ctx)
	if err != nil || v <= 0 {
		t.log.Warn("balance unavailable, using configured capital", zap.Error(err))
		return o.opts.Capital
	}
	return v
}

// consult asks the advisor. Errors and timeouts have already been turned
// into HOLD by the timeout wrapper and are only logged here.
func (o *Orchestrator) consult(ctx context.Context, t *tick, in advisor.Context) advisor.Decision {
	d, err := o.advisor.Evaluate(ctx, in)
	if err != nil {
		t.log.Warn("advisor unavailable, holding", zap.String("asset", in.Asset),
			zap.Error(collaboratorErr("advisor", err)))
	}
	return d
}

// recordFailure counts a failed execution and reports a safe-mode trip.
func (o *Orchestrator) recordFailure(ctx context.Context, t *tick) {
	now := o.clock.Now()
	var tripped bool
	err := o.ledger.Update(context.WithoutCancel(ctx), func(st *ledger.State) error {
		tripped = st.RecordFailure(now, o.engine.Limits())
		return nil
	})
	if err != nil {
		t.log.Error("record failure", zap.Error(err))
		return
	}
	if tripped {
		o.safeMode(t, ledger.ReasonConsecutiveFailures)
	}
}

// safeMode records a trip on the result; finish notifies it.
func (o *Orchestrator) safeMode(t *tick, reason string) {
	t.log.Warn("safe mode engaged", zap.String("reason", reason))
	if t.res.SafeMode == "" {
		t.res.SafeMode = reason
	}
	ev := o.event(events.KindSafeMode, *t.res)
	ev.Reason = reason
	o.metrics.Record(ev)
}

// executed records a completed action on the result and reports it.
func (o *Orchestrator) executed(ctx context.Context, t *tick, a Action, snap risk.Snapshot, open int) {
	t.res.Actions = append(t.res.Actions, a)
	t.log.Info("order filled",
		zap.String("asset", a.Asset),
		zap.String("side", a.Side),
		zap.String("reason", a.Reason),
		zap.Float64("quantity", a.Quantity),
		zap.Float64("price", a.Price),
		zap.String("key", a.Key))

	ev := o.event(events.KindTrade, *t.res)
	ev.Asset, ev.Side, ev.Reason = a.Asset, a.Side, a.Reason
	ev.Quantity, ev.Price, ev.PnLPct = a.Quantity, a.Price, a.PnLPct
	ev.DailyPnL = snap.DailyPnL.InexactFloat64()
	ev.OpenPositions = open
	o.send(ctx, ev)
	o.metrics.Record(ev)
}
