package orchestrator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/advisor"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/idempotency"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/mode"
	"github.com/rustyeddy/tradeguard/risk"
)

const (
	actionBuy         = "buy"
	actionSell        = "sell"
	actionSellPartial = "sell_partial"
)

// enter opens positions for the best scanner candidates until the book is
// full or the circuit breaker blocks further trades.
func (o *Orchestrator) enter(ctx context.Context, t *tick, book *ledger.Book) error {
	limits := o.engine.Limits()

	scanCtx, cancel := o.call(ctx)
	cands, err := o.scanner.Scan(scanCtx, book.Assets())
	cancel()
	if err != nil {
		return collaboratorErr("scanner", err)
	}
	if len(cands) == 0 {
		t.log.Debug("no entry candidates")
		return nil
	}
	if len(cands) > o.opts.MaxCandidates {
		cands = cands[:o.opts.MaxCandidates]
	}

	winRate, ratio, fromJournal, err := journal.SizingInputs(ctx, o.journal, o.opts.StatsLookback, o.opts.Fallback)
	if err != nil {
		t.log.Warn("journal stats unavailable, using fallback", zap.Error(err))
	}
	open := book.Len()

	for _, c := range cands {
		if limits.MaxPositions > 0 && open >= limits.MaxPositions {
			break
		}
		if _, held := book.Get(c.Asset); held {
			continue
		}
		log := t.log.With(zap.String("asset", c.Asset))

		if o.opts.EntryGate && o.advisor != nil {
			d := o.consult(ctx, t, advisor.Context{
				Mode:  string(mode.Entry),
				Asset: c.Asset,
				Price: c.RecommendedEntry,
				Score: c.Score,
			})
			if !d.Approves(o.opts.MinConfidence) {
				log.Info("entry declined by advisor",
					zap.String("verdict", string(d.Verdict)),
					zap.Float64("confidence", d.Confidence),
					zap.String("reason", d.Reason))
				continue
			}
		}

		sizing := o.engine.Size(o.sizingCapital(ctx, t), winRate, ratio)
		if sizing.Notional <= 0 {
			log.Warn("no capital to size entry")
			return nil
		}
		log.Debug("sized entry",
			zap.Float64("fraction", sizing.Fraction),
			zap.Float64("notional", sizing.Notional),
			zap.Bool("from_journal", fromJournal))

		atr := o.atr(ctx, t, c.Asset)
		snap, opened, err := o.buy(ctx, t, c.Asset, sizing.Notional, atr)
		if err != nil {
			return err
		}
		if !opened {
			continue
		}
		open++

		if v := o.engine.Precheck(snap, o.clock.Now()); !v.Allowed {
			log.Info("further entries blocked", zap.String("reason", v.Reason))
			break
		}
	}
	return nil
}

// buy reserves the buy key, executes the order and persists the opened
// position. opened is false when the key was already taken.
func (o *Orchestrator) buy(ctx context.Context, t *tick, asset string, notional, atr float64) (snap risk.Snapshot, opened bool, err error) {
	key := idempotency.Key{Asset: asset, Timeframe: t.job.Timeframe, Candle: t.candle, Action: actionBuy}
	log := t.log.With(zap.String("asset", asset), zap.String("key", key.String()))

	ok, err := o.idem.Reserve(ctx, key)
	if err != nil {
		log.Warn("reserve failed, skipping entry", zap.Error(err))
		return snap, false, nil
	}
	if !ok {
		log.Info("buy already recorded for this candle")
		return snap, false, nil
	}

	exCtx, cancel := o.call(ctx)
	fill, err := o.exchange.Buy(exCtx, asset, notional)
	cancel()
	if err == nil && !fill.Success {
		err = broker.ErrRejected
	}
	if err != nil {
		_ = o.idem.Mark(ctx, key, "failed")
		o.recordFailure(ctx, t)
		return snap, false, fmt.Errorf("%w: buy %s: %w", ErrExecution, asset, err)
	}

	now := o.clock.Now()
	limits := o.engine.Limits()
	pos := o.engine.Open(asset, fill.OrderID, fill.FillPrice, fill.FillQuantity, atr, now)
	feePct := risk.PctOfCapital(-fill.Fee, o.opts.Capital)

	var (
		tripped string
		open    int
	)
	err = o.ledger.Commit(ctx, func(st *ledger.State, b *ledger.Book) error {
		tripped = st.RecordTrade(now, decimal.NewFromFloat(feePct), limits)
		b.Put(pos)
		snap, open = st.Snapshot(now), b.Len()
		return nil
	})
	if err != nil {
		log.Error("buy filled but not persisted, reconcile by hand",
			zap.String("order_id", fill.OrderID),
			zap.Float64("quantity", fill.FillQuantity),
			zap.Float64("price", fill.FillPrice),
			zap.Error(err))
		// The key stays reserved so the fill is never repeated.
		_ = o.idem.Mark(ctx, key, "unpersisted:"+fill.OrderID)
		return snap, false, fmt.Errorf("%w: open %s: %w", ErrPersistence, asset, err)
	}
	if err := o.idem.Mark(ctx, key, "filled:"+fill.OrderID); err != nil {
		log.Warn("mark buy key failed", zap.Error(err))
	}

	log.Info("position opened",
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("stop", pos.StopPrice),
		zap.Float64("target", pos.TargetPrice),
		zap.Float64("atr", atr))
	o.executed(ctx, t, Action{
		Asset:    asset,
		Side:     string(broker.Buy),
		Reason:   "entry",
		Quantity: fill.FillQuantity,
		Price:    fill.FillPrice,
		PnLPct:   feePct,
		OrderID:  fill.OrderID,
		Key:      key.String(),
	}, snap, open)
	if tripped != "" {
		o.safeMode(t, tripped)
	}
	o.recordEquity(ctx, t)
	return snap, true, nil
}

type equityReporter interface {
	Equity(ctx context.Context) (float64, error)
}

// recordEquity journals balance and equity after a trade when both the
// journal and the exchange support it.
func (o *Orchestrator) recordEquity(ctx context.Context, t *tick) {
	if o.journal == nil {
		return
	}
	bal, ok1 := o.exchange.(broker.Balancer)
	eq, ok2 := o.exchange.(equityReporter)
	if !ok1 || !ok2 {
		return
	}
	ctx, cancel := o.call(ctx)
	defer cancel()

	snap := journal.EquitySnapshot{Time: o.clock.Now()}
	var err error
	if snap.Balance, err = bal.Balance(ctx); err == nil {
		snap.Equity, err = eq.Equity(ctx)
	}
	if err == nil {
		err = o.journal.RecordEquity(ctx, snap)
	}
	if err != nil {
		t.log.Warn("equity snapshot failed", zap.Error(err))
	}
}
