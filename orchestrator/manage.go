package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"

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

// dust is the remaining quantity below which a partial close counts as full.
const dust = 1e-12

// manage evaluates every open position. A failure on one position does
// not stop the others, except a persistence failure, which ends the tick.
func (o *Orchestrator) manage(ctx context.Context, t *tick, book *ledger.Book) error {
	var first error
	for _, pos := range book.List() {
		err := o.managePosition(ctx, t, pos)
		if err == nil {
			continue
		}
		t.log.Error("position management failed", zap.String("asset", pos.Asset), zap.Error(err))
		if errors.Is(err, ErrPersistence) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

func (o *Orchestrator) managePosition(ctx context.Context, t *tick, pos risk.Position) error {
	log := t.log.With(zap.String("asset", pos.Asset))

	pctx, cancel := o.call(ctx)
	price, err := o.market.Price(pctx, pos.Asset)
	cancel()
	if err != nil {
		return collaboratorErr("price "+pos.Asset, err)
	}
	atr := o.atr(ctx, t, pos.Asset)

	before := pos
	d := o.engine.Evaluate(&pos, price, atr, o.clock.Now())
	log.Debug("position evaluated",
		zap.Stringer("decision", d),
		zap.String("state", string(d.State)),
		zap.Float64("price", price),
		zap.Float64("pnl_pct", d.PnLPct),
		zap.Float64("stop", d.Stop),
		zap.Float64("target", d.Target))

	if t.protective && d.Action != risk.Hold && !d.Protective() {
		log.Info("exit deferred while trading is blocked", zap.Stringer("decision", d))
		pos.PartialLevel = before.PartialLevel
		d.Action = risk.Hold
	}
	if d.Action == risk.Ambiguous {
		d = o.resolveAmbiguous(ctx, t, pos, price, atr, d)
	}
	if d.Action == risk.Close || d.Action == risk.PartialClose {
		return o.sell(ctx, t, before, pos, d)
	}

	// HOLD: keep the high-water mark and trailing stop.
	err = o.ledger.Commit(ctx, func(_ *ledger.State, b *ledger.Book) error {
		b.Put(pos)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: update %s: %w", ErrPersistence, pos.Asset, err)
	}
	return nil
}

// resolveAmbiguous defers to the advisor. Only a confident ALLOW closes;
// anything else, including no advisor, holds.
func (o *Orchestrator) resolveAmbiguous(ctx context.Context, t *tick, pos risk.Position, price, atr float64, d risk.Decision) risk.Decision {
	hold := risk.Decision{Action: risk.Hold, State: risk.StateHeld, Reason: "advisor_hold",
		PnLPct: d.PnLPct, Stop: d.Stop, Target: d.Target}
	if o.advisor == nil {
		hold.Reason = "no_advisor"
		return hold
	}
	ad := o.consult(ctx, t, advisor.Context{
		Mode:        string(mode.Management),
		Asset:       pos.Asset,
		Price:       price,
		ATR:         atr,
		EntryPrice:  pos.EntryPrice,
		PnLPct:      d.PnLPct,
		StopPrice:   pos.StopPrice,
		TargetPrice: pos.TargetPrice,
		Question:    "price is near the stop; close the position?",
	})
	t.log.Info("advisor consulted",
		zap.String("asset", pos.Asset),
		zap.String("verdict", string(ad.Verdict)),
		zap.Float64("confidence", ad.Confidence),
		zap.String("reason", ad.Reason))
	if !ad.Approves(o.opts.MinConfidence) {
		return hold
	}
	return risk.Decision{
		Action:   risk.Close,
		Reason:   risk.ExitAdvisor,
		State:    risk.StateCloseRequested,
		Quantity: pos.Quantity,
		PnLPct:   d.PnLPct,
		Stop:     d.Stop,
		Target:   d.Target,
	}
}

// sell executes a close decision. Until the fill is persisted the stored
// position stays as before, the last-known state.
func (o *Orchestrator) sell(ctx context.Context, t *tick, before, pos risk.Position, d risk.Decision) error {
	action := actionSell
	if d.Action == risk.PartialClose {
		action = actionSellPartial
	}
	key := idempotency.Key{Asset: pos.Asset, Timeframe: t.job.Timeframe, Candle: t.candle, Action: action}
	log := t.log.With(zap.String("asset", pos.Asset), zap.String("key", key.String()),
		zap.String("reason", d.Reason))

	ok, err := o.idem.Reserve(ctx, key)
	if err != nil {
		log.Warn("reserve failed, position unchanged", zap.Error(err))
		return nil
	}
	if !ok {
		log.Info("sell already recorded for this candle")
		return nil
	}

	qty := math.Min(d.Quantity, pos.Quantity)
	exCtx, cancel := o.call(ctx)
	fill, err := o.exchange.Sell(exCtx, pos.Asset, qty)
	cancel()
	if err == nil && !fill.Success {
		err = broker.ErrRejected
	}
	if err != nil {
		_ = o.idem.Mark(ctx, key, "failed")
		o.recordFailure(ctx, t)
		log.Warn("sell failed, position left at last-known state",
			zap.Float64("stop", before.StopPrice), zap.Error(err))
		return fmt.Errorf("%w: sell %s: %w", ErrExecution, pos.Asset, err)
	}

	now := o.clock.Now()
	realized := risk.RealizedPnL(pos.EntryPrice, fill.FillPrice, fill.FillQuantity, fill.Fee)
	pct := risk.PctOfCapital(realized, o.opts.Capital)
	remaining := pos.Quantity - fill.FillQuantity
	full := remaining <= dust
	if !full && d.Action == risk.Close {
		// Short fill: the rest stays managed and the exit rule fires again.
		log.Warn("close partially filled",
			zap.Float64("filled", fill.FillQuantity), zap.Float64("remaining", remaining))
		pos.PartialLevel = before.PartialLevel
	}

	var (
		tripped string
		snap    risk.Snapshot
		open    int
	)
	err = o.ledger.Commit(ctx, func(st *ledger.State, b *ledger.Book) error {
		tripped = st.RecordTrade(now, decimal.NewFromFloat(pct), o.engine.Limits())
		if full {
			b.Delete(pos.Asset)
		} else {
			pos.Quantity = remaining
			b.Put(pos)
		}
		snap, open = st.Snapshot(now), b.Len()
		return nil
	})
	if err != nil {
		log.Error("sell filled but not persisted, reconcile by hand",
			zap.String("order_id", fill.OrderID),
			zap.Float64("quantity", fill.FillQuantity),
			zap.Float64("price", fill.FillPrice),
			zap.Error(err))
		_ = o.idem.Mark(ctx, key, "unpersisted:"+fill.OrderID)
		return fmt.Errorf("%w: close %s: %w", ErrPersistence, pos.Asset, err)
	}
	if err := o.idem.Mark(ctx, key, "filled:"+fill.OrderID); err != nil {
		log.Warn("mark sell key failed", zap.Error(err))
	}

	if o.journal != nil {
		err := o.journal.RecordTrade(ctx, journal.TradeRecord{
			TradeID:    fill.OrderID,
			Asset:      pos.Asset,
			Quantity:   fill.FillQuantity,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  fill.FillPrice,
			OpenTime:   pos.EntryTime,
			CloseTime:  now,
			RealizedPL: realized,
			PnLPct:     pct,
			Fee:        fill.Fee,
			Reason:     d.Reason,
		})
		if err != nil {
			log.Warn("journal trade failed", zap.Error(err))
		}
	}

	o.executed(ctx, t, Action{
		Asset:    pos.Asset,
		Side:     string(broker.Sell),
		Reason:   d.Reason,
		Quantity: fill.FillQuantity,
		Price:    fill.FillPrice,
		PnLPct:   pct,
		OrderID:  fill.OrderID,
		Key:      key.String(),
	}, snap, open)
	if tripped != "" {
		o.safeMode(t, tripped)
	}
	o.recordEquity(ctx, t)
	return nil
}
