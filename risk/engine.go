package risk

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/pkg/logger"
)

// Engine binds a Limits set to the risk rules. Every entry point recovers
// internal faults to the no-trade outcome: HOLD for positions, BLOCKED
// for prechecks, MinPositionPct for sizing.
type Engine struct {
	limits Limits
	log    *zap.Logger
}

var _ RuleEvaluator = (*Engine)(nil)

func NewEngine(l Limits, log *zap.Logger) *Engine {
	return &Engine{limits: l, log: logger.OrNop(log).Named("risk")}
}

func (e *Engine) Limits() Limits { return e.limits }

func (e *Engine) Precheck(s Snapshot, now time.Time) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("precheck panicked", zap.Any("panic", r))
			v = Blocked(ReasonEngineError, fmt.Sprint(r))
		}
	}()
	return Precheck(s, e.limits, now)
}

// Evaluate runs EvaluatePosition on pos. On an internal fault pos is left
// as it was before the call and the decision is HOLD.
func (e *Engine) Evaluate(pos *Position, price, atr float64, now time.Time) (d Decision) {
	if pos == nil {
		return Decision{Action: Hold, State: StateHeld, Reason: "invalid_input"}
	}
	before := *pos
	defer func() {
		if r := recover(); r != nil {
			*pos = before
			e.log.Error("evaluate panicked", zap.String("asset", pos.Asset), zap.Any("panic", r))
			d = Decision{Action: Hold, State: StateHeld, Reason: ReasonEngineError}
		}
	}()

	d = EvaluatePosition(pos, price, atr, e.limits, now)
	if !finite(pos.StopPrice, pos.TargetPrice, pos.Quantity, d.Quantity) {
		*pos = before
		e.log.Error("evaluate produced non-finite levels", zap.String("asset", pos.Asset))
		return Decision{Action: Hold, State: StateHeld, Reason: ReasonEngineError}
	}
	return d
}

func (e *Engine) Size(capital, winRate, avgWinLossRatio float64) (s Sizing) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("sizing panicked", zap.Any("panic", r))
			s = Sizing{Fraction: e.limits.MinPositionPct / 100, Fallback: true}
		}
	}()
	return SizePosition(capital, winRate, avgWinLossRatio, e.limits)
}

// StopsFor places the initial stop and target for an entry at price.
func (e *Engine) StopsFor(price, atr float64) (stop, target float64) {
	return InitialLevels(price, atr, e.limits)
}

// Open builds the position for a confirmed fill.
func (e *Engine) Open(asset, orderID string, fillPrice, qty, atr float64, now time.Time) Position {
	return NewPosition(asset, orderID, fillPrice, qty, atr, e.limits, now)
}

// BreachesAfterTrade reports the loss limit, if any, that the ledger has
// crossed; callers use it to trip safe mode right after recording a trade.
func (e *Engine) BreachesAfterTrade(s Snapshot) (string, bool) {
	return LossBreach(s, e.limits)
}
