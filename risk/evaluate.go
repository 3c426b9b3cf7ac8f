package risk

import (
	"fmt"
	"time"
)

type Action int

const (
	Hold Action = iota
	Close
	PartialClose
	// Ambiguous means no rule fired decisively; an advisor may decide.
	Ambiguous
)

func (a Action) String() string {
	switch a {
	case Hold:
		return "HOLD"
	case Close:
		return "CLOSE"
	case PartialClose:
		return "PARTIAL"
	case Ambiguous:
		return "AMBIGUOUS"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// State is the position state machine node reached by one evaluation.
type State string

const (
	StateOpenWatching     State = "OPEN_WATCHING"
	StateStopLossHit      State = "STOP_LOSS_HIT"
	StateTakeProfitHit    State = "TAKE_PROFIT_HIT"
	StateTrailingAdjusted State = "TRAILING_ADJUSTED"
	StateTimeoutClose     State = "TIMEOUT_CLOSE"
	StateFakeoutReversal  State = "FAKEOUT_REVERSAL"
	StateHeld             State = "HELD"
	StateCloseRequested   State = "CLOSE_REQUESTED"
)

// Close reasons.
const (
	ExitStopLoss        = "stop_loss"
	ExitTakeProfit      = "take_profit"
	ExitTrailingStop    = "trailing_stop"
	ExitTimeout         = "timeout"
	ExitFakeoutReversal = "fakeout_reversal"
	ExitPartialProfit   = "partial_profit"
	ExitAdvisor         = "advisor_exit"
)

type Decision struct {
	Action   Action
	Reason   string
	State    State
	Quantity float64
	PnLPct   float64
	Stop     float64
	Target   float64
}

// Next is the state the position moves to after this decision.
func (d Decision) Next() State {
	if d.Action == Close || d.Action == PartialClose {
		return StateCloseRequested
	}
	return StateOpenWatching
}

// Protective reports a full close that limits a loss or locks in a
// trailing gain. These exits still run while new trading is blocked.
func (d Decision) Protective() bool {
	if d.Action != Close {
		return false
	}
	switch d.Reason {
	case ExitStopLoss, ExitTrailingStop, ExitTimeout, ExitFakeoutReversal:
		return true
	}
	return false
}

func (d Decision) String() string {
	if d.Reason == "" {
		return d.Action.String()
	}
	return fmt.Sprintf("%s(%s)", d.Action, d.Reason)
}

// RuleEvaluator yields a terminal decision or Ambiguous for one position.
type RuleEvaluator interface {
	Evaluate(pos *Position, price, atr float64, now time.Time) Decision
}

// EvaluatePosition runs the exit rules for a long position and updates
// its running fields (high-water mark, trailing stop, partial level). The
// trailing stop only ratchets upward.
func EvaluatePosition(pos *Position, price, atr float64, l Limits, now time.Time) Decision {
	if pos == nil || pos.EntryPrice <= 0 || pos.Quantity <= 0 || !finite(price, atr) || price <= 0 || atr < 0 {
		return Decision{Action: Hold, State: StateHeld, Reason: "invalid_input"}
	}

	pnl := PnLPct(pos.EntryPrice, price)
	pos.UnrealizedPct = pnl
	pos.LastEvaluated = now
	if price > pos.HighWater {
		pos.HighWater = price
	}
	if pos.StopPrice <= 0 || pos.TargetPrice <= 0 {
		pos.StopPrice, pos.TargetPrice = InitialLevels(pos.EntryPrice, atr, l)
	}

	d := applyRules(pos, price, atr, pnl, l, now)
	d.PnLPct = pnl
	d.Stop, d.Target = pos.StopPrice, pos.TargetPrice
	return d
}

func applyRules(pos *Position, price, atr, pnl float64, l Limits, now time.Time) Decision {
	d := Decision{Action: Hold, State: StateHeld}

	if l.UseTrailingStop && atr > 0 && pnl >= l.TrailingTriggerPct {
		if cand := price - atr*l.TrailingStopATRMultiplier; cand > pos.StopPrice {
			pos.StopPrice = cand
			pos.TrailingActive = true
			d.State = StateTrailingAdjusted
		}
	}

	closeAll := func(reason string, st State) Decision {
		return Decision{Action: Close, Reason: reason, State: st, Quantity: pos.Quantity}
	}

	if price <= pos.StopPrice {
		if pos.TrailingActive {
			return closeAll(ExitTrailingStop, StateStopLossHit)
		}
		return closeAll(ExitStopLoss, StateStopLossHit)
	}

	if l.UsePartialProfit {
		if pos.PartialLevel < 2 && pnl >= l.PartialProfitLevels[1] {
			pos.PartialLevel = 2
			return closeAll(ExitTakeProfit, StateTakeProfitHit)
		}
		if pos.PartialLevel < 1 && pnl >= l.PartialProfitLevels[0] {
			pos.PartialLevel = 1
			return Decision{
				Action:   PartialClose,
				Reason:   ExitPartialProfit,
				State:    StateTakeProfitHit,
				Quantity: pos.Quantity * l.PartialSellRatio,
			}
		}
	} else if price >= pos.TargetPrice {
		return closeAll(ExitTakeProfit, StateTakeProfitHit)
	}

	if l.MaxHoldDuration > 0 && !pos.EntryTime.IsZero() && now.Sub(pos.EntryTime) >= l.MaxHoldDuration {
		return closeAll(ExitTimeout, StateTimeoutClose)
	}

	if l.FakeoutPeakPct > 0 && PnLPct(pos.EntryPrice, pos.HighWater) >= l.FakeoutPeakPct && pnl <= l.FakeoutFloorPct {
		return closeAll(ExitFakeoutReversal, StateFakeoutReversal)
	}

	if l.AmbiguousBandPct > 0 && pos.StopPrice > 0 && (price-pos.StopPrice)/pos.StopPrice*100 <= l.AmbiguousBandPct {
		d.Action = Ambiguous
		d.Quantity = pos.Quantity
	}
	return d
}
