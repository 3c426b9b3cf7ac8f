package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Block reasons, reported in check order.
const (
	ReasonDailyLoss      = "daily_loss_limit"
	ReasonWeeklyLoss     = "weekly_loss_limit"
	ReasonSafeMode       = "safe_mode"
	ReasonTradeInterval  = "trade_interval"
	ReasonTradeFrequency = "trade_frequency"
	ReasonMaxPositions   = "max_positions"
	ReasonEngineError    = "engine_error"
)

// Snapshot is the ledger view the circuit breaker needs.
type Snapshot struct {
	DailyPnL        decimal.Decimal
	WeeklyPnL       decimal.Decimal
	DailyTradeCount int
	LastTradeTime   time.Time
	SafeMode        bool
	SafeModeReason  string
}

type Violation struct {
	Code string
	Msg  string
}

// Verdict is PROCEED when Allowed, otherwise BLOCKED with Reason set to
// the first violation found.
type Verdict struct {
	Allowed    bool
	Reason     string
	Violations []Violation
}

func (v *Verdict) add(code, msg string) {
	if v.Allowed {
		v.Reason = code
	}
	v.Violations = append(v.Violations, Violation{Code: code, Msg: msg})
	v.Allowed = false
}

func (v Verdict) String() string {
	if v.Allowed {
		return "PROCEED"
	}
	return "BLOCKED(" + v.Reason + ")"
}

func Blocked(code, msg string) Verdict {
	v := Verdict{Allowed: true}
	v.add(code, msg)
	return v
}

// Precheck evaluates every circuit breaker. Loss boundaries are inclusive:
// a P&L exactly at the limit blocks.
func Precheck(s Snapshot, l Limits, now time.Time) Verdict {
	v := Verdict{Allowed: true}

	if l.DailyLossLimitPct != 0 {
		limit := decimal.NewFromFloat(l.DailyLossLimitPct)
		if s.DailyPnL.LessThanOrEqual(limit) {
			v.add(ReasonDailyLoss, fmt.Sprintf("daily pnl %s%% <= limit %s%%", s.DailyPnL.StringFixed(4), limit))
		}
	}
	if l.WeeklyLossLimitPct != 0 {
		limit := decimal.NewFromFloat(l.WeeklyLossLimitPct)
		if s.WeeklyPnL.LessThanOrEqual(limit) {
			v.add(ReasonWeeklyLoss, fmt.Sprintf("weekly pnl %s%% <= limit %s%%", s.WeeklyPnL.StringFixed(4), limit))
		}
	}
	if s.SafeMode {
		v.add(ReasonSafeMode, fmt.Sprintf("safe mode: %s", s.SafeModeReason))
	}
	if l.MinTradeInterval > 0 && !s.LastTradeTime.IsZero() {
		if since := now.Sub(s.LastTradeTime); since < l.MinTradeInterval {
			v.add(ReasonTradeInterval, fmt.Sprintf("last trade %s ago < %s", since.Round(time.Second), l.MinTradeInterval))
		}
	}
	if l.MaxDailyTrades > 0 && s.DailyTradeCount >= l.MaxDailyTrades {
		v.add(ReasonTradeFrequency, fmt.Sprintf("trades today %d >= max %d", s.DailyTradeCount, l.MaxDailyTrades))
	}

	return v
}

// LossBreach reports the first loss limit s has reached. Only the daily
// and weekly limits are considered.
func LossBreach(s Snapshot, l Limits) (string, bool) {
	v := Precheck(Snapshot{DailyPnL: s.DailyPnL, WeeklyPnL: s.WeeklyPnL}, Limits{
		DailyLossLimitPct:  l.DailyLossLimitPct,
		WeeklyLossLimitPct: l.WeeklyLossLimitPct,
	}, time.Time{})
	if v.Allowed {
		return "", false
	}
	return v.Reason, true
}
