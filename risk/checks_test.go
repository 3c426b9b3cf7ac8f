package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var now = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

func okSnapshot() Snapshot {
	return Snapshot{
		DailyPnL:  decimal.NewFromFloat(-1),
		WeeklyPnL: decimal.NewFromFloat(-2),
	}
}

func TestPrecheckProceeds(t *testing.T) {
	t.Parallel()

	v := Precheck(okSnapshot(), DefaultLimits(), now)
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Reason)
	assert.Equal(t, "PROCEED", v.String())
}

func TestPrecheckDailyLossBoundary(t *testing.T) {
	t.Parallel()

	l := DefaultLimits() // daily limit -5
	eps := decimal.RequireFromString("0.0001")

	s := okSnapshot()
	s.DailyPnL = decimal.NewFromFloat(l.DailyLossLimitPct).Add(eps)
	assert.True(t, Precheck(s, l, now).Allowed, "just above the limit proceeds")

	s.DailyPnL = decimal.NewFromFloat(l.DailyLossLimitPct)
	v := Precheck(s, l, now)
	assert.False(t, v.Allowed, "exactly at the limit blocks")
	assert.Equal(t, ReasonDailyLoss, v.Reason)

	s.DailyPnL = decimal.NewFromFloat(l.DailyLossLimitPct).Sub(eps)
	assert.False(t, Precheck(s, l, now).Allowed)
}

func TestPrecheckWeeklyLoss(t *testing.T) {
	t.Parallel()

	s := okSnapshot()
	s.WeeklyPnL = decimal.NewFromInt(-10)
	v := Precheck(s, DefaultLimits(), now)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonWeeklyLoss, v.Reason)
}

func TestPrecheckTradeFrequency(t *testing.T) {
	t.Parallel()

	l := DefaultLimits()
	l.MaxDailyTrades = 5

	s := okSnapshot()
	s.DailyTradeCount = 5
	v := Precheck(s, l, now)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonTradeFrequency, v.Reason)
	assert.Equal(t, "BLOCKED(trade_frequency)", v.String())

	s.DailyTradeCount = 4
	assert.True(t, Precheck(s, l, now).Allowed)
}

func TestPrecheckTradeInterval(t *testing.T) {
	t.Parallel()

	l := DefaultLimits() // 30m
	s := okSnapshot()

	s.LastTradeTime = now.Add(-29 * time.Minute)
	v := Precheck(s, l, now)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonTradeInterval, v.Reason)

	s.LastTradeTime = now.Add(-30 * time.Minute)
	assert.True(t, Precheck(s, l, now).Allowed)
}

func TestPrecheckSafeMode(t *testing.T) {
	t.Parallel()

	s := okSnapshot()
	s.SafeMode = true
	s.SafeModeReason = "manual"
	v := Precheck(s, DefaultLimits(), now)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonSafeMode, v.Reason)
	assert.Contains(t, v.Violations[0].Msg, "manual")
}

func TestPrecheckReportsFirstReasonInOrder(t *testing.T) {
	t.Parallel()

	l := DefaultLimits()
	s := Snapshot{
		DailyPnL:        decimal.NewFromInt(-20),
		WeeklyPnL:       decimal.NewFromInt(-20),
		SafeMode:        true,
		DailyTradeCount: 99,
		LastTradeTime:   now.Add(-time.Minute),
	}
	v := Precheck(s, l, now)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonDailyLoss, v.Reason)
	assert.Len(t, v.Violations, 5)

	codes := make([]string, 0, len(v.Violations))
	for _, vi := range v.Violations {
		codes = append(codes, vi.Code)
	}
	assert.Equal(t, []string{ReasonDailyLoss, ReasonWeeklyLoss, ReasonSafeMode, ReasonTradeInterval, ReasonTradeFrequency}, codes)
}

func TestPrecheckZeroLimitsDisabled(t *testing.T) {
	t.Parallel()

	s := Snapshot{DailyPnL: decimal.NewFromInt(-50), WeeklyPnL: decimal.NewFromInt(-50), DailyTradeCount: 100}
	assert.True(t, Precheck(s, Limits{}, now).Allowed)
}
