package risk

import (
	"fmt"
	"time"
)

// Limits is the immutable per-run risk configuration. Percentages are in
// percent units (-3 means -3%). Loss limits are negative; a zero limit
// disables the corresponding check.
type Limits struct {
	// Fixed-percentage exits
	StopLossPct   float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`     // -3
	TakeProfitPct float64 `json:"take_profit_pct" yaml:"take_profit_pct"` // 6

	// Circuit breakers
	DailyLossLimitPct      float64       `json:"daily_loss_limit_pct" yaml:"daily_loss_limit_pct"`   // -5
	WeeklyLossLimitPct     float64       `json:"weekly_loss_limit_pct" yaml:"weekly_loss_limit_pct"` // -10
	MinTradeInterval       time.Duration `json:"min_trade_interval" yaml:"min_trade_interval"`
	MaxDailyTrades         int           `json:"max_daily_trades" yaml:"max_daily_trades"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`

	// Exposure
	MaxPositions   int     `json:"max_positions" yaml:"max_positions"`
	MaxPositionPct float64 `json:"max_position_pct" yaml:"max_position_pct"` // 20
	MinPositionPct float64 `json:"min_position_pct" yaml:"min_position_pct"` // 5

	// ATR-based exits
	UseATRBasedStops          bool    `json:"use_atr_based_stops" yaml:"use_atr_based_stops"`
	StopLossATRMultiplier     float64 `json:"stop_loss_atr_multiplier" yaml:"stop_loss_atr_multiplier"`
	TakeProfitATRMultiplier   float64 `json:"take_profit_atr_multiplier" yaml:"take_profit_atr_multiplier"`
	UseTrailingStop           bool    `json:"use_trailing_stop" yaml:"use_trailing_stop"`
	TrailingStopATRMultiplier float64 `json:"trailing_stop_atr_multiplier" yaml:"trailing_stop_atr_multiplier"`
	TrailingTriggerPct        float64 `json:"trailing_trigger_pct" yaml:"trailing_trigger_pct"`

	// Partial profit: level 1 sells PartialSellRatio of the remaining
	// quantity once, level 2 sells the rest.
	UsePartialProfit    bool       `json:"use_partial_profit" yaml:"use_partial_profit"`
	PartialProfitLevels [2]float64 `json:"partial_profit_levels" yaml:"partial_profit_levels"`
	PartialSellRatio    float64    `json:"partial_sell_ratio" yaml:"partial_sell_ratio"`

	MaxHoldDuration time.Duration `json:"max_hold_duration" yaml:"max_hold_duration"`

	// Fakeout reversal: a position that reached FakeoutPeakPct and fell
	// back to FakeoutFloorPct is closed. Zero peak disables.
	FakeoutPeakPct  float64 `json:"fakeout_peak_pct" yaml:"fakeout_peak_pct"`
	FakeoutFloorPct float64 `json:"fakeout_floor_pct" yaml:"fakeout_floor_pct"`

	// AmbiguousBandPct marks prices within this percent above the stop as
	// ambiguous, deferring the exit decision to an advisor.
	AmbiguousBandPct float64 `json:"ambiguous_band_pct" yaml:"ambiguous_band_pct"`
}

func DefaultLimits() Limits {
	return Limits{
		StopLossPct:               -3,
		TakeProfitPct:             6,
		DailyLossLimitPct:         -5,
		WeeklyLossLimitPct:        -10,
		MinTradeInterval:          30 * time.Minute,
		MaxDailyTrades:            5,
		MaxConsecutiveFailures:    3,
		MaxPositions:              1,
		MaxPositionPct:            20,
		MinPositionPct:            5,
		UseATRBasedStops:          true,
		StopLossATRMultiplier:     1.5,
		TakeProfitATRMultiplier:   2.5,
		UseTrailingStop:           true,
		TrailingStopATRMultiplier: 2.0,
		TrailingTriggerPct:        2,
		UsePartialProfit:          false,
		PartialProfitLevels:       [2]float64{4, 8},
		PartialSellRatio:          0.5,
		MaxHoldDuration:           72 * time.Hour,
		FakeoutPeakPct:            3,
		FakeoutFloorPct:           -1,
		AmbiguousBandPct:          0.5,
	}
}

func (l Limits) Validate() error {
	if l.StopLossPct >= 0 {
		return fmt.Errorf("limits.stop_loss_pct must be negative")
	}
	if l.TakeProfitPct <= 0 {
		return fmt.Errorf("limits.take_profit_pct must be positive")
	}
	if l.DailyLossLimitPct > 0 || l.WeeklyLossLimitPct > 0 {
		return fmt.Errorf("limits loss limits must be negative (or zero to disable)")
	}
	if l.MinPositionPct <= 0 || l.MaxPositionPct > 100 || l.MinPositionPct > l.MaxPositionPct {
		return fmt.Errorf("limits position pct must satisfy 0 < min <= max <= 100")
	}
	if l.MaxPositions <= 0 {
		return fmt.Errorf("limits.max_positions must be positive")
	}
	if l.UseATRBasedStops && (l.StopLossATRMultiplier <= 0 || l.TakeProfitATRMultiplier <= 0) {
		return fmt.Errorf("limits ATR multipliers must be positive when use_atr_based_stops is set")
	}
	if l.UseTrailingStop && l.TrailingStopATRMultiplier <= 0 {
		return fmt.Errorf("limits.trailing_stop_atr_multiplier must be positive when use_trailing_stop is set")
	}
	if l.UsePartialProfit {
		if l.PartialSellRatio <= 0 || l.PartialSellRatio >= 1 {
			return fmt.Errorf("limits.partial_sell_ratio must be in (0, 1)")
		}
		if l.PartialProfitLevels[0] <= 0 || l.PartialProfitLevels[1] <= l.PartialProfitLevels[0] {
			return fmt.Errorf("limits.partial_profit_levels must be increasing and positive")
		}
	}
	if l.MinTradeInterval < 0 || l.MaxHoldDuration < 0 {
		return fmt.Errorf("limits durations must not be negative")
	}
	return nil
}
