// Package indicators computes technical indicators over closed candles.
package indicators

import (
	"fmt"

	"github.com/rustyeddy/tradeguard/market"
)

// ATR is the Average True Range over period, seeded with the simple mean
// of the first period true ranges and smoothed with Wilder's method.
// It needs period+1 candles.
func ATR(candles []market.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("not enough candles: need %d, got %d", period+1, len(candles))
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, candles[i].TrueRange(candles[i-1]))
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)

	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr, nil
}
