package indicators

import (
	"fmt"

	"github.com/rustyeddy/tradeguard/market"
)

// MA is the simple moving average of the last period closes.
func MA(candles []market.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period {
		return 0, fmt.Errorf("not enough candles: need %d, got %d", period, len(candles))
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period), nil
}

// EMA is the exponential moving average of all closes, seeded with the
// SMA of the first period.
func EMA(candles []market.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period {
		return 0, fmt.Errorf("not enough candles: need %d, got %d", period, len(candles))
	}

	k := 2.0 / float64(period+1)
	sma := 0.0
	for i := 0; i < period; i++ {
		sma += candles[i].Close
	}
	ema := sma / float64(period)

	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close-ema)*k + ema
	}
	return ema, nil
}

// Momentum is the percent change of the last close over the close period
// candles earlier.
func Momentum(candles []market.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("not enough candles: need %d, got %d", period+1, len(candles))
	}
	base := candles[len(candles)-1-period].Close
	if base <= 0 {
		return 0, fmt.Errorf("non-positive base close %.8f", base)
	}
	return (candles[len(candles)-1].Close - base) / base * 100, nil
}
