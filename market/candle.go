// Package market carries candles and prices for the assets the core
// trades, and defines the market-data contract it consumes.
package market

import "time"

// Candle is one closed OHLCV bar. Time is the candle open.
type Candle struct {
	Asset string
	Time  time.Time

	Open  float64
	High  float64
	Low   float64
	Close float64

	Volume float64
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func (c Candle) TrueRange(prev Candle) float64 {
	tr := c.High - c.Low
	if d := abs(c.High - prev.Close); d > tr {
		tr = d
	}
	if d := abs(c.Low - prev.Close); d > tr {
		tr = d
	}
	return tr
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
