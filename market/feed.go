package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoPrice   = errors.New("market: price not found")
	ErrNoCandles = errors.New("market: not enough candles")
)

// Data is the market-data contract: latest price and closed candles.
type Data interface {
	Price(ctx context.Context, asset string) (float64, error)
	Candles(ctx context.Context, asset string, timeframe time.Duration, n int) ([]Candle, error)
}

// Feed is an in-memory Data source. Candles are stored at their native
// resolution and aggregated on read.
type Feed struct {
	mu      sync.RWMutex
	prices  map[string]float64
	candles map[string][]Candle
}

var _ Data = (*Feed)(nil)

func NewFeed() *Feed {
	return &Feed{
		prices:  make(map[string]float64),
		candles: make(map[string][]Candle),
	}
}

func key(asset string) string { return strings.ToUpper(asset) }

func (f *Feed) SetPrice(asset string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[key(asset)] = price
}

// Append adds closed candles for asset, keeping them in time order, and
// moves the price to the last close.
func (f *Feed) Append(asset string, cs ...Candle) {
	if len(cs) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(asset)
	// Readers may still hold the old slice; never sort it in place.
	all := make([]Candle, 0, len(f.candles[k])+len(cs))
	all = append(append(all, f.candles[k]...), cs...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Time.Before(all[j].Time) })
	f.candles[k] = all
	f.prices[k] = all[len(all)-1].Close
}

func (f *Feed) Assets() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.prices))
	for a := range f.prices {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (f *Feed) Price(ctx context.Context, asset string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[key(asset)]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	return p, nil
}

// Candles returns the last n candles of length timeframe. A timeframe of
// zero returns stored candles unchanged.
func (f *Feed) Candles(ctx context.Context, asset string, timeframe time.Duration, n int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	src := f.candles[key(asset)]
	f.mu.RUnlock()

	out := Resample(src, timeframe)
	if len(out) < n {
		return out, fmt.Errorf("%w: %s want %d have %d", ErrNoCandles, asset, n, len(out))
	}
	if n > 0 {
		out = out[len(out)-n:]
	}
	return out, nil
}

// Resample aggregates time-ordered candles into buckets of length tf
// aligned to the Unix epoch.
func Resample(cs []Candle, tf time.Duration) []Candle {
	if tf <= 0 || len(cs) == 0 {
		return append([]Candle(nil), cs...)
	}
	var out []Candle
	for _, c := range cs {
		start := c.Time.Truncate(tf)
		if n := len(out); n > 0 && out[n-1].Time.Equal(start) {
			b := &out[n-1]
			if c.High > b.High {
				b.High = c.High
			}
			if c.Low < b.Low {
				b.Low = c.Low
			}
			b.Close = c.Close
			b.Volume += c.Volume
			continue
		}
		c.Time = start
		out = append(out, c)
	}
	return out
}
