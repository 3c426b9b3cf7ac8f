package market

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func minuteCandles(n int, start float64) []Candle {
	out := make([]Candle, n)
	for i := range out {
		p := start + float64(i)
		out[i] = Candle{Time: t0.Add(time.Duration(i) * time.Minute), Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 1}
	}
	return out
}

func TestParseTimeframe(t *testing.T) {
	t.Parallel()

	tests := map[string]time.Duration{
		"M1":  time.Minute,
		"m15": 15 * time.Minute,
		"H1":  time.Hour,
		"H4":  4 * time.Hour,
		"D1":  24 * time.Hour,
		"5m":  5 * time.Minute,
	}
	for in, want := range tests {
		got, err := ParseTimeframe(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTimeframe("fortnight")
	assert.Error(t, err)
}

func TestTimeframeName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"M1", "M15", "H1", "H4", "D1", "W1"} {
		d, err := ParseTimeframe(name)
		require.NoError(t, err)
		got, err := TimeframeName(d)
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}
	_, err := TimeframeName(90 * time.Second)
	assert.Error(t, err)
}

func TestTrueRange(t *testing.T) {
	t.Parallel()

	prev := Candle{Close: 104}
	assert.Equal(t, 10.0, Candle{High: 110, Low: 100}.TrueRange(prev))
	assert.Equal(t, 12.0, Candle{High: 116, Low: 112}.TrueRange(prev))
	assert.Equal(t, 9.0, Candle{High: 100, Low: 95}.TrueRange(prev))
}

func TestFeedPriceAndCandles(t *testing.T) {
	t.Parallel()

	f := NewFeed()
	ctx := context.Background()

	_, err := f.Price(ctx, "BTC")
	assert.ErrorIs(t, err, ErrNoPrice)

	f.Append("btc", minuteCandles(120, 100)...)
	p, err := f.Price(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 219.5, p)

	hourly, err := f.Candles(ctx, "BTC", time.Hour, 2)
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	assert.Equal(t, t0, hourly[0].Time)
	assert.Equal(t, 100.0, hourly[0].Open)
	assert.Equal(t, 160.0, hourly[0].High)
	assert.Equal(t, 99.0, hourly[0].Low)
	assert.Equal(t, 159.5, hourly[0].Close)
	assert.Equal(t, 60.0, hourly[0].Volume)

	_, err = f.Candles(ctx, "BTC", time.Hour, 3)
	assert.ErrorIs(t, err, ErrNoCandles)

	f.SetPrice("ETH", 3000)
	assert.Equal(t, []string{"BTC", "ETH"}, f.Assets())
}

func TestFeedAppendWhileReading(t *testing.T) {
	t.Parallel()

	f := NewFeed()
	ctx := context.Background()
	f.Append("BTC", minuteCandles(60, 100)[30:]...)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cs, _ := f.Candles(ctx, "BTC", 0, 0)
				for k := 1; k < len(cs); k++ {
					assert.False(t, cs[k].Time.Before(cs[k-1].Time))
				}
			}
		}()
	}
	// Older candles arrive late and are sorted in front.
	early := minuteCandles(30, 100)
	for i := len(early) - 1; i >= 0; i-- {
		f.Append("BTC", early[i])
	}
	wg.Wait()

	cs, err := f.Candles(ctx, "BTC", 0, 60)
	require.NoError(t, err)
	assert.Equal(t, t0, cs[0].Time)
	assert.Equal(t, t0.Add(59*time.Minute), cs[59].Time)
}

func TestFeedHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFeed()
	f.SetPrice("BTC", 1)
	_, err := f.Price(ctx, "BTC")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadCSV(t *testing.T) {
	t.Parallel()

	in := strings.Join([]string{
		"time,open,high,low,close,volume",
		"1717200000,100,101,99,100.5,10",
		"2024-06-01T00:01:00Z;100.5;102;100;101.5;12",
		"garbage",
		"1717200120,1,0,2,1",
	}, "\n")

	cs, bad, err := ReadCSV(strings.NewReader(in), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 2, bad)
	require.Len(t, cs, 2)
	assert.Equal(t, "BTC", cs[0].Asset)
	assert.Equal(t, t0, cs[0].Time)
	assert.Equal(t, 101.5, cs[1].Close)
	assert.Equal(t, 12.0, cs[1].Volume)
}

func TestLoadCSV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "btc.csv")
	require.NoError(t, os.WriteFile(path, []byte("1717200000,100,101,99,100.5\n"), 0o644))

	f := NewFeed()
	n, err := f.LoadCSV(path, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := f.Price(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 100.5, p)
}
