package paper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/market"
	"github.com/rustyeddy/tradeguard/store"
)

func newExchange(t *testing.T, cfg Config) (*Exchange, *market.Feed) {
	t.Helper()
	feed := market.NewFeed()
	feed.SetPrice("BTC", 100)
	clk := clock.NewManual(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	return New(cfg, feed, clk, nil), feed
}

func TestBuyThenSellRoundTrip(t *testing.T) {
	t.Parallel()

	ex, feed := newExchange(t, Config{Capital: 1000, FeePct: 0.1})
	ctx := context.Background()

	buy, err := ex.Buy(ctx, "BTC", 500)
	require.NoError(t, err)
	assert.True(t, buy.Success)
	assert.Equal(t, broker.Buy, buy.Side)
	assert.InDelta(t, 5.0, buy.FillQuantity, 1e-12)
	assert.InDelta(t, 0.5, buy.Fee, 1e-12)
	assert.NotEmpty(t, buy.OrderID)

	cash, _ := ex.Balance(ctx)
	assert.InDelta(t, 499.5, cash, 1e-9)
	assert.InDelta(t, 5.0, ex.Holding("btc"), 1e-12)

	feed.SetPrice("BTC", 110)
	eq, err := ex.Equity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1049.5, eq, 1e-9)

	sell, err := ex.Sell(ctx, "BTC", 5)
	require.NoError(t, err)
	assert.InDelta(t, 110, sell.FillPrice, 1e-12)
	assert.InDelta(t, 0.55, sell.Fee, 1e-12)
	assert.Zero(t, ex.Holding("BTC"))

	cash, _ = ex.Balance(ctx)
	assert.InDelta(t, 499.5+550-0.55, cash, 1e-9)
	assert.Len(t, ex.Fills(), 2)
	assert.NotEqual(t, buy.OrderID, sell.OrderID)
}

func TestSlippageIsAdverse(t *testing.T) {
	t.Parallel()

	ex, _ := newExchange(t, Config{Capital: 1000, SlippagePct: 1})
	ctx := context.Background()

	buy, err := ex.Buy(ctx, "BTC", 101)
	require.NoError(t, err)
	assert.InDelta(t, 101, buy.FillPrice, 1e-9)

	sell, err := ex.Sell(ctx, "BTC", buy.FillQuantity)
	require.NoError(t, err)
	assert.InDelta(t, 99, sell.FillPrice, 1e-9)
}

func TestRejections(t *testing.T) {
	t.Parallel()

	ex, _ := newExchange(t, Config{Capital: 100})
	ctx := context.Background()

	_, err := ex.Buy(ctx, "BTC", 0)
	assert.ErrorIs(t, err, broker.ErrRejected)

	_, err = ex.Buy(ctx, "BTC", 1000)
	assert.ErrorIs(t, err, broker.ErrInsufficientFunds)

	_, err = ex.Sell(ctx, "BTC", 1)
	assert.ErrorIs(t, err, broker.ErrInsufficientHoldings)

	_, err = ex.Buy(ctx, "DOGE", 10)
	assert.ErrorIs(t, err, market.ErrNoPrice)
}

func TestConcurrentBuysNeverOverspend(t *testing.T) {
	t.Parallel()

	ex, _ := newExchange(t, Config{Capital: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ex.Buy(ctx, "BTC", 100)
		}()
	}
	wg.Wait()

	cash, _ := ex.Balance(ctx)
	assert.InDelta(t, 0, cash, 1e-9)
	assert.Len(t, ex.Fills(), 10)
}

func TestOpenRestoresAccount(t *testing.T) {
	t.Parallel()

	db, err := store.Open(filepath.Join(t.TempDir(), "paper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx, db, Schema))

	feed := market.NewFeed()
	feed.SetPrice("BTC", 100)
	clk := clock.NewManual(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	cfg := Config{Capital: 1000, FeePct: 0.1}

	first, err := Open(ctx, cfg, feed, clk, nil, NewSQLiteStore(db))
	require.NoError(t, err)
	_, err = first.Buy(ctx, "btc", 500)
	require.NoError(t, err)

	// A new process sees the same account, not a fresh one.
	second, err := Open(ctx, cfg, feed, clk, nil, NewSQLiteStore(db))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, second.Holding("BTC"), 1e-12)
	cash, _ := second.Balance(ctx)
	assert.InDelta(t, 499.5, cash, 1e-9)

	_, err = second.Sell(ctx, "BTC", 5)
	require.NoError(t, err)

	third, err := Open(ctx, cfg, feed, clk, nil, NewSQLiteStore(db))
	require.NoError(t, err)
	assert.Zero(t, third.Holding("BTC"))
	cash, _ = third.Balance(ctx)
	assert.InDelta(t, 499.5+500-0.5, cash, 1e-9)
}

type failingStore struct {
	saved Account
	fail  error
}

func (f *failingStore) Load(context.Context) (Account, bool, error) { return f.saved, true, nil }

func (f *failingStore) Save(_ context.Context, a Account) error {
	if f.fail != nil {
		return f.fail
	}
	f.saved = a
	return nil
}

func TestFillIsRolledBackWhenSaveFails(t *testing.T) {
	t.Parallel()

	feed := market.NewFeed()
	feed.SetPrice("BTC", 100)
	st := &failingStore{saved: Account{Cash: 1000, Holdings: map[string]float64{"BTC": 2}}}
	ctx := context.Background()

	ex, err := Open(ctx, Config{Capital: 1000}, feed, nil, nil, st)
	require.NoError(t, err)

	st.fail = errors.New("disk full")
	_, err = ex.Buy(ctx, "BTC", 100)
	assert.ErrorIs(t, err, st.fail)
	_, err = ex.Sell(ctx, "BTC", 2)
	assert.ErrorIs(t, err, st.fail)

	cash, _ := ex.Balance(ctx)
	assert.InDelta(t, 1000, cash, 1e-9)
	assert.InDelta(t, 2, ex.Holding("BTC"), 1e-12)
	assert.Empty(t, ex.Fills())
}
