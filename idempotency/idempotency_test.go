package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/store"
)

const retention = 48 * time.Hour

func stores(t *testing.T, clk clock.Clock) map[string]Store {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db, Schema))

	bs, err := OpenBadgerStore(BadgerOptions{InMemory: true, Retention: retention}, clk, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(clk, retention),
		"sqlite": NewSQLiteStore(db, clk, retention),
		"badger": bs,
	}
}

func testKey(action string) Key {
	return Key{
		Asset:     "btc",
		Timeframe: "H1",
		Candle:    time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC),
		Action:    action,
	}
}

func TestKeyStringIsDeterministic(t *testing.T) {
	t.Parallel()

	k := testKey("entry")
	assert.Equal(t, "BTC|H1|1717246800|entry", k.String())

	// Same candle expressed in another zone builds the same key.
	k2 := k
	k2.Candle = k.Candle.In(time.FixedZone("KST", 9*3600))
	assert.Equal(t, k.String(), k2.String())

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, "BTC", parsed.Asset)
	assert.True(t, parsed.Candle.Equal(k.Candle))

	_, err = ParseKey("a|b|c")
	assert.Error(t, err)
	assert.Error(t, Key{Asset: "BTC"}.Validate())
}

func TestCheckMarkRoundTrip(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 13, 5, 0, 0, time.UTC))
	ctx := context.Background()

	for name, s := range stores(t, clk) {
		s := s
		t.Run(name, func(t *testing.T) {
			k := testKey("entry")

			seen, err := s.Check(ctx, k)
			require.NoError(t, err)
			assert.False(t, seen)

			require.NoError(t, s.Mark(ctx, k, "bought"))

			seen, err = s.Check(ctx, k)
			require.NoError(t, err)
			assert.True(t, seen)

			rec, err := s.Get(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, "bought", rec.Outcome)
			assert.True(t, rec.ExpiresAt.Equal(clk.Now().Add(retention)))

			_, err = s.Get(ctx, testKey("other"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestReserveIsExclusive(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 13, 5, 0, 0, time.UTC))
	ctx := context.Background()

	for name, s := range stores(t, clk) {
		s := s
		t.Run(name, func(t *testing.T) {
			k := testKey("buy")

			ok, err := s.Reserve(ctx, k)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Reserve(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok)

			pending, err := s.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, k.String(), pending[0].Key)

			require.NoError(t, s.Mark(ctx, k, "filled"))
			pending, err = s.Pending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)

			// Marked keys cannot be reserved again either.
			ok, err = s.Reserve(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 13, 5, 0, 0, time.UTC))
	ctx := context.Background()

	for name, s := range stores(t, clk) {
		s := s
		t.Run(name, func(t *testing.T) {
			k := testKey("sell")
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.Reserve(ctx, k)
					if err == nil && ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestCleanupExpired(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 13, 5, 0, 0, time.UTC))
	ctx := context.Background()

	for name, s := range stores(t, clk) {
		s := s
		t.Run(name, func(t *testing.T) {
			start := clk.Now()
			old := testKey("old")
			require.NoError(t, s.Mark(ctx, old, "done"))

			clk.Advance(24 * time.Hour)
			fresh := testKey("fresh")
			require.NoError(t, s.Mark(ctx, fresh, "done"))

			// Only the first key expired by start+retention.
			n, err := s.CleanupExpired(ctx, start.Add(retention))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			seen, err := s.Check(ctx, fresh)
			require.NoError(t, err)
			assert.True(t, seen)

			clk.Advance(-24 * time.Hour)
		})
	}
}

func TestExpiredKeyNoLongerDuplicate(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 13, 5, 0, 0, time.UTC))
	ctx := context.Background()

	for name, s := range stores(t, clk) {
		s := s
		t.Run(name, func(t *testing.T) {
			start := clk.Now()
			k := testKey("expiring")
			require.NoError(t, s.Mark(ctx, k, "done"))

			clk.Set(start.Add(retention + time.Second))
			seen, err := s.Check(ctx, k)
			require.NoError(t, err)
			assert.False(t, seen)

			clk.Set(start)
		})
	}
}
