package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rustyeddy/tradeguard/advisor"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/broker/paper"
	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/events"
	"github.com/rustyeddy/tradeguard/idempotency"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/lock"
	"github.com/rustyeddy/tradeguard/market"
	"github.com/rustyeddy/tradeguard/mode"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/rustyeddy/tradeguard/scanner"
	"github.com/rustyeddy/tradeguard/store"
)

var t0 = time.Date(2024, 6, 10, 12, 5, 0, 0, time.UTC)

var (
	entryJob  = Job{Name: "entry", LockName: "risk-core", Timeframe: "H1", Modes: []mode.Mode{mode.Entry}}
	manageJob = Job{Name: "management", LockName: "risk-core", Timeframe: "H1", Modes: []mode.Mode{mode.Management}}
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Send(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds(k events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// flaky fails sells while sellErr is set, and fills only fillRatio of
// each sell when that is set.
type flaky struct {
	*paper.Exchange
	mu        sync.Mutex
	sellErr   error
	fillRatio float64
	sells     int
}

func (f *flaky) Sell(ctx context.Context, asset string, qty float64) (broker.Fill, error) {
	f.mu.Lock()
	f.sells++
	err, ratio := f.sellErr, f.fillRatio
	f.mu.Unlock()
	if err != nil {
		return broker.Fill{}, err
	}
	if ratio > 0 {
		qty *= ratio
	}
	return f.Exchange.Sell(ctx, asset, qty)
}

type harness struct {
	db      *sql.DB
	logs    *observer.ObservedLogs
	clk     *clock.Manual
	feed    *market.Feed
	ex      *flaky
	locks   *lock.Manager
	idem    idempotency.Store
	ledger  *ledger.Store
	journal *journal.SQLite
	notes   *recorder
	orc     *Orchestrator
}

func newHarness(t *testing.T, l risk.Limits, adv advisor.Advisor, tune ...func(*Options)) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "tradeguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db,
		ledger.Schema, idempotency.Schema, journal.Schema))

	core, logs := observer.New(zap.InfoLevel)
	h := &harness{
		db:    db,
		logs:  logs,
		clk:   clock.NewManual(t0),
		feed:  market.NewFeed(),
		notes: &recorder{},
	}
	for i := 20; i > 0; i-- {
		h.feed.Append("BTC", market.Candle{
			Asset: "BTC", Time: t0.Truncate(time.Hour).Add(-time.Duration(i) * time.Hour),
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 1,
		})
	}
	h.ex = &flaky{Exchange: paper.New(paper.Config{Capital: 10000}, h.feed, h.clk, nil)}
	h.locks = lock.NewManager(lock.NewMemoryBackend(), h.clk, nil)
	h.idem = idempotency.NewSQLiteStore(db, h.clk, 48*time.Hour)
	h.ledger = ledger.NewStore(db, h.clk, nil)
	h.journal = journal.NewSQLite(db)

	opts := DefaultOptions()
	for _, fn := range tune {
		fn(&opts)
	}
	h.orc, err = New(Deps{
		Locks:    h.locks,
		Idem:     h.idem,
		Ledger:   h.ledger,
		Engine:   risk.NewEngine(l, nil),
		Scanner:  btcScanner(),
		Advisor:  adv,
		Exchange: h.ex,
		Market:   h.feed,
		Journal:  h.journal,
		Notifier: h.notes,
		Clock:    h.clk,
		Log:      zap.New(core),
	}, opts)
	require.NoError(t, err)
	return h
}

func btcScanner() scanner.Scanner {
	return scanner.Func(func(_ context.Context, exclude []string) ([]scanner.Candidate, error) {
		for _, a := range exclude {
			if a == "BTC" {
				return nil, nil
			}
		}
		return []scanner.Candidate{{Asset: "BTC", Score: 2, RecommendedEntry: 100}}, nil
	})
}

// open runs an entry tick and moves the clock into the next candle.
func (h *harness) open(t *testing.T) risk.Position {
	t.Helper()
	res, err := h.orc.Tick(context.Background(), entryJob)
	require.NoError(t, err)
	require.Equal(t, Done, res.Outcome, res.String())
	require.Len(t, res.Actions, 1)

	book, err := h.ledger.Positions(context.Background())
	require.NoError(t, err)
	pos, ok := book.Get("BTC")
	require.True(t, ok)
	h.clk.Advance(time.Hour)
	return pos
}

func (h *harness) snapshot(t *testing.T) risk.Snapshot {
	t.Helper()
	st, err := h.ledger.Load(context.Background())
	require.NoError(t, err)
	return st.Snapshot(h.clk.Now())
}

func TestEntryOpensPositionWithStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)

	pos := h.open(t)
	assert.Equal(t, "BTC", pos.Asset)
	assert.InDelta(t, 100, pos.EntryPrice, 1e-9)
	// Fallback stats 0.5 / 1.5 give a Kelly fraction of 1/6.
	assert.InDelta(t, 10000.0/6/100, pos.Quantity, 1e-6)
	// ATR 2: stop 1.5x below, target 2.5x above.
	assert.InDelta(t, 97, pos.StopPrice, 1e-9)
	assert.InDelta(t, 105, pos.TargetPrice, 1e-9)

	snap := h.snapshot(t)
	assert.Equal(t, 1, snap.DailyTradeCount)
	assert.True(t, snap.LastTradeTime.Equal(t0))

	trades := h.notes.kinds(events.KindTrade)
	require.Len(t, trades, 1)
	assert.Equal(t, "buy", trades[0].Side)
}

func TestDuplicateTickExecutesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()

	first, err := h.orc.Tick(ctx, entryJob)
	require.NoError(t, err)
	require.Equal(t, Done, first.Outcome)

	// Same candle: the tick key is already marked.
	h.clk.Advance(10 * time.Minute)
	second, err := h.orc.Tick(ctx, entryJob)
	require.NoError(t, err)
	assert.Equal(t, Skipped, second.Outcome)
	assert.Equal(t, SkipDuplicate, second.Reason)
	assert.ErrorIs(t, second.Err, ErrDuplicateTick)

	assert.Len(t, h.ex.Fills(), 1)
	assert.Empty(t, h.notes.kinds(events.KindAborted))
}

func TestReservedBuyKeyIsNotExecutedAgain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()

	// A crashed run left the buy reserved but never marked.
	key := idempotency.Key{Asset: "BTC", Timeframe: "H1", Candle: t0.Truncate(time.Hour), Action: "buy"}
	ok, err := h.idem.Reserve(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.orc.Tick(ctx, entryJob)
	require.NoError(t, err)
	assert.Equal(t, Done, res.Outcome)
	assert.Empty(t, res.Actions)
	assert.Empty(t, h.ex.Fills())

	pending, err := h.idem.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, key.String(), pending[0].Key)
}

func TestConcurrentTicksExecuteOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.orc.Tick(context.Background(), entryJob)
		}(i)
	}
	wg.Wait()

	done := 0
	for _, r := range results {
		switch r.Outcome {
		case Done:
			done++
		case Skipped:
			assert.Contains(t, []string{SkipLocked, SkipDuplicate}, r.Reason)
		default:
			t.Fatalf("unexpected result %s", r)
		}
	}
	assert.Equal(t, 1, done)
	assert.Len(t, h.ex.Fills(), 1)
}

func TestLockedJobIsSkippedQuietly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()

	_, err := h.locks.Acquire(ctx, "risk-core", time.Minute)
	require.NoError(t, err)

	res, err := h.orc.Tick(ctx, entryJob)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, SkipLocked, res.Reason)
	assert.ErrorIs(t, res.Err, ErrLockUnavailable)
	assert.ErrorIs(t, res.Err, lock.ErrLocked)
	assert.Empty(t, h.notes.events)
	assert.Empty(t, h.ex.Fills())
}

type downBackend struct{}

var errDown = errors.New("connection refused")

func (downBackend) TryAcquire(context.Context, string, string, time.Duration, time.Time) (bool, error) {
	return false, errDown
}
func (downBackend) Release(context.Context, string, string) (bool, error) { return false, errDown }
func (downBackend) Holder(context.Context, string, time.Time) (lock.Record, bool, error) {
	return lock.Record{}, false, errDown
}

func TestLockBackendFailureNotifiesAborted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	h.orc.locks = lock.NewManager(downBackend{}, h.clk, nil)

	res, err := h.orc.Tick(context.Background(), entryJob)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.ErrorIs(t, err, lock.ErrUnavailable)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Len(t, h.notes.kinds(events.KindAborted), 1)
	assert.Empty(t, h.ex.Fills())
}

func TestSafeModeBlocksWithOneNotification(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()

	require.NoError(t, h.ledger.Update(ctx, func(st *ledger.State) error {
		st.SetSafeMode(clock.DateKey(t0, time.UTC), true, "manual", t0)
		return nil
	}))

	res, err := h.orc.Tick(ctx, entryJob)
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Outcome)
	assert.Equal(t, risk.ReasonSafeMode, res.Reason)
	assert.ErrorIs(t, res.Err, ErrRiskBlocked)
	assert.Len(t, h.notes.events, 1)
	assert.Len(t, h.notes.kinds(events.KindBlocked), 1)

	// Blocked ticks are not marked; clearing safe mode lets the candle run.
	require.NoError(t, h.ledger.Update(ctx, func(st *ledger.State) error {
		st.SetSafeMode(clock.DateKey(t0, time.UTC), false, "", t0)
		return nil
	}))
	res, err = h.orc.Tick(ctx, entryJob)
	require.NoError(t, err)
	assert.Equal(t, Done, res.Outcome)
}

func TestModeNotScheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)

	res, err := h.orc.Tick(context.Background(), manageJob)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, SkipModeNotScheduled, res.Reason)
	assert.Equal(t, mode.Entry, res.Mode)
}

func TestManagementTakeProfit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()
	pos := h.open(t)

	h.feed.SetPrice("BTC", 106)
	res, err := h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	require.Equal(t, Done, res.Outcome)
	require.Len(t, res.Actions, 1)
	a := res.Actions[0]
	assert.Equal(t, "sell", a.Side)
	assert.Equal(t, risk.ExitTakeProfit, a.Reason)
	assert.InDelta(t, pos.Quantity, a.Quantity, 1e-9)

	book, err := h.ledger.Positions(ctx)
	require.NoError(t, err)
	assert.Zero(t, book.Len())

	// 6 points on 16.67 units against 10000 capital.
	wantPct := 6 * pos.Quantity / 10000 * 100
	snap := h.snapshot(t)
	assert.Equal(t, 2, snap.DailyTradeCount)
	assert.InDelta(t, wantPct, snap.DailyPnL.InexactFloat64(), 1e-6)

	trades, err := h.journal.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, risk.ExitTakeProfit, trades[0].Reason)
	assert.InDelta(t, 106, trades[0].ExitPrice, 1e-9)
}

func TestHoldPersistsTrailingStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()
	h.open(t)

	// +3%: trailing engages at 103 - 2*2 = 99, below the target.
	h.feed.SetPrice("BTC", 103)
	res, err := h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	assert.Equal(t, Done, res.Outcome)
	assert.Empty(t, res.Actions)

	book, err := h.ledger.Positions(ctx)
	require.NoError(t, err)
	pos, ok := book.Get("BTC")
	require.True(t, ok)
	assert.True(t, pos.TrailingActive)
	assert.InDelta(t, 99, pos.StopPrice, 1e-9)
	assert.InDelta(t, 103, pos.HighWater, 1e-9)
}

func TestStopLossTripsSafeMode(t *testing.T) {
	t.Parallel()
	l := risk.DefaultLimits()
	l.DailyLossLimitPct = -1
	h := newHarness(t, l, nil)
	ctx := context.Background()
	h.open(t)

	h.feed.SetPrice("BTC", 90)
	res, err := h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, risk.ExitStopLoss, res.Actions[0].Reason)

	trips := h.notes.kinds(events.KindSafeMode)
	require.Len(t, trips, 1)
	assert.Equal(t, risk.ReasonDailyLoss, trips[0].Reason)
	assert.True(t, h.snapshot(t).SafeMode)

	h.clk.Advance(time.Hour)
	res, err = h.orc.Tick(ctx, entryJob)
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Outcome)
	assert.Equal(t, risk.ReasonDailyLoss, res.Reason)
}

func TestExecutionFailureLeavesPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()
	before := h.open(t)

	h.ex.sellErr = errors.New("exchange down")
	h.feed.SetPrice("BTC", 90)
	res, err := h.orc.Tick(ctx, manageJob)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Equal(t, Aborted, res.Outcome)
	assert.Equal(t, reasonExecution, res.Reason)
	assert.Len(t, h.notes.kinds(events.KindAborted), 1)

	book, err := h.ledger.Positions(ctx)
	require.NoError(t, err)
	pos, ok := book.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, before.StopPrice, pos.StopPrice)
	assert.Equal(t, before.HighWater, pos.HighWater)
	assert.Equal(t, before.Quantity, pos.Quantity)

	st, err := h.ledger.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveFailures(h.clk.Now()))

	// The failed sell key holds for the rest of the candle.
	h.ex.sellErr = nil
	res, err = h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	assert.Equal(t, Done, res.Outcome)
	assert.Empty(t, res.Actions)
	assert.Equal(t, 1, h.ex.sells)

	// Next candle retries.
	h.clk.Advance(time.Hour)
	res, err = h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, risk.ExitStopLoss, res.Actions[0].Reason)
}

func TestSafeModeTripOnFailureNotifiesOnce(t *testing.T) {
	t.Parallel()
	l := risk.DefaultLimits()
	l.MaxConsecutiveFailures = 1
	h := newHarness(t, l, nil)
	h.open(t)
	before := len(h.notes.events)

	h.ex.sellErr = errors.New("exchange down")
	h.feed.SetPrice("BTC", 90)
	res, err := h.orc.Tick(context.Background(), manageJob)
	require.ErrorIs(t, err, ErrExecution)
	assert.Equal(t, Aborted, res.Outcome)
	assert.Equal(t, ledger.ReasonConsecutiveFailures, res.SafeMode)
	assert.True(t, h.snapshot(t).SafeMode)

	sent := h.notes.events[before:]
	require.Len(t, sent, 1)
	assert.Equal(t, events.KindAborted, sent[0].Kind)
	assert.Contains(t, sent[0].Message, "safe mode engaged: "+ledger.ReasonConsecutiveFailures)
	assert.Empty(t, h.notes.kinds(events.KindSafeMode))
}

func TestShortFillKeepsRemainderManaged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()
	pos := h.open(t)

	h.ex.fillRatio = 0.5
	h.feed.SetPrice("BTC", 90)
	res, err := h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, risk.ExitStopLoss, res.Actions[0].Reason)
	assert.InDelta(t, pos.Quantity/2, res.Actions[0].Quantity, 1e-9)

	book, err := h.ledger.Positions(ctx)
	require.NoError(t, err)
	left, ok := book.Get("BTC")
	require.True(t, ok, "unsold quantity must stay in the book")
	assert.InDelta(t, pos.Quantity/2, left.Quantity, 1e-9)
	assert.InDelta(t, h.ex.Holding("BTC"), left.Quantity, 1e-9)

	// Next candle the stop fires again for the rest.
	h.ex.fillRatio = 0
	h.clk.Advance(time.Hour)
	res, err = h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.InDelta(t, pos.Quantity/2, res.Actions[0].Quantity, 1e-9)

	book, err = h.ledger.Positions(ctx)
	require.NoError(t, err)
	assert.Zero(t, book.Len())
	assert.Zero(t, h.ex.Holding("BTC"))
}

// openRecent runs an entry tick and stays inside MinTradeInterval.
func (h *harness) openRecent(t *testing.T) risk.Position {
	t.Helper()
	res, err := h.orc.Tick(context.Background(), entryJob)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1, res.String())
	h.clk.Advance(15 * time.Minute)

	book, err := h.ledger.Positions(context.Background())
	require.NoError(t, err)
	pos, ok := book.Get("BTC")
	require.True(t, ok)
	return pos
}

func TestStopLossRunsWhileBlocked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()
	pos := h.openRecent(t)
	before := len(h.notes.kinds(events.KindBlocked))

	h.feed.SetPrice("BTC", 80)
	res, err := h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Outcome)
	assert.Equal(t, risk.ReasonTradeInterval, res.Reason)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, risk.ExitStopLoss, res.Actions[0].Reason)
	assert.InDelta(t, pos.Quantity, res.Actions[0].Quantity, 1e-9)

	book, err := h.ledger.Positions(ctx)
	require.NoError(t, err)
	assert.Zero(t, book.Len())
	assert.Len(t, h.notes.kinds(events.KindBlocked), before+1)

	// The entry job stays blocked.
	res, err = h.orc.Tick(ctx, entryJob)
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Outcome)
	assert.Empty(t, res.Actions)
}

func TestProfitExitsWaitWhileBlocked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()
	pos := h.openRecent(t)

	h.feed.SetPrice("BTC", 106)
	res, err := h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Outcome)
	assert.Empty(t, res.Actions)

	// Trailing stop still ratchets: 106 - 2*2.
	book, err := h.ledger.Positions(ctx)
	require.NoError(t, err)
	got, ok := book.Get("BTC")
	require.True(t, ok)
	assert.InDelta(t, pos.Quantity, got.Quantity, 1e-9)
	assert.InDelta(t, 102, got.StopPrice, 1e-9)
	assert.InDelta(t, 106, got.HighWater, 1e-9)
	assert.Zero(t, got.PartialLevel)
}

func TestPartialProfitThroughPersistence(t *testing.T) {
	t.Parallel()
	l := risk.DefaultLimits()
	l.UsePartialProfit = true
	l.PartialProfitLevels = [2]float64{4, 8}
	l.PartialSellRatio = 0.5
	h := newHarness(t, l, nil)
	ctx := context.Background()
	pos := h.open(t)

	h.feed.SetPrice("BTC", 104)
	res, err := h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, risk.ExitPartialProfit, res.Actions[0].Reason)
	assert.True(t, strings.HasSuffix(res.Actions[0].Key, "|sell_partial"), res.Actions[0].Key)
	assert.InDelta(t, pos.Quantity/2, res.Actions[0].Quantity, 1e-9)

	book, err := h.ledger.Positions(ctx)
	require.NoError(t, err)
	got, ok := book.Get("BTC")
	require.True(t, ok)
	assert.InDelta(t, pos.Quantity/2, got.Quantity, 1e-9)
	assert.Equal(t, 1, got.PartialLevel)

	// Level 1 does not fire again on a later candle.
	h.clk.Advance(time.Hour)
	h.feed.SetPrice("BTC", 105)
	res, err = h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	assert.Equal(t, Done, res.Outcome)
	assert.Empty(t, res.Actions)

	// Level 2 closes the remainder.
	h.clk.Advance(time.Hour)
	h.feed.SetPrice("BTC", 108)
	res, err = h.orc.Tick(ctx, manageJob)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, risk.ExitTakeProfit, res.Actions[0].Reason)
	assert.InDelta(t, pos.Quantity/2, res.Actions[0].Quantity, 1e-9)

	book, err = h.ledger.Positions(ctx)
	require.NoError(t, err)
	assert.Zero(t, book.Len())
	assert.Zero(t, h.ex.Holding("BTC"))

	trades, err := h.journal.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestSlowScannerTimesOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil, func(o *Options) { o.CallTimeout = 20 * time.Millisecond })
	h.orc.scanner = scanner.Func(func(ctx context.Context, _ []string) ([]scanner.Candidate, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res, err := h.orc.Tick(context.Background(), entryJob)
	assert.ErrorIs(t, err, ErrCollaboratorTimeout)
	assert.Equal(t, Aborted, res.Outcome)
	assert.Equal(t, reasonTimeout, res.Reason)
	assert.Len(t, h.notes.kinds(events.KindAborted), 1)
	assert.Empty(t, h.ex.Fills())
}

func TestUnpersistedSellIsLoggedWithOrderID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	ctx := context.Background()
	h.open(t)

	_, err := h.db.Exec(`CREATE TRIGGER no_delete BEFORE DELETE ON positions
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)
	require.NoError(t, err)

	h.feed.SetPrice("BTC", 90)
	res, err := h.orc.Tick(ctx, manageJob)
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, reasonPersistence, res.Reason)

	key := idempotency.Key{Asset: "BTC", Timeframe: "H1", Candle: h.clk.Now().Truncate(time.Hour), Action: "sell"}
	rec, err := h.idem.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rec.Outcome, "unpersisted:"), rec.Outcome)

	entries := h.logs.FilterMessage("sell filled but not persisted, reconcile by hand").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, strings.TrimPrefix(rec.Outcome, "unpersisted:"), entries[0].ContextMap()["order_id"])
}

func TestAmbiguousDefersToAdvisor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		adv    advisor.Advisor
		closed bool
	}{
		{"confident allow closes", advisor.Static{Verdict: advisor.Allow, Confidence: 0.9}, true},
		{"low confidence holds", advisor.Static{Verdict: advisor.Allow, Confidence: 0.5}, false},
		{"block holds", advisor.Static{Verdict: advisor.Block, Confidence: 1}, false},
		{"error holds", advisor.Func(func(context.Context, advisor.Context) (advisor.Decision, error) {
			return advisor.Decision{}, errors.New("upstream 502")
		}), false},
		{"no advisor holds", nil, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, risk.DefaultLimits(), tt.adv)
			ctx := context.Background()
			h.open(t)

			// Within 0.5% above the 97 stop.
			h.feed.SetPrice("BTC", 97.3)
			res, err := h.orc.Tick(ctx, manageJob)
			require.NoError(t, err)
			assert.Equal(t, Done, res.Outcome)

			book, err := h.ledger.Positions(ctx)
			require.NoError(t, err)
			if tt.closed {
				require.Len(t, res.Actions, 1)
				assert.Equal(t, risk.ExitAdvisor, res.Actions[0].Reason)
				assert.Zero(t, book.Len())
			} else {
				assert.Empty(t, res.Actions)
				assert.Equal(t, 1, book.Len())
			}
		})
	}
}

func TestEntryGateDeclines(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), advisor.Static{Verdict: advisor.Block, Confidence: 1},
		func(o *Options) { o.EntryGate = true })

	res, err := h.orc.Tick(context.Background(), entryJob)
	require.NoError(t, err)
	assert.Equal(t, Done, res.Outcome)
	assert.Empty(t, res.Actions)
	assert.Empty(t, h.ex.Fills())
}

func TestScannerFailureAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, risk.DefaultLimits(), nil)
	h.orc.scanner = scanner.Func(func(context.Context, []string) ([]scanner.Candidate, error) {
		return nil, errors.New("scanner offline")
	})

	res, err := h.orc.Tick(context.Background(), entryJob)
	assert.ErrorIs(t, err, ErrCollaboratorFailure)
	assert.Equal(t, Aborted, res.Outcome)
	assert.Len(t, h.notes.kinds(events.KindAborted), 1)

	locked, err := h.locks.IsLocked(context.Background(), "risk-core")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestPersistenceFailureAbortsAndReleases(t *testing.T) {
	t.Parallel()

	db, err := store.Open(filepath.Join(t.TempDir(), "broken.db"))
	require.NoError(t, err)
	// No schema: every ledger read fails.
	t.Cleanup(func() { _ = db.Close() })

	h := newHarness(t, risk.DefaultLimits(), nil)
	h.orc.ledger = ledger.NewStore(db, h.clk, nil)

	res, err := h.orc.Tick(context.Background(), entryJob)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, Aborted, res.Outcome)
	assert.Equal(t, reasonPersistence, res.Reason)

	locked, err := h.locks.IsLocked(context.Background(), "risk-core")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestJobValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, entryJob.Validate())
	bad := []Job{
		{},
		{Name: "x", Timeframe: "H7", Modes: []mode.Mode{mode.Entry}},
		{Name: "x", Timeframe: "H1"},
		{Name: "x", Timeframe: "H1", Modes: []mode.Mode{mode.Blocked}},
		{Name: "a|b", Timeframe: "H1", Modes: []mode.Mode{mode.Entry}},
	}
	for _, j := range bad {
		assert.Error(t, j.Validate(), "%+v", j)
	}
	assert.Equal(t, DefaultScope, entryJob.scope())
	assert.Equal(t, "risk-core", entryJob.lockName())
	assert.Equal(t, "solo", Job{Name: "solo"}.lockName())
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, DefaultOptions())
	assert.Error(t, err)
}
