package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/pkg/logger"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/rustyeddy/tradeguard/store"
)

const Schema = `
CREATE TABLE IF NOT EXISTS risk_state (
	date TEXT PRIMARY KEY,
	daily_pnl TEXT NOT NULL,
	daily_trade_count INTEGER NOT NULL,
	last_trade_time INTEGER NOT NULL,
	safe_mode INTEGER NOT NULL,
	safe_mode_reason TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	asset TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	entry_price REAL NOT NULL,
	quantity REAL NOT NULL,
	initial_quantity REAL NOT NULL,
	entry_time INTEGER NOT NULL,
	unrealized_pct REAL NOT NULL,
	stop_price REAL NOT NULL,
	target_price REAL NOT NULL,
	high_water REAL NOT NULL,
	trailing_active INTEGER NOT NULL,
	partial_level INTEGER NOT NULL,
	last_evaluated INTEGER NOT NULL
);
`

// Store persists the ledger and the position book. Every write runs in a
// single transaction so a tick's changes land whole or not at all.
type Store struct {
	db    *sql.DB
	clock clock.Clock
	log   *zap.Logger
}

func NewStore(db *sql.DB, c clock.Clock, log *zap.Logger) *Store {
	if c == nil {
		c = clock.System{}
	}
	return &Store{db: db, clock: c, log: logger.OrNop(log).Named("ledger")}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Load reads the ledger, pruning entries older than the retention window.
// Pruned rows are removed from the database on the next Save.
func (s *Store) Load(ctx context.Context) (*State, error) {
	st, err := s.loadState(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if n := st.Prune(clock.Today(s.clock)); n > 0 {
		s.log.Debug("pruned ledger entries", zap.Int("count", n))
	}
	return st, nil
}

// Save replaces the persisted ledger with st.
func (s *Store) Save(ctx context.Context, st *State) error {
	return store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		return saveState(ctx, tx, st)
	})
}

// Update applies fn to the current ledger and saves the result in the same
// transaction. Nothing is written if fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(*State) error) error {
	return s.Commit(ctx, func(st *State, _ *Book) error { return fn(st) })
}

// Positions loads the open-position book.
func (s *Store) Positions(ctx context.Context) (*Book, error) {
	return loadBook(ctx, s.db)
}

// Commit applies fn to the ledger and the book and persists both in one
// transaction.
func (s *Store) Commit(ctx context.Context, fn func(*State, *Book) error) error {
	return store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		st, err := s.loadState(ctx, tx)
		if err != nil {
			return err
		}
		st.Prune(clock.Today(s.clock))
		book, err := loadBook(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(st, book); err != nil {
			return err
		}
		if err := saveState(ctx, tx, st); err != nil {
			return err
		}
		return saveBook(ctx, tx, book)
	})
}

func (s *Store) loadState(ctx context.Context, q querier) (*State, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT date, daily_pnl, daily_trade_count, last_trade_time, safe_mode,
		       safe_mode_reason, consecutive_failures, updated_at
		FROM risk_state`)
	if err != nil {
		return nil, fmt.Errorf("ledger: load state: %w", err)
	}
	defer rows.Close()

	st := NewState(s.clock.Location())
	for rows.Next() {
		var (
			e                 DayEntry
			pnl               string
			lastTrade, update int64
			safe              int
		)
		if err := rows.Scan(&e.Date, &pnl, &e.DailyTradeCount, &lastTrade, &safe,
			&e.SafeModeReason, &e.ConsecutiveFailures, &update); err != nil {
			return nil, fmt.Errorf("ledger: scan state: %w", err)
		}
		if e.DailyPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("ledger: daily_pnl for %s: %w", e.Date, err)
		}
		e.LastTradeTime = fromNanos(lastTrade)
		e.UpdatedAt = fromNanos(update)
		e.SafeMode = safe != 0
		st.put(e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: load state: %w", err)
	}
	return st, nil
}

func saveState(ctx context.Context, tx *sql.Tx, st *State) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_state`); err != nil {
		return fmt.Errorf("ledger: save state: %w", err)
	}
	for _, d := range st.Dates() {
		e := st.days[d]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO risk_state (date, daily_pnl, daily_trade_count, last_trade_time,
				safe_mode, safe_mode_reason, consecutive_failures, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Date, e.DailyPnL.String(), e.DailyTradeCount, toNanos(e.LastTradeTime),
			boolInt(e.SafeMode), e.SafeModeReason, e.ConsecutiveFailures, toNanos(e.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("ledger: save %s: %w", d, err)
		}
	}
	return nil
}

func loadBook(ctx context.Context, q querier) (*Book, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT asset, order_id, entry_price, quantity, initial_quantity, entry_time,
		       unrealized_pct, stop_price, target_price, high_water, trailing_active,
		       partial_level, last_evaluated
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("ledger: load positions: %w", err)
	}
	defer rows.Close()

	b := NewBook()
	for rows.Next() {
		var (
			p                risk.Position
			entry, evaluated int64
			trailing         int
		)
		if err := rows.Scan(&p.Asset, &p.OrderID, &p.EntryPrice, &p.Quantity, &p.InitialQuantity,
			&entry, &p.UnrealizedPct, &p.StopPrice, &p.TargetPrice, &p.HighWater, &trailing,
			&p.PartialLevel, &evaluated); err != nil {
			return nil, fmt.Errorf("ledger: scan position: %w", err)
		}
		p.EntryTime = fromNanos(entry)
		p.LastEvaluated = fromNanos(evaluated)
		p.TrailingActive = trailing != 0
		b.Put(p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: load positions: %w", err)
	}
	return b, nil
}

func saveBook(ctx context.Context, tx *sql.Tx, b *Book) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("ledger: save positions: %w", err)
	}
	for _, p := range b.List() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions (asset, order_id, entry_price, quantity, initial_quantity,
				entry_time, unrealized_pct, stop_price, target_price, high_water,
				trailing_active, partial_level, last_evaluated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Asset, p.OrderID, p.EntryPrice, p.Quantity, p.InitialQuantity,
			toNanos(p.EntryTime), p.UnrealizedPct, p.StopPrice, p.TargetPrice, p.HighWater,
			boolInt(p.TrailingActive), p.PartialLevel, toNanos(p.LastEvaluated),
		)
		if err != nil {
			return fmt.Errorf("ledger: save position %s: %w", p.Asset, err)
		}
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
