package paper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/tradeguard/store"
)

const Schema = `
CREATE TABLE IF NOT EXISTS paper_account (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	cash REAL NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_holdings (
	asset TEXT PRIMARY KEY,
	quantity REAL NOT NULL
);
`

// Account is the cash and holdings a Store keeps between runs.
type Account struct {
	Cash     float64
	Holdings map[string]float64
}

// Store persists the paper account so fills survive a restart.
type Store interface {
	// Load returns ok=false when nothing was saved yet.
	Load(ctx context.Context) (acct Account, ok bool, err error)
	Save(ctx context.Context, acct Account) error
}

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Load(ctx context.Context) (Account, bool, error) {
	acct := Account{Holdings: make(map[string]float64)}
	err := s.db.QueryRowContext(ctx, `SELECT cash FROM paper_account WHERE id = 1`).Scan(&acct.Cash)
	if errors.Is(err, sql.ErrNoRows) {
		return acct, false, nil
	}
	if err != nil {
		return acct, false, fmt.Errorf("paper: load account: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT asset, quantity FROM paper_holdings`)
	if err != nil {
		return acct, false, fmt.Errorf("paper: load holdings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			asset string
			qty   float64
		)
		if err := rows.Scan(&asset, &qty); err != nil {
			return acct, false, fmt.Errorf("paper: scan holding: %w", err)
		}
		acct.Holdings[asset] = qty
	}
	if err := rows.Err(); err != nil {
		return acct, false, fmt.Errorf("paper: load holdings: %w", err)
	}
	return acct, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, acct Account) error {
	return store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO paper_account (id, cash, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET cash = excluded.cash, updated_at = excluded.updated_at`,
			acct.Cash, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("paper: save account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM paper_holdings`); err != nil {
			return fmt.Errorf("paper: save holdings: %w", err)
		}
		for asset, qty := range acct.Holdings {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO paper_holdings (asset, quantity) VALUES (?, ?)`, asset, qty); err != nil {
				return fmt.Errorf("paper: save holding %s: %w", asset, err)
			}
		}
		return nil
	})
}
