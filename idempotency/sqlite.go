package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rustyeddy/tradeguard/clock"
)

const Schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	marked_at INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);
`

// SQLiteStore keeps keys in the shared database. Times are Unix nanoseconds.
type SQLiteStore struct {
	db        *sql.DB
	clock     clock.Clock
	retention time.Duration
}

func NewSQLiteStore(db *sql.DB, c clock.Clock, retention time.Duration) *SQLiteStore {
	if c == nil {
		c = clock.System{}
	}
	return &SQLiteStore{db: db, clock: c, retention: retention}
}

func (s *SQLiteStore) Check(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_keys WHERE key = ? AND expires_at > ?`,
		key.String(), s.clock.Now().UnixNano(),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Reserve(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	now := s.clock.Now()
	// An expired row may be overwritten; a live one may not.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, marked_at, outcome, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			marked_at = excluded.marked_at,
			outcome = excluded.outcome,
			expires_at = excluded.expires_at
		WHERE idempotency_keys.expires_at <= ?`,
		key.String(), now.UnixNano(), OutcomePending, now.Add(s.retention).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) Mark(ctx context.Context, key Key, outcome string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, marked_at, outcome, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			marked_at = excluded.marked_at,
			outcome = excluded.outcome,
			expires_at = excluded.expires_at`,
		key.String(), now.UnixNano(), outcome, now.Add(s.retention).UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, marked_at, outcome, expires_at
		FROM idempotency_keys
		WHERE key = ? AND expires_at > ?`, key.String(), s.clock.Now().UnixNano())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, marked_at, outcome, expires_at
		FROM idempotency_keys
		WHERE outcome = ? AND expires_at > ?
		ORDER BY key ASC`, OutcomePending, s.clock.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CleanupExpired(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`, olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLiteStore) Close() error { return nil }

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec             Record
		marked, expires int64
	)
	if err := sc.Scan(&rec.Key, &marked, &rec.Outcome, &expires); err != nil {
		return Record{}, err
	}
	rec.MarkedAt = time.Unix(0, marked).UTC()
	rec.ExpiresAt = time.Unix(0, expires).UTC()
	return rec, nil
}
