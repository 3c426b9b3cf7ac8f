package lock

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const Schema = `
CREATE TABLE IF NOT EXISTS locks (
	name TEXT PRIMARY KEY,
	holder_token TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLiteBackend stores locks in the shared database. Expiry is stored as
// Unix nanoseconds.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) TryAcquire(ctx context.Context, name, token string, ttl time.Duration, now time.Time) (bool, error) {
	// The upsert only overwrites an expired holder, so the statement is the
	// whole compare-and-set.
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO locks (name, holder_token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder_token = excluded.holder_token,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?`,
		name, token, now.Add(ttl).UnixNano(), now.UnixNano(),
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

func (b *SQLiteBackend) Release(ctx context.Context, name, token string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND holder_token = ?`, name, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *SQLiteBackend) Holder(ctx context.Context, name string, now time.Time) (Record, bool, error) {
	var (
		rec Record
		exp int64
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT name, holder_token, expires_at
		FROM locks
		WHERE name = ? AND expires_at > ?`, name, now.UnixNano()).Scan(&rec.Name, &rec.HolderToken, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.ExpiresAt = time.Unix(0, exp).UTC()
	return rec, true, nil
}
