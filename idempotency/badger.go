package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/pkg/logger"
)

var badgerPrefix = []byte("idem/")

// BadgerStore keeps keys in an embedded Badger database. Entries carry a
// Badger TTL of the retention period so the value log reclaims them even
// if CleanupExpired never runs; logical expiry follows the store's clock.
type BadgerStore struct {
	db        *badger.DB
	clock     clock.Clock
	retention time.Duration
}

type BadgerOptions struct {
	// Dir is ignored when InMemory is set.
	Dir       string
	InMemory  bool
	Retention time.Duration
}

func OpenBadgerStore(opts BadgerOptions, c clock.Clock, log *zap.Logger) (*BadgerStore, error) {
	if c == nil {
		c = clock.System{}
	}
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	bo = bo.WithLogger(badgerLogger{logger.OrNop(log).Named("badger").Sugar()})

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("idempotency: open badger: %w", err)
	}
	return &BadgerStore{db: db, clock: c, retention: opts.Retention}, nil
}

func badgerKey(key Key) []byte {
	return append(append([]byte{}, badgerPrefix...), key.String()...)
}

func (s *BadgerStore) read(txn *badger.Txn, k []byte) (Record, bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return Record{}, false, err
	}
	if !rec.ExpiresAt.After(s.clock.Now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *BadgerStore) write(txn *badger.Txn, k []byte, rec Record) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	e := badger.NewEntry(k, v)
	if s.retention > 0 {
		e = e.WithTTL(s.retention)
	}
	return txn.SetEntry(e)
}

func (s *BadgerStore) Check(_ context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, ok, err := s.read(txn, badgerKey(key))
		found = ok
		return err
	})
	return found, err
}

func (s *BadgerStore) Reserve(_ context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	k := badgerKey(key)
	reserved := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, ok, err := s.read(txn, k); err != nil || ok {
			return err
		}
		now := s.clock.Now()
		reserved = true
		return s.write(txn, k, Record{
			Key: key.String(), MarkedAt: now, Outcome: OutcomePending, ExpiresAt: now.Add(s.retention),
		})
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction wrote the same key first.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reserved, nil
}

func (s *BadgerStore) Mark(_ context.Context, key Key, outcome string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	now := s.clock.Now()
	return s.db.Update(func(txn *badger.Txn) error {
		return s.write(txn, badgerKey(key), Record{
			Key: key.String(), MarkedAt: now, Outcome: outcome, ExpiresAt: now.Add(s.retention),
		})
	})
}

func (s *BadgerStore) Get(_ context.Context, key Key) (Record, error) {
	var (
		rec   Record
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, found, err = s.read(txn, badgerKey(key))
		return err
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *BadgerStore) scan(fn func(k []byte, rec Record)) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(badgerPrefix); it.ValidForPrefix(badgerPrefix); it.Next() {
			item := it.Item()
			var rec Record
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			fn(item.KeyCopy(nil), rec)
		}
		return nil
	})
}

func (s *BadgerStore) Pending(_ context.Context) ([]Record, error) {
	now := s.clock.Now()
	var out []Record
	err := s.scan(func(_ []byte, rec Record) {
		if rec.Pending() && rec.ExpiresAt.After(now) {
			out = append(out, rec)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, err
}

func (s *BadgerStore) CleanupExpired(_ context.Context, olderThan time.Time) (int, error) {
	var stale [][]byte
	if err := s.scan(func(k []byte, rec Record) {
		if !rec.ExpiresAt.After(olderThan) {
			stale = append(stale, k)
		}
	}); err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}

	if err := s.db.RunValueLogGC(0.5); err != nil &&
		!errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		return len(stale), err
	}
	return len(stale), nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) { l.Warnf(format, args...) }
