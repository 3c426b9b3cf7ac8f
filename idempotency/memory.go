package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradeguard/clock"
)

type MemoryStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	retention time.Duration
	records   map[string]Record
}

func NewMemoryStore(c clock.Clock, retention time.Duration) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{clock: c, retention: retention, records: make(map[string]Record)}
}

func (s *MemoryStore) live(k string, now time.Time) (Record, bool) {
	r, ok := s.records[k]
	if !ok || !r.ExpiresAt.After(now) {
		return Record{}, false
	}
	return r, true
}

func (s *MemoryStore) Check(_ context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key.String(), s.clock.Now())
	return ok, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	k := key.String()
	if _, ok := s.live(k, now); ok {
		return false, nil
	}
	s.records[k] = Record{Key: k, MarkedAt: now, Outcome: OutcomePending, ExpiresAt: now.Add(s.retention)}
	return true, nil
}

func (s *MemoryStore) Mark(_ context.Context, key Key, outcome string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	k := key.String()
	s.records[k] = Record{Key: k, MarkedAt: now, Outcome: outcome, ExpiresAt: now.Add(s.retention)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.live(key.String(), s.clock.Now())
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) Pending(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var out []Record
	for k := range s.records {
		if r, ok := s.live(k, now); ok && r.Pending() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, r := range s.records {
		if !r.ExpiresAt.After(olderThan) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
