package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps locks in process memory. It only excludes holders
// within a single process.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: make(map[string]Record)}
}

func (b *MemoryBackend) TryAcquire(_ context.Context, name, token string, ttl time.Duration, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.locks[name]; ok && cur.ExpiresAt.After(now) {
		return false, nil
	}
	b.locks[name] = Record{Name: name, HolderToken: token, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, name, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.locks[name]
	if !ok || cur.HolderToken != token {
		return false, nil
	}
	delete(b.locks, name)
	return true, nil
}

func (b *MemoryBackend) Holder(_ context.Context, name string, now time.Time) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.locks[name]
	if !ok || !cur.ExpiresAt.After(now) {
		return Record{}, false, nil
	}
	return cur, true, nil
}
