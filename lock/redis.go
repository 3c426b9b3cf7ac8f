package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's
// token, so a holder whose TTL lapsed cannot free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend uses SET NX PX. Expiry is enforced by the Redis server
// clock, so the now argument is ignored.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "tradeguard:lock:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(name string) string { return b.prefix + name }

func (b *RedisBackend) TryAcquire(ctx context.Context, name, token string, ttl time.Duration, _ time.Time) (bool, error) {
	return b.client.SetNX(ctx, b.key(name), token, ttl).Result()
}

func (b *RedisBackend) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{b.key(name)}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Holder(ctx context.Context, name string, now time.Time) (Record, bool, error) {
	key := b.key(name)
	token, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	ttl, err := b.client.PTTL(ctx, key).Result()
	if err != nil {
		return Record{}, false, err
	}
	rec := Record{Name: name, HolderToken: token}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	return rec, true, nil
}
