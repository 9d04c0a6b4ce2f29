package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every instance pointed at the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisLocker wraps a Redis client. Keys are namespaced with prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, prefix: prefix, logger: logger}
}

// NewRedisLockerFromURL parses a redis:// URL and verifies connectivity.
func NewRedisLockerFromURL(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisLocker(client, prefix, logger), nil
}

// TryLock implements Locker with SET NX PX.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	full := l.prefix + key
	token := newToken()
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must succeed even if the request context is done.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{full}, token).Err(); err != nil {
				l.logger.Warn("redis lock release failed", slog.String("key", full), slog.String("error", err.Error()))
			}
		})
	}
	return release, true, nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

var _ Locker = (*RedisLocker)(nil)
