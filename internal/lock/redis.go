package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a RedisLocker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key prefix, default "adsorbflow:lock:"
	TTL      time.Duration // lock expiry, default 30s
	Interval time.Duration // polling interval while contended, default 100ms
}

// RedisLocker holds locks as expiring Redis keys carrying a random token, so
// a crashed holder cannot block others for longer than TTL.
type RedisLocker struct {
	rdb  redis.UniversalClient
	opts RedisOptions
}

// NewRedisLocker connects to Redis and verifies the connection with a PING.
func NewRedisLocker(ctx context.Context, opts RedisOptions) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("lock: redis ping failed: %w", err)
	}
	return NewRedisLockerWithClient(rdb, opts), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(rdb redis.UniversalClient, opts RedisOptions) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "adsorbflow:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	return &RedisLocker{rdb: rdb, opts: opts}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	k := l.opts.Prefix + key
	token := uuid.NewString()

	err := retry(ctx, l.opts.Interval, func() (bool, error) {
		ok, err := l.rdb.SetNX(ctx, k, token, l.opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("lock: redis setnx %s: %w", k, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	return func() error {
		// release must not be skipped because the caller's ctx is gone
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(rctx, l.rdb, []string{k}, token).Int()
		if err != nil {
			return fmt.Errorf("lock: redis release %s: %w", k, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}, nil
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
