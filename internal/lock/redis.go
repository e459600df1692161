package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "identity:lock:"
	defaultRetryDelay = 25 * time.Millisecond
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockTimeout is returned when a key stays held by another owner past the wait budget.
var ErrLockTimeout = errors.New("lock: timed out waiting for identifier")

// RedisLocker serializes callers across instances sharing one Redis.
// Each key is a lease: it expires after ttl even if the owner dies.
type RedisLocker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	wait       time.Duration
	retryDelay time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker constructs a Redis-backed locker.
func NewRedisLocker(client redis.UniversalClient, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, wait: wait, retryDelay: defaultRetryDelay}
}

// Lock acquires every key in sorted order, retrying until the wait budget runs out.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := l.acquire(waitCtx, redisKeyPrefix+k, token); err != nil {
			l.release(context.WithoutCancel(ctx), held, token)
			return nil, err
		}
		held = append(held, redisKeyPrefix+k)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			l.release(releaseCtx, held, token)
		})
	}, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, keys []string, token string) {
	for i := len(keys) - 1; i >= 0; i-- {
		// An expired lease is already gone; nothing else to do on error.
		_ = releaseScript.Run(ctx, l.client, []string{keys[i]}, token).Err()
	}
}
