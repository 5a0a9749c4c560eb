// Package lock serializes work on a single payment reference across replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock stays held for longer than the
// caller is willing to wait.
var ErrNotAcquired = errors.New("lock: not acquired")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Locker is a Redis SET NX lock with token-checked release.
type Locker struct {
	R            redis.Cmdable
	Prefix       string
	TTL          time.Duration
	Wait         time.Duration
	RetryBackoff time.Duration
}

// Key returns the redis key guarding name.
func (l Locker) Key(name string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "fulfillment:lock:"
	}
	return prefix + name
}

// WithLock runs fn while holding the lock for name. The lock is released when
// fn returns, including on error. If the lock cannot be taken within Wait (or
// before ctx ends) ErrNotAcquired is returned and fn is not called.
func (l Locker) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	wait := l.Wait
	if wait <= 0 {
		wait = ttl
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	key := l.Key(name)
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			defer l.release(key, token)
			return fn(ctx)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
