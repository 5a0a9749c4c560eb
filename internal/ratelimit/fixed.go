package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Fixed adapts a ulule limiter (fixed window per period) to Limiter.
type Fixed struct {
	L *limiter.Limiter
}

// NewFixed builds a Fixed limiter over store. rate uses the "<limit>-<period>"
// format, e.g. "30-M".
func NewFixed(store limiter.Store, rate string) (Fixed, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return Fixed{}, fmt.Errorf("ratelimit: parse rate %q: %w", rate, err)
	}
	return Fixed{L: limiter.New(store, r)}, nil
}

// NewRedisStore wires a limiter store backed by Redis.
func NewRedisStore(rdb *redis.Client, prefix string) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix, MaxRetry: 3})
}

// Allow implements Limiter.
func (f Fixed) Allow(ctx context.Context, key string) (Decision, error) {
	if f.L == nil {
		return Decision{Allowed: true}, nil
	}
	lctx, err := f.L.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !lctx.Reached,
		Limit:     int(lctx.Limit),
		Remaining: int(lctx.Remaining),
		Reset:     time.Unix(lctx.Reset, 0),
	}, nil
}
