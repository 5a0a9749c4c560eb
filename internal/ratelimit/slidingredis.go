package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow counts events per key in a Redis sorted set scored by
// arrival time. Rejected attempts are removed again so a client hammering
// the endpoint is released once its accepted events age out.
type SlidingWindow struct {
	Client redis.Cmdable
	Prefix string
	Window time.Duration
	Max    int
}

func (l SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	if l.Client == nil || l.Max <= 0 || l.Window <= 0 {
		return Decision{Allowed: true, Limit: l.Max, Remaining: l.Max, Reset: now.Add(l.Window)}, nil
	}

	redisKey := l.Prefix + key
	member := uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-l.Window).UnixNano(), 10)

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Limit: l.Max, Reset: now.Add(l.Window)}, err
	}

	reset := now.Add(l.Window)
	if oldest := oldestCmd.Val(); len(oldest) == 1 {
		reset = time.Unix(0, int64(oldest[0].Score)).Add(l.Window)
	}
	count := int(countCmd.Val())
	if count > l.Max {
		if err := l.Client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return Decision{Limit: l.Max, Reset: reset}, err
		}
		return Decision{Allowed: false, Limit: l.Max, Remaining: 0, Reset: reset}, nil
	}
	return Decision{Allowed: true, Limit: l.Max, Remaining: l.Max - count, Reset: reset}, nil
}
