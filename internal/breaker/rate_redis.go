package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conclave-ai/conclave/internal/errs"
)

// RedisRateLimiter implements RateLimiter with INCR+EXPIRE buckets so
// multiple conclaved instances share rate-limit state, per the teacher's
// Redis-backed dedupe pattern. Turns are counted per fixed clock-minute
// bucket, not over a sliding 60-second window.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter wraps an existing client.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) IncrTurn(ctx context.Context, now time.Time) (int, error) {
	key := fmt.Sprintf("breaker:turns:%d", now.Unix()/60)
	return r.incrWithExpiry(ctx, key, time.Minute)
}

func (r *RedisRateLimiter) IncrConversation(ctx context.Context, convID string, now time.Time) (int, error) {
	bucket := fmt.Sprintf("breaker:convs:%d", now.Unix()/3600)
	added, err := r.client.SAdd(ctx, bucket, convID).Result()
	if err != nil {
		return 0, errs.New(errs.KindStoreUnavailable, "redis_sadd_conv", err)
	}
	if added > 0 {
		r.client.Expire(ctx, bucket, time.Hour)
	}
	count, err := r.client.SCard(ctx, bucket).Result()
	if err != nil {
		return 0, errs.New(errs.KindStoreUnavailable, "redis_scard_conv", err)
	}
	return int(count), nil
}

func (r *RedisRateLimiter) incrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, errs.New(errs.KindStoreUnavailable, "redis_incr", err)
	}
	if count == 1 {
		r.client.Expire(ctx, key, ttl)
	}
	return int(count), nil
}
