package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts exchanges in per-tenant window-bucket keys shared by
// every gateway replica. Keys carry the window start, so a key never needs
// its TTL read back: the bucket name itself fixes the reset time.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Fallback *InMemoryLimiter

	now func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Fallback: NewInMemory(window),
		now:      time.Now,
	}
}

func (l *RedisLimiter) AllowExchange(tenant string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.Fallback.AllowExchange(tenant, limit)
	}
	now := l.now().UTC()
	windowStart := now.Truncate(l.Window)
	key := fmt.Sprintf("signet:rl:exchange:%s:%d", tenant, windowStart.Unix())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// Two windows covers clock skew between replicas before the key dies.
	pipe.Expire(ctx, key, l.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		// Redis trouble must not take the exchange path down.
		return l.Fallback.AllowExchange(tenant, limit)
	}
	return decisionFor(int(incr.Val()), limit, windowStart.Add(l.Window).Sub(now))
}
