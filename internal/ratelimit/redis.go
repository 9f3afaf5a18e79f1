package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLogger is the slice of the logging package the limiter needs.
type RedisLogger interface {
	Warn(msg string, args ...any)
}

// Redis is a ByteLimiter on shared redis counters, giving one budget per
// user across processes.
type Redis struct {
	client *redis.Client
	prefix string
	cfg    Config
	log    RedisLogger
}

// NewRedis returns a redis-backed limiter. Counter keys are namespaced under
// prefix and expire on their own.
func NewRedis(client *redis.Client, prefix string, cfg Config, log RedisLogger) *Redis {
	return &Redis{client: client, prefix: prefix, cfg: cfg, log: log}
}

func (r *Redis) key(key string, slot int64) string {
	return fmt.Sprintf("%s:ratelimit:upload:%s:%d", r.prefix, key, slot)
}

// AllowBytes implements ByteLimiter. Redis unavailability fails open: an
// accounting outage must not block uploads.
func (r *Redis) AllowBytes(ctx context.Context, key string, n int64) (bool, time.Duration, error) {
	if r.cfg.MaxBytes <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	slot, elapsed := slotOf(now, r.cfg.Window)

	pipe := r.client.TxPipeline()
	prevCmd := pipe.Get(ctx, r.key(key, slot-1))
	curCmd := pipe.IncrBy(ctx, r.key(key, slot), n)
	pipe.PExpire(ctx, r.key(key, slot), 2*r.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		if r.log != nil {
			r.log.Warn("rate limiter unavailable, failing open", "error", err.Error())
		}
		return true, 0, nil
	}

	prev, _ := prevCmd.Int64()
	cur := curCmd.Val()
	if windowedCount(prev, cur, elapsed) > r.cfg.MaxBytes {
		// Undo this request's contribution so a rejected upload does not
		// consume budget.
		if err := r.client.DecrBy(ctx, r.key(key, slot), n).Err(); err != nil && r.log != nil {
			r.log.Warn("failed to roll back rate counter", "error", err.Error())
		}
		return false, retryAfter(now, r.cfg.Window), nil
	}
	return true, 0, nil
}
