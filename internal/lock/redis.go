package lock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts compare the stored owner token before touching the key, so an
// expired lease re-acquired by another process is never extended or released
// from here.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis is a Manager on a shared redis instance, giving mutual exclusion
// across processes.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a redis-backed lock manager. Keys are namespaced under
// prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(key string) string {
	return r.prefix + ":lock:" + key
}

// Acquire polls SET NX with jitter until the lease is taken or the wait
// budget runs out.
func (r *Redis) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	owner := newOwner()
	deadline := time.Now().Add(wait)
	for {
		ok, err := r.client.SetNX(ctx, r.key(key), owner, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{Key: key, Owner: owner, AcquiredAt: time.Now(), TTL: ttl}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		// 50-150ms between attempts, jittered to avoid thundering herds.
		delay := 50*time.Millisecond + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Extend resets the lease TTL if we still own it.
func (r *Redis) Extend(ctx context.Context, l *Lock, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.key(l.Key)}, l.Owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.Key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	l.TTL = ttl
	return nil
}

// Release drops the lease if we still own it. A lease lost to expiry is
// released silently.
func (r *Redis) Release(ctx context.Context, l *Lock) error {
	if _, err := releaseScript.Run(ctx, r.client, []string{r.key(l.Key)}, l.Owner).Int(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.Key, err)
	}
	return nil
}
