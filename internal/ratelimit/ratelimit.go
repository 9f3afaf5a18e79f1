// Package ratelimit provides a sliding-window byte budget keyed per user,
// used to gate APPEND upload volume. The window is two fixed slots weighted
// by elapsed time, so the budget slides smoothly without storing every event.
package ratelimit

import (
	"context"
	"time"
)

// ByteLimiter admits or rejects n bytes against the key's window budget.
// A rejection carries the duration after which a retry may succeed.
type ByteLimiter interface {
	AllowBytes(ctx context.Context, key string, n int64) (bool, time.Duration, error)
}

// Config configures a limiter.
type Config struct {
	// Window is the sliding window length.
	Window time.Duration
	// MaxBytes is the admitted volume per window. 0 disables limiting.
	MaxBytes int64
}

// DefaultConfig returns the default upload budget: 250 MiB per 15 minutes.
func DefaultConfig() Config {
	return Config{
		Window:   15 * time.Minute,
		MaxBytes: 250 << 20,
	}
}

// slotOf returns the fixed slot index for t and the fraction of the current
// slot already elapsed.
func slotOf(t time.Time, window time.Duration) (int64, float64) {
	slot := t.UnixNano() / int64(window)
	elapsed := float64(t.UnixNano()%int64(window)) / float64(window)
	return slot, elapsed
}

// windowedCount weights the previous slot by the unelapsed share of the
// current one, approximating a true sliding window.
func windowedCount(prev, cur int64, elapsed float64) int64 {
	return int64(float64(prev)*(1-elapsed)) + cur
}

// retryAfter returns how long until the weighted count could fall below the
// budget again: the remainder of the current slot.
func retryAfter(t time.Time, window time.Duration) time.Duration {
	_, elapsed := slotOf(t, window)
	return time.Duration((1 - elapsed) * float64(window))
}
