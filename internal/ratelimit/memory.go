package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is a ByteLimiter for a single process (tests, dev mode). Same
// two-slot window math as the redis limiter.
type Memory struct {
	mu    sync.Mutex
	cfg   Config
	slots map[string]map[int64]int64
	now   func() time.Time
}

// NewMemory returns an in-process limiter.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:   cfg,
		slots: make(map[string]map[int64]int64),
		now:   time.Now,
	}
}

// AllowBytes implements ByteLimiter.
func (m *Memory) AllowBytes(ctx context.Context, key string, n int64) (bool, time.Duration, error) {
	if m.cfg.MaxBytes <= 0 {
		return true, 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	slot, elapsed := slotOf(now, m.cfg.Window)

	counters := m.slots[key]
	if counters == nil {
		counters = make(map[int64]int64)
		m.slots[key] = counters
	}
	// Drop slots that can no longer contribute.
	for s := range counters {
		if s < slot-1 {
			delete(counters, s)
		}
	}

	if windowedCount(counters[slot-1], counters[slot]+n, elapsed) > m.cfg.MaxBytes {
		return false, retryAfter(now, m.cfg.Window), nil
	}
	counters[slot] += n
	return true, 0, nil
}
