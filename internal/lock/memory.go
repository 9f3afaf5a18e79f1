package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is a Manager for a single process. It backs tests and dev mode and
// honors the same TTL semantics as the redis manager.
type Memory struct {
	mu     sync.Mutex
	leases map[string]*memLease
}

type memLease struct {
	owner   string
	expires time.Time
}

// NewMemory returns an empty in-process lock manager.
func NewMemory() *Memory {
	return &Memory{leases: make(map[string]*memLease)}
}

func (m *Memory) tryAcquire(key, owner string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[key]
	if ok && time.Now().Before(lease.expires) {
		return false
	}
	m.leases[key] = &memLease{owner: owner, expires: time.Now().Add(ttl)}
	return true
}

// Acquire implements Manager.
func (m *Memory) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	owner := newOwner()
	deadline := time.Now().Add(wait)
	for {
		if m.tryAcquire(key, owner, ttl) {
			return &Lock{Key: key, Owner: owner, AcquiredAt: time.Now(), TTL: ttl}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Extend implements Manager.
func (m *Memory) Extend(ctx context.Context, l *Lock, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[l.Key]
	if !ok || lease.owner != l.Owner || time.Now().After(lease.expires) {
		return ErrNotHeld
	}
	lease.expires = time.Now().Add(ttl)
	l.TTL = ttl
	return nil
}

// Release implements Manager.
func (m *Memory) Release(ctx context.Context, l *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[l.Key]
	if ok && lease.owner == l.Owner {
		delete(m.leases, l.Key)
	}
	return nil
}
