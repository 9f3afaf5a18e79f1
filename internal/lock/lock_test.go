package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryAcquireRelease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "k", time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.Key != "k" || l.Owner == "" {
		t.Errorf("lock = %+v, want key k and an owner token", l)
	}

	// Second acquisition must time out while the lease is held.
	if _, err := m.Acquire(ctx, "k", time.Second, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("concurrent Acquire() error = %v, want ErrTimeout", err)
	}

	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	l2, err := m.Acquire(ctx, "k", time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	m.Release(ctx, l2)
}

func TestMemoryLeaseExpires(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "k", 10*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// Past the TTL the key is up for grabs without a release.
	l, err := m.Acquire(ctx, "k", time.Second, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	m.Release(ctx, l)
}

func TestMemoryExtend(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "k", 50*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := m.Extend(ctx, l, time.Second); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if l.TTL != time.Second {
		t.Errorf("TTL = %v, want 1s after extension", l.TTL)
	}
	m.Release(ctx, l)

	// Extending a released lease reports ErrNotHeld.
	if err := m.Extend(ctx, l, time.Second); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Extend() after release error = %v, want ErrNotHeld", err)
	}
}

func TestMemoryExtendForeignOwner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "k", time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	stolen := &Lock{Key: "k", Owner: "someone-else", TTL: time.Second}
	if err := m.Extend(ctx, stolen, time.Second); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Extend() with foreign owner error = %v, want ErrNotHeld", err)
	}
	// Releasing with a foreign owner must not drop the real lease.
	if err := m.Release(ctx, stolen); err != nil {
		t.Fatalf("Release() with foreign owner error = %v", err)
	}
	if _, err := m.Acquire(ctx, "k", time.Second, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Error("foreign release dropped the held lease")
	}
	m.Release(ctx, l)
}

func TestMailboxWriteKey(t *testing.T) {
	if got := MailboxWriteKey("abc"); got != "mailbox-write:abc" {
		t.Errorf("MailboxWriteKey() = %q", got)
	}
}

// countingManager wraps Memory and records Extend calls, optionally failing
// them.
type countingManager struct {
	Manager
	mu      sync.Mutex
	extends int
	fail    bool
}

func (c *countingManager) Extend(ctx context.Context, l *Lock, ttl time.Duration) error {
	c.mu.Lock()
	c.extends++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return ErrNotHeld
	}
	return c.Manager.Extend(ctx, l, ttl)
}

func (c *countingManager) extendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extends
}

func TestKeeperExtends(t *testing.T) {
	mgr := &countingManager{Manager: NewMemory()}
	ctx := context.Background()
	l, err := mgr.Acquire(ctx, "k", 50*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	k := NewKeeper(mgr, l, nil)
	time.Sleep(150 * time.Millisecond)
	k.Stop()

	if mgr.extendCount() == 0 {
		t.Error("keeper never extended the lease")
	}
	if k.Lost() {
		t.Error("Lost() = true with successful extensions")
	}
	mgr.Release(ctx, l)
}

func TestKeeperLostOnExtensionFailure(t *testing.T) {
	mgr := &countingManager{Manager: NewMemory(), fail: true}
	ctx := context.Background()
	l, err := mgr.Acquire(ctx, "k", 50*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	k := NewKeeper(mgr, l, nil)
	time.Sleep(150 * time.Millisecond)
	k.Stop()

	if !k.Lost() {
		t.Error("Lost() = false after a failed extension")
	}
}

func TestKeeperStopIdempotent(t *testing.T) {
	mgr := NewMemory()
	l, err := mgr.Acquire(context.Background(), "k", time.Minute, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	k := NewKeeper(mgr, l, nil)
	k.Stop()
	k.Stop() // must not panic or hang
}
