// Package lock provides TTL-leased mutual exclusion keyed per mailbox.
// Destructive whole-mailbox operations (EXPUNGE, MOVE) take a lock here;
// holders of long-running operations extend the lease with a Keeper.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	// ErrTimeout is returned when a lock cannot be acquired within the wait
	// budget. Retryable by the caller's policy.
	ErrTimeout = errors.New("lock wait timeout")
	// ErrNotHeld is returned by Extend and Release when the lease already
	// expired or is owned by someone else.
	ErrNotHeld = errors.New("lock not held")
)

// Lock is a held lease.
type Lock struct {
	Key        string
	Owner      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Manager acquires, extends and releases leases.
type Manager interface {
	// Acquire blocks up to wait for the lease. ErrTimeout past the budget.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error)
	// Extend resets the lease TTL. ErrNotHeld when the lease was lost.
	Extend(ctx context.Context, l *Lock, ttl time.Duration) error
	// Release drops the lease. Releasing a lost lease is not an error.
	Release(ctx context.Context, l *Lock) error
}

// MailboxWriteKey returns the lease key serializing destructive writes to a
// mailbox.
func MailboxWriteKey(mailboxID string) string {
	return "mailbox-write:" + mailboxID
}

func newOwner() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
