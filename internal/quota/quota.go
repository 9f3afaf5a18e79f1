// Package quota tracks per-user storage. Admission checks read the running
// total synchronously; adjustments after mutations run detached and
// best-effort, so an accounting failure never fails an otherwise-successful
// operation.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/store"
)

// Usage is a user's quota position.
type Usage struct {
	Used  int64
	Limit int64 // 0 means unlimited
}

// Over reports whether the user is over quota. A user exactly at the limit
// is not over; admission only rejects once the total exceeds it.
func (u Usage) Over() bool {
	return u.Limit > 0 && u.Used > u.Limit
}

// Ledger is the storage accounting sink.
type Ledger struct {
	users store.Users
	log   *logging.Logger

	// adjustTimeout bounds each detached adjustment.
	adjustTimeout time.Duration
	wg            sync.WaitGroup
}

// NewLedger returns a ledger over the given user collection.
func NewLedger(users store.Users, log *logging.Logger) *Ledger {
	return &Ledger{
		users:         users,
		log:           log.Quota(),
		adjustTimeout: 10 * time.Second,
	}
}

// Usage returns the user's current quota position.
func (l *Ledger) Usage(ctx context.Context, userID string) (Usage, error) {
	u, err := l.users.Get(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Used: u.StorageUsed, Limit: u.Quota}, nil
}

// CanStore is the admission check run before APPEND and COPY.
func (l *Ledger) CanStore(ctx context.Context, userID string) (bool, Usage, error) {
	usage, err := l.Usage(ctx, userID)
	if err != nil {
		return false, usage, err
	}
	return !usage.Over(), usage, nil
}

// Adjust applies delta to the user's running total in a detached task. The
// caller's success path never waits on it; failures are logged and swallowed.
func (l *Ledger) Adjust(userID string, delta int64) {
	if delta == 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.adjustTimeout)
		defer cancel()
		if err := l.users.AdjustStorageUsed(ctx, userID, delta); err != nil {
			l.log.Warn("quota adjustment failed", "user_id", userID, "delta", delta, "error", err.Error())
		}
	}()
}

// Recalculate recomputes the user's total from stored messages. Convergence
// tool for the eventually-consistent ledger.
func (l *Ledger) Recalculate(ctx context.Context, userID string) (int64, error) {
	return l.users.RecalculateStorage(ctx, userID)
}

// Wait blocks until all detached adjustments have settled. Test and shutdown
// helper.
func (l *Ledger) Wait() {
	l.wg.Wait()
}
