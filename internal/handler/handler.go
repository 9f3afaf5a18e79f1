// Package handler implements the mailbox command handlers: one per IMAP
// verb, orchestrating the document store, quota ledger, lock manager and
// notifier into the verb's response contract.
//
// Precondition failures (missing mailbox, over quota, rate limit) are not Go
// errors: they come back as a Status inside the result, matching a specific
// protocol-level response. The error return is reserved for transport and
// database failures, which the protocol layer turns into a generic server
// error.
package handler

import (
	"context"
	"time"

	"github.com/fenilsonani/mailstore/internal/archive"
	"github.com/fenilsonani/mailstore/internal/blob"
	"github.com/fenilsonani/mailstore/internal/crypt"
	"github.com/fenilsonani/mailstore/internal/lock"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/notify"
	"github.com/fenilsonani/mailstore/internal/quota"
	"github.com/fenilsonani/mailstore/internal/ratelimit"
	"github.com/fenilsonani/mailstore/internal/store"
)

// Status is the protocol-level outcome of a command.
type Status string

const (
	// StatusOK is a successful command.
	StatusOK Status = "OK"
	// StatusNonexistent means the addressed mailbox does not exist.
	StatusNonexistent Status = "NONEXISTENT"
	// StatusTryCreate means the operation's target container does not
	// exist; the caller may create it and retry.
	StatusTryCreate Status = "TRYCREATE"
	// StatusOverQuota means the user's storage admission check failed.
	StatusOverQuota Status = "OVERQUOTA"
	// StatusCannot means the operation is not permitted on this mailbox.
	StatusCannot Status = "CANNOT"
	// StatusRateLimited means the upload budget is exhausted; the result
	// carries a retry-after duration.
	StatusRateLimited Status = "RATELIMITED"
)

// LineWriter is a session's live write-stream for unsolicited responses.
type LineWriter interface {
	WriteLine(line string) error
}

// Session identifies the calling client connection.
type Session struct {
	ID     string
	UserID string
	// Writer receives unsolicited lines (expunge notices, progress
	// signals). May be nil for callers without a live stream.
	Writer LineWriter
	// Alive reports whether the client connection is still up. Checked
	// between per-message loop iterations so an aborted client stops a
	// long operation promptly. Nil means always alive.
	Alive func() bool
}

func (s *Session) alive() bool {
	if s == nil || s.Alive == nil {
		return true
	}
	return s.Alive()
}

// writeLine pushes an unsolicited line, best-effort.
func (s *Session) writeLine(line string) {
	if s == nil || s.Writer == nil {
		return
	}
	_ = s.Writer.WriteLine(line)
}

// Config tunes handler timing.
type Config struct {
	// ExpungeLockTTL is the lease TTL for EXPUNGE.
	ExpungeLockTTL time.Duration
	// MoveLockTTL is the lease TTL for MOVE.
	MoveLockTTL time.Duration
	// LockWait is the acquisition budget before a retryable timeout.
	LockWait time.Duration
	// ProgressAfter is how long a streaming operation runs before the
	// handler starts emitting still-processing signals.
	ProgressAfter time.Duration
	// ProgressEvery is the interval between still-processing signals.
	ProgressEvery time.Duration
}

// DefaultConfig returns production timing.
func DefaultConfig() Config {
	return Config{
		ExpungeLockTTL: 3 * time.Minute,
		MoveLockTTL:    5 * time.Minute,
		LockWait:       30 * time.Second,
		ProgressAfter:  10 * time.Second,
		ProgressEvery:  15 * time.Second,
	}
}

// Handlers bundles the collaborators every verb needs.
type Handlers struct {
	db       store.DB
	blobs    *blob.Store
	locks    lock.Manager
	quota    *quota.Ledger
	limiter  ratelimit.ByteLimiter
	notifier *notify.Notifier
	enc      *crypt.Encryptor // nil disables mailbox encryption policy
	archiver archive.Archiver
	cfg      Config
	log      *logging.Logger
}

// New constructs the handler set. enc may be nil; archiver defaults to a nop
// when nil.
func New(db store.DB, blobs *blob.Store, locks lock.Manager, ledger *quota.Ledger,
	limiter ratelimit.ByteLimiter, notifier *notify.Notifier, enc *crypt.Encryptor,
	archiver archive.Archiver, cfg Config, log *logging.Logger) *Handlers {
	if archiver == nil {
		archiver = archive.Nop{}
	}
	return &Handlers{
		db:       db,
		blobs:    blobs,
		locks:    locks,
		quota:    ledger,
		limiter:  limiter,
		notifier: notifier,
		enc:      enc,
		archiver: archiver,
		cfg:      cfg,
		log:      log.Handler(),
	}
}

// startProgress emits still-processing signals on the session while a
// streaming operation runs long. The returned stop function is safe to call
// on every exit path.
func (h *Handlers) startProgress(sess *Session, verb string) (stop func()) {
	if sess == nil || sess.Writer == nil || h.cfg.ProgressEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(h.cfg.ProgressAfter)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
		}
		ticker := time.NewTicker(h.cfg.ProgressEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sess.writeLine("* OK [INPROGRESS] " + verb + " still processing")
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

// acquireMailboxLock takes the write lock serializing destructive operations
// on a mailbox and starts the extension keeper.
func (h *Handlers) acquireMailboxLock(ctx context.Context, mailboxID string, ttl time.Duration) (*lock.Lock, *lock.Keeper, error) {
	l, err := h.locks.Acquire(ctx, lock.MailboxWriteKey(mailboxID), ttl, h.cfg.LockWait)
	if err != nil {
		return nil, nil, err
	}
	keeper := lock.NewKeeper(h.locks, l, h.log.Lock())
	return l, keeper, nil
}

// releaseMailboxLock stops the keeper and drops the lease on any exit path.
func (h *Handlers) releaseMailboxLock(l *lock.Lock, keeper *lock.Keeper) {
	keeper.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.locks.Release(ctx, l); err != nil {
		h.log.Warn("failed to release mailbox lock", "key", l.Key, "error", err.Error())
	}
}
