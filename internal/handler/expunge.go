package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/mailstore/internal/metrics"
	"github.com/fenilsonani/mailstore/internal/notify"
	"github.com/fenilsonani/mailstore/internal/store"
)

// ExpungeRequest permanently removes a mailbox's soft-deleted messages.
type ExpungeRequest struct {
	MailboxID string
	// Silent suppresses per-message removal notices and the final count.
	Silent bool
}

// ExpungeResult is the EXPUNGE response contract.
type ExpungeResult struct {
	Status  Status
	Removed int
}

// Expunge removes every message flagged \Deleted, oldest UID first, under
// the mailbox write lock. Eligible messages are archived first unless they
// are drafts or copied duplicates. The aggregated quota decrement is applied
// best-effort on every exit path; modseq is bumped and the notifier fired
// only when at least one message was removed, so an empty expunge leaves the
// mailbox's modifyindex untouched.
func (h *Handlers) Expunge(ctx context.Context, sess *Session, req ExpungeRequest) (ExpungeResult, error) {
	start := time.Now()
	res, err := h.expunge(ctx, sess, req)
	metrics.RecordCommand("expunge", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) expunge(ctx context.Context, sess *Session, req ExpungeRequest) (ExpungeResult, error) {
	mb, err := h.db.Mailboxes().ByID(ctx, req.MailboxID)
	if errors.Is(err, store.ErrNotFound) {
		return ExpungeResult{Status: StatusNonexistent}, nil
	}
	if err != nil {
		return ExpungeResult{}, fmt.Errorf("resolve mailbox: %w", err)
	}
	if mb.UserID != sess.UserID {
		return ExpungeResult{Status: StatusNonexistent}, nil
	}

	lockStart := time.Now()
	l, keeper, err := h.acquireMailboxLock(ctx, mb.ID, h.cfg.ExpungeLockTTL)
	metrics.LockWaitDuration.Observe(time.Since(lockStart).Seconds())
	if err != nil {
		return ExpungeResult{}, fmt.Errorf("acquire mailbox lock: %w", err)
	}
	defer h.releaseMailboxLock(l, keeper)

	stop := h.startProgress(sess, "EXPUNGE")
	defer stop()

	var freed int64
	var removedUIDs []imap.UID

	// The aggregated quota delta applies on success and failure alike.
	defer func() {
		if freed > 0 {
			h.quota.Adjust(sess.UserID, -freed)
		}
	}()

	cur, err := h.db.Messages().Scan(ctx, mb.ID, store.ScanQuery{DeletedOnly: true})
	if err != nil {
		return ExpungeResult{}, fmt.Errorf("scan deleted: %w", err)
	}
	defer cur.Close()

	for cur.Next(ctx) {
		if !sess.alive() {
			return ExpungeResult{Removed: len(removedUIDs)}, ErrClientGone
		}
		msg := cur.Message()

		// Drafts and copied duplicates are removed but never archived.
		if !msg.HasFlag(imap.FlagDraft) && !msg.Copied {
			raw, err := h.blobs.Get(msg.UserID, msg.BodyKey)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return ExpungeResult{Removed: len(removedUIDs)}, fmt.Errorf("read body for archive: %w", err)
			}
			if err == nil {
				if err := h.archiver.Archive(ctx, msg, raw); err != nil {
					h.log.WarnContext(ctx, "archive failed, removing anyway",
						"message_id", msg.ID, "error", err.Error())
				}
			}
		}

		if err := h.removeMessage(ctx, msg); err != nil {
			return ExpungeResult{Removed: len(removedUIDs)}, fmt.Errorf("delete message uid %d: %w", uint32(msg.UID), err)
		}
		freed += msg.Size
		removedUIDs = append(removedUIDs, msg.UID)
		metrics.MessagesExpunged.Inc()

		if !req.Silent {
			sess.writeLine(fmt.Sprintf("* VANISHED %d", uint32(msg.UID)))
		}
	}
	if err := cur.Err(); err != nil {
		return ExpungeResult{Removed: len(removedUIDs)}, fmt.Errorf("deleted scan: %w", err)
	}

	if keeper.Lost() {
		metrics.LockExtensionFailures.Inc()
	}

	if len(removedUIDs) > 0 {
		modseq, err := h.db.Mailboxes().BumpModSeq(ctx, mb.ID)
		if err != nil && !errors.Is(err, store.ErrMailboxGone) {
			h.log.WarnContext(ctx, "modseq bump failed after expunge", "mailbox_id", mb.ID, "error", err.Error())
		}
		h.notifier.Fire(ctx, notify.Event{
			UserID:    sess.UserID,
			MailboxID: mb.ID,
			Path:      mb.Path,
			Type:      notify.EventExpunge,
			UIDs:      removedUIDs,
			ModSeq:    modseq,
		})
	}

	return ExpungeResult{Status: StatusOK, Removed: len(removedUIDs)}, nil
}
