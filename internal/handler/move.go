package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailstore/internal/metrics"
	"github.com/fenilsonani/mailstore/internal/store"
)

// Move is copy-then-delete-from-source under a single mailbox write lock on
// the source, so it cannot interleave with a concurrent EXPUNGE there. The
// inner copy logic's protocol-level status is surfaced verbatim.
func (h *Handlers) Move(ctx context.Context, sess *Session, req CopyRequest) (CopyResult, error) {
	start := time.Now()
	res, err := h.move(ctx, sess, req)
	metrics.RecordCommand("move", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) move(ctx context.Context, sess *Session, req CopyRequest) (CopyResult, error) {
	src, dst, status, err := h.copyPreconditions(ctx, sess, req)
	if err != nil {
		return CopyResult{}, err
	}
	if status != StatusOK {
		return CopyResult{Status: status}, nil
	}

	lockStart := time.Now()
	l, keeper, err := h.acquireMailboxLock(ctx, src.ID, h.cfg.MoveLockTTL)
	metrics.LockWaitDuration.Observe(time.Since(lockStart).Seconds())
	if err != nil {
		return CopyResult{}, fmt.Errorf("acquire source lock: %w", err)
	}
	defer h.releaseMailboxLock(l, keeper)

	stop := h.startProgress(sess, "MOVE")
	defer stop()

	res, removals, err := h.copyStream(ctx, sess, src, dst, req.UIDs, modeMove)
	if err != nil {
		return res, err
	}
	if keeper.Lost() {
		metrics.LockExtensionFailures.Inc()
	}

	// Originals are removed inside the lock. A failure here leaves the
	// copies in place; the source scan is resumable by UID range.
	var removedSize int64
	for _, r := range removals {
		if err := h.removeMessage(ctx, r.msg); err != nil {
			h.quota.Adjust(sess.UserID, -removedSize)
			return res, fmt.Errorf("remove moved original uid %d: %w", uint32(r.msg.UID), err)
		}
		removedSize += r.msg.Size
	}
	if removedSize > 0 {
		h.quota.Adjust(sess.UserID, -removedSize)
	}
	if len(removals) > 0 {
		if _, err := h.db.Mailboxes().BumpModSeq(ctx, src.ID); err != nil && !errors.Is(err, store.ErrMailboxGone) {
			h.log.WarnContext(ctx, "modseq bump failed after move", "mailbox_id", src.ID, "error", err.Error())
		}
	}
	return res, nil
}

// removeMessage deletes a message document, its body blob and its
// attachment references.
func (h *Handlers) removeMessage(ctx context.Context, msg *store.Message) error {
	if err := h.db.Messages().Delete(ctx, msg.ID); err != nil {
		return err
	}
	if err := h.blobs.Delete(msg.UserID, msg.BodyKey); err != nil {
		h.log.WarnContext(ctx, "body blob delete failed", "message_id", msg.ID, "error", err.Error())
	}
	if err := h.db.Messages().AddAttachmentRefs(ctx, msg.Attachments, -1); err != nil {
		h.log.WarnContext(ctx, "attachment deref failed", "message_id", msg.ID, "error", err.Error())
	}
	return nil
}
