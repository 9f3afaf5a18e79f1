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

// ErrClientGone aborts a streaming loop when the session's connection died
// mid-operation.
var ErrClientGone = errors.New("client connection gone")

// CopyRequest copies a UID range from a source mailbox to a destination
// path.
type CopyRequest struct {
	SourceMailboxID string
	DestPath        string
	// UIDs selects the source messages. Nil means all.
	UIDs imap.UIDSet
}

// CopyResult is the COPY/MOVE response contract: destination uidvalidity
// plus parallel source/destination UID arrays in copy order.
type CopyResult struct {
	Status      Status
	UIDValidity uint32
	SourceUIDs  []imap.UID
	DestUIDs    []imap.UID
}

type copyMode int

const (
	// modeCopy marks source documents as copied duplicates.
	modeCopy copyMode = iota
	// modeMove collects source documents for removal instead.
	modeMove
)

// Copy copies messages without taking the mailbox write lock: destination
// UID allocation is made safe by the allocator's atomic increment-and-fetch,
// accepting message-granularity interleaving with a concurrent EXPUNGE or
// MOVE on the destination.
//
// There is no rollback: if the destination mailbox vanishes mid-loop the
// operation reports TRYCREATE and messages already copied remain. Clients
// resume via UID ranges.
func (h *Handlers) Copy(ctx context.Context, sess *Session, req CopyRequest) (CopyResult, error) {
	start := time.Now()
	res, err := h.copy(ctx, sess, req, modeCopy)
	metrics.RecordCommand("copy", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) copy(ctx context.Context, sess *Session, req CopyRequest, mode copyMode) (CopyResult, error) {
	src, dst, status, err := h.copyPreconditions(ctx, sess, req)
	if err != nil {
		return CopyResult{}, err
	}
	if status != StatusOK {
		return CopyResult{Status: status}, nil
	}

	stop := h.startProgress(sess, "COPY")
	defer stop()

	res, _, err := h.copyStream(ctx, sess, src, dst, req.UIDs, mode)
	return res, err
}

// removal is a source document queued for deletion by MOVE.
type removal struct {
	msg *store.Message
}

// copyPreconditions checks, in contract order, quota headroom, source
// existence and destination existence.
func (h *Handlers) copyPreconditions(ctx context.Context, sess *Session, req CopyRequest) (*store.Mailbox, *store.Mailbox, Status, error) {
	ok, _, err := h.quota.CanStore(ctx, sess.UserID)
	if err != nil {
		return nil, nil, StatusOK, fmt.Errorf("quota check: %w", err)
	}
	if !ok {
		metrics.QuotaRejected.Inc()
		return nil, nil, StatusOverQuota, nil
	}

	src, err := h.db.Mailboxes().ByID(ctx, req.SourceMailboxID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, StatusNonexistent, nil
	}
	if err != nil {
		return nil, nil, StatusOK, fmt.Errorf("resolve source: %w", err)
	}
	if src.UserID != sess.UserID {
		return nil, nil, StatusNonexistent, nil
	}

	dst, err := h.db.Mailboxes().ByPath(ctx, sess.UserID, req.DestPath)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, StatusTryCreate, nil
	}
	if err != nil {
		return nil, nil, StatusOK, fmt.Errorf("resolve destination: %w", err)
	}
	return src, dst, StatusOK, nil
}

// copyStream runs the per-message copy loop. Whatever way the loop exits,
// the quota ledger is settled once with the aggregate copied size and the
// notifier fires once for the destination path.
func (h *Handlers) copyStream(ctx context.Context, sess *Session, src, dst *store.Mailbox,
	uids imap.UIDSet, mode copyMode) (CopyResult, []removal, error) {

	res := CopyResult{Status: StatusOK, UIDValidity: dst.UIDValidity}
	var removals []removal
	var copiedSize int64
	var destUIDs []imap.UID

	// Settle runs on success, error and abort alike.
	defer func() {
		if copiedSize > 0 {
			h.quota.Adjust(sess.UserID, copiedSize)
		}
		if len(destUIDs) > 0 {
			h.notifier.Fire(context.Background(), notify.Event{
				UserID:    sess.UserID,
				MailboxID: dst.ID,
				Path:      dst.Path,
				Type:      notify.EventExists,
				UIDs:      destUIDs,
			})
		}
	}()

	cur, err := h.db.Messages().Scan(ctx, src.ID, store.ScanQuery{UIDs: uids})
	if err != nil {
		return res, nil, fmt.Errorf("scan source: %w", err)
	}
	defer cur.Close()

	now := time.Now().UTC()
	for cur.Next(ctx) {
		if !sess.alive() {
			res.Status = StatusOK
			return res, removals, ErrClientGone
		}
		msg := cur.Message()

		uid, modseq, err := h.db.Mailboxes().AllocateUID(ctx, dst.ID)
		if errors.Is(err, store.ErrMailboxGone) {
			// Destination deleted mid-loop. Already-copied messages
			// stay; the caller retries after creating the target.
			res.Status = StatusTryCreate
			return res, removals, nil
		}
		if err != nil {
			return res, removals, fmt.Errorf("allocate destination uid: %w", err)
		}

		clone, err := h.cloneForDestination(ctx, msg, dst, uid, modseq, now)
		if err != nil {
			return res, removals, err
		}

		if err := h.db.Messages().Insert(ctx, clone); err != nil {
			h.discardBody(ctx, sess.UserID, clone.BodyKey)
			return res, removals, fmt.Errorf("insert copy: %w", err)
		}
		if err := h.db.Messages().AddAttachmentRefs(ctx, clone.Attachments, 1); err != nil {
			h.log.WarnContext(ctx, "attachment ref update failed", "message_id", clone.ID, "error", err.Error())
		}

		switch mode {
		case modeCopy:
			if err := h.db.Messages().MarkCopied(ctx, msg.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return res, removals, fmt.Errorf("mark source copied: %w", err)
			}
		case modeMove:
			removals = append(removals, removal{msg: msg})
		}

		res.SourceUIDs = append(res.SourceUIDs, msg.UID)
		res.DestUIDs = append(res.DestUIDs, clone.UID)
		destUIDs = append(destUIDs, clone.UID)
		copiedSize += clone.Size
		metrics.MessagesCopied.Inc()
	}
	if err := cur.Err(); err != nil {
		return res, removals, fmt.Errorf("source scan: %w", err)
	}
	return res, removals, nil
}

// cloneForDestination rewrites a source document for the destination
// mailbox: new identity, destination UID/modseq, retention and junk state
// from the destination's policy, and an audit event. When the destination
// encrypts and the source body is plaintext, the body is re-derived from its
// raw form, sealed, and the structure re-parsed before insert.
func (h *Handlers) cloneForDestination(ctx context.Context, msg *store.Message, dst *store.Mailbox,
	uid imap.UID, modseq uint64, now time.Time) (*store.Message, error) {

	clone := msg.Clone()
	clone.ID = store.NewID()
	clone.MailboxID = dst.ID
	clone.UID = uid
	clone.ModSeq = modseq
	clone.Copied = false
	clone.Searchable = !msg.HasFlag(imap.FlagDeleted)
	clone.Junk = dst.IsJunk()
	clone.Expires = time.Time{}
	if exp, ok := dst.Retention(now); ok {
		clone.Expires = exp
	}
	clone.AddEvent("imap copy", "copied via IMAP COPY from "+msg.MailboxID)

	raw, err := h.blobs.Get(msg.UserID, msg.BodyKey)
	if err != nil {
		return nil, fmt.Errorf("read source body: %w", err)
	}

	if dst.EncryptMessages && !msg.Encrypted && h.enc != nil {
		sealed, err := h.enc.Encrypt(msg.UserID, raw)
		if err != nil {
			return nil, fmt.Errorf("encrypt copy: %w", err)
		}
		// Structure is re-derived from the plaintext form before the
		// sealed body replaces it.
		clone.Attachments = parseAttachments(raw)
		raw = sealed
		clone.Encrypted = true
		clone.Size = int64(len(raw))
	}

	bodyKey, err := h.blobs.Put(msg.UserID, raw)
	if err != nil {
		return nil, fmt.Errorf("store copy body: %w", err)
	}
	clone.BodyKey = bodyKey
	return clone, nil
}
