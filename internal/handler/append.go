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

// AppendRequest stores one new message into a mailbox.
type AppendRequest struct {
	MailboxPath  string
	Raw          []byte
	Flags        []imap.Flag
	InternalDate time.Time // zero means now
}

// AppendResult is the APPEND response contract.
type AppendResult struct {
	Status      Status
	UID         imap.UID
	UIDValidity uint32
	ModSeq      uint64
	// RetryAfter is set with StatusRateLimited.
	RetryAfter time.Duration
}

// Append admits the message against quota and the per-user upload budget,
// applies the target mailbox's encryption policy, and inserts through the
// allocator.
func (h *Handlers) Append(ctx context.Context, sess *Session, req AppendRequest) (AppendResult, error) {
	start := time.Now()
	res, err := h.append(ctx, sess, req)
	metrics.RecordCommand("append", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) append(ctx context.Context, sess *Session, req AppendRequest) (AppendResult, error) {
	// Quota headroom first, then the rate limiter, then existence: the
	// precondition order is part of the response contract.
	ok, _, err := h.quota.CanStore(ctx, sess.UserID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("quota check: %w", err)
	}
	if !ok {
		metrics.QuotaRejected.Inc()
		return AppendResult{Status: StatusOverQuota}, nil
	}

	allowed, retryAfter, err := h.limiter.AllowBytes(ctx, sess.UserID, int64(len(req.Raw)))
	if err != nil {
		return AppendResult{}, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		metrics.RateLimited.Inc()
		return AppendResult{Status: StatusRateLimited, RetryAfter: retryAfter}, nil
	}

	mb, err := h.db.Mailboxes().ByPath(ctx, sess.UserID, req.MailboxPath)
	if errors.Is(err, store.ErrNotFound) {
		return AppendResult{Status: StatusTryCreate}, nil
	}
	if err != nil {
		return AppendResult{}, fmt.Errorf("resolve mailbox: %w", err)
	}

	raw := req.Raw
	attachments := parseAttachments(raw)
	encrypted := false
	if mb.EncryptMessages && h.enc != nil {
		sealed, err := h.enc.Encrypt(sess.UserID, raw)
		if err != nil {
			return AppendResult{}, fmt.Errorf("encrypt message: %w", err)
		}
		raw = sealed
		encrypted = true
	}

	bodyKey, err := h.blobs.Put(sess.UserID, raw)
	if err != nil {
		return AppendResult{}, fmt.Errorf("store body: %w", err)
	}

	uid, modseq, err := h.db.Mailboxes().AllocateUID(ctx, mb.ID)
	if err != nil {
		h.discardBody(ctx, sess.UserID, bodyKey)
		if errors.Is(err, store.ErrMailboxGone) {
			return AppendResult{Status: StatusTryCreate}, nil
		}
		return AppendResult{}, fmt.Errorf("allocate uid: %w", err)
	}

	now := time.Now().UTC()
	idate := req.InternalDate
	if idate.IsZero() {
		idate = now
	}
	msg := &store.Message{
		ID:           store.NewID(),
		MailboxID:    mb.ID,
		UserID:       sess.UserID,
		UID:          uid,
		ModSeq:       modseq,
		Flags:        append([]imap.Flag(nil), req.Flags...),
		Size:         int64(len(raw)),
		InternalDate: idate,
		Searchable:   true,
		Junk:         mb.IsJunk(),
		Encrypted:    encrypted,
		BodyKey:      bodyKey,
		Attachments:  attachments,
	}
	if msg.HasFlag(imap.FlagDeleted) {
		msg.Searchable = false
	}
	if exp, ok := mb.Retention(now); ok {
		msg.Expires = exp
	}
	msg.AddEvent("imap append", "stored via IMAP APPEND")

	if err := h.db.Messages().Insert(ctx, msg); err != nil {
		h.discardBody(ctx, sess.UserID, bodyKey)
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}
	if err := h.db.Messages().AddAttachmentRefs(ctx, msg.Attachments, 1); err != nil {
		h.log.WarnContext(ctx, "attachment ref update failed", "message_id", msg.ID, "error", err.Error())
	}

	metrics.MessagesAppended.Inc()
	h.quota.Adjust(sess.UserID, msg.Size)
	h.notifier.Fire(ctx, notify.Event{
		UserID:    sess.UserID,
		MailboxID: mb.ID,
		Path:      mb.Path,
		Type:      notify.EventExists,
		UIDs:      []imap.UID{uid},
		ModSeq:    modseq,
	})

	return AppendResult{Status: StatusOK, UID: uid, UIDValidity: mb.UIDValidity, ModSeq: modseq}, nil
}

// discardBody removes a body blob written for a message record that never
// made it into the store.
func (h *Handlers) discardBody(ctx context.Context, userID, bodyKey string) {
	if err := h.blobs.Delete(userID, bodyKey); err != nil {
		h.log.WarnContext(ctx, "orphaned body cleanup failed", "body_key", bodyKey, "error", err.Error())
	}
}
