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

// CreateRequest creates a mailbox.
type CreateRequest struct {
	Path            string
	SpecialUse      imap.MailboxAttr
	RetentionDays   int
	EncryptMessages bool
	Hidden          bool
}

// MailboxResult is the response contract of the directory verbs.
type MailboxResult struct {
	Status      Status
	MailboxID   string
	UIDValidity uint32
}

// Create makes a new mailbox. Creating an existing path reports CANNOT.
func (h *Handlers) Create(ctx context.Context, sess *Session, req CreateRequest) (MailboxResult, error) {
	start := time.Now()
	res, err := h.create(ctx, sess, req)
	metrics.RecordCommand("create", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) create(ctx context.Context, sess *Session, req CreateRequest) (MailboxResult, error) {
	mb := &store.Mailbox{
		UserID:          sess.UserID,
		Path:            req.Path,
		SpecialUse:      req.SpecialUse,
		RetentionDays:   req.RetentionDays,
		EncryptMessages: req.EncryptMessages,
		Hidden:          req.Hidden,
	}
	err := h.db.Mailboxes().Create(ctx, mb)
	if errors.Is(err, store.ErrExists) {
		return MailboxResult{Status: StatusCannot}, nil
	}
	if err != nil {
		return MailboxResult{}, fmt.Errorf("create mailbox: %w", err)
	}
	h.notifier.Fire(ctx, notify.Event{
		UserID: sess.UserID, MailboxID: mb.ID, Path: mb.Path, Type: notify.EventMailbox,
	})
	return MailboxResult{Status: StatusOK, MailboxID: mb.ID, UIDValidity: mb.UIDValidity}, nil
}

// Delete removes a mailbox and cascades to its messages, body blobs and
// attachment references. INBOX cannot be deleted.
func (h *Handlers) Delete(ctx context.Context, sess *Session, path string) (MailboxResult, error) {
	start := time.Now()
	res, err := h.delete(ctx, sess, path)
	metrics.RecordCommand("delete", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) delete(ctx context.Context, sess *Session, path string) (MailboxResult, error) {
	if path == "INBOX" {
		return MailboxResult{Status: StatusCannot}, nil
	}
	mb, err := h.db.Mailboxes().ByPath(ctx, sess.UserID, path)
	if errors.Is(err, store.ErrNotFound) {
		return MailboxResult{Status: StatusNonexistent}, nil
	}
	if err != nil {
		return MailboxResult{}, fmt.Errorf("resolve mailbox: %w", err)
	}

	// Deref attachments and drop blobs before the bulk delete; the scan
	// is the only place those references are still reachable.
	cur, err := h.db.Messages().Scan(ctx, mb.ID, store.ScanQuery{})
	if err != nil {
		return MailboxResult{}, fmt.Errorf("scan for cascade: %w", err)
	}
	for cur.Next(ctx) {
		msg := cur.Message()
		if err := h.blobs.Delete(msg.UserID, msg.BodyKey); err != nil {
			h.log.WarnContext(ctx, "body blob delete failed", "message_id", msg.ID, "error", err.Error())
		}
		if err := h.db.Messages().AddAttachmentRefs(ctx, msg.Attachments, -1); err != nil {
			h.log.WarnContext(ctx, "attachment deref failed", "message_id", msg.ID, "error", err.Error())
		}
	}
	if err := cur.Err(); err != nil {
		cur.Close()
		return MailboxResult{}, fmt.Errorf("cascade scan: %w", err)
	}
	cur.Close()

	_, size, err := h.db.Messages().DeleteAll(ctx, mb.ID)
	if err != nil {
		return MailboxResult{}, fmt.Errorf("cascade delete: %w", err)
	}
	if err := h.db.Mailboxes().Delete(ctx, mb.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return MailboxResult{}, fmt.Errorf("delete mailbox: %w", err)
	}

	h.quota.Adjust(sess.UserID, -size)
	h.notifier.Fire(ctx, notify.Event{
		UserID: sess.UserID, MailboxID: mb.ID, Path: mb.Path, Type: notify.EventMailbox,
	})
	return MailboxResult{Status: StatusOK, MailboxID: mb.ID}, nil
}

// Rename changes a mailbox's path in place. Identity, historical UIDs and
// uidvalidity are preserved.
func (h *Handlers) Rename(ctx context.Context, sess *Session, oldPath, newPath string) (MailboxResult, error) {
	start := time.Now()
	res, err := h.rename(ctx, sess, oldPath, newPath)
	metrics.RecordCommand("rename", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) rename(ctx context.Context, sess *Session, oldPath, newPath string) (MailboxResult, error) {
	if oldPath == "INBOX" {
		return MailboxResult{Status: StatusCannot}, nil
	}
	mb, err := h.db.Mailboxes().ByPath(ctx, sess.UserID, oldPath)
	if errors.Is(err, store.ErrNotFound) {
		return MailboxResult{Status: StatusNonexistent}, nil
	}
	if err != nil {
		return MailboxResult{}, fmt.Errorf("resolve mailbox: %w", err)
	}
	err = h.db.Mailboxes().Rename(ctx, mb.ID, newPath)
	if errors.Is(err, store.ErrExists) {
		return MailboxResult{Status: StatusCannot}, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return MailboxResult{Status: StatusNonexistent}, nil
	}
	if err != nil {
		return MailboxResult{}, fmt.Errorf("rename mailbox: %w", err)
	}
	h.notifier.Fire(ctx, notify.Event{
		UserID: sess.UserID, MailboxID: mb.ID, Path: newPath, Type: notify.EventMailbox,
	})
	return MailboxResult{Status: StatusOK, MailboxID: mb.ID, UIDValidity: mb.UIDValidity}, nil
}

// Subscribe flips the subscription flag on. A missing record, including one
// lost to a delete race, reports NONEXISTENT.
func (h *Handlers) Subscribe(ctx context.Context, sess *Session, path string) (MailboxResult, error) {
	return h.setSubscribed(ctx, sess, path, true, "subscribe")
}

// Unsubscribe flips the subscription flag off.
func (h *Handlers) Unsubscribe(ctx context.Context, sess *Session, path string) (MailboxResult, error) {
	return h.setSubscribed(ctx, sess, path, false, "unsubscribe")
}

func (h *Handlers) setSubscribed(ctx context.Context, sess *Session, path string, subscribed bool, verb string) (MailboxResult, error) {
	start := time.Now()
	res, err := h.doSetSubscribed(ctx, sess, path, subscribed)
	metrics.RecordCommand(verb, string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) doSetSubscribed(ctx context.Context, sess *Session, path string, subscribed bool) (MailboxResult, error) {
	mb, err := h.db.Mailboxes().ByPath(ctx, sess.UserID, path)
	if errors.Is(err, store.ErrNotFound) {
		return MailboxResult{Status: StatusNonexistent}, nil
	}
	if err != nil {
		return MailboxResult{}, fmt.Errorf("resolve mailbox: %w", err)
	}
	err = h.db.Mailboxes().SetSubscribed(ctx, mb.ID, subscribed)
	if errors.Is(err, store.ErrNotFound) {
		return MailboxResult{Status: StatusNonexistent}, nil
	}
	if err != nil {
		return MailboxResult{}, fmt.Errorf("update subscription: %w", err)
	}
	h.notifier.Fire(ctx, notify.Event{
		UserID: sess.UserID, MailboxID: mb.ID, Path: mb.Path, Type: notify.EventMailbox,
	})
	return MailboxResult{Status: StatusOK, MailboxID: mb.ID}, nil
}

// List enumerates the user's non-hidden mailboxes sorted by path.
func (h *Handlers) List(ctx context.Context, sess *Session) ([]*store.Mailbox, error) {
	start := time.Now()
	boxes, err := h.db.Mailboxes().List(ctx, sess.UserID, false)
	status := StatusOK
	if err != nil {
		status = Status("ERROR")
	}
	metrics.RecordCommand("list", string(status), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return boxes, nil
}
