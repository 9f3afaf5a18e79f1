package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/mailstore/internal/metrics"
	"github.com/fenilsonani/mailstore/internal/quota"
	"github.com/fenilsonani/mailstore/internal/store"
)

// StatusResult is the STATUS response contract: counters read without a
// lock, so concurrent mutations may skew them by in-flight messages.
type StatusResult struct {
	Status      Status
	Messages    int64
	Unseen      int64
	Deleted     int64
	Size        int64
	UIDNext     imap.UID
	UIDValidity uint32
	ModSeq      uint64
}

// MailboxStatus reads a mailbox's counters and consistency tokens.
func (h *Handlers) MailboxStatus(ctx context.Context, sess *Session, path string) (StatusResult, error) {
	start := time.Now()
	res, err := h.mailboxStatus(ctx, sess, path)
	metrics.RecordCommand("status", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) mailboxStatus(ctx context.Context, sess *Session, path string) (StatusResult, error) {
	mb, err := h.db.Mailboxes().ByPath(ctx, sess.UserID, path)
	if errors.Is(err, store.ErrNotFound) {
		return StatusResult{Status: StatusNonexistent}, nil
	}
	if err != nil {
		return StatusResult{}, fmt.Errorf("resolve mailbox: %w", err)
	}
	counts, err := h.db.Messages().Counts(ctx, mb.ID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("count messages: %w", err)
	}
	return StatusResult{
		Status:      StatusOK,
		Messages:    counts.Messages,
		Unseen:      counts.Unseen,
		Deleted:     counts.Deleted,
		Size:        counts.Size,
		UIDNext:     mb.UIDNext,
		UIDValidity: mb.UIDValidity,
		ModSeq:      mb.ModifyIndex,
	}, nil
}

// QuotaRootResult is the GETQUOTAROOT response contract. Every mailbox of a
// user shares the single per-user storage root.
type QuotaRootResult struct {
	Status Status
	Root   string
	Usage  quota.Usage
}

// QuotaRoot reports the user's storage quota position for a mailbox.
func (h *Handlers) QuotaRoot(ctx context.Context, sess *Session, path string) (QuotaRootResult, error) {
	start := time.Now()
	res, err := h.quotaRoot(ctx, sess, path)
	metrics.RecordCommand("getquotaroot", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) quotaRoot(ctx context.Context, sess *Session, path string) (QuotaRootResult, error) {
	_, err := h.db.Mailboxes().ByPath(ctx, sess.UserID, path)
	if errors.Is(err, store.ErrNotFound) {
		return QuotaRootResult{Status: StatusNonexistent}, nil
	}
	if err != nil {
		return QuotaRootResult{}, fmt.Errorf("resolve mailbox: %w", err)
	}
	usage, err := h.quota.Usage(ctx, sess.UserID)
	if err != nil {
		return QuotaRootResult{}, fmt.Errorf("read quota: %w", err)
	}
	return QuotaRootResult{Status: StatusOK, Root: "", Usage: usage}, nil
}

// OpenResult is the OPEN/SELECT response contract: the mailbox's consistency
// tokens plus its UID working set, ascending and de-duplicated.
type OpenResult struct {
	Status      Status
	MailboxID   string
	UIDValidity uint32
	UIDNext     imap.UID
	ModSeq      uint64
	UIDs        []imap.UID
}

// Open loads a mailbox for a session. Hidden mailboxes cannot be opened.
func (h *Handlers) Open(ctx context.Context, sess *Session, path string) (OpenResult, error) {
	start := time.Now()
	res, err := h.open(ctx, sess, path)
	metrics.RecordCommand("open", string(res.Status), time.Since(start).Seconds())
	return res, err
}

func (h *Handlers) open(ctx context.Context, sess *Session, path string) (OpenResult, error) {
	mb, err := h.db.Mailboxes().ByPath(ctx, sess.UserID, path)
	if errors.Is(err, store.ErrNotFound) {
		return OpenResult{Status: StatusNonexistent}, nil
	}
	if err != nil {
		return OpenResult{}, fmt.Errorf("resolve mailbox: %w", err)
	}
	if mb.Hidden {
		return OpenResult{Status: StatusCannot}, nil
	}
	uids, err := h.db.Messages().UIDs(ctx, mb.ID)
	if err != nil {
		return OpenResult{}, fmt.Errorf("load uid set: %w", err)
	}
	return OpenResult{
		Status:      StatusOK,
		MailboxID:   mb.ID,
		UIDValidity: mb.UIDValidity,
		UIDNext:     mb.UIDNext,
		ModSeq:      mb.ModifyIndex,
		UIDs:        uids,
	}, nil
}
