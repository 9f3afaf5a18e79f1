package handler

import (
	"context"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/mailstore/internal/store"
)

func TestMailboxStatusCounts(t *testing.T) {
	env := newTestEnv(t)
	u := env.newUser(t, 0)
	mb := env.newMailbox(t, u.ID, "INBOX", nil)
	sess := newSession(u)

	env.append(t, sess, "INBOX", []imap.Flag{imap.FlagSeen}, testMessage)
	env.append(t, sess, "INBOX", nil, testMessage)
	env.append(t, sess, "INBOX", []imap.Flag{imap.FlagDeleted}, testMessage)

	res, err := env.h.MailboxStatus(context.Background(), sess, "INBOX")
	if err != nil {
		t.Fatalf("MailboxStatus() error = %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status = %s, want OK", res.Status)
	}
	if res.Messages != 3 {
		t.Errorf("Messages = %d, want 3", res.Messages)
	}
	if res.Unseen != 2 {
		t.Errorf("Unseen = %d, want 2", res.Unseen)
	}
	if res.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", res.Deleted)
	}
	if res.Size != 3*int64(len(testMessage)) {
		t.Errorf("Size = %d, want %d", res.Size, 3*len(testMessage))
	}
	if res.UIDNext != 4 {
		t.Errorf("UIDNext = %d, want 4", uint32(res.UIDNext))
	}
	if res.UIDValidity != mb.UIDValidity {
		t.Errorf("UIDValidity = %d, want %d", res.UIDValidity, mb.UIDValidity)
	}
	if res.ModSeq == 0 {
		t.Error("ModSeq = 0, want the mailbox's modifyindex")
	}
}

func TestMailboxStatusMissingNonexistent(t *testing.T) {
	env := newTestEnv(t)
	u := env.newUser(t, 0)

	res, err := env.h.MailboxStatus(context.Background(), newSession(u), "NoSuchBox")
	if err != nil {
		t.Fatalf("MailboxStatus() error = %v", err)
	}
	if res.Status != StatusNonexistent {
		t.Errorf("status = %s, want NONEXISTENT", res.Status)
	}
}

func TestQuotaRoot(t *testing.T) {
	env := newTestEnv(t)
	u := env.newUser(t, 1000)
	env.newMailbox(t, u.ID, "INBOX", nil)
	sess := newSession(u)
	env.append(t, sess, "INBOX", nil, testMessage)
	env.ledger.Wait()

	res, err := env.h.QuotaRoot(context.Background(), sess, "INBOX")
	if err != nil {
		t.Fatalf("QuotaRoot() error = %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status = %s, want OK", res.Status)
	}
	if res.Usage.Limit != 1000 {
		t.Errorf("Limit = %d, want 1000", res.Usage.Limit)
	}
	if res.Usage.Used != int64(len(testMessage)) {
		t.Errorf("Used = %d, want %d", res.Usage.Used, len(testMessage))
	}
}

func TestOpenLoadsWorkingSet(t *testing.T) {
	env := newTestEnv(t)
	u := env.newUser(t, 0)
	mb := env.newMailbox(t, u.ID, "INBOX", nil)
	sess := newSession(u)
	env.append(t, sess, "INBOX", nil, testMessage)
	env.append(t, sess, "INBOX", nil, testMessage)
	env.append(t, sess, "INBOX", nil, testMessage)

	res, err := env.h.Open(context.Background(), sess, "INBOX")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status = %s, want OK", res.Status)
	}
	if res.MailboxID != mb.ID {
		t.Errorf("MailboxID = %s, want %s", res.MailboxID, mb.ID)
	}
	want := []imap.UID{1, 2, 3}
	if len(res.UIDs) != len(want) {
		t.Fatalf("UIDs = %v, want %v", res.UIDs, want)
	}
	for i := range want {
		if res.UIDs[i] != want[i] {
			t.Errorf("UIDs[%d] = %d, want %d", i, uint32(res.UIDs[i]), uint32(want[i]))
		}
	}
	if res.UIDNext != 4 {
		t.Errorf("UIDNext = %d, want 4", uint32(res.UIDNext))
	}
}

func TestOpenHiddenCannot(t *testing.T) {
	env := newTestEnv(t)
	u := env.newUser(t, 0)
	env.newMailbox(t, u.ID, "Shadow", func(mb *store.Mailbox) { mb.Hidden = true })

	res, err := env.h.Open(context.Background(), newSession(u), "Shadow")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if res.Status != StatusCannot {
		t.Errorf("status = %s, want CANNOT", res.Status)
	}
}
