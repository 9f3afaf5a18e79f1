package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/mailstore/internal/store"
)

func newMailbox(t *testing.T, db *DB, userID, path string) *store.Mailbox {
	t.Helper()
	mb := &store.Mailbox{UserID: userID, Path: path}
	if err := db.Mailboxes().Create(context.Background(), mb); err != nil {
		t.Fatalf("Mailboxes.Create(%s) error = %v", path, err)
	}
	return mb
}

func insertMessage(t *testing.T, db *DB, m *store.Message) *store.Message {
	t.Helper()
	if err := db.Messages().Insert(context.Background(), m); err != nil {
		t.Fatalf("Messages.Insert(uid=%d) error = %v", uint32(m.UID), err)
	}
	return m
}

func TestMailboxCreateDefaults(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "INBOX")

	if mb.ID == "" {
		t.Error("Create did not assign an ID")
	}
	if mb.UIDValidity == 0 {
		t.Error("Create did not assign a uidvalidity")
	}
	if mb.UIDNext != 1 {
		t.Errorf("UIDNext = %d, want 1", uint32(mb.UIDNext))
	}
	if mb.CreatedAt.IsZero() {
		t.Error("Create did not stamp CreatedAt")
	}
}

func TestMailboxCreateDuplicatePath(t *testing.T) {
	db := New()
	newMailbox(t, db, "u1", "INBOX")
	err := db.Mailboxes().Create(context.Background(), &store.Mailbox{UserID: "u1", Path: "INBOX"})
	if !errors.Is(err, store.ErrExists) {
		t.Errorf("duplicate Create error = %v, want ErrExists", err)
	}
	// Same path under another user is fine.
	if err := db.Mailboxes().Create(context.Background(), &store.Mailbox{UserID: "u2", Path: "INBOX"}); err != nil {
		t.Errorf("Create for other user error = %v", err)
	}
}

func TestAllocateUIDMonotonic(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "INBOX")
	ctx := context.Background()

	var lastModSeq uint64
	for want := imap.UID(1); want <= 5; want++ {
		uid, modseq, err := db.Mailboxes().AllocateUID(ctx, mb.ID)
		if err != nil {
			t.Fatalf("AllocateUID() error = %v", err)
		}
		if uid != want {
			t.Errorf("uid = %d, want %d", uint32(uid), uint32(want))
		}
		if modseq <= lastModSeq {
			t.Errorf("modseq = %d, want > %d", modseq, lastModSeq)
		}
		lastModSeq = modseq
	}

	got, err := db.Mailboxes().ByID(ctx, mb.ID)
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	if got.UIDNext != 6 {
		t.Errorf("UIDNext = %d, want 6", uint32(got.UIDNext))
	}
}

func TestAllocateUIDGoneMailbox(t *testing.T) {
	db := New()
	if _, _, err := db.Mailboxes().AllocateUID(context.Background(), "nope"); !errors.Is(err, store.ErrMailboxGone) {
		t.Errorf("AllocateUID() error = %v, want ErrMailboxGone", err)
	}
	if _, err := db.Mailboxes().BumpModSeq(context.Background(), "nope"); !errors.Is(err, store.ErrMailboxGone) {
		t.Errorf("BumpModSeq() error = %v, want ErrMailboxGone", err)
	}
}

func TestRenamePreservesRecord(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "Old")
	newMailbox(t, db, "u1", "Taken")
	ctx := context.Background()

	if err := db.Mailboxes().Rename(ctx, mb.ID, "Taken"); !errors.Is(err, store.ErrExists) {
		t.Errorf("Rename onto existing path error = %v, want ErrExists", err)
	}
	if err := db.Mailboxes().Rename(ctx, mb.ID, "New"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	got, err := db.Mailboxes().ByPath(ctx, "u1", "New")
	if err != nil {
		t.Fatalf("ByPath(New) error = %v", err)
	}
	if got.ID != mb.ID {
		t.Errorf("rename changed identity %s -> %s", mb.ID, got.ID)
	}
	if got.ModifyIndex != mb.ModifyIndex+1 {
		t.Errorf("ModifyIndex = %d, want %d", got.ModifyIndex, mb.ModifyIndex+1)
	}
}

func TestInsertRejectsDuplicateUID(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "INBOX")
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 1})

	err := db.Messages().Insert(context.Background(), &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 1})
	if !errors.Is(err, store.ErrExists) {
		t.Errorf("duplicate uid Insert error = %v, want ErrExists", err)
	}
}

func TestScanOrdersByUID(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "INBOX")
	ctx := context.Background()
	for _, uid := range []imap.UID{5, 2, 9, 1, 7} {
		insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: uid})
	}

	cur, err := db.Messages().Scan(ctx, mb.ID, store.ScanQuery{})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	defer cur.Close()
	var got []imap.UID
	for cur.Next(ctx) {
		got = append(got, cur.Message().UID)
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor error = %v", err)
	}
	want := []imap.UID{1, 2, 5, 7, 9}
	if len(got) != len(want) {
		t.Fatalf("scanned UIDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scanned[%d] = %d, want %d", i, uint32(got[i]), uint32(want[i]))
		}
	}
}

func TestScanFilters(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "INBOX")
	ctx := context.Background()
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 1})
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 2, Flags: []imap.Flag{imap.FlagDeleted}})
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 3})
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 4, Flags: []imap.Flag{imap.FlagDeleted}})

	collect := func(q store.ScanQuery) []imap.UID {
		t.Helper()
		cur, err := db.Messages().Scan(ctx, mb.ID, q)
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		defer cur.Close()
		var uids []imap.UID
		for cur.Next(ctx) {
			uids = append(uids, cur.Message().UID)
		}
		return uids
	}

	if got := collect(store.ScanQuery{DeletedOnly: true}); len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Errorf("DeletedOnly scan = %v, want [2 4]", got)
	}

	var set imap.UIDSet
	set.AddRange(2, 3)
	if got := collect(store.ScanQuery{UIDs: set}); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("UIDSet scan = %v, want [2 3]", got)
	}
}

func TestScanSkipsConcurrentlyDeleted(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "INBOX")
	ctx := context.Background()
	m1 := insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 1})
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 2})

	cur, err := db.Messages().Scan(ctx, mb.ID, store.ScanQuery{})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	defer cur.Close()
	if err := db.Messages().Delete(ctx, m1.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	var got []imap.UID
	for cur.Next(ctx) {
		got = append(got, cur.Message().UID)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("scan after delete = %v, want [2]", got)
	}
}

func TestCounts(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "INBOX")
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 1, Size: 10, Flags: []imap.Flag{imap.FlagSeen}})
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 2, Size: 20})
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 3, Size: 30, Flags: []imap.Flag{imap.FlagDeleted}})

	counts, err := db.Messages().Counts(context.Background(), mb.ID)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	want := store.MailboxCounts{Messages: 3, Unseen: 2, Deleted: 1, Size: 60}
	if counts != want {
		t.Errorf("Counts() = %+v, want %+v", counts, want)
	}
}

func TestDeleteAll(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "INBOX")
	other := newMailbox(t, db, "u1", "Other")
	ctx := context.Background()
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 1, Size: 10})
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 2, Size: 15})
	insertMessage(t, db, &store.Message{MailboxID: other.ID, UserID: "u1", UID: 1, Size: 99})

	n, size, err := db.Messages().DeleteAll(ctx, mb.ID)
	if err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if n != 2 || size != 25 {
		t.Errorf("DeleteAll() = (%d, %d), want (2, 25)", n, size)
	}
	uids, err := db.Messages().UIDs(ctx, other.ID)
	if err != nil {
		t.Fatalf("UIDs() error = %v", err)
	}
	if len(uids) != 1 {
		t.Errorf("other mailbox lost messages: %v", uids)
	}
}

func TestAdjustStorageClampsAtZero(t *testing.T) {
	db := New()
	ctx := context.Background()
	if err := db.Users().Create(ctx, &store.User{ID: "u1"}); err != nil {
		t.Fatalf("Users.Create() error = %v", err)
	}
	if err := db.Users().AdjustStorageUsed(ctx, "u1", 100); err != nil {
		t.Fatalf("AdjustStorageUsed() error = %v", err)
	}
	if err := db.Users().AdjustStorageUsed(ctx, "u1", -250); err != nil {
		t.Fatalf("AdjustStorageUsed() error = %v", err)
	}
	u, err := db.Users().Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if u.StorageUsed != 0 {
		t.Errorf("StorageUsed = %d, want clamp at 0", u.StorageUsed)
	}
}

func TestRecalculateStorage(t *testing.T) {
	db := New()
	ctx := context.Background()
	if err := db.Users().Create(ctx, &store.User{ID: "u1", StorageUsed: 9999}); err != nil {
		t.Fatalf("Users.Create() error = %v", err)
	}
	mb := newMailbox(t, db, "u1", "INBOX")
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 1, Size: 40})
	insertMessage(t, db, &store.Message{MailboxID: mb.ID, UserID: "u1", UID: 2, Size: 2})

	total, err := db.Users().RecalculateStorage(ctx, "u1")
	if err != nil {
		t.Fatalf("RecalculateStorage() error = %v", err)
	}
	if total != 42 {
		t.Errorf("RecalculateStorage() = %d, want 42", total)
	}
	u, _ := db.Users().Get(ctx, "u1")
	if u.StorageUsed != 42 {
		t.Errorf("StorageUsed = %d, want 42", u.StorageUsed)
	}
}

func TestAttachmentRefCounting(t *testing.T) {
	db := New()
	ctx := context.Background()
	refs := []store.AttachmentRef{{ID: "blob-a", Size: 10}, {ID: "blob-b", Size: 20}}

	if err := db.Messages().AddAttachmentRefs(ctx, refs, 1); err != nil {
		t.Fatalf("AddAttachmentRefs(+1) error = %v", err)
	}
	if err := db.Messages().AddAttachmentRefs(ctx, refs[:1], 1); err != nil {
		t.Fatalf("AddAttachmentRefs(+1) error = %v", err)
	}
	if got := db.AttachmentRefCount("blob-a"); got != 2 {
		t.Errorf("blob-a refcount = %d, want 2", got)
	}
	if err := db.Messages().AddAttachmentRefs(ctx, refs, -1); err != nil {
		t.Fatalf("AddAttachmentRefs(-1) error = %v", err)
	}
	if got := db.AttachmentRefCount("blob-a"); got != 1 {
		t.Errorf("blob-a refcount = %d, want 1", got)
	}
	// Dropping the last reference removes the entry entirely.
	if got := db.AttachmentRefCount("blob-b"); got != 0 {
		t.Errorf("blob-b refcount = %d, want 0", got)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	db := New()
	mb := newMailbox(t, db, "u1", "INBOX")
	ctx := context.Background()

	got, err := db.Mailboxes().ByID(ctx, mb.ID)
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	got.Path = "Mutated"
	again, err := db.Mailboxes().ByPath(ctx, "u1", "INBOX")
	if err != nil {
		t.Errorf("mutating a returned record changed the store: %v", err)
	} else if again.Path != "INBOX" {
		t.Errorf("stored path = %s, want INBOX", again.Path)
	}
}
