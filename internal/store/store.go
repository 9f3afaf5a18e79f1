// Package store defines the document-store contract the mailbox engine runs
// on: one record type per collection, single-document atomic updates, and
// cursor-based sorted scans. Implementations live in the memory and sqlite
// subpackages.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Common errors
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when a unique key (user+path, mailbox+uid) is
	// already taken.
	ErrExists = errors.New("record already exists")
	// ErrMailboxGone is returned by UID allocation when the mailbox record
	// was deleted concurrently. Callers treat it the same as a missing
	// allocation target (TRYCREATE at the protocol level).
	ErrMailboxGone = errors.New("mailbox gone")
)

// User is the quota-relevant slice of an account. The identity subsystem owns
// the record; this engine only reads Quota and maintains StorageUsed.
type User struct {
	ID          string
	Name        string
	Quota       int64 // bytes; 0 disables quota enforcement
	StorageUsed int64 // bytes, maintained by the quota ledger
	CreatedAt   time.Time
}

// Mailbox is one folder of one user.
type Mailbox struct {
	ID          string
	UserID      string
	Path        string // hierarchical name, unique per user
	UIDValidity uint32
	// UIDNext is the next UID to hand out. Strictly greater than every UID
	// ever assigned in this mailbox, including expunged ones.
	UIDNext imap.UID
	// ModifyIndex is bumped on every state-visible change and stamped on
	// messages as their modseq.
	ModifyIndex     uint64
	Subscribed      bool
	SpecialUse      imap.MailboxAttr // empty for regular folders
	RetentionDays   int              // 0 disables retention
	EncryptMessages bool
	Hidden          bool
	CreatedAt       time.Time
}

// Retention reports whether messages stored into this mailbox get an expiry
// stamp, and the expiry for a message stored now.
func (mb *Mailbox) Retention(now time.Time) (time.Time, bool) {
	if mb.RetentionDays <= 0 {
		return time.Time{}, false
	}
	return now.Add(time.Duration(mb.RetentionDays) * 24 * time.Hour), true
}

// IsJunk reports whether the mailbox holds junk by special-use.
func (mb *Mailbox) IsJunk() bool {
	return mb.SpecialUse == imap.MailboxAttrJunk
}

// AttachmentRef is a message's reference to a shared attachment blob.
type AttachmentRef struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// Event is one entry of a message's append-only audit trail.
type Event struct {
	Action string    `json:"action"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
}

// Message is one stored message. A message belongs to exactly one mailbox;
// COPY and MOVE create a clone under a new identity rather than sharing.
type Message struct {
	ID        string
	MailboxID string
	UserID    string
	UID       imap.UID
	ModSeq    uint64
	Flags     []imap.Flag
	Size      int64
	// InternalDate is the IMAP internal date.
	InternalDate time.Time
	// Expires is the retention expiry derived from the owning mailbox's
	// retention policy at store time. Zero means no expiry.
	Expires time.Time
	// Searchable is false once the message carries \Deleted.
	Searchable bool
	// Junk mirrors the owning mailbox's junk special-use at store time.
	Junk bool
	// Copied marks a message as the surviving duplicate of a copy; such
	// messages are never archived when later deleted.
	Copied bool
	// Encrypted is set when the body blob is sealed under the user key.
	Encrypted   bool
	BodyKey     string // key into the blob store
	Attachments []AttachmentRef
	Events      []Event
}

// HasFlag reports whether the message carries the given flag. Flags are
// case-sensitive tokens.
func (m *Message) HasFlag(f imap.Flag) bool {
	for _, have := range m.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// AddEvent appends an audit event to the message.
func (m *Message) AddEvent(action, detail string) {
	m.Events = append(m.Events, Event{Action: action, Time: time.Now().UTC(), Detail: detail})
}

// Clone returns a deep copy of the message under the same identity.
func (m *Message) Clone() *Message {
	c := *m
	c.Flags = append([]imap.Flag(nil), m.Flags...)
	c.Attachments = append([]AttachmentRef(nil), m.Attachments...)
	c.Events = append([]Event(nil), m.Events...)
	return &c
}

// ScanQuery selects messages within a mailbox. Results are always ordered by
// ascending UID.
type ScanQuery struct {
	// UIDs restricts the scan to the given set. Nil means all messages.
	UIDs imap.UIDSet
	// DeletedOnly restricts the scan to messages flagged \Deleted.
	DeletedOnly bool
}

// Matches reports whether the message satisfies the query filters.
func (q ScanQuery) Matches(m *Message) bool {
	if q.DeletedOnly && !m.HasFlag(imap.FlagDeleted) {
		return false
	}
	if q.UIDs != nil && !q.UIDs.Contains(m.UID) {
		return false
	}
	return true
}

// Cursor streams messages from a scan without materializing the result set.
// Usage follows sql.Rows: Next, Message, then Err after exhaustion.
type Cursor interface {
	Next(ctx context.Context) bool
	Message() *Message
	Err() error
	Close() error
}

// MailboxCounts is the read-only aggregation backing STATUS.
type MailboxCounts struct {
	Messages int64
	Unseen   int64
	Deleted  int64
	Size     int64
}

// Users is CRUD over user records plus the storage-used counter.
type Users interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	// AdjustStorageUsed atomically adds delta (may be negative) to the
	// user's running total. The total is clamped at zero.
	AdjustStorageUsed(ctx context.Context, id string, delta int64) error
	// RecalculateStorage recomputes StorageUsed from the messages currently
	// stored for the user and returns the corrected total.
	RecalculateStorage(ctx context.Context, id string) (int64, error)
}

// Mailboxes is the mailbox directory plus the UID/modseq allocator primitive.
type Mailboxes interface {
	Create(ctx context.Context, mb *Mailbox) error
	ByID(ctx context.Context, id string) (*Mailbox, error)
	ByPath(ctx context.Context, userID, path string) (*Mailbox, error)
	// List returns the user's mailboxes sorted by path. Hidden mailboxes
	// are included only when includeHidden is set.
	List(ctx context.Context, userID string, includeHidden bool) ([]*Mailbox, error)
	// Rename changes the path in place. Mailbox identity and message UIDs
	// are preserved.
	Rename(ctx context.Context, id, newPath string) error
	Delete(ctx context.Context, id string) error
	// SetSubscribed atomically flips the subscription flag. ErrNotFound is
	// returned when the record is missing or was deleted in a race.
	SetSubscribed(ctx context.Context, id string, subscribed bool) error
	// AllocateUID atomically increments the mailbox's UIDNext and
	// ModifyIndex in one document update. It returns the pre-increment
	// UIDNext as the assigned UID and the post-increment ModifyIndex as
	// the modseq to stamp on the message. ErrMailboxGone is returned when
	// the mailbox record no longer exists.
	AllocateUID(ctx context.Context, id string) (imap.UID, uint64, error)
	// BumpModSeq increments only the ModifyIndex and returns the new value.
	BumpModSeq(ctx context.Context, id string) (uint64, error)
}

// Messages is CRUD over message records with cursor-based scans.
type Messages interface {
	Insert(ctx context.Context, m *Message) error
	ByUID(ctx context.Context, mailboxID string, uid imap.UID) (*Message, error)
	// Scan streams messages matching the query in ascending UID order.
	Scan(ctx context.Context, mailboxID string, q ScanQuery) (Cursor, error)
	// UIDs returns the de-duplicated, ascending-sorted UID list of the
	// mailbox, the working set loaded by OPEN/SELECT.
	UIDs(ctx context.Context, mailboxID string) ([]imap.UID, error)
	Counts(ctx context.Context, mailboxID string) (MailboxCounts, error)
	// MarkCopied sets the copied marker on the source document of a copy.
	MarkCopied(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// DeleteAll removes every message of a mailbox (DELETE cascade) and
	// returns the number of messages and total bytes removed.
	DeleteAll(ctx context.Context, mailboxID string) (int64, int64, error)
	// AddAttachmentRefs adjusts the reference counts of shared attachment
	// blobs by delta.
	AddAttachmentRefs(ctx context.Context, refs []AttachmentRef, delta int) error
}

// DB bundles the collections of one document store.
type DB interface {
	Users() Users
	Mailboxes() Mailboxes
	Messages() Messages
	Close() error
}

// NewID returns a random document ID, hex-encoded.
func NewID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
