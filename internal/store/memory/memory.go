// Package memory implements the store contract in process memory. It backs
// the test suite and single-node development mode; production deployments use
// the sqlite store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/mailstore/internal/store"
)

// DB is an in-memory document store. All collections share one mutex, which
// makes every single-document operation atomic, matching the guarantees of
// the production store.
type DB struct {
	mu          sync.Mutex
	users       map[string]*store.User
	mailboxes   map[string]*store.Mailbox
	messages    map[string]*store.Message
	attachments map[string]int64 // attachment ID -> reference count
}

// New returns an empty in-memory store.
func New() *DB {
	return &DB{
		users:       make(map[string]*store.User),
		mailboxes:   make(map[string]*store.Mailbox),
		messages:    make(map[string]*store.Message),
		attachments: make(map[string]int64),
	}
}

// Users implements store.DB.
func (db *DB) Users() store.Users { return (*users)(db) }

// Mailboxes implements store.DB.
func (db *DB) Mailboxes() store.Mailboxes { return (*mailboxes)(db) }

// Messages implements store.DB.
func (db *DB) Messages() store.Messages { return (*messages)(db) }

// Close implements store.DB.
func (db *DB) Close() error { return nil }

type users DB

func (c *users) Create(ctx context.Context, u *store.User) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.users[u.ID]; ok {
		return store.ErrExists
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	db.users[u.ID] = &cp
	return nil
}

func (c *users) Get(ctx context.Context, id string) (*store.User, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (c *users) AdjustStorageUsed(ctx context.Context, id string, delta int64) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.StorageUsed += delta
	if u.StorageUsed < 0 {
		u.StorageUsed = 0
	}
	return nil
}

func (c *users) RecalculateStorage(ctx context.Context, id string) (int64, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	var total int64
	for _, m := range db.messages {
		if m.UserID == id {
			total += m.Size
		}
	}
	u.StorageUsed = total
	return total, nil
}

type mailboxes DB

func (c *mailboxes) Create(ctx context.Context, mb *store.Mailbox) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, have := range db.mailboxes {
		if have.UserID == mb.UserID && have.Path == mb.Path {
			return store.ErrExists
		}
	}
	if mb.ID == "" {
		mb.ID = store.NewID()
	}
	if mb.UIDValidity == 0 {
		mb.UIDValidity = uint32(time.Now().Unix())
	}
	if mb.UIDNext == 0 {
		mb.UIDNext = 1
	}
	if mb.CreatedAt.IsZero() {
		mb.CreatedAt = time.Now().UTC()
	}
	cp := *mb
	db.mailboxes[mb.ID] = &cp
	return nil
}

func (c *mailboxes) ByID(ctx context.Context, id string) (*store.Mailbox, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	mb, ok := db.mailboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *mb
	return &cp, nil
}

func (c *mailboxes) ByPath(ctx context.Context, userID, path string) (*store.Mailbox, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, mb := range db.mailboxes {
		if mb.UserID == userID && mb.Path == path {
			cp := *mb
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (c *mailboxes) List(ctx context.Context, userID string, includeHidden bool) ([]*store.Mailbox, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*store.Mailbox
	for _, mb := range db.mailboxes {
		if mb.UserID != userID {
			continue
		}
		if mb.Hidden && !includeHidden {
			continue
		}
		cp := *mb
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (c *mailboxes) Rename(ctx context.Context, id, newPath string) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	mb, ok := db.mailboxes[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, have := range db.mailboxes {
		if have.ID != id && have.UserID == mb.UserID && have.Path == newPath {
			return store.ErrExists
		}
	}
	mb.Path = newPath
	mb.ModifyIndex++
	return nil
}

func (c *mailboxes) Delete(ctx context.Context, id string) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.mailboxes[id]; !ok {
		return store.ErrNotFound
	}
	delete(db.mailboxes, id)
	return nil
}

func (c *mailboxes) SetSubscribed(ctx context.Context, id string, subscribed bool) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	mb, ok := db.mailboxes[id]
	if !ok {
		return store.ErrNotFound
	}
	mb.Subscribed = subscribed
	mb.ModifyIndex++
	return nil
}

func (c *mailboxes) AllocateUID(ctx context.Context, id string) (imap.UID, uint64, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	mb, ok := db.mailboxes[id]
	if !ok {
		return 0, 0, store.ErrMailboxGone
	}
	uid := mb.UIDNext
	mb.UIDNext++
	mb.ModifyIndex++
	return uid, mb.ModifyIndex, nil
}

func (c *mailboxes) BumpModSeq(ctx context.Context, id string) (uint64, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	mb, ok := db.mailboxes[id]
	if !ok {
		return 0, store.ErrMailboxGone
	}
	mb.ModifyIndex++
	return mb.ModifyIndex, nil
}

type messages DB

func (c *messages) Insert(ctx context.Context, m *store.Message) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	if m.ID == "" {
		m.ID = store.NewID()
	}
	if _, ok := db.messages[m.ID]; ok {
		return store.ErrExists
	}
	for _, have := range db.messages {
		if have.MailboxID == m.MailboxID && have.UID == m.UID {
			return store.ErrExists
		}
	}
	db.messages[m.ID] = m.Clone()
	return nil
}

func (c *messages) ByUID(ctx context.Context, mailboxID string, uid imap.UID) (*store.Message, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, m := range db.messages {
		if m.MailboxID == mailboxID && m.UID == uid {
			return m.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

// Scan snapshots the matching UIDs up front and resolves each document at
// iteration time, so concurrent deletions surface as skipped rows rather
// than stale reads.
func (c *messages) Scan(ctx context.Context, mailboxID string, q store.ScanQuery) (store.Cursor, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	type match struct {
		id  string
		uid imap.UID
	}
	var matches []match
	for id, m := range db.messages {
		if m.MailboxID == mailboxID && q.Matches(m) {
			matches = append(matches, match{id: id, uid: m.UID})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].uid < matches[j].uid })
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}
	return &cursor{db: db, ids: ids}, nil
}

type cursor struct {
	db   *DB
	ids  []string
	pos  int
	cur  *store.Message
	err  error
	done bool
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.done || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	for c.pos < len(c.ids) {
		m, ok := c.db.messages[c.ids[c.pos]]
		c.pos++
		if ok {
			c.cur = m.Clone()
			return true
		}
	}
	c.done = true
	return false
}

func (c *cursor) Message() *store.Message { return c.cur }
func (c *cursor) Err() error              { return c.err }
func (c *cursor) Close() error            { c.done = true; return nil }

func (c *messages) UIDs(ctx context.Context, mailboxID string) ([]imap.UID, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	seen := make(map[imap.UID]bool)
	var uids []imap.UID
	for _, m := range db.messages {
		if m.MailboxID == mailboxID && !seen[m.UID] {
			seen[m.UID] = true
			uids = append(uids, m.UID)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (c *messages) Counts(ctx context.Context, mailboxID string) (store.MailboxCounts, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	var counts store.MailboxCounts
	for _, m := range db.messages {
		if m.MailboxID != mailboxID {
			continue
		}
		counts.Messages++
		counts.Size += m.Size
		if !m.HasFlag(imap.FlagSeen) {
			counts.Unseen++
		}
		if m.HasFlag(imap.FlagDeleted) {
			counts.Deleted++
		}
	}
	return counts, nil
}

func (c *messages) MarkCopied(ctx context.Context, id string) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Copied = true
	return nil
}

func (c *messages) Delete(ctx context.Context, id string) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.messages[id]; !ok {
		return store.ErrNotFound
	}
	delete(db.messages, id)
	return nil
}

func (c *messages) DeleteAll(ctx context.Context, mailboxID string) (int64, int64, error) {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	var n, size int64
	for id, m := range db.messages {
		if m.MailboxID == mailboxID {
			n++
			size += m.Size
			delete(db.messages, id)
		}
	}
	return n, size, nil
}

func (c *messages) AddAttachmentRefs(ctx context.Context, refs []store.AttachmentRef, delta int) error {
	db := (*DB)(c)
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, ref := range refs {
		db.attachments[ref.ID] += int64(delta)
		if db.attachments[ref.ID] <= 0 {
			delete(db.attachments, ref.ID)
		}
	}
	return nil
}

// AttachmentRefCount returns the current reference count of an attachment
// blob. Test helper.
func (db *DB) AttachmentRefCount(id string) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.attachments[id]
}
