// Package sqlite implements the store contract on SQLite. Records map to one
// table per collection; open-ended message metadata (audit events, attachment
// references) lives in a JSON meta column. Single-statement updates give the
// per-document atomicity the engine relies on.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/mattn/go-sqlite3"

	"github.com/fenilsonani/mailstore/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is a SQLite-backed document store.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	// Foreign keys, WAL and a busy timeout for concurrent sessions.
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &DB{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Users implements store.DB.
func (s *DB) Users() store.Users { return (*users)(s) }

// Mailboxes implements store.DB.
func (s *DB) Mailboxes() store.Mailboxes { return (*mailboxes)(s) }

// Messages implements store.DB.
func (s *DB) Messages() store.Messages { return (*messages)(s) }

// Close closes the underlying database.
func (s *DB) Close() error { return s.db.Close() }

type migration struct {
	version int
	name    string
	sql     string
}

func (s *DB) migrate(ctx context.Context) error {
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *DB) schemaVersion(ctx context.Context) (int, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'",
	).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}
	var version int
	err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration{version: version, name: entry.Name(), sql: string(content)})
	}
	return migrations, nil
}

func (s *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration SQL error: %w", err)
	}
	return tx.Commit()
}

// messageMeta is the JSON shape of the messages.meta column.
type messageMeta struct {
	Attachments []store.AttachmentRef `json:"attachments,omitempty"`
	Events      []store.Event         `json:"events,omitempty"`
}

func isUniqueErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

type users DB

func (c *users) Create(ctx context.Context, u *store.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO users (id, name, quota, storage_used, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Quota, u.StorageUsed, u.CreatedAt)
	if err != nil {
		if isUniqueErr(err) {
			return store.ErrExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (c *users) Get(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, quota, storage_used, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Quota, &u.StorageUsed, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (c *users) AdjustStorageUsed(ctx context.Context, id string, delta int64) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE users SET storage_used = MAX(0, storage_used + ?) WHERE id = ?`, delta, id)
	if err != nil {
		return fmt.Errorf("failed to adjust storage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *users) RecalculateStorage(ctx context.Context, id string) (int64, error) {
	var total int64
	err := c.db.QueryRowContext(ctx,
		`UPDATE users SET storage_used = (SELECT COALESCE(SUM(size), 0) FROM messages WHERE user_id = users.id)
		 WHERE id = ? RETURNING storage_used`, id,
	).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to recalculate storage: %w", err)
	}
	return total, nil
}

type mailboxes DB

func (c *mailboxes) Create(ctx context.Context, mb *store.Mailbox) error {
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
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO mailboxes (id, user_id, path, uidvalidity, uidnext, modifyindex, subscribed,
		                        special_use, retention_days, encrypt_messages, hidden, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mb.ID, mb.UserID, mb.Path, mb.UIDValidity, uint32(mb.UIDNext), mb.ModifyIndex, mb.Subscribed,
		string(mb.SpecialUse), mb.RetentionDays, mb.EncryptMessages, mb.Hidden, mb.CreatedAt)
	if err != nil {
		if isUniqueErr(err) {
			return store.ErrExists
		}
		return fmt.Errorf("failed to create mailbox: %w", err)
	}
	return nil
}

const mailboxColumns = `id, user_id, path, uidvalidity, uidnext, modifyindex, subscribed,
	special_use, retention_days, encrypt_messages, hidden, created_at`

func scanMailbox(row interface{ Scan(...any) error }) (*store.Mailbox, error) {
	var mb store.Mailbox
	var uidNext uint32
	var specialUse string
	err := row.Scan(&mb.ID, &mb.UserID, &mb.Path, &mb.UIDValidity, &uidNext, &mb.ModifyIndex,
		&mb.Subscribed, &specialUse, &mb.RetentionDays, &mb.EncryptMessages, &mb.Hidden, &mb.CreatedAt)
	if err != nil {
		return nil, err
	}
	mb.UIDNext = imap.UID(uidNext)
	mb.SpecialUse = imap.MailboxAttr(specialUse)
	return &mb, nil
}

func (c *mailboxes) ByID(ctx context.Context, id string) (*store.Mailbox, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = ?`, id)
	mb, err := scanMailbox(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return mb, nil
}

func (c *mailboxes) ByPath(ctx context.Context, userID, path string) (*store.Mailbox, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE user_id = ? AND path = ?`, userID, path)
	mb, err := scanMailbox(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return mb, nil
}

func (c *mailboxes) List(ctx context.Context, userID string, includeHidden bool) ([]*store.Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE user_id = ?`
	if !includeHidden {
		query += ` AND hidden = FALSE`
	}
	query += ` ORDER BY path ASC`
	rows, err := c.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()
	var out []*store.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

func (c *mailboxes) Rename(ctx context.Context, id, newPath string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE mailboxes SET path = ?, modifyindex = modifyindex + 1 WHERE id = ?`, newPath, id)
	if err != nil {
		if isUniqueErr(err) {
			return store.ErrExists
		}
		return fmt.Errorf("failed to rename mailbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *mailboxes) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM mailboxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mailbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *mailboxes) SetSubscribed(ctx context.Context, id string, subscribed bool) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE mailboxes SET subscribed = ?, modifyindex = modifyindex + 1 WHERE id = ?`, subscribed, id)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AllocateUID is a single-statement increment-and-fetch: the UPDATE and the
// RETURNING clause execute atomically, so concurrent allocations can never
// observe or hand out the same UID.
func (c *mailboxes) AllocateUID(ctx context.Context, id string) (imap.UID, uint64, error) {
	var uid uint32
	var modseq uint64
	err := c.db.QueryRowContext(ctx,
		`UPDATE mailboxes SET uidnext = uidnext + 1, modifyindex = modifyindex + 1
		 WHERE id = ? RETURNING uidnext - 1, modifyindex`, id,
	).Scan(&uid, &modseq)
	if err == sql.ErrNoRows {
		return 0, 0, store.ErrMailboxGone
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to allocate uid: %w", err)
	}
	return imap.UID(uid), modseq, nil
}

func (c *mailboxes) BumpModSeq(ctx context.Context, id string) (uint64, error) {
	var modseq uint64
	err := c.db.QueryRowContext(ctx,
		`UPDATE mailboxes SET modifyindex = modifyindex + 1 WHERE id = ? RETURNING modifyindex`, id,
	).Scan(&modseq)
	if err == sql.ErrNoRows {
		return 0, store.ErrMailboxGone
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump modseq: %w", err)
	}
	return modseq, nil
}

type messages DB

const messageColumns = `id, mailbox_id, user_id, uid, modseq, flags, size, internal_date,
	expires, searchable, junk, copied, encrypted, body_key, meta`

func scanMessage(row interface{ Scan(...any) error }) (*store.Message, error) {
	var m store.Message
	var uid uint32
	var flagsJSON, metaJSON string
	var expires sql.NullTime
	err := row.Scan(&m.ID, &m.MailboxID, &m.UserID, &uid, &m.ModSeq, &flagsJSON, &m.Size,
		&m.InternalDate, &expires, &m.Searchable, &m.Junk, &m.Copied, &m.Encrypted, &m.BodyKey, &metaJSON)
	if err != nil {
		return nil, err
	}
	m.UID = imap.UID(uid)
	if expires.Valid {
		m.Expires = expires.Time
	}
	if err := json.Unmarshal([]byte(flagsJSON), &m.Flags); err != nil {
		return nil, fmt.Errorf("failed to decode flags: %w", err)
	}
	var meta messageMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	m.Attachments = meta.Attachments
	m.Events = meta.Events
	return &m, nil
}

func (c *messages) Insert(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = store.NewID()
	}
	flagsJSON, err := json.Marshal(m.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode flags: %w", err)
	}
	metaJSON, err := json.Marshal(messageMeta{Attachments: m.Attachments, Events: m.Events})
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	var expires any
	if !m.Expires.IsZero() {
		expires = m.Expires
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.MailboxID, m.UserID, uint32(m.UID), m.ModSeq, string(flagsJSON), m.Size,
		m.InternalDate, expires, m.Searchable, m.Junk, m.Copied, m.Encrypted, m.BodyKey, string(metaJSON))
	if err != nil {
		if isUniqueErr(err) {
			return store.ErrExists
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (c *messages) ByUID(ctx context.Context, mailboxID string, uid imap.UID) (*store.Message, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE mailbox_id = ? AND uid = ?`, mailboxID, uint32(uid))
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (c *messages) Scan(ctx context.Context, mailboxID string, q store.ScanQuery) (store.Cursor, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE mailbox_id = ?`
	args := []any{mailboxID}
	if q.DeletedOnly {
		// \Deleted lives inside the flags JSON array.
		query += ` AND EXISTS (SELECT 1 FROM json_each(messages.flags) WHERE json_each.value = ?)`
		args = append(args, string(imap.FlagDeleted))
	}
	query += ` ORDER BY uid ASC`
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}
	return &cursor{rows: rows, q: q}, nil
}

// cursor wraps sql.Rows and applies the UID-set filter that SQL cannot
// express cheaply.
type cursor struct {
	rows *sql.Rows
	q    store.ScanQuery
	cur  *store.Message
	err  error
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	for c.rows.Next() {
		if err := ctx.Err(); err != nil {
			c.err = err
			return false
		}
		m, err := scanMessage(c.rows)
		if err != nil {
			c.err = err
			return false
		}
		if c.q.UIDs != nil && !c.q.UIDs.Contains(m.UID) {
			continue
		}
		c.cur = m
		return true
	}
	c.err = c.rows.Err()
	return false
}

func (c *cursor) Message() *store.Message { return c.cur }
func (c *cursor) Err() error              { return c.err }
func (c *cursor) Close() error            { return c.rows.Close() }

func (c *messages) UIDs(ctx context.Context, mailboxID string) ([]imap.UID, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT uid FROM messages WHERE mailbox_id = ? ORDER BY uid ASC`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	defer rows.Close()
	var uids []imap.UID
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, imap.UID(uid))
	}
	return uids, rows.Err()
}

func (c *messages) Counts(ctx context.Context, mailboxID string) (store.MailboxCounts, error) {
	var counts store.MailboxCounts
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0),
		        COALESCE(SUM(CASE WHEN NOT EXISTS
		            (SELECT 1 FROM json_each(messages.flags) WHERE json_each.value = ?) THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN EXISTS
		            (SELECT 1 FROM json_each(messages.flags) WHERE json_each.value = ?) THEN 1 ELSE 0 END), 0)
		 FROM messages WHERE mailbox_id = ?`,
		string(imap.FlagSeen), string(imap.FlagDeleted), mailboxID,
	).Scan(&counts.Messages, &counts.Size, &counts.Unseen, &counts.Deleted)
	if err != nil {
		return counts, fmt.Errorf("failed to count messages: %w", err)
	}
	return counts, nil
}

func (c *messages) MarkCopied(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE messages SET copied = TRUE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark copied: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *messages) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *messages) DeleteAll(ctx context.Context, mailboxID string) (int64, int64, error) {
	var n, size int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM messages WHERE mailbox_id = ?`, mailboxID,
	).Scan(&n, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE mailbox_id = ?`, mailboxID); err != nil {
		return 0, 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return n, size, nil
}

func (c *messages) AddAttachmentRefs(ctx context.Context, refs []store.AttachmentRef, delta int) error {
	if len(refs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, ref := range refs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attachments (id, size, refcount) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET refcount = refcount + ?`,
			ref.ID, ref.Size, delta, delta)
		if err != nil {
			return fmt.Errorf("failed to update attachment refs: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE refcount <= 0`); err != nil {
		return fmt.Errorf("failed to prune attachments: %w", err)
	}
	return tx.Commit()
}
