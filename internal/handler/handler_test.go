package handler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/mailstore/internal/archive"
	"github.com/fenilsonani/mailstore/internal/blob"
	"github.com/fenilsonani/mailstore/internal/lock"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/notify"
	"github.com/fenilsonani/mailstore/internal/quota"
	"github.com/fenilsonani/mailstore/internal/ratelimit"
	"github.com/fenilsonani/mailstore/internal/store"
	"github.com/fenilsonani/mailstore/internal/store/memory"
)

// testEnv bundles a fully wired handler set on in-process backends.
type testEnv struct {
	db       *memory.DB
	blobs    *blob.Store
	blobDir  string
	locks    *lock.Memory
	ledger   *quota.Ledger
	hub      *notify.Hub
	archiver *recordingArchiver
	h        *Handlers
}

type envOption func(*envConfig)

type envConfig struct {
	limiter ratelimit.ByteLimiter
}

func withLimiter(l ratelimit.ByteLimiter) envOption {
	return func(c *envConfig) { c.limiter = l }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	ec := envConfig{
		limiter: ratelimit.NewMemory(ratelimit.Config{Window: time.Minute, MaxBytes: 1 << 30}),
	}
	for _, opt := range opts {
		opt(&ec)
	}

	log, err := logging.New(logging.Config{Level: "error", Format: "text", Output: "stderr"})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}

	blobDir := t.TempDir()
	env := &testEnv{
		db:       memory.New(),
		blobs:    blob.NewStore(blobDir),
		blobDir:  blobDir,
		locks:    lock.NewMemory(),
		hub:      notify.NewHub(),
		archiver: &recordingArchiver{},
	}
	t.Cleanup(env.hub.Close)
	env.ledger = quota.NewLedger(env.db.Users(), log)
	notifier := notify.NewNotifier(env.hub, nil, log)
	env.h = New(env.db, env.blobs, env.locks, env.ledger, ec.limiter, notifier,
		nil, env.archiver, DefaultConfig(), log)
	return env
}

func (env *testEnv) newUser(t *testing.T, quotaBytes int64) *store.User {
	t.Helper()
	u := &store.User{ID: store.NewID(), Name: "test", Quota: quotaBytes}
	if err := env.db.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("Users.Create() error = %v", err)
	}
	return u
}

func (env *testEnv) newMailbox(t *testing.T, userID, path string, mutate func(*store.Mailbox)) *store.Mailbox {
	t.Helper()
	mb := &store.Mailbox{UserID: userID, Path: path}
	if mutate != nil {
		mutate(mb)
	}
	if err := env.db.Mailboxes().Create(context.Background(), mb); err != nil {
		t.Fatalf("Mailboxes.Create(%s) error = %v", path, err)
	}
	return mb
}

func (env *testEnv) append(t *testing.T, sess *Session, path string, flags []imap.Flag, raw string) AppendResult {
	t.Helper()
	res, err := env.h.Append(context.Background(), sess, AppendRequest{
		MailboxPath: path,
		Raw:         []byte(raw),
		Flags:       flags,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("Append() status = %s, want OK", res.Status)
	}
	return res
}

func (env *testEnv) messageByUID(t *testing.T, mailboxID string, uid imap.UID) *store.Message {
	t.Helper()
	msg, err := env.db.Messages().ByUID(context.Background(), mailboxID, uid)
	if err != nil {
		t.Fatalf("Messages.ByUID(%d) error = %v", uint32(uid), err)
	}
	return msg
}

// blobCount returns the number of committed body blobs held for a user.
func (env *testEnv) blobCount(t *testing.T, userID string) int {
	t.Helper()
	var n int
	for _, sub := range []string{"cur", "new"} {
		entries, err := os.ReadDir(filepath.Join(env.blobDir, "user_"+userID, sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			t.Fatalf("ReadDir(%s) error = %v", sub, err)
		}
		n += len(entries)
	}
	return n
}

func newSession(u *store.User) *Session {
	return &Session{ID: store.NewID(), UserID: u.ID}
}

// lineRecorder captures unsolicited lines written to a session.
type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) WriteLine(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return nil
}

func (r *lineRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// recordingArchiver remembers which messages were archived.
type recordingArchiver struct {
	mu       sync.Mutex
	archived []string // message IDs
}

func (a *recordingArchiver) Archive(ctx context.Context, msg *store.Message, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, msg.ID)
	return nil
}

func (a *recordingArchiver) Archived() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.archived...)
}

var _ archive.Archiver = (*recordingArchiver)(nil)
