package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fenilsonani/mailstore/internal/store"
)

func TestMaildirArchive(t *testing.T) {
	base := t.TempDir()
	a := NewMaildir(base)
	msg := &store.Message{ID: "m1", UserID: "u1", UID: 7}
	raw := []byte("Subject: keep\r\n\r\nbody\r\n")

	if err := a.Archive(context.Background(), msg, raw); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	newDir := filepath.Join(base, "user_u1", "new")
	entries, err := os.ReadDir(newDir)
	if err != nil {
		t.Fatalf("ReadDir(new) error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("new holds %d entries, want 1", len(entries))
	}
	got, err := os.ReadFile(filepath.Join(newDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("archived body = %q, want %q", got, raw)
	}

	tmpEntries, err := os.ReadDir(filepath.Join(base, "user_u1", "tmp"))
	if err != nil {
		t.Fatalf("ReadDir(tmp) error = %v", err)
	}
	if len(tmpEntries) != 0 {
		t.Errorf("tmp holds %d files after commit, want 0", len(tmpEntries))
	}
}

func TestMaildirArchiveCancelledContext(t *testing.T) {
	a := NewMaildir(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Archive(ctx, &store.Message{ID: "m1", UserID: "u1", UID: 1}, []byte("x")); err == nil {
		t.Error("Archive() with cancelled context succeeded")
	}
}

func TestNopArchive(t *testing.T) {
	var a Nop
	if err := a.Archive(context.Background(), &store.Message{ID: "m1"}, []byte("x")); err != nil {
		t.Errorf("Nop.Archive() error = %v", err)
	}
}
