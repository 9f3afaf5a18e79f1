// Package archive preserves messages about to be permanently removed.
// EXPUNGE and mailbox deletion hand eligible messages here before deleting
// them; drafts and copied duplicates are skipped by the callers.
package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/emersion/go-maildir"

	"github.com/fenilsonani/mailstore/internal/store"
)

// Archiver preserves a message before permanent deletion.
type Archiver interface {
	Archive(ctx context.Context, msg *store.Message, raw []byte) error
}

// Maildir archives messages into per-user Maildir trees.
type Maildir struct {
	basePath string
}

// NewMaildir returns an archiver rooted at basePath.
func NewMaildir(basePath string) *Maildir {
	return &Maildir{basePath: basePath}
}

// Archive writes the message to the user's archive maildir through the
// maildir delivery protocol, so partial writes stay invisible in tmp and
// never surface as archived copies.
func (a *Maildir) Archive(ctx context.Context, msg *store.Message, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := maildir.Dir(filepath.Join(a.basePath, "user_"+msg.UserID))
	if err := dir.Init(); err != nil {
		return fmt.Errorf("failed to init archive maildir: %w", err)
	}
	del, err := maildir.NewDelivery(string(dir))
	if err != nil {
		return fmt.Errorf("failed to open archive delivery: %w", err)
	}
	if _, err := del.Write(raw); err != nil {
		del.Abort()
		return fmt.Errorf("failed to write archive copy: %w", err)
	}
	if err := del.Close(); err != nil {
		return fmt.Errorf("failed to commit archive copy: %w", err)
	}
	return nil
}

// Nop discards archive requests. Used when archival is disabled.
type Nop struct{}

// Archive implements Archiver.
func (Nop) Archive(ctx context.Context, msg *store.Message, raw []byte) error { return nil }
