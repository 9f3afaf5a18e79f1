// Package blob stores raw message bodies in per-user maildirs, keyed by the
// delivery keys the maildir library assigns.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/emersion/go-maildir"

	"github.com/fenilsonani/mailstore/internal/store"
)

// Store reads and writes message body blobs.
type Store struct {
	basePath string
}

// NewStore returns a blob store rooted at basePath.
func NewStore(basePath string) *Store {
	return &Store{basePath: basePath}
}

func (s *Store) dir(userID string) maildir.Dir {
	return maildir.Dir(filepath.Join(s.basePath, "user_"+userID))
}

// Put writes a body blob through the maildir delivery protocol and returns
// its key.
func (s *Store) Put(userID string, data []byte) (string, error) {
	dir := s.dir(userID)
	if err := dir.Init(); err != nil {
		return "", fmt.Errorf("failed to init user maildir: %w", err)
	}
	msg, w, err := dir.Create(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return msg.Key(), nil
}

// Get reads a body blob.
func (s *Store) Get(userID, key string) ([]byte, error) {
	msg, err := s.dir(userID).MessageByKey(key)
	if err != nil {
		if isMissingBlob(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up blob: %w", err)
	}
	r, err := msg.Open()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete removes a body blob. Removing a missing blob is not an error.
func (s *Store) Delete(userID, key string) error {
	msg, err := s.dir(userID).MessageByKey(key)
	if err != nil {
		if isMissingBlob(err) {
			return nil
		}
		return fmt.Errorf("failed to look up blob: %w", err)
	}
	if err := msg.Remove(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// isMissingBlob reports whether the lookup failed because the key has no
// message, either because it was never stored or because the user's maildir
// does not exist yet.
func isMissingBlob(err error) bool {
	var kerr *maildir.KeyError
	return errors.As(err, &kerr) || os.IsNotExist(err)
}
