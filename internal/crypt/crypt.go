// Package crypt seals message bodies for mailboxes with encryption enabled.
// Each user gets a subkey derived from the master key, so one leaked subkey
// does not expose other accounts.
package crypt

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// envelope layout: magic, version, 24-byte nonce, ciphertext.
var magic = []byte("MSE")

const version = 1

// Common errors
var (
	ErrBadKey      = errors.New("master key must be 32 bytes")
	ErrNotSealed   = errors.New("data is not a sealed envelope")
	ErrBadEnvelope = errors.New("malformed sealed envelope")
)

// Encryptor seals and opens message bodies.
type Encryptor struct {
	master []byte
}

// New returns an encryptor over a 32-byte master key.
func New(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, ErrBadKey
	}
	e := &Encryptor{master: make([]byte, len(masterKey))}
	copy(e.master, masterKey)
	return e, nil
}

func (e *Encryptor) userKey(userID string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, e.master, nil, []byte("mailstore/user/"+userID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive user key: %w", err)
	}
	return key, nil
}

// Sealed reports whether data already carries the envelope header.
func Sealed(data []byte) bool {
	return len(data) > len(magic)+1 && bytes.HasPrefix(data, magic) && data[len(magic)] == version
}

// Encrypt seals raw under the user's subkey. Sealing already-sealed data is
// an error; callers check Sealed first.
func (e *Encryptor) Encrypt(userID string, raw []byte) ([]byte, error) {
	if Sealed(raw) {
		return nil, fmt.Errorf("refusing to double-seal message")
	}
	key, err := e.userKey(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+1+len(nonce)+len(raw)+aead.Overhead())
	out = append(out, magic...)
	out = append(out, version)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, raw, nil), nil
}

// Decrypt opens a sealed envelope.
func (e *Encryptor) Decrypt(userID string, sealed []byte) ([]byte, error) {
	if !Sealed(sealed) {
		return nil, ErrNotSealed
	}
	key, err := e.userKey(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	body := sealed[len(magic)+1:]
	if len(body) < aead.NonceSize() {
		return nil, ErrBadEnvelope
	}
	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]
	raw, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope: %w", err)
	}
	return raw, nil
}
