package handler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/emersion/go-message"

	"github.com/fenilsonani/mailstore/internal/store"
)

// parseAttachments derives content-addressed attachment references from a
// raw message: one ref per attachment-disposition part, keyed by the
// SHA-256 of the part body so identical attachments share one blob count.
// A message that does not parse yields no references rather than an error;
// structure extraction is best-effort.
func parseAttachments(raw []byte) []store.AttachmentRef {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil
	}
	mr := ent.MultipartReader()
	if mr == nil {
		return nil
	}
	var refs []store.AttachmentRef
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		disp, _, _ := part.Header.ContentDisposition()
		if disp != "attachment" {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			break
		}
		sum := sha256.Sum256(data)
		refs = append(refs, store.AttachmentRef{
			ID:   hex.EncodeToString(sum[:]),
			Size: int64(len(data)),
		})
	}
	return refs
}
