package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"

	"github.com/sahilchouksey/go-exam-grader/model"
)

// NormalizeText collapses every whitespace run to a single space, trims the
// ends and case-folds. Two texts that differ only in layout or casing
// normalize to the same string.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// HashText returns the hex sha256 of the normalized text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the hex sha256 of raw file bytes.
func HashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ContentHasher answers duplicate-content questions against storage.
type ContentHasher struct {
	store Storage
}

func NewContentHasher(store Storage) *ContentHasher {
	return &ContentHasher{store: store}
}

// IsDuplicate returns the existing document with the same digest for the
// owner and kind, or nil when the content is new.
func (h *ContentHasher) IsDuplicate(ctx context.Context, ownerID uint, digest string, kind model.DocumentKind) (*model.Document, error) {
	doc, err := h.store.FindDocumentByContentHash(ctx, ownerID, digest, kind)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// CheckText hashes text and returns a DuplicateContentError if the owner
// already has a document of this kind with the same content.
func (h *ContentHasher) CheckText(ctx context.Context, ownerID uint, text string, kind model.DocumentKind) (string, error) {
	digest := HashText(text)
	existing, err := h.IsDuplicate(ctx, ownerID, digest, kind)
	if err != nil {
		return digest, err
	}
	if existing != nil {
		return digest, &DuplicateContentError{ExistingDocumentID: existing.ID}
	}
	return digest, nil
}
