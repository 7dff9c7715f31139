// Package archive keeps exported interchange documents in content-addressed
// blob storage. A document's address is "sha256:" followed by its
// interchange digest, so archiving the same state twice stores one blob.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/crosswalk/pkg/interchange"
)

const addressPrefix = "sha256:"

var (
	ErrNotFound       = errors.New("archive: blob not found")
	ErrInvalidAddress = errors.New("archive: invalid address")
)

// Store is a content-addressed blob store.
type Store interface {
	// Put persists data and returns its address. Storing existing content
	// is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob at addr, or ErrNotFound.
	Get(ctx context.Context, addr string) ([]byte, error)
	Exists(ctx context.Context, addr string) (bool, error)
	// Delete removes the blob at addr. Deleting a missing blob succeeds.
	Delete(ctx context.Context, addr string) error
}

// Address returns the content address of data.
func Address(data []byte) string {
	return addressPrefix + interchange.DigestBytes(data)
}

// parseAddress returns the hex digest of addr.
func parseAddress(addr string) (string, error) {
	digest, ok := strings.CutPrefix(addr, addressPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	if len(digest) != 64 {
		return "", fmt.Errorf("%w: %q has %d hex digits", ErrInvalidAddress, addr, len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	return digest, nil
}

// blobKey is the object name of a digest under prefix.
func blobKey(prefix, digest string) string {
	return prefix + digest + ".json"
}

// PutDocument archives the canonical encoding of doc.
func PutDocument(ctx context.Context, s Store, doc *interchange.Document) (string, error) {
	data, err := interchange.Encode(doc)
	if err != nil {
		return "", err
	}
	return s.Put(ctx, data)
}

// GetDocument fetches, verifies and decodes an archived document.
func GetDocument(ctx context.Context, s Store, addr string) (*interchange.Document, error) {
	data, err := s.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if got := Address(data); got != addr {
		return nil, fmt.Errorf("archive: content of %s hashes to %s", addr, got)
	}
	return interchange.Decode(data)
}
