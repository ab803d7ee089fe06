// Package cas implements the content-addressed store for encrypted note
// blobs.
//
// Blobs are addressed by the BLAKE3 hash of their ciphertext. Writing is
// idempotent; blobs are immutable and only ever superseded, never mutated.
// Deleting a note does not delete its blob: orphans are reclaimed by a
// separate collector so that data referenced by in-flight sync state is
// never destroyed.
package cas

import (
	"errors"
	"fmt"

	"noteguard/internal/envelope"
	"noteguard/internal/fs"
)

// ErrNotFound signals a missing blob.
var ErrNotFound = errors.New("cas: object not found")

// Store reads and writes encrypted blobs under a vault directory.
type Store struct {
	fsys fs.FileSystem
}

// New creates a store over a vault-scoped filesystem. Objects live under
// its objects/ subtree.
func New(fsys fs.FileSystem) *Store {
	return &Store{fsys: fsys}
}

// WriteObject stores ciphertext and returns its content address. The
// address is computed over the ciphertext, so identical plaintexts still
// produce distinct addresses (nonces differ). Duplicate writes are no-ops.
func (s *Store) WriteObject(ciphertext []byte) (string, error) {
	addr := envelope.ContentAddress(ciphertext)
	if err := s.fsys.WriteObject(addr, ciphertext); err != nil {
		return "", fmt.Errorf("cas: write %s: %w", addr, err)
	}
	return addr, nil
}

// ReadObject returns the ciphertext for an address.
func (s *Store) ReadObject(address string) ([]byte, error) {
	data, err := s.fsys.ReadObject(address)
	if errors.Is(err, fs.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	// Verify the address on the way out: a hostile storage layer cannot
	// substitute one blob for another without failing here.
	if envelope.ContentAddress(data) != address {
		return nil, fmt.Errorf("cas: content hash mismatch for %s", address)
	}
	return data, nil
}

// Has reports whether a blob exists.
func (s *Store) Has(address string) (bool, error) {
	_, err := s.fsys.ReadObject(address)
	if errors.Is(err, fs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
