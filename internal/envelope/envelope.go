// Package envelope implements authenticated encryption for all persisted
// engine data, plus the content hash used for blob addressing.
//
// Wire layout of every envelope: nonce(24) || ciphertext || tag(16),
// XChaCha20-Poly1305 with a fresh random nonce per message. Associated
// data binds a ciphertext to its logical identity (note id, file name)
// so a ciphertext copied into another slot fails authentication.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the XChaCha20-Poly1305 extended nonce size.
	NonceSize = chacha20poly1305.NonceSizeX

	// TagSize is the Poly1305 authenticator size.
	TagSize = chacha20poly1305.Overhead

	// KeySize is the AEAD key size.
	KeySize = chacha20poly1305.KeySize
)

var (
	// ErrAuthenticationFailure signals a tag mismatch: wrong key, wrong
	// associated data, corruption, or active tampering. Never downgraded
	// to a warning by any caller.
	ErrAuthenticationFailure = errors.New("envelope: message authentication failed")

	ErrCiphertextTooShort = errors.New("envelope: ciphertext too short")
	ErrBadKeySize         = errors.New("envelope: key must be 32 bytes")
)

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	return chacha20poly1305.NewX(key)
}

// Seal encrypts plaintext under key, binding it to aad. aad may be nil
// only for data with no logical identity to bind.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: nonce generation: %w", err)
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts and authenticates an envelope produced by Seal. The same
// key and aad must be supplied; any mismatch yields ErrAuthenticationFailure.
func Open(key, envelope, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(envelope) < NonceSize+TagSize {
		return nil, ErrCiphertextTooShort
	}
	nonce := envelope[:NonceSize]
	ct := envelope[NonceSize:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return pt, nil
}
