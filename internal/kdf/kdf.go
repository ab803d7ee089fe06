// Package kdf implements the engine's key derivation primitives.
//
// Two derivations exist:
//   - Argon2id: workspace password -> master unlock key (MUK)
//   - HKDF-SHA256: root key -> purpose-bound subkeys
//
// Every HKDF context string is versioned (".v1" suffix) and unique per
// logical purpose. Reusing a context across two derivations is a protocol
// bug; the derivation table lives in the keyring package.
package kdf

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"noteguard/internal/secmem"
)

// KeySize is the size of every symmetric key in the engine.
const KeySize = 32

// SaltSize is the size of the Argon2id salt stored in the workspace manifest.
const SaltSize = 32

// MinMemoryKiB is the floor for Argon2id memory. Parameters below it are
// rejected so a tampered manifest cannot downgrade unlock to a cheap KDF.
const MinMemoryKiB = 64 * 1024

var (
	ErrWeakParameters = errors.New("kdf: argon2id parameters below safety floor")
	ErrEmptyInputKey  = errors.New("kdf: empty input key")
	ErrEmptyContext   = errors.New("kdf: empty context string")
)

// Params are the Argon2id cost parameters. They are persisted in plaintext
// alongside the salt and must reproduce the same MUK on every unlock.
type Params struct {
	MemoryKiB   uint32 `toml:"memory_kib" json:"memory_kib"`
	Iterations  uint32 `toml:"iterations" json:"iterations"`
	Parallelism uint8  `toml:"parallelism" json:"parallelism"`
}

// DefaultParams returns the interactive-unlock cost profile.
func DefaultParams() Params {
	return Params{MemoryKiB: 256 * 1024, Iterations: 3, Parallelism: 4}
}

// Validate checks the parameters against the safety floor.
func (p Params) Validate() error {
	if p.MemoryKiB < MinMemoryKiB {
		return fmt.Errorf("%w: memory %d KiB, minimum %d", ErrWeakParameters, p.MemoryKiB, MinMemoryKiB)
	}
	if p.Iterations == 0 {
		return fmt.Errorf("%w: zero iterations", ErrWeakParameters)
	}
	if p.Parallelism == 0 {
		return fmt.Errorf("%w: zero parallelism", ErrWeakParameters)
	}
	return nil
}

// DeriveMasterKey derives the 32-byte master unlock key from a password.
// Deterministic: identical password, salt and params always produce the
// same key. The result is returned in a secret buffer owned by the caller.
func DeriveMasterKey(password, salt []byte, p Params) (*secmem.Buffer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("kdf: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	key := argon2.IDKey(password, salt, p.Iterations, p.MemoryKiB, p.Parallelism, KeySize)
	return secmem.NewBufferFrom(key), nil
}

// DeriveSubkey derives length bytes from inputKey bound to context via
// HKDF-SHA256 extract-then-expand. Different contexts yield independent
// output; the same context always yields the same bytes.
func DeriveSubkey(inputKey []byte, context string, length int) ([]byte, error) {
	if len(inputKey) == 0 {
		return nil, ErrEmptyInputKey
	}
	if context == "" {
		return nil, ErrEmptyContext
	}
	r := hkdf.New(sha256.New, inputKey, nil, []byte(context))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("kdf: hkdf expand: %w", err)
	}
	return out, nil
}

// DeriveSubkeyBuffer is DeriveSubkey with the result moved into a secret
// buffer, for subkeys that are themselves keys.
func DeriveSubkeyBuffer(inputKey []byte, context string, length int) (*secmem.Buffer, error) {
	out, err := DeriveSubkey(inputKey, context, length)
	if err != nil {
		return nil, err
	}
	return secmem.NewBufferFrom(out), nil
}
