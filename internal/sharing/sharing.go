// Package sharing implements key wrapping for multi-party access and key
// rotation for revocation.
//
// A scope key (notebook key, note share key) is transported to a
// recipient by ephemeral X25519 ECDH with a fresh key pair per wrap.
// The wrap key is a keyed BLAKE3 digest over the shared secret bound to
// both public keys and a version tag, and the scope key travels inside a
// standard envelope.
//
// Revocation is rotation: a fresh scope key re-wrapped for every still-
// usable recipient except the revoked one. Content encrypted after
// rotation is unreadable to the revoked party. Rotation does not claw
// back copies the revoked party already decrypted.
package sharing

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"noteguard/internal/envelope"
	"noteguard/internal/identity"
	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
)

// wrapVersionTag binds every wrap-key derivation to the protocol version.
const wrapVersionTag = "noteguard.wrap.v1"

var (
	ErrWrongRecipient = errors.New("sharing: share is for a different recipient")
	ErrRevokedShare   = errors.New("sharing: share has been revoked")
	ErrExpiredShare   = errors.New("sharing: share has expired")
)

// WrappedKey is a scope key encrypted for exactly one recipient.
// Immutable once created; rotation supersedes it with a new one.
type WrappedKey struct {
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	RecipientPublicKey []byte `json:"recipient_public_key"`
	Ciphertext         []byte `json:"ciphertext"`
}

// ParseRecipientKey decodes a 32-byte X25519 public key.
func ParseRecipientKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("sharing: recipient key: %w", err)
	}
	return pub, nil
}

// deriveWrapKey computes the symmetric wrap key from the ECDH shared
// secret, both public keys, and the version tag.
func deriveWrapKey(sharedSecret, ephemeralPub, recipientPub []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("sharing: wrap key derivation: %w", err)
	}
	_, _ = h.Write([]byte(wrapVersionTag))
	_, _ = h.Write(ephemeralPub)
	_, _ = h.Write(recipientPub)
	return h.Sum(nil)[:kdf.KeySize], nil
}

// WrapKey encrypts scopeKey for the holder of recipientPub.
func WrapKey(scopeKey *secmem.Buffer, recipientPub *ecdh.PublicKey) (WrappedKey, error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("sharing: ephemeral key: %w", err)
	}
	shared, err := eph.ECDH(recipientPub)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("sharing: ecdh: %w", err)
	}
	defer secmem.Wipe(shared)

	ephPub := eph.PublicKey().Bytes()
	recPub := recipientPub.Bytes()
	wrap, err := deriveWrapKey(shared, ephPub, recPub)
	if err != nil {
		return WrappedKey{}, err
	}
	defer secmem.Wipe(wrap)

	scope, err := scopeKey.Bytes()
	if err != nil {
		return WrappedKey{}, err
	}
	ct, err := envelope.Seal(wrap, scope, []byte(wrapVersionTag))
	if err != nil {
		return WrappedKey{}, err
	}
	return WrappedKey{
		EphemeralPublicKey: ephPub,
		RecipientPublicKey: recPub,
		Ciphertext:         ct,
	}, nil
}

// UnwrapKey recovers the scope key with the recipient's secret key. A
// wrong secret key fails authentication; the caller owns the returned
// buffer.
func UnwrapKey(wk WrappedKey, ourSecret *ecdh.PrivateKey) (*secmem.Buffer, error) {
	ephPub, err := ecdh.X25519().NewPublicKey(wk.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("sharing: ephemeral public key: %w", err)
	}
	shared, err := ourSecret.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("sharing: ecdh: %w", err)
	}
	defer secmem.Wipe(shared)

	wrap, err := deriveWrapKey(shared, wk.EphemeralPublicKey, wk.RecipientPublicKey)
	if err != nil {
		return nil, err
	}
	defer secmem.Wipe(wrap)

	scope, err := envelope.Open(wrap, wk.Ciphertext, []byte(wrapVersionTag))
	if err != nil {
		return nil, err
	}
	defer secmem.Wipe(scope)
	return secmem.NewBufferFrom(scope), nil
}

// UnwrapShare unwraps a share after enforcing its state machine and
// recipient binding: the caller's identity hash must match, the share
// must be active and unexpired.
func UnwrapShare(s *Share, ourSecret *ecdh.PrivateKey, now time.Time) (*secmem.Buffer, error) {
	callerHash := identity.KeyHash(ourSecret.PublicKey().Bytes())
	if s.RecipientKeyHash != callerHash {
		return nil, ErrWrongRecipient
	}
	if !s.IsActive {
		return nil, ErrRevokedShare
	}
	if s.IsExpired(now) {
		return nil, ErrExpiredShare
	}
	return UnwrapKey(s.WrappedKey, ourSecret)
}

// RotationResult carries the outcome of a revocation rotation.
type RotationResult struct {
	NewScopeKey *secmem.Buffer
	NewShares   []Share
}

// Rotate generates a fresh scope key and re-wraps it for every usable
// share except the revoked recipient, who receives nothing. Old shares
// stay behind as historical records; content encrypted under the new key
// is unreachable with any superseded wrap.
func Rotate(shares []Share, revokedRecipientHash string, now time.Time) (*RotationResult, error) {
	newKey := make([]byte, kdf.KeySize)
	if _, err := rand.Read(newKey); err != nil {
		return nil, fmt.Errorf("sharing: new scope key: %w", err)
	}
	scope := secmem.NewBufferFrom(newKey)
	secmem.Wipe(newKey)

	var out []Share
	for i := range shares {
		s := &shares[i]
		if !s.IsUsable(now) || s.RecipientKeyHash == revokedRecipientHash {
			continue
		}
		recipientPub, err := ecdh.X25519().NewPublicKey(s.WrappedKey.RecipientPublicKey)
		if err != nil {
			scope.Destroy()
			return nil, fmt.Errorf("sharing: recipient key for %s: %w", s.ShareID, err)
		}
		wk, err := WrapKey(scope, recipientPub)
		if err != nil {
			scope.Destroy()
			return nil, err
		}
		out = append(out, NewShare(s.Type, s.ResourceID, s.Role, s.SharerKeyHash, s.RecipientKeyHash, wk, s.ExpiresAt))
	}
	return &RotationResult{NewScopeKey: scope, NewShares: out}, nil
}
