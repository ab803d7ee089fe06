// Package identity derives and manages the signing and key-exchange
// identities used by sharing.
//
// User identities are fully deterministic: both the Ed25519 signing pair
// and the X25519 encryption pair are generated from HKDF seeds bound to
// the vault key, so the same vault key always reproduces the same
// identity. Device identities are random, since a device is re-registered
// rather than recovered, and their secrets live in a platform keystore.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
)

// SignatureSize is the Ed25519 signature size.
const SignatureSize = ed25519.SignatureSize

// FingerprintBytes is how much of the identity digest is shown for human
// verification.
const FingerprintBytes = 8

var ErrBadSeed = errors.New("identity: seed must be 32 bytes")

// UserIdentity is the deterministic per-vault identity.
type UserIdentity struct {
	SigningPub     ed25519.PublicKey
	signingPriv    ed25519.PrivateKey
	EncryptionPub  *ecdh.PublicKey
	encryptionPriv *ecdh.PrivateKey

	// Fingerprint is a truncated hex digest over both public keys.
	Fingerprint string
}

// DeriveUserIdentity builds the identity from the two vault-derived seeds.
// Deterministic: equal seeds always reproduce the same key pairs.
func DeriveUserIdentity(signingSeed, encryptionSeed *secmem.Buffer) (*UserIdentity, error) {
	sign, err := signingSeed.Bytes()
	if err != nil {
		return nil, err
	}
	if len(sign) != ed25519.SeedSize {
		return nil, ErrBadSeed
	}
	enc, err := encryptionSeed.Bytes()
	if err != nil {
		return nil, err
	}
	if len(enc) != kdf.KeySize {
		return nil, ErrBadSeed
	}

	signingPriv := ed25519.NewKeyFromSeed(sign)
	encryptionPriv, err := ecdh.X25519().NewPrivateKey(enc)
	if err != nil {
		return nil, fmt.Errorf("identity: x25519 key: %w", err)
	}

	id := &UserIdentity{
		SigningPub:     signingPriv.Public().(ed25519.PublicKey),
		signingPriv:    signingPriv,
		EncryptionPub:  encryptionPriv.PublicKey(),
		encryptionPriv: encryptionPriv,
	}
	id.Fingerprint = Fingerprint(id.SigningPub, id.EncryptionPub.Bytes())
	return id, nil
}

// EncryptionPriv returns the X25519 private key for unwrap operations.
func (id *UserIdentity) EncryptionPriv() *ecdh.PrivateKey { return id.encryptionPriv }

// Sign signs message with the identity's signing key.
func (id *UserIdentity) Sign(message []byte) []byte {
	return ed25519.Sign(id.signingPriv, message)
}

// Destroy wipes the identity's private key material.
func (id *UserIdentity) Destroy() {
	secmem.Wipe(id.signingPriv)
	id.signingPriv = nil
	// ecdh private keys hold their own copy; drop the reference.
	id.encryptionPriv = nil
}

// Verify checks an Ed25519 signature. Malformed input returns false, it
// never panics: callers treat a bad signature and a bad message the same.
func Verify(message, signature []byte, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// Fingerprint computes the human-verifiable digest over the concatenated
// public keys.
func Fingerprint(signingPub, encryptionPub []byte) string {
	h := blake3.New()
	_, _ = h.Write(signingPub)
	_, _ = h.Write(encryptionPub)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:FingerprintBytes])
}

// KeyHash identifies a recipient by their encryption public key. Shares
// carry these hashes instead of raw keys.
func KeyHash(encryptionPub []byte) string {
	sum := blake3.Sum256(encryptionPub)
	return hex.EncodeToString(sum[:])
}

// DeviceIdentity is a randomly generated per-device identity. Not
// recoverable from the password; a lost device is re-registered.
type DeviceIdentity struct {
	Name           string    `json:"name"`
	SigningPub     []byte    `json:"signing_pub"`
	SigningSeed    []byte    `json:"signing_seed"`
	EncryptionPub  []byte    `json:"encryption_pub"`
	EncryptionPriv []byte    `json:"encryption_priv"`
	CreatedAt      time.Time `json:"created_at"`
}

// GenerateDeviceIdentity creates a fresh random device identity and stores
// its secrets in the keystore under the device name.
func GenerateDeviceIdentity(name string, ks SecureKeystore) (*DeviceIdentity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	encPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate encryption key: %w", err)
	}

	dev := &DeviceIdentity{
		Name:           name,
		SigningPub:     signPub,
		SigningSeed:    signPriv.Seed(),
		EncryptionPub:  encPriv.PublicKey().Bytes(),
		EncryptionPriv: encPriv.Bytes(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := storeDevice(ks, dev); err != nil {
		return nil, err
	}
	return dev, nil
}

// Fingerprint returns the device's identity fingerprint.
func (d *DeviceIdentity) Fingerprint() string {
	return Fingerprint(d.SigningPub, d.EncryptionPub)
}
