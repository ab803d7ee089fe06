package fastunlock

import (
	"crypto/rand"
	"errors"
	"fmt"

	"noteguard/internal/envelope"
	"noteguard/internal/identity"
	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
)

const (
	keystoreEntry = "noteguard.fastunlock.device-secret"
	keystoreAAD   = "noteguard.fastunlock.v1"
)

// KeystoreSealer is the software fallback: a random device secret held in
// the platform keystore encrypts the workspace secret. Security reduces
// to whatever the keystore provides, which is still a separate trust
// domain from the workspace directory.
type KeystoreSealer struct {
	ks identity.SecureKeystore
}

func NewKeystoreSealer(ks identity.SecureKeystore) *KeystoreSealer {
	return &KeystoreSealer{ks: ks}
}

func (s *KeystoreSealer) Name() string { return "keystore" }

// deviceSecret fetches the device secret, creating it on first use.
func (s *KeystoreSealer) deviceSecret() ([]byte, error) {
	secret, err := s.ks.Retrieve(keystoreEntry)
	if err == nil {
		if len(secret) != kdf.KeySize {
			return nil, errors.New("fastunlock: malformed device secret in keystore")
		}
		return secret, nil
	}
	if !errors.Is(err, identity.ErrKeystoreMiss) {
		return nil, err
	}

	secret = make([]byte, kdf.KeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("fastunlock: device secret: %w", err)
	}
	if err := s.ks.Store(keystoreEntry, secret); err != nil {
		secmem.Wipe(secret)
		return nil, err
	}
	return secret, nil
}

func (s *KeystoreSealer) Seal(secret []byte) ([]byte, error) {
	key, err := s.deviceSecret()
	if err != nil {
		return nil, err
	}
	defer secmem.Wipe(key)
	return envelope.Seal(key, secret, []byte(keystoreAAD))
}

func (s *KeystoreSealer) Unseal(blob []byte) ([]byte, error) {
	key, err := s.ks.Retrieve(keystoreEntry)
	if err != nil {
		return nil, err
	}
	defer secmem.Wipe(key)
	return envelope.Open(key, blob, []byte(keystoreAAD))
}

func (s *KeystoreSealer) Close() error { return nil }

var _ Sealer = (*KeystoreSealer)(nil)
