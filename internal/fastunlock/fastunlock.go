// Package fastunlock lets a trusted device reopen the workspace without
// the password.
//
// After a successful password unlock the workspace secret is sealed under
// a device-bound sealer and written next to the keyring. The sealer is
// TPM 2.0 where hardware is present, with the sealed object bound to the
// platform PCR state; elsewhere a random device secret held in the
// platform keystore stands in. Either way the blob on disk is useless
// without the device that produced it.
//
// Fast unlock is strictly additive: disabling it deletes the blob and the
// password path is untouched.
package fastunlock

import (
	"errors"
	"fmt"

	"noteguard/internal/fs"
	"noteguard/internal/identity"
	"noteguard/internal/secmem"
)

// BlobPath is where the sealed workspace secret lives, relative to the
// workspace root.
const BlobPath = ".noteguard-fastunlock.enc"

var (
	ErrNotEnabled  = errors.New("fastunlock: not enabled on this device")
	ErrUnavailable = errors.New("fastunlock: no sealer available")
)

// Sealer binds a secret to the local device. Seal and Unseal are
// inverses only on the device (and platform state) that sealed.
type Sealer interface {
	// Name identifies the sealing mechanism for diagnostics.
	Name() string

	Seal(secret []byte) ([]byte, error)
	Unseal(blob []byte) ([]byte, error)

	Close() error
}

// Manager owns the sealed blob lifecycle for one workspace.
type Manager struct {
	fsys   fs.FileSystem
	sealer Sealer
}

// NewManager returns a manager using the given sealer. A nil sealer
// yields a manager where Enable and TryUnlock fail with ErrUnavailable.
func NewManager(fsys fs.FileSystem, sealer Sealer) *Manager {
	return &Manager{fsys: fsys, sealer: sealer}
}

// Available reports whether a sealer is wired in.
func (m *Manager) Available() bool {
	return m.sealer != nil
}

// SealerName names the active sealing mechanism, or "none".
func (m *Manager) SealerName() string {
	if m.sealer == nil {
		return "none"
	}
	return m.sealer.Name()
}

// Enabled reports whether a sealed blob exists for this workspace.
func (m *Manager) Enabled() (bool, error) {
	data, err := m.fsys.ReadIfExists(BlobPath)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// Enable seals the workspace secret and persists the blob. Call only
// while unlocked; the secret is typically the master unlock key.
func (m *Manager) Enable(secret *secmem.Buffer) error {
	if m.sealer == nil {
		return ErrUnavailable
	}
	raw, err := secret.Bytes()
	if err != nil {
		return err
	}
	blob, err := m.sealer.Seal(raw)
	if err != nil {
		return fmt.Errorf("fastunlock: seal: %w", err)
	}
	if err := m.fsys.WriteAtomic(BlobPath, blob); err != nil {
		return fmt.Errorf("fastunlock: persist blob: %w", err)
	}
	return nil
}

// TryUnlock unseals the workspace secret. The caller owns the returned
// buffer and must destroy it after deriving what it needs.
func (m *Manager) TryUnlock() (*secmem.Buffer, error) {
	if m.sealer == nil {
		return nil, ErrUnavailable
	}
	blob, err := m.fsys.ReadIfExists(BlobPath)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrNotEnabled
	}
	raw, err := m.sealer.Unseal(blob)
	if err != nil {
		return nil, fmt.Errorf("fastunlock: unseal: %w", err)
	}
	defer secmem.Wipe(raw)
	return secmem.NewBufferFrom(raw), nil
}

// Disable removes the sealed blob. Idempotent.
func (m *Manager) Disable() error {
	return m.fsys.RemoveAll(BlobPath)
}

// DetectSealer picks the strongest sealer the platform offers: hardware
// TPM first, then the keystore-backed software sealer.
func DetectSealer(ks identity.SecureKeystore) Sealer {
	if s := detectTPMSealer(); s != nil {
		return s
	}
	if ks != nil {
		return NewKeystoreSealer(ks)
	}
	return nil
}
