package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	"noteguard/internal/fs"
	"noteguard/internal/secmem"
)

// ErrKeystoreMiss signals the requested secret is not in the keystore.
var ErrKeystoreMiss = errors.New("identity: keystore entry not found")

// SecureKeystore stores opaque device secrets outside the workspace. The
// engine never interprets platform specifics; one implementation exists
// per platform, chosen at construction time.
type SecureKeystore interface {
	Store(name string, secret []byte) error
	Retrieve(name string) ([]byte, error)
	Delete(name string) error
}

const deviceKeyPrefix = "noteguard.device."

func storeDevice(ks SecureKeystore, dev *DeviceIdentity) error {
	blob, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("identity: serialize device: %w", err)
	}
	defer secmem.Wipe(blob)
	return ks.Store(deviceKeyPrefix+dev.Name, blob)
}

// LoadDeviceIdentity retrieves a stored device identity by name.
func LoadDeviceIdentity(name string, ks SecureKeystore) (*DeviceIdentity, error) {
	blob, err := ks.Retrieve(deviceKeyPrefix + name)
	if err != nil {
		return nil, err
	}
	defer secmem.Wipe(blob)
	var dev DeviceIdentity
	if err := json.Unmarshal(blob, &dev); err != nil {
		return nil, fmt.Errorf("identity: parse device: %w", err)
	}
	return &dev, nil
}

// DeleteDeviceIdentity removes a device's secrets from the keystore.
func DeleteDeviceIdentity(name string, ks SecureKeystore) error {
	return ks.Delete(deviceKeyPrefix + name)
}

// FileKeystore is the fallback keystore: one 0600 file per secret under a
// directory outside the workspace. Used where no platform secret service
// is available, and in tests.
type FileKeystore struct {
	fsys *fs.Local
}

// NewFileKeystore creates a file-backed keystore rooted at dir.
func NewFileKeystore(dir string) (*FileKeystore, error) {
	l, err := fs.NewLocal(dir)
	if err != nil {
		return nil, err
	}
	return &FileKeystore{fsys: l}, nil
}

func (k *FileKeystore) Store(name string, secret []byte) error {
	return k.fsys.WriteAtomic(name, secret)
}

func (k *FileKeystore) Retrieve(name string) ([]byte, error) {
	data, err := k.fsys.ReadIfExists(name)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeystoreMiss, name)
	}
	return data, nil
}

func (k *FileKeystore) Delete(name string) error {
	return k.fsys.RemoveAll(name)
}
