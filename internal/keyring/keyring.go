// Package keyring manages the workspace's vault keys and their derivation.
//
// The keyring is the single source of truth for which vaults exist. It maps
// vaultID -> VaultKey and is persisted only as ciphertext: the serialized
// map is sealed under the master unlock key with associated data binding it
// to the workspace, so a keyring file copied between workspaces fails to
// decrypt. Vault keys are random, never password-derived; the password only
// ever gates the keyring itself.
package keyring

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"noteguard/internal/envelope"
	"noteguard/internal/fs"
	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
)

// Path is the encrypted keyring file inside the workspace root.
const Path = ".noteguard-keyring.enc"

const keyringAADPrefix = "noteguard.keyring.v1:"

var (
	ErrVaultNotFound = errors.New("keyring: vault not found")
	ErrVaultExists   = errors.New("keyring: vault already exists")
)

// Keyring holds the decrypted vaultID -> VaultKey map for one unlocked
// workspace. Keys stay sealed in memory enclaves between uses. All
// mutations persist the whole keyring before returning.
type Keyring struct {
	mu          sync.Mutex
	workspaceID string
	vaults      map[string]*secmem.Enclave
	fsys        fs.FileSystem
}

// serialized is the plaintext form inside the envelope. JSON object keys
// marshal in sorted order, which keeps the ciphertext deterministic modulo
// the nonce.
type serialized struct {
	Version int               `json:"version"`
	Vaults  map[string][]byte `json:"vaults"`
}

// NewEmpty creates an empty keyring for a fresh workspace.
func NewEmpty(fsys fs.FileSystem, workspaceID string) *Keyring {
	return &Keyring{
		workspaceID: workspaceID,
		vaults:      make(map[string]*secmem.Enclave),
		fsys:        fsys,
	}
}

// Load decrypts the persisted keyring with the master unlock key. A wrong
// password surfaces here as envelope.ErrAuthenticationFailure, before any
// vault key is exposed.
func Load(fsys fs.FileSystem, workspaceID string, muk *secmem.Buffer) (*Keyring, error) {
	data, err := fsys.ReadIfExists(Path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("keyring: %w", fs.ErrNotFound)
	}

	mukBytes, err := muk.Bytes()
	if err != nil {
		return nil, err
	}
	plain, err := envelope.Open(mukBytes, data, aad(workspaceID))
	if err != nil {
		return nil, err
	}
	defer secmem.Wipe(plain)

	var s serialized
	if err := json.Unmarshal(plain, &s); err != nil {
		return nil, fmt.Errorf("keyring: parse: %w", err)
	}

	k := NewEmpty(fsys, workspaceID)
	for id, vk := range s.Vaults {
		if len(vk) != kdf.KeySize {
			return nil, fmt.Errorf("keyring: vault %s: bad key length %d", id, len(vk))
		}
		k.vaults[id] = secmem.Seal(vk)
	}
	return k, nil
}

// Persist seals and writes the keyring under the given master unlock key.
// Called after every mutation and on password change.
func (k *Keyring) Persist(muk *secmem.Buffer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.persistLocked(muk)
}

func (k *Keyring) persistLocked(muk *secmem.Buffer) error {
	s := serialized{Version: 1, Vaults: make(map[string][]byte, len(k.vaults))}
	for id, enc := range k.vaults {
		var vk []byte
		err := enc.Use(func(secret []byte) error {
			vk = append([]byte(nil), secret...)
			return nil
		})
		if err != nil {
			return err
		}
		s.Vaults[id] = vk
	}
	plain, err := json.Marshal(&s)
	if err != nil {
		return fmt.Errorf("keyring: serialize: %w", err)
	}
	defer secmem.Wipe(plain)
	for _, vk := range s.Vaults {
		defer secmem.Wipe(vk)
	}

	mukBytes, err := muk.Bytes()
	if err != nil {
		return err
	}
	sealed, err := envelope.Seal(mukBytes, plain, aad(k.workspaceID))
	if err != nil {
		return err
	}
	return k.fsys.WriteAtomic(Path, sealed)
}

// CreateVault generates a fresh random vault key, registers it, and
// persists the keyring. Returns the new key for immediate use; the caller
// owns the returned buffer.
func (k *Keyring) CreateVault(vaultID string, muk *secmem.Buffer) (*secmem.Buffer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.vaults[vaultID]; ok {
		return nil, ErrVaultExists
	}
	vk := make([]byte, kdf.KeySize)
	if _, err := rand.Read(vk); err != nil {
		return nil, fmt.Errorf("keyring: generate vault key: %w", err)
	}
	out := secmem.NewBuffer(kdf.KeySize)
	outBytes, _ := out.Bytes()
	copy(outBytes, vk)

	k.vaults[vaultID] = secmem.Seal(vk)
	if err := k.persistLocked(muk); err != nil {
		delete(k.vaults, vaultID)
		out.Destroy()
		return nil, err
	}
	return out, nil
}

// VaultKey returns the vault key as a fresh secret buffer owned by the
// caller.
func (k *Keyring) VaultKey(vaultID string) (*secmem.Buffer, error) {
	k.mu.Lock()
	enc, ok := k.vaults[vaultID]
	k.mu.Unlock()
	if !ok {
		return nil, ErrVaultNotFound
	}
	return enc.Expose()
}

// ReplaceVaultKey swaps in a new key for an existing vault (rotation) and
// persists. On persist failure the previous key is restored.
func (k *Keyring) ReplaceVaultKey(vaultID string, newKey []byte, muk *secmem.Buffer) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	old, ok := k.vaults[vaultID]
	if !ok {
		return ErrVaultNotFound
	}
	if len(newKey) != kdf.KeySize {
		return fmt.Errorf("keyring: bad key length %d", len(newKey))
	}
	k.vaults[vaultID] = secmem.Seal(newKey)
	if err := k.persistLocked(muk); err != nil {
		k.vaults[vaultID] = old
		return err
	}
	return nil
}

// RemoveVault deletes a vault's key and persists. On persist failure the
// keyring is restored to its pre-delete state so no reference is orphaned.
func (k *Keyring) RemoveVault(vaultID string, muk *secmem.Buffer) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	old, ok := k.vaults[vaultID]
	if !ok {
		return ErrVaultNotFound
	}
	delete(k.vaults, vaultID)
	if err := k.persistLocked(muk); err != nil {
		k.vaults[vaultID] = old
		return err
	}
	return nil
}

// VaultIDs lists the registered vaults in stable order.
func (k *Keyring) VaultIDs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := make([]string, 0, len(k.vaults))
	for id := range k.vaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Destroy wipes every held vault key. The keyring is unusable afterwards.
func (k *Keyring) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	// Enclaves hold their own encrypted copies; dropping the references
	// is sufficient, the per-use plaintext buffers are wiped on close.
	k.vaults = make(map[string]*secmem.Enclave)
}

func aad(workspaceID string) []byte {
	return []byte(keyringAADPrefix + workspaceID)
}
