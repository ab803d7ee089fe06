// Package session is the composition root of the engine: one Engine per
// workspace, explicitly constructed, no ambient globals.
//
// The Engine owns the unlock state. Between Unlock and Lock it holds the
// master unlock key, the decrypted keyring, and per-vault caches of
// derived keys and indices; Lock zeroizes all of it synchronously before
// returning. Every vault operation on a locked engine fails with
// ErrLocked rather than touching disk.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"noteguard/internal/blindindex"
	"noteguard/internal/cas"
	"noteguard/internal/config"
	"noteguard/internal/envelope"
	"noteguard/internal/fastunlock"
	"noteguard/internal/fs"
	"noteguard/internal/identity"
	"noteguard/internal/kdf"
	"noteguard/internal/keyring"
	"noteguard/internal/logging"
	"noteguard/internal/metaindex"
	"noteguard/internal/secmem"
	"noteguard/internal/syncstate"
)

var (
	// ErrLocked is returned by any vault operation after Lock.
	ErrLocked = errors.New("session: workspace is locked")

	ErrAlreadyUnlocked = errors.New("session: workspace is already unlocked")
)

// Engine is one workspace's session. Safe for concurrent use; mutations
// within a vault are serialized by the vault's index locks, lifecycle
// transitions by the engine lock.
type Engine struct {
	mu   sync.Mutex
	fsys *fs.Local
	log  *slog.Logger

	manifest *keyring.Manifest
	deriver  keyring.Deriver

	// Unlock state. All nil while locked.
	muk    *secmem.Buffer
	ring   *keyring.Keyring
	vaults map[string]*vaultSession

	// Optional sync outbox. Mutations enqueue encrypted operations when
	// set.
	outbox *syncstate.Store
}

// vaultSession carries one vault's derived keys and caches. Built
// lazily on first use after unlock, torn down on Lock.
type vaultSession struct {
	id          string
	vk          *secmem.Buffer
	searchKey   *secmem.Buffer
	meta        *metaindex.Index
	blind       *blindindex.Index
	objects     *cas.Store
	fsys        *fs.Local
	contentKeys map[string]*secmem.Buffer
}

func (vs *vaultSession) destroy() {
	for _, ck := range vs.contentKeys {
		ck.Destroy()
	}
	vs.contentKeys = nil
	vs.meta.Invalidate()
	vs.blind.Invalidate()
	vs.searchKey.Destroy()
	vs.vk.Destroy()
}

// Open attaches to an existing workspace. The engine starts locked.
func Open(root string, log *slog.Logger) (*Engine, error) {
	fsys, err := fs.NewLocal(root)
	if err != nil {
		return nil, err
	}
	manifest, err := keyring.LoadManifest(fsys)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{fsys: fsys, log: log, manifest: manifest}, nil
}

// CreateWorkspace initializes a fresh workspace at root and returns an
// unlocked engine. Fails if a manifest is already present.
func CreateWorkspace(root string, password []byte, params kdf.Params, log *slog.Logger) (*Engine, error) {
	fsys, err := fs.NewLocal(root)
	if err != nil {
		return nil, err
	}
	if _, err := keyring.LoadManifest(fsys); err == nil {
		return nil, keyring.ErrWorkspaceExists
	} else if !errors.Is(err, keyring.ErrNoWorkspace) {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	salt := make([]byte, kdf.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("session: generate salt: %w", err)
	}
	manifest := &keyring.Manifest{
		Version:     keyring.ManifestVersion,
		WorkspaceID: uuid.NewString(),
		Salt:        salt,
		KDF:         params,
		CreatedAt:   time.Now().UTC(),
	}

	muk, err := kdf.DeriveMasterKey(password, salt, params)
	if err != nil {
		return nil, err
	}
	ring := keyring.NewEmpty(fsys, manifest.WorkspaceID)
	if err := ring.Persist(muk); err != nil {
		muk.Destroy()
		return nil, err
	}
	if err := keyring.SaveManifest(fsys, manifest); err != nil {
		muk.Destroy()
		return nil, err
	}

	if log == nil {
		log = logging.Discard()
	}
	e := &Engine{
		fsys:     fsys,
		log:      log,
		manifest: manifest,
		muk:      muk,
		ring:     ring,
		vaults:   make(map[string]*vaultSession),
	}
	e.log.Info("workspace created", "workspace_id", manifest.WorkspaceID)
	return e, nil
}

// WorkspaceID returns the workspace's stable identifier.
func (e *Engine) WorkspaceID() string { return e.manifest.WorkspaceID }

// Filesystem exposes the workspace root filesystem, for wiring
// components that share the workspace directory.
func (e *Engine) Filesystem() *fs.Local { return e.fsys }

// SetOutbox attaches a sync outbox. Subsequent note mutations enqueue
// encrypted operations for the backend.
func (e *Engine) SetOutbox(s *syncstate.Store) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbox = s
}

// Locked reports whether the workspace is locked.
func (e *Engine) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muk == nil
}

// Unlock derives the master unlock key from the password and decrypts
// the keyring. A wrong password fails on the keyring's authentication
// tag before any vault key is exposed.
//
// A manifest carrying a previous salt marks an interrupted password
// change. If the current salt's key does not open the keyring, the
// previous salt is tried; success means the keyring was never re-sealed,
// so the manifest is rolled back to the pre-change salt.
func (e *Engine) Unlock(password []byte) error {
	muk, err := kdf.DeriveMasterKey(password, e.manifest.Salt, e.manifest.KDF)
	if err != nil {
		return err
	}
	err = e.unlockWith(muk)
	if err == nil {
		e.finishSaltTransition()
		return nil
	}
	muk.Destroy()

	if !errors.Is(err, envelope.ErrAuthenticationFailure) || len(e.manifest.PrevSalt) == 0 {
		return err
	}
	prevMUK, derr := kdf.DeriveMasterKey(password, e.manifest.PrevSalt, e.manifest.KDF)
	if derr != nil {
		return err
	}
	if perr := e.unlockWith(prevMUK); perr != nil {
		prevMUK.Destroy()
		return err
	}
	e.manifest.Salt = e.manifest.PrevSalt
	e.finishSaltTransition()
	return nil
}

// finishSaltTransition clears a leftover previous salt after a
// successful unlock. Persist failure is non-fatal; the fallback keeps
// working until a later save succeeds.
func (e *Engine) finishSaltTransition() {
	if len(e.manifest.PrevSalt) == 0 {
		return
	}
	e.manifest.PrevSalt = nil
	if err := keyring.SaveManifest(e.fsys, e.manifest); err != nil {
		e.log.Warn("clear salt transition", "error", err)
	}
}

// UnlockWithSecret unlocks using an externally held workspace secret,
// typically recovered through fast unlock. Takes ownership of muk.
func (e *Engine) UnlockWithSecret(muk *secmem.Buffer) error {
	if err := e.unlockWith(muk); err != nil {
		muk.Destroy()
		return err
	}
	return nil
}

func (e *Engine) unlockWith(muk *secmem.Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.muk != nil {
		return ErrAlreadyUnlocked
	}
	ring, err := keyring.Load(e.fsys, e.manifest.WorkspaceID, muk)
	if err != nil {
		return err
	}
	e.muk = muk
	e.ring = ring
	e.vaults = make(map[string]*vaultSession)
	e.log.Info("workspace unlocked", "workspace_id", e.manifest.WorkspaceID)
	return nil
}

// Lock synchronously zeroizes the master unlock key, every vault key,
// and all derived key caches, and drops the index caches. In-flight
// operations that already hold a key copy may finish; nothing new
// succeeds afterwards.
func (e *Engine) Lock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.muk == nil {
		return
	}
	for _, vs := range e.vaults {
		vs.destroy()
	}
	e.vaults = nil
	e.ring.Destroy()
	e.ring = nil
	e.muk.Destroy()
	e.muk = nil
	e.log.Info("workspace locked", "workspace_id", e.manifest.WorkspaceID)
}

// ChangePassword re-encrypts the keyring under a key derived from the
// new password with a fresh salt. Vault keys are unchanged; no content
// is touched. Requires the workspace unlocked and the old password,
// verified against the live master key.
func (e *Engine) ChangePassword(oldPassword, newPassword []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.muk == nil {
		return ErrLocked
	}

	oldMUK, err := kdf.DeriveMasterKey(oldPassword, e.manifest.Salt, e.manifest.KDF)
	if err != nil {
		return err
	}
	defer oldMUK.Destroy()
	oldBytes, err := oldMUK.Bytes()
	if err != nil {
		return err
	}
	if !e.muk.Equal(oldBytes) {
		return envelope.ErrAuthenticationFailure
	}

	newSalt := make([]byte, kdf.SaltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("session: generate salt: %w", err)
	}
	newMUK, err := kdf.DeriveMasterKey(newPassword, newSalt, e.manifest.KDF)
	if err != nil {
		return err
	}

	// Two-phase salt swap: the previous salt rides along in the manifest
	// until the keyring is re-sealed, so a crash between the two writes
	// leaves the workspace openable with the old password.
	prevSalt := e.manifest.Salt
	e.manifest.Salt = newSalt
	e.manifest.PrevSalt = prevSalt
	if err := keyring.SaveManifest(e.fsys, e.manifest); err != nil {
		e.manifest.Salt = prevSalt
		e.manifest.PrevSalt = nil
		newMUK.Destroy()
		return err
	}
	if err := e.ring.Persist(newMUK); err != nil {
		// Roll the manifest back so the old password still opens the
		// still-old keyring.
		e.manifest.Salt = prevSalt
		e.manifest.PrevSalt = nil
		if saveErr := keyring.SaveManifest(e.fsys, e.manifest); saveErr != nil {
			return errors.Join(err, saveErr)
		}
		newMUK.Destroy()
		return err
	}
	e.manifest.PrevSalt = nil
	if err := keyring.SaveManifest(e.fsys, e.manifest); err != nil {
		// The change itself is complete; the leftover previous salt is
		// cleared on the next successful unlock.
		e.log.Warn("clear salt transition", "error", err)
	}

	// A device-sealed unlock blob holds the superseded key; drop it so
	// fast unlock is re-enabled under the new one rather than handing
	// back a key that no longer opens the keyring.
	if err := e.fsys.RemoveAll(fastunlock.BlobPath); err != nil {
		e.log.Warn("remove stale fast unlock blob", "error", err)
	}

	e.muk.Destroy()
	e.muk = newMUK
	e.log.Info("password changed", "workspace_id", e.manifest.WorkspaceID)
	return nil
}

// CreateVault registers a new vault in the keyring and lays out its
// directory with a plaintext descriptor. On any failure after the
// keyring mutation, the keyring entry is removed again.
func (e *Engine) CreateVault(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.muk == nil {
		return "", ErrLocked
	}

	vaultID := uuid.NewString()
	vk, err := e.ring.CreateVault(vaultID, e.muk)
	if err != nil {
		return "", err
	}
	defer vk.Destroy()

	meta := config.NewVaultMeta(vaultID, name)
	raw, err := config.EncodeVaultMeta(meta)
	if err == nil {
		err = e.fsys.Sub(vaultID).WriteAtomic(config.VaultMetaFileName, raw)
	}
	if err != nil {
		if rmErr := e.ring.RemoveVault(vaultID, e.muk); rmErr != nil {
			return "", errors.Join(err, rmErr)
		}
		return "", err
	}
	e.log.Info("vault created", "vault_id", vaultID)
	return vaultID, nil
}

// DeleteVault removes the vault directory, then the keyring entry. The
// keyring is only updated after the directory removal succeeds, so a
// partial failure leaves the reference intact rather than orphaned.
func (e *Engine) DeleteVault(vaultID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.muk == nil {
		return ErrLocked
	}

	if vs, ok := e.vaults[vaultID]; ok {
		vs.destroy()
		delete(e.vaults, vaultID)
	}
	if err := e.fsys.RemoveAll(vaultID); err != nil {
		return fmt.Errorf("session: remove vault directory: %w", err)
	}
	if err := e.ring.RemoveVault(vaultID, e.muk); err != nil {
		return err
	}
	e.log.Info("vault deleted", "vault_id", vaultID)
	return nil
}

// Vaults lists the registered vault IDs.
func (e *Engine) Vaults() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.muk == nil {
		return nil, ErrLocked
	}
	return e.ring.VaultIDs(), nil
}

// VaultMeta reads a vault's plaintext descriptor.
func (e *Engine) VaultMeta(vaultID string) (*config.VaultMeta, error) {
	raw, err := e.fsys.Sub(vaultID).ReadIfExists(config.VaultMetaFileName)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: vault %s", metaindex.ErrNotFound, vaultID)
	}
	return config.ParseVaultMeta(raw)
}

// vault returns the cached session for a vault, building it on first
// use.
func (e *Engine) vault(vaultID string) (*vaultSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vaultLocked(vaultID)
}

func (e *Engine) vaultLocked(vaultID string) (*vaultSession, error) {
	if e.muk == nil {
		return nil, ErrLocked
	}
	if vs, ok := e.vaults[vaultID]; ok {
		return vs, nil
	}
	vk, err := e.ring.VaultKey(vaultID)
	if err != nil {
		return nil, err
	}
	vs, err := e.buildVaultSession(vaultID, vk)
	if err != nil {
		vk.Destroy()
		return nil, err
	}
	e.vaults[vaultID] = vs
	return vs, nil
}

func (e *Engine) buildVaultSession(vaultID string, vk *secmem.Buffer) (*vaultSession, error) {
	searchKey, err := e.deriver.SearchIndexKey(vk)
	if err != nil {
		return nil, err
	}
	vfs := e.fsys.Sub(vaultID)
	return &vaultSession{
		id:          vaultID,
		vk:          vk,
		searchKey:   searchKey,
		meta:        metaindex.New(vfs, searchKey),
		blind:       blindindex.New(vfs, searchKey),
		objects:     cas.New(vfs),
		fsys:        vfs,
		contentKeys: make(map[string]*secmem.Buffer),
	}, nil
}

func (vs *vaultSession) contentKey(d keyring.Deriver, noteID string) (*secmem.Buffer, error) {
	if ck, ok := vs.contentKeys[noteID]; ok {
		return ck, nil
	}
	ck, err := d.ContentKey(vs.vk, noteID)
	if err != nil {
		return nil, err
	}
	vs.contentKeys[noteID] = ck
	return ck, nil
}

// VaultIdentity derives the vault's user identity. Deterministic: the
// same vault key always reproduces the same key pairs, so the identity
// is recoverable from the password alone. The caller owns the result.
func (e *Engine) VaultIdentity(vaultID string) (*identity.UserIdentity, error) {
	vs, err := e.vault(vaultID)
	if err != nil {
		return nil, err
	}
	signSeed, encSeed, err := e.deriver.IdentitySeeds(vs.vk)
	if err != nil {
		return nil, err
	}
	defer signSeed.Destroy()
	defer encSeed.Destroy()
	return identity.DeriveUserIdentity(signSeed, encSeed)
}

// EnableFastUnlock seals the current master unlock key for this device.
func (e *Engine) EnableFastUnlock(m *fastunlock.Manager) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.muk == nil {
		return ErrLocked
	}
	return m.Enable(e.muk)
}

// UnlockWithDevice unlocks through a device-bound sealed secret instead
// of the password.
func (e *Engine) UnlockWithDevice(m *fastunlock.Manager) error {
	muk, err := m.TryUnlock()
	if err != nil {
		return err
	}
	return e.UnlockWithSecret(muk)
}

// InvalidateVaultCaches drops a vault's in-memory index caches so the
// next access reloads from disk. Called when an external process
// replaces index files.
func (e *Engine) InvalidateVaultCaches(vaultID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vs, ok := e.vaults[vaultID]; ok {
		vs.meta.Invalidate()
		vs.blind.Invalidate()
	}
}

// WatchVault starts a watcher on the vault's refs directory that
// invalidates the caches whenever a file changes underneath us. The
// caller closes the returned watcher.
func (e *Engine) WatchVault(vaultID string) (*fs.Watcher, error) {
	w, err := fs.NewWatcher(e.fsys.Sub(vaultID), "refs")
	if err != nil {
		return nil, err
	}
	w.OnChange(func(string) {
		e.InvalidateVaultCaches(vaultID)
	})
	return w, nil
}
