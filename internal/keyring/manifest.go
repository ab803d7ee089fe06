package keyring

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"noteguard/internal/fs"
	"noteguard/internal/kdf"
)

// ManifestPath is the plaintext workspace manifest. It carries only
// non-secret bootstrap data: format version, Argon2id salt and params.
const ManifestPath = ".noteguard-workspace"

// ManifestVersion is the current workspace format version.
const ManifestVersion = 1

var (
	ErrNoWorkspace      = errors.New("keyring: workspace manifest not found")
	ErrManifestVersion  = errors.New("keyring: unsupported workspace format version")
	ErrWorkspaceExists  = errors.New("keyring: workspace already initialized")
)

// Manifest is the on-disk workspace bootstrap record.
type Manifest struct {
	Version     int        `toml:"version"`
	WorkspaceID string     `toml:"workspace_id"`
	Salt        []byte     `toml:"salt"`
	KDF         kdf.Params `toml:"kdf"`
	CreatedAt   time.Time  `toml:"created_at"`

	// PrevSalt is set only during a password change, between the salt
	// swap and the keyring re-seal. A crash in that window leaves the
	// keyring sealed under the previous salt's key; unlock falls back to
	// it and rolls the manifest back.
	PrevSalt []byte `toml:"prev_salt,omitempty"`
}

// LoadManifest reads and validates the workspace manifest.
func LoadManifest(fsys fs.FileSystem) (*Manifest, error) {
	data, err := fsys.ReadIfExists(ManifestPath)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoWorkspace
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("keyring: parse manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("%w: %d", ErrManifestVersion, m.Version)
	}
	if err := m.KDF.Validate(); err != nil {
		// A below-floor manifest is either ancient or tampered with;
		// refuse to derive with it.
		return nil, err
	}
	return &m, nil
}

// SaveManifest persists the manifest atomically.
func SaveManifest(fsys fs.FileSystem, m *Manifest) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("keyring: encode manifest: %w", err)
	}
	return fsys.WriteAtomic(ManifestPath, buf.Bytes())
}
