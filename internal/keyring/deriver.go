package keyring

import (
	"fmt"

	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
)

// Derivation contexts. One context per logical purpose, versioned; adding
// a purpose means adding a new context here, never reusing one.
const (
	contentContextFmt   = "vault.content.%s.v1"
	notebookContextFmt  = "vault.notebook.%s.v1"
	searchIndexContext  = "vault.search_index.v1"
	identitySignContext = "vault.identity.signing.v1"
	identityEncContext  = "vault.identity.encryption.v1"
)

// Deriver fans a single vault key out into the per-purpose subkeys. It
// holds no state; every method recomputes deterministically from the vault
// key, so subkeys never need to be persisted.
type Deriver struct{}

// ContentKey derives the per-note content encryption key.
func (Deriver) ContentKey(vk *secmem.Buffer, noteID string) (*secmem.Buffer, error) {
	vkBytes, err := vk.Bytes()
	if err != nil {
		return nil, err
	}
	return kdf.DeriveSubkeyBuffer(vkBytes, fmt.Sprintf(contentContextFmt, noteID), kdf.KeySize)
}

// NotebookKey derives the scope key shared out when a whole notebook is
// shared.
func (Deriver) NotebookKey(vk *secmem.Buffer, notebookID string) (*secmem.Buffer, error) {
	vkBytes, err := vk.Bytes()
	if err != nil {
		return nil, err
	}
	return kdf.DeriveSubkeyBuffer(vkBytes, fmt.Sprintf(notebookContextFmt, notebookID), kdf.KeySize)
}

// SearchIndexKey derives the vault's index/search key. It encrypts the
// metadata index files and keys the blind search tokens.
func (Deriver) SearchIndexKey(vk *secmem.Buffer) (*secmem.Buffer, error) {
	vkBytes, err := vk.Bytes()
	if err != nil {
		return nil, err
	}
	return kdf.DeriveSubkeyBuffer(vkBytes, searchIndexContext, kdf.KeySize)
}

// IdentitySeeds derives the signing and encryption key seeds for the
// vault's user identity. Both are deterministic so the identity is
// recoverable from the vault key alone.
func (Deriver) IdentitySeeds(vk *secmem.Buffer) (signing, encryption *secmem.Buffer, err error) {
	vkBytes, err := vk.Bytes()
	if err != nil {
		return nil, nil, err
	}
	signing, err = kdf.DeriveSubkeyBuffer(vkBytes, identitySignContext, kdf.KeySize)
	if err != nil {
		return nil, nil, err
	}
	encryption, err = kdf.DeriveSubkeyBuffer(vkBytes, identityEncContext, kdf.KeySize)
	if err != nil {
		signing.Destroy()
		return nil, nil, err
	}
	return signing, encryption, nil
}
