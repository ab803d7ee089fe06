package keyring

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteguard/internal/envelope"
	"noteguard/internal/fs"
	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
)

func testFS(t *testing.T) *fs.Local {
	t.Helper()
	l, err := fs.NewLocal(t.TempDir())
	require.NoError(t, err)
	return l
}

func randomMUK(t *testing.T) *secmem.Buffer {
	t.Helper()
	b := make([]byte, kdf.KeySize)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return secmem.NewBufferFrom(b)
}

func TestKeyring_CreatePersistLoad(t *testing.T) {
	fsys := testFS(t)
	muk := randomMUK(t)

	k := NewEmpty(fsys, "ws-1")
	vk, err := k.CreateVault("vault-a", muk)
	require.NoError(t, err)
	vkBytes, err := vk.Bytes()
	require.NoError(t, err)

	loaded, err := Load(fsys, "ws-1", muk)
	require.NoError(t, err)
	assert.Equal(t, []string{"vault-a"}, loaded.VaultIDs())

	got, err := loaded.VaultKey("vault-a")
	require.NoError(t, err)
	assert.True(t, got.Equal(vkBytes))
}

func TestKeyring_WrongPassword(t *testing.T) {
	fsys := testFS(t)
	muk := randomMUK(t)

	k := NewEmpty(fsys, "ws-1")
	_, err := k.CreateVault("vault-a", muk)
	require.NoError(t, err)

	_, err = Load(fsys, "ws-1", randomMUK(t))
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
}

func TestKeyring_WorkspaceBinding(t *testing.T) {
	fsys := testFS(t)
	muk := randomMUK(t)

	k := NewEmpty(fsys, "ws-1")
	_, err := k.CreateVault("vault-a", muk)
	require.NoError(t, err)

	// Same key, different workspace id: the AAD must reject it.
	_, err = Load(fsys, "ws-2", muk)
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
}

func TestKeyring_VaultKeysAreRandomPerVault(t *testing.T) {
	fsys := testFS(t)
	muk := randomMUK(t)

	k := NewEmpty(fsys, "ws-1")
	a, err := k.CreateVault("vault-a", muk)
	require.NoError(t, err)
	b, err := k.CreateVault("vault-b", muk)
	require.NoError(t, err)

	aBytes, _ := a.Bytes()
	assert.False(t, b.Equal(aBytes))
}

func TestKeyring_DuplicateVault(t *testing.T) {
	fsys := testFS(t)
	muk := randomMUK(t)

	k := NewEmpty(fsys, "ws-1")
	_, err := k.CreateVault("vault-a", muk)
	require.NoError(t, err)
	_, err = k.CreateVault("vault-a", muk)
	assert.ErrorIs(t, err, ErrVaultExists)
}

func TestKeyring_RemoveVault(t *testing.T) {
	fsys := testFS(t)
	muk := randomMUK(t)

	k := NewEmpty(fsys, "ws-1")
	_, err := k.CreateVault("vault-a", muk)
	require.NoError(t, err)

	require.NoError(t, k.RemoveVault("vault-a", muk))
	assert.Empty(t, k.VaultIDs())

	_, err = k.VaultKey("vault-a")
	assert.ErrorIs(t, err, ErrVaultNotFound)

	// Removal persisted.
	loaded, err := Load(fsys, "ws-1", muk)
	require.NoError(t, err)
	assert.Empty(t, loaded.VaultIDs())

	assert.ErrorIs(t, k.RemoveVault("vault-a", muk), ErrVaultNotFound)
}

func TestKeyring_ReplaceVaultKey(t *testing.T) {
	fsys := testFS(t)
	muk := randomMUK(t)

	k := NewEmpty(fsys, "ws-1")
	old, err := k.CreateVault("vault-a", muk)
	require.NoError(t, err)
	oldBytes, _ := old.Bytes()

	newKey := make([]byte, kdf.KeySize)
	_, err = rand.Read(newKey)
	require.NoError(t, err)
	keep := append([]byte(nil), newKey...)

	require.NoError(t, k.ReplaceVaultKey("vault-a", newKey, muk))

	got, err := k.VaultKey("vault-a")
	require.NoError(t, err)
	assert.True(t, got.Equal(keep))
	assert.False(t, got.Equal(oldBytes))
}

func TestKeyring_PersistUnderNewMUK(t *testing.T) {
	fsys := testFS(t)
	oldMUK := randomMUK(t)
	newMUK := randomMUK(t)

	k := NewEmpty(fsys, "ws-1")
	vk, err := k.CreateVault("vault-a", oldMUK)
	require.NoError(t, err)
	vkBytes, _ := vk.Bytes()

	// Password change: same keyring re-sealed under the new MUK.
	require.NoError(t, k.Persist(newMUK))

	_, err = Load(fsys, "ws-1", oldMUK)
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)

	loaded, err := Load(fsys, "ws-1", newMUK)
	require.NoError(t, err)
	got, err := loaded.VaultKey("vault-a")
	require.NoError(t, err)
	assert.True(t, got.Equal(vkBytes))
}

func TestDeriver_DeterministicAndSeparated(t *testing.T) {
	vk := randomMUK(t)
	var d Deriver

	c1, err := d.ContentKey(vk, "note-1")
	require.NoError(t, err)
	c1again, err := d.ContentKey(vk, "note-1")
	require.NoError(t, err)
	c2, err := d.ContentKey(vk, "note-2")
	require.NoError(t, err)
	s, err := d.SearchIndexKey(vk)
	require.NoError(t, err)

	c1Bytes, _ := c1.Bytes()
	assert.True(t, c1again.Equal(c1Bytes))
	assert.False(t, c2.Equal(c1Bytes))
	assert.False(t, s.Equal(c1Bytes))

	sign, enc, err := d.IdentitySeeds(vk)
	require.NoError(t, err)
	signBytes, _ := sign.Bytes()
	assert.False(t, enc.Equal(signBytes))

	sign2, _, err := d.IdentitySeeds(vk)
	require.NoError(t, err)
	assert.True(t, sign2.Equal(signBytes))
}

func TestManifest_RoundTrip(t *testing.T) {
	fsys := testFS(t)

	_, err := LoadManifest(fsys)
	assert.ErrorIs(t, err, ErrNoWorkspace)

	m := &Manifest{
		Version:     ManifestVersion,
		WorkspaceID: "ws-1",
		Salt:        make([]byte, kdf.SaltSize),
		KDF:         kdf.DefaultParams(),
	}
	require.NoError(t, SaveManifest(fsys, m))

	loaded, err := LoadManifest(fsys)
	require.NoError(t, err)
	assert.Equal(t, m.WorkspaceID, loaded.WorkspaceID)
	assert.Equal(t, m.KDF, loaded.KDF)
}

func TestManifest_RejectsWeakKDF(t *testing.T) {
	fsys := testFS(t)

	m := &Manifest{
		Version:     ManifestVersion,
		WorkspaceID: "ws-1",
		Salt:        make([]byte, kdf.SaltSize),
		KDF:         kdf.Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1},
	}
	require.NoError(t, SaveManifest(fsys, m))

	_, err := LoadManifest(fsys)
	assert.ErrorIs(t, err, kdf.ErrWeakParameters)
}
