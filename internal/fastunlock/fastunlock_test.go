package fastunlock

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteguard/internal/envelope"
	"noteguard/internal/fs"
	"noteguard/internal/identity"
	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
)

func newManager(t *testing.T) (*Manager, *fs.Local) {
	t.Helper()
	fsys, err := fs.NewLocal(t.TempDir())
	require.NoError(t, err)
	ks, err := identity.NewFileKeystore(t.TempDir())
	require.NoError(t, err)
	return NewManager(fsys, NewKeystoreSealer(ks)), fsys
}

func newSecret(t *testing.T) *secmem.Buffer {
	t.Helper()
	raw := make([]byte, kdf.KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return secmem.NewBufferFrom(raw)
}

func TestEnableThenTryUnlock(t *testing.T) {
	m, _ := newManager(t)
	secret := newSecret(t)
	defer secret.Destroy()

	enabled, err := m.Enabled()
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, m.Enable(secret))

	enabled, err = m.Enabled()
	require.NoError(t, err)
	assert.True(t, enabled)

	got, err := m.TryUnlock()
	require.NoError(t, err)
	defer got.Destroy()

	want, err := secret.Bytes()
	require.NoError(t, err)
	assert.True(t, got.Equal(want))
}

func TestTryUnlockWithoutEnable(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.TryUnlock()
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestNilSealerIsUnavailable(t *testing.T) {
	fsys, err := fs.NewLocal(t.TempDir())
	require.NoError(t, err)
	m := NewManager(fsys, nil)

	assert.False(t, m.Available())
	assert.ErrorIs(t, m.Enable(newSecret(t)), ErrUnavailable)
	_, err = m.TryUnlock()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDisableRemovesBlob(t *testing.T) {
	m, _ := newManager(t)
	secret := newSecret(t)
	defer secret.Destroy()

	require.NoError(t, m.Enable(secret))
	require.NoError(t, m.Disable())
	require.NoError(t, m.Disable())

	_, err := m.TryUnlock()
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestTamperedBlobFailsUnseal(t *testing.T) {
	m, fsys := newManager(t)
	secret := newSecret(t)
	defer secret.Destroy()
	require.NoError(t, m.Enable(secret))

	blob, err := fsys.ReadIfExists(BlobPath)
	require.NoError(t, err)
	require.NotNil(t, blob)
	blob[len(blob)-1] ^= 0x01
	require.NoError(t, fsys.WriteAtomic(BlobPath, blob))

	_, err = m.TryUnlock()
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailure)
}

func TestKeystoreSealerReusesDeviceSecret(t *testing.T) {
	ks, err := identity.NewFileKeystore(t.TempDir())
	require.NoError(t, err)
	sealer := NewKeystoreSealer(ks)

	blobA, err := sealer.Seal([]byte("workspace secret"))
	require.NoError(t, err)
	blobB, err := sealer.Seal([]byte("workspace secret"))
	require.NoError(t, err)

	// Same device secret, fresh nonces.
	assert.NotEqual(t, blobA, blobB)
	for _, blob := range [][]byte{blobA, blobB} {
		out, err := sealer.Unseal(blob)
		require.NoError(t, err)
		assert.Equal(t, []byte("workspace secret"), out)
	}
}
