package identity

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
)

func seeds(t *testing.T, fill byte) (*secmem.Buffer, *secmem.Buffer) {
	t.Helper()
	sign := make([]byte, kdf.KeySize)
	enc := make([]byte, kdf.KeySize)
	for i := range sign {
		sign[i] = fill
		enc[i] = fill ^ 0xFF
	}
	return secmem.NewBufferFrom(sign), secmem.NewBufferFrom(enc)
}

func TestDeriveUserIdentity_Deterministic(t *testing.T) {
	s1, e1 := seeds(t, 0x11)
	id1, err := DeriveUserIdentity(s1, e1)
	require.NoError(t, err)

	s2, e2 := seeds(t, 0x11)
	id2, err := DeriveUserIdentity(s2, e2)
	require.NoError(t, err)

	assert.Equal(t, id1.SigningPub, id2.SigningPub)
	assert.Equal(t, id1.EncryptionPub.Bytes(), id2.EncryptionPub.Bytes())
	assert.Equal(t, id1.Fingerprint, id2.Fingerprint)

	s3, e3 := seeds(t, 0x22)
	id3, err := DeriveUserIdentity(s3, e3)
	require.NoError(t, err)
	assert.NotEqual(t, id1.Fingerprint, id3.Fingerprint)
}

func TestDeriveUserIdentity_BadSeed(t *testing.T) {
	short := secmem.NewBufferFrom([]byte("short"))
	_, good := seeds(t, 1)
	_, err := DeriveUserIdentity(short, good)
	assert.ErrorIs(t, err, ErrBadSeed)
}

func TestSignVerify(t *testing.T) {
	s, e := seeds(t, 0x33)
	id, err := DeriveUserIdentity(s, e)
	require.NoError(t, err)

	msg := []byte("share grant for vault V")
	sig := id.Sign(msg)
	assert.Len(t, sig, SignatureSize)

	assert.True(t, Verify(msg, sig, id.SigningPub))
	assert.False(t, Verify([]byte("other message"), sig, id.SigningPub))

	sig[0] ^= 1
	assert.False(t, Verify(msg, sig, id.SigningPub))
}

func TestVerify_MalformedInputReturnsFalse(t *testing.T) {
	// Never panics, always false.
	assert.False(t, Verify([]byte("m"), nil, nil))
	assert.False(t, Verify([]byte("m"), make([]byte, 10), make([]byte, 32)))
	assert.False(t, Verify([]byte("m"), make([]byte, SignatureSize), make([]byte, 5)))
}

func TestFingerprint_Truncated(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	_, err := rand.Read(a)
	require.NoError(t, err)
	_, err = rand.Read(b)
	require.NoError(t, err)

	fp := Fingerprint(a, b)
	assert.Len(t, fp, FingerprintBytes*2)
	assert.Equal(t, fp, Fingerprint(a, b))
	assert.NotEqual(t, fp, Fingerprint(b, a))
}

func TestDeviceIdentity_RandomAndStored(t *testing.T) {
	ks, err := NewFileKeystore(t.TempDir())
	require.NoError(t, err)

	d1, err := GenerateDeviceIdentity("laptop", ks)
	require.NoError(t, err)
	d2, err := GenerateDeviceIdentity("phone", ks)
	require.NoError(t, err)

	// Random, not derived: two devices never share keys.
	assert.NotEqual(t, d1.SigningPub, d2.SigningPub)
	assert.NotEqual(t, d1.EncryptionPub, d2.EncryptionPub)

	loaded, err := LoadDeviceIdentity("laptop", ks)
	require.NoError(t, err)
	assert.Equal(t, d1.SigningPub, loaded.SigningPub)
	assert.Equal(t, d1.SigningSeed, loaded.SigningSeed)
	assert.Equal(t, d1.Fingerprint(), loaded.Fingerprint())

	require.NoError(t, DeleteDeviceIdentity("laptop", ks))
	_, err = LoadDeviceIdentity("laptop", ks)
	assert.ErrorIs(t, err, ErrKeystoreMiss)
}
