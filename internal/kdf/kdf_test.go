package kdf

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParams keeps Argon2id cheap enough for CI while staying above the floor.
func testParams() Params {
	return Params{MemoryKiB: MinMemoryKiB, Iterations: 1, Parallelism: 1}
}

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	salt := make([]byte, SaltSize)
	_, err := rand.Read(salt)
	require.NoError(t, err)

	k1, err := DeriveMasterKey([]byte("correct-horse-battery-staple"), salt, testParams())
	require.NoError(t, err)
	defer k1.Destroy()

	k2, err := DeriveMasterKey([]byte("correct-horse-battery-staple"), salt, testParams())
	require.NoError(t, err)
	defer k2.Destroy()

	b1, err := k1.Bytes()
	require.NoError(t, err)
	b2, err := k2.Bytes()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.Len(t, b1, KeySize)
}

func TestDeriveMasterKey_PasswordSensitive(t *testing.T) {
	salt := make([]byte, SaltSize)
	_, err := rand.Read(salt)
	require.NoError(t, err)

	k1, err := DeriveMasterKey([]byte("password-one"), salt, testParams())
	require.NoError(t, err)
	defer k1.Destroy()

	k2, err := DeriveMasterKey([]byte("password-two"), salt, testParams())
	require.NoError(t, err)
	defer k2.Destroy()

	b1, _ := k1.Bytes()
	assert.False(t, k2.Equal(b1))
}

func TestDeriveMasterKey_WeakParameters(t *testing.T) {
	salt := make([]byte, SaltSize)

	cases := []struct {
		name string
		p    Params
	}{
		{"memory below floor", Params{MemoryKiB: MinMemoryKiB - 1, Iterations: 3, Parallelism: 4}},
		{"zero iterations", Params{MemoryKiB: MinMemoryKiB, Iterations: 0, Parallelism: 4}},
		{"zero parallelism", Params{MemoryKiB: MinMemoryKiB, Iterations: 3, Parallelism: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DeriveMasterKey([]byte("pw"), salt, tc.p)
			assert.ErrorIs(t, err, ErrWeakParameters)
		})
	}
}

func TestDeriveMasterKey_BadSalt(t *testing.T) {
	_, err := DeriveMasterKey([]byte("pw"), []byte("short"), testParams())
	assert.Error(t, err)
}

func TestDeriveSubkey_Deterministic(t *testing.T) {
	root := bytes.Repeat([]byte{0x42}, KeySize)

	a, err := DeriveSubkey(root, "vault.search_index.v1", KeySize)
	require.NoError(t, err)
	b, err := DeriveSubkey(root, "vault.search_index.v1", KeySize)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeriveSubkey_ContextSeparation(t *testing.T) {
	root := bytes.Repeat([]byte{0x42}, KeySize)

	a, err := DeriveSubkey(root, "vault.content.note-1.v1", KeySize)
	require.NoError(t, err)
	b, err := DeriveSubkey(root, "vault.content.note-2.v1", KeySize)
	require.NoError(t, err)
	c, err := DeriveSubkey(root, "vault.search_index.v1", KeySize)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, c)
}

func TestDeriveSubkey_VariableLength(t *testing.T) {
	root := bytes.Repeat([]byte{7}, KeySize)

	long, err := DeriveSubkey(root, "vault.identity.signing.v1", 64)
	require.NoError(t, err)
	assert.Len(t, long, 64)

	short, err := DeriveSubkey(root, "vault.identity.signing.v1", 32)
	require.NoError(t, err)
	// Expand is a stream: shorter output is a prefix of longer output.
	assert.Equal(t, long[:32], short)
}

func TestDeriveSubkey_Validation(t *testing.T) {
	_, err := DeriveSubkey(nil, "ctx.v1", 32)
	assert.ErrorIs(t, err, ErrEmptyInputKey)

	_, err = DeriveSubkey([]byte{1}, "", 32)
	assert.ErrorIs(t, err, ErrEmptyContext)
}
