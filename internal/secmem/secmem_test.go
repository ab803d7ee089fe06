package secmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_TakesOwnership(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	b := NewBufferFrom(src)
	defer b.Destroy()

	// Source is wiped after the copy.
	assert.Equal(t, []byte{0, 0, 0, 0}, src)

	data, err := b.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestBuffer_DestroyWipes(t *testing.T) {
	b := NewBufferFrom([]byte("super-secret"))
	data, err := b.Bytes()
	require.NoError(t, err)

	b.Destroy()

	assert.True(t, b.Destroyed())
	assert.Equal(t, 0, b.Len())
	for _, v := range data {
		assert.Zero(t, v)
	}

	_, err = b.Bytes()
	assert.ErrorIs(t, err, ErrBufferDestroyed)

	// Double destroy is a no-op.
	b.Destroy()
}

func TestBuffer_Clone(t *testing.T) {
	b := NewBufferFrom([]byte{9, 9, 9})
	c, err := b.Clone()
	require.NoError(t, err)

	b.Destroy()

	data, err := c.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9}, data)
	c.Destroy()
}

func TestBuffer_ConstantTimeEqual(t *testing.T) {
	b := NewBufferFrom([]byte("abc"))
	defer b.Destroy()

	assert.True(t, b.Equal([]byte("abc")))
	assert.False(t, b.Equal([]byte("abd")))
	assert.False(t, b.Equal([]byte("ab")))
}

func TestWithSecret_DestroysOnError(t *testing.T) {
	b := NewBufferFrom([]byte("k"))
	sentinel := errors.New("boom")

	err := WithSecret(b, func(secret []byte) error {
		assert.Equal(t, []byte("k"), secret)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, b.Destroyed())
}

func TestWithSecret_DestroysOnPanic(t *testing.T) {
	b := NewBufferFrom([]byte("k"))

	assert.Panics(t, func() {
		_ = WithSecret(b, func([]byte) error { panic("bad") })
	})
	assert.True(t, b.Destroyed())
}

func TestEnclave_RoundTrip(t *testing.T) {
	key := []byte{5, 6, 7, 8}
	e := Seal(key)

	// Seal wipes the source.
	assert.Equal(t, []byte{0, 0, 0, 0}, key)

	var seen []byte
	err := e.Use(func(secret []byte) error {
		seen = append([]byte(nil), secret...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, seen)

	// Reusable: the enclave survives Use.
	buf, err := e.Expose()
	require.NoError(t, err)
	data, err := buf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, data)
	buf.Destroy()
}
