// Package secmem provides zeroizing containers for key material.
//
// This package implements:
//   - Buffer: an ownership-tracked byte container wiped on Destroy
//   - Enclave-backed storage for long-lived keys (memguard)
//   - Scoped acquisition (WithSecret) that wipes on every exit path
//   - Best-effort memory locking to keep secrets out of swap
package secmem

import (
	"crypto/subtle"
	"errors"
	"runtime"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	ErrBufferDestroyed = errors.New("secmem: buffer has been destroyed")
	ErrEnclaveSealed   = errors.New("secmem: enclave could not be opened")
)

// Buffer is a byte container for secret material. It tracks ownership:
// once destroyed, the underlying bytes are zeroed and every accessor
// reports ErrBufferDestroyed. A finalizer wipes buffers that escape
// explicit cleanup, but callers should Destroy deterministically.
type Buffer struct {
	mu        sync.Mutex
	data      []byte
	destroyed bool
}

// NewBuffer allocates a zeroed secret buffer of the given size.
func NewBuffer(size int) *Buffer {
	b := &Buffer{data: make([]byte, size)}
	lockPages(b.data)
	runtime.SetFinalizer(b, func(bb *Buffer) { bb.Destroy() })
	return b
}

// NewBufferFrom takes ownership of data. The caller's slice is wiped
// after the copy so only one live copy of the secret remains.
func NewBufferFrom(data []byte) *Buffer {
	b := NewBuffer(len(data))
	copy(b.data, data)
	Wipe(data)
	return b
}

// Bytes exposes the underlying slice. The slice must not be retained
// past the buffer's lifetime.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, ErrBufferDestroyed
	}
	return b.data, nil
}

// Clone returns an independent secret copy of the buffer.
func (b *Buffer) Clone() (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, ErrBufferDestroyed
	}
	out := NewBuffer(len(b.data))
	copy(out.data, b.data)
	return out, nil
}

// Len returns the buffer length, or 0 after Destroy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return 0
	}
	return len(b.data)
}

// Equal compares the buffer against other in constant time.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return false
	}
	return subtle.ConstantTimeCompare(b.data, other) == 1
}

// Destroy wipes and releases the buffer. Safe to call more than once.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	Wipe(b.data)
	unlockPages(b.data)
	b.data = nil
	b.destroyed = true
	runtime.SetFinalizer(b, nil)
}

// Destroyed reports whether Destroy has been called.
func (b *Buffer) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Wipe overwrites a byte slice with zeros. Explicit writes plus a
// KeepAlive barrier prevent the compiler from eliding the loop.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// WithSecret runs fn with the buffer's bytes and guarantees the buffer is
// destroyed on every exit path, including panics. Use this for secrets
// that must not outlive a single operation.
func WithSecret(b *Buffer, fn func(secret []byte) error) error {
	defer b.Destroy()
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	return fn(data)
}

// Enclave holds a key encrypted in memory between uses. Long-lived keys
// (vault keys held across a session) live in enclaves rather than plain
// buffers so a memory disclosure between operations reveals nothing.
type Enclave struct {
	inner *memguard.Enclave
}

// Seal moves key material into an enclave, wiping the source.
func Seal(data []byte) *Enclave {
	return &Enclave{inner: memguard.NewEnclave(data)}
}

// Use opens the enclave, runs fn with the plaintext key, and re-wipes the
// working copy before returning.
func (e *Enclave) Use(fn func(secret []byte) error) error {
	lb, err := e.inner.Open()
	if err != nil {
		return ErrEnclaveSealed
	}
	defer lb.Destroy()
	return fn(lb.Bytes())
}

// Expose returns a fresh secret Buffer with the enclave's contents.
func (e *Enclave) Expose() (*Buffer, error) {
	lb, err := e.inner.Open()
	if err != nil {
		return nil, ErrEnclaveSealed
	}
	defer lb.Destroy()
	out := NewBuffer(lb.Size())
	copy(out.data, lb.Bytes())
	return out, nil
}
