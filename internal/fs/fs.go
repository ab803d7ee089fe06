// Package fs defines the narrow storage contract the engine consumes and
// provides the local-disk implementation.
//
// Guarantees:
//   - WriteAtomic is write-temp-then-rename: no partial file is ever
//     observable, even across a crash
//   - Secret-bearing files and directories use 0600/0700 permissions
//   - Object writes are idempotent
package fs

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Permissions for engine-managed files. Everything the engine writes is
// either ciphertext or a non-secret manifest, but nothing needs to be
// world readable.
const (
	PermFile os.FileMode = 0600
	PermDir  os.FileMode = 0700
)

var (
	ErrAtomicWriteFailed = errors.New("fs: atomic write failed")
	ErrNotFound          = errors.New("fs: object not found")
)

// FileSystem is the storage contract consumed by the engine. One
// implementation exists per platform; selection happens at construction
// time, never by runtime type inspection.
type FileSystem interface {
	// ReadIfExists returns the file contents, or (nil, nil) when the file
	// does not exist.
	ReadIfExists(path string) ([]byte, error)

	// WriteAtomic replaces the file contents atomically.
	WriteAtomic(path string, data []byte) error

	// WriteObject stores an immutable blob under the given content address.
	// Writing an address that already exists is a no-op.
	WriteObject(address string, data []byte) error

	// ReadObject returns the blob for an address, or ErrNotFound.
	ReadObject(address string) ([]byte, error)

	// RemoveAll removes a directory tree rooted inside the store.
	RemoveAll(path string) error
}

// Local is the on-disk FileSystem rooted at a workspace directory.
type Local struct {
	root string
}

// NewLocal creates the local filesystem rooted at dir, creating it with
// secret-dir permissions when absent.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, PermDir); err != nil {
		return nil, fmt.Errorf("fs: create root: %w", err)
	}
	return &Local{root: dir}, nil
}

// Root returns the workspace root directory.
func (l *Local) Root() string { return l.root }

// Sub returns a view of the filesystem rooted at a subdirectory, used to
// scope vault stores to their own directory tree.
func (l *Local) Sub(dir string) *Local {
	return &Local{root: l.resolve(dir)}
}

func (l *Local) resolve(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

// ReadIfExists implements FileSystem.
func (l *Local) ReadIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fs: read %s: %w", path, err)
	}
	return data, nil
}

// WriteAtomic implements FileSystem. The temp file lives in the target's
// directory so the final rename stays on one filesystem.
func (l *Local) WriteAtomic(path string, data []byte) error {
	full := l.resolve(path)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, PermDir); err != nil {
		return fmt.Errorf("fs: create dir: %w", err)
	}

	tmp := full + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, PermFile)
	if err != nil {
		return fmt.Errorf("%w: open temp: %v", ErrAtomicWriteFailed, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write: %v", ErrAtomicWriteFailed, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: sync: %v", ErrAtomicWriteFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close: %v", ErrAtomicWriteFailed, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// objectPath shards addresses into two-character fan-out directories:
// objects/ab/cdef... keeps directory sizes bounded.
func objectPath(address string) (string, error) {
	if len(address) < 3 {
		return "", fmt.Errorf("fs: address too short: %q", address)
	}
	return filepath.Join("objects", address[:2], address[2:]), nil
}

// WriteObject implements FileSystem.
func (l *Local) WriteObject(address string, data []byte) error {
	rel, err := objectPath(address)
	if err != nil {
		return err
	}
	full := l.resolve(rel)
	if _, err := os.Stat(full); err == nil {
		// Content addressing makes duplicate writes byte-identical.
		return nil
	}
	return l.WriteAtomic(rel, data)
}

// ReadObject implements FileSystem.
func (l *Local) ReadObject(address string) ([]byte, error) {
	rel, err := objectPath(address)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.resolve(rel))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fs: read object %s: %w", address, err)
	}
	return data, nil
}

// RemoveAll implements FileSystem.
func (l *Local) RemoveAll(path string) error {
	return os.RemoveAll(l.resolve(path))
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
