// Package syncstate keeps the local bookkeeping for sync: an outbox of
// pending encrypted operations, per-vault pull cursors, and the share
// records a vault has issued.
//
// The engine only ever hands opaque ciphertext across the sync boundary.
// Operations are sealed before they reach the outbox and the Backend
// never sees a key or a plaintext byte; a hostile backend can drop or
// replay but not read.
package syncstate

import (
	"context"
	"errors"
	"time"
)

var ErrShareNotFound = errors.New("syncstate: share not found")

// Operation is one encrypted mutation destined for (or received from)
// the backend. Payload is ciphertext produced by the engine; the op and
// vault IDs are the only cleartext routing data.
type Operation struct {
	OpID      string
	VaultID   string
	Payload   []byte
	CreatedAt time.Time
}

// Backend is the remote half of sync. Implementations live outside the
// engine; the outbox queues for whichever one is plugged in.
type Backend interface {
	PushOperations(ctx context.Context, vaultID string, ops []Operation) error
	PullOperations(ctx context.Context, vaultID, cursor string, limit int) ([]Operation, string, error)

	UploadBlob(ctx context.Context, vaultID, blobID string, data []byte) error
	DownloadBlob(ctx context.Context, vaultID, blobID string) ([]byte, error)
	BlobExists(ctx context.Context, vaultID, blobID string) (bool, error)
	DeleteBlob(ctx context.Context, vaultID, blobID string) error
}
