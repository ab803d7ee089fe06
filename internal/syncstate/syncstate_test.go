package syncstate

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteguard/internal/identity"
	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
	"noteguard/internal/sharing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "syncstate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOp(vaultID string) Operation {
	return Operation{
		OpID:      uuid.NewString(),
		VaultID:   vaultID,
		Payload:   []byte{0xde, 0xad, 0xbe, 0xef},
		CreatedAt: time.Now().UTC(),
	}
}

func TestOutboxEnqueuePendingMarkPushed(t *testing.T) {
	s := openStore(t)

	a := testOp("v1")
	b := testOp("v1")
	other := testOp("v2")
	require.NoError(t, s.Enqueue(a))
	require.NoError(t, s.Enqueue(b))
	require.NoError(t, s.Enqueue(other))

	pending, err := s.Pending("v1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.OpID, pending[0].OpID)
	assert.Equal(t, a.Payload, pending[0].Payload)

	require.NoError(t, s.MarkPushed([]string{a.OpID}))
	pending, err = s.Pending("v1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.OpID, pending[0].OpID)
}

func TestPendingHonorsLimit(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(testOp("v1")))
	}
	pending, err := s.Pending("v1", 3)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestCursorRoundTrip(t *testing.T) {
	s := openStore(t)

	cursor, err := s.Cursor("v1")
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, s.SetCursor("v1", "c-100"))
	require.NoError(t, s.SetCursor("v1", "c-200"))

	cursor, err = s.Cursor("v1")
	require.NoError(t, err)
	assert.Equal(t, "c-200", cursor)
}

func testShare(t *testing.T, resourceID string) sharing.Share {
	t.Helper()
	recipient, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	raw := make([]byte, kdf.KeySize)
	_, err = rand.Read(raw)
	require.NoError(t, err)
	scope := secmem.NewBufferFrom(raw)
	defer scope.Destroy()
	wk, err := sharing.WrapKey(scope, recipient.PublicKey())
	require.NoError(t, err)
	return sharing.NewShare(sharing.ShareTypeNotebook, resourceID, sharing.RoleViewer,
		"owner-hash", identity.KeyHash(recipient.PublicKey().Bytes()), wk, nil)
}

func TestShareSaveGetRevoke(t *testing.T) {
	s := openStore(t)
	share := testShare(t, "nb1")
	require.NoError(t, s.SaveShare("v1", share))

	got, err := s.GetShare(share.ShareID)
	require.NoError(t, err)
	assert.Equal(t, share.RecipientKeyHash, got.RecipientKeyHash)
	assert.True(t, got.IsActive)

	got.Revoke()
	require.NoError(t, s.SaveShare("v1", *got))

	active, err := s.ActiveShares("v1", "nb1")
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.SharesForResource("v1", "nb1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsActive)
}

func TestGetShareMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.GetShare("no-such-share")
	assert.ErrorIs(t, err, ErrShareNotFound)
}

// fakeBackend records pushes in memory and serves a fixed pull feed.
type fakeBackend struct {
	pushed   map[string][]Operation
	pullOps  []Operation
	pullNext string
	failPush bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pushed: make(map[string][]Operation)}
}

func (f *fakeBackend) PushOperations(_ context.Context, vaultID string, ops []Operation) error {
	if f.failPush {
		return errors.New("backend unreachable")
	}
	f.pushed[vaultID] = append(f.pushed[vaultID], ops...)
	return nil
}

func (f *fakeBackend) PullOperations(_ context.Context, _, _ string, _ int) ([]Operation, string, error) {
	return f.pullOps, f.pullNext, nil
}

func (f *fakeBackend) UploadBlob(context.Context, string, string, []byte) error { return nil }
func (f *fakeBackend) DownloadBlob(context.Context, string, string) ([]byte, error) {
	return nil, nil
}
func (f *fakeBackend) BlobExists(context.Context, string, string) (bool, error) { return false, nil }
func (f *fakeBackend) DeleteBlob(context.Context, string, string) error         { return nil }

func TestFlushPushesAndDrainsOutbox(t *testing.T) {
	s := openStore(t)
	backend := newFakeBackend()

	a := testOp("v1")
	b := testOp("v1")
	require.NoError(t, s.Enqueue(a))
	require.NoError(t, s.Enqueue(b))

	require.NoError(t, s.Flush(context.Background(), backend, "v1"))
	assert.Len(t, backend.pushed["v1"], 2)

	pending, err := s.Pending("v1", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Second flush is a no-op.
	require.NoError(t, s.Flush(context.Background(), backend, "v1"))
	assert.Len(t, backend.pushed["v1"], 2)
}

func TestFlushFailureKeepsOutbox(t *testing.T) {
	s := openStore(t)
	backend := newFakeBackend()
	backend.failPush = true

	require.NoError(t, s.Enqueue(testOp("v1")))
	require.Error(t, s.Flush(context.Background(), backend, "v1"))

	pending, err := s.Pending("v1", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPullAdvancesCursor(t *testing.T) {
	s := openStore(t)
	backend := newFakeBackend()
	backend.pullOps = []Operation{testOp("v1")}
	backend.pullNext = "c-1"

	ops, err := s.Pull(context.Background(), backend, "v1", 10)
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	cursor, err := s.Cursor("v1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", cursor)
}
