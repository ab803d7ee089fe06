package metaindex

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteguard/internal/fs"
	"noteguard/internal/kdf"
	"noteguard/internal/secmem"
)

func newTestIndex(t *testing.T) (*Index, *fs.Local, *secmem.Buffer) {
	t.Helper()
	l, err := fs.NewLocal(t.TempDir())
	require.NoError(t, err)
	key := make([]byte, kdf.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	buf := secmem.NewBufferFrom(key)
	return New(l, buf), l, buf
}

func sampleNote(id string) NoteMetadata {
	now := time.Now().UTC().Truncate(time.Second)
	return NoteMetadata{
		ID:          id,
		Title:       "Title " + id,
		ContentHash: "hash-" + id,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestIndex_SaveLoadNote(t *testing.T) {
	ix, l, key := newTestIndex(t)

	require.NoError(t, ix.SaveNote(sampleNote("n1")))
	require.NoError(t, ix.SaveNote(sampleNote("n2")))

	// Fresh index instance decrypts from disk.
	ix2 := New(l, key)
	m, err := ix2.Note("n1")
	require.NoError(t, err)
	assert.Equal(t, "Title n1", m.Title)

	notes, err := ix2.ListNotesBy(nil)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "n1", notes[0].ID)
	assert.Equal(t, "n2", notes[1].ID)
}

func TestIndex_NoPlaintextOnDisk(t *testing.T) {
	ix, l, _ := newTestIndex(t)

	n := sampleNote("n1")
	n.Title = "Very Secret Meeting"
	require.NoError(t, ix.SaveNote(n))

	raw, err := os.ReadFile(filepath.Join(l.Root(), filepath.FromSlash(NotesPath)))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Very Secret Meeting")
}

func TestIndex_DeleteNote(t *testing.T) {
	ix, _, _ := newTestIndex(t)

	require.NoError(t, ix.SaveNote(sampleNote("n1")))
	require.NoError(t, ix.DeleteNote("n1"))

	_, err := ix.Note("n1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, ix.DeleteNote("n1"), ErrNotFound)
}

func TestIndex_ListByPredicate(t *testing.T) {
	ix, _, _ := newTestIndex(t)

	pinned := sampleNote("n1")
	pinned.Pinned = true
	require.NoError(t, ix.SaveNote(pinned))
	require.NoError(t, ix.SaveNote(sampleNote("n2")))

	got, err := ix.ListNotesBy(func(m NoteMetadata) bool { return m.Pinned })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].ID)
}

func TestIndex_Notebooks(t *testing.T) {
	ix, l, key := newTestIndex(t)

	nb := Notebook{ID: "b1", Name: "Work", CreatedAt: time.Now().UTC()}
	require.NoError(t, ix.SaveNotebook(nb))

	ix2 := New(l, key)
	got, err := ix2.Notebook("b1")
	require.NoError(t, err)
	assert.Equal(t, "Work", got.Name)

	require.NoError(t, ix2.DeleteNotebook("b1"))
	_, err = ix2.Notebook("b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndex_WrongKeyIsCorrupted(t *testing.T) {
	ix, l, _ := newTestIndex(t)
	require.NoError(t, ix.SaveNote(sampleNote("n1")))

	other := make([]byte, kdf.KeySize)
	_, err := rand.Read(other)
	require.NoError(t, err)

	ix2 := New(l, secmem.NewBufferFrom(other))
	_, err = ix2.Note("n1")
	assert.ErrorIs(t, err, ErrCorruptedIndex)
}

func TestIndex_TamperedFileIsCorrupted(t *testing.T) {
	ix, l, key := newTestIndex(t)
	require.NoError(t, ix.SaveNote(sampleNote("n1")))

	path := filepath.Join(l.Root(), filepath.FromSlash(NotesPath))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0600))

	ix2 := New(l, key)
	_, err = ix2.ListNotesBy(nil)
	assert.ErrorIs(t, err, ErrCorruptedIndex)
}

func TestIndex_FileSwapBetweenPathsFails(t *testing.T) {
	ix, l, key := newTestIndex(t)
	require.NoError(t, ix.SaveNote(sampleNote("n1")))
	require.NoError(t, ix.SaveNotebook(Notebook{ID: "b1", Name: "Work"}))

	// Copy the notes file over the notebooks file: same key, wrong AAD.
	notes, err := os.ReadFile(filepath.Join(l.Root(), filepath.FromSlash(NotesPath)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(l.Root(), filepath.FromSlash(NotebooksPath)), notes, 0600))

	ix2 := New(l, key)
	_, err = ix2.ListNotebooksBy(nil)
	assert.ErrorIs(t, err, ErrCorruptedIndex)
}

func TestIndex_InvalidateReloads(t *testing.T) {
	ix, l, key := newTestIndex(t)
	require.NoError(t, ix.SaveNote(sampleNote("n1")))

	// Another writer (sync) adds a note behind our back.
	other := New(l, key)
	require.NoError(t, other.SaveNote(sampleNote("n2")))

	// Cached view still has one note; after Invalidate it sees both.
	notes, err := ix.ListNotesBy(nil)
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	ix.Invalidate()
	notes, err = ix.ListNotesBy(nil)
	require.NoError(t, err)
	assert.Len(t, notes, 2)
}
