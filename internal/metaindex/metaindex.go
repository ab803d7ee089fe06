// Package metaindex maintains the encrypted note and notebook metadata
// index for one vault.
//
// Metadata lives in two JSONL files under refs/, each sealed wholesale
// under the vault's search index key with the file name as associated
// data. The index is loaded once per session and persisted in full on
// every mutation via atomic write-replace: after a crash the file is
// either fully the old version or fully the new one.
//
// A failure to decrypt or parse on load is fatal for the vault session
// (ErrCorruptedIndex); partial recovery is never attempted, since guessing
// at a corrupted encrypted index risks silently dropping notes.
package metaindex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"noteguard/internal/envelope"
	"noteguard/internal/fs"
	"noteguard/internal/secmem"
)

// Index file paths relative to the vault root.
const (
	NotesPath     = "refs/notes.jsonl.enc"
	NotebooksPath = "refs/notebooks.jsonl.enc"
)

var (
	// ErrCorruptedIndex signals that an index file failed to decrypt or
	// parse. Not retried, not partially recovered; surfaced to the caller.
	ErrCorruptedIndex = errors.New("metaindex: corrupted index")

	ErrNotFound = errors.New("metaindex: not found")
)

// NoteMetadata describes one note. Only ever persisted inside the sealed
// index file, never as raw JSON on disk.
type NoteMetadata struct {
	ID          string    `json:"id"`
	NotebookID  string    `json:"notebook_id,omitempty"`
	Title       string    `json:"title"`
	ContentHash string    `json:"content_hash"`
	Pinned      bool      `json:"pinned,omitempty"`
	Archived    bool      `json:"archived,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Notebook describes one notebook.
type Notebook struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Index is the in-memory metadata map for one vault session. All methods
// are safe for concurrent use; mutations within one vault are serialized
// by the internal lock.
type Index struct {
	mu     sync.Mutex
	fsys   fs.FileSystem
	key    *secmem.Buffer
	loaded bool

	notes     map[string]NoteMetadata
	notebooks map[string]Notebook
}

// New creates an index over a vault-scoped filesystem, keyed by the
// vault's search index key. The caller retains ownership of key; the
// index holds the reference until Invalidate.
func New(fsys fs.FileSystem, key *secmem.Buffer) *Index {
	return &Index{fsys: fsys, key: key}
}

func (ix *Index) ensureLoaded() error {
	if ix.loaded {
		return nil
	}
	notes := make(map[string]NoteMetadata)
	if err := ix.loadFile(NotesPath, func(line []byte) error {
		var m NoteMetadata
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		notes[m.ID] = m
		return nil
	}); err != nil {
		return err
	}
	notebooks := make(map[string]Notebook)
	if err := ix.loadFile(NotebooksPath, func(line []byte) error {
		var nb Notebook
		if err := json.Unmarshal(line, &nb); err != nil {
			return err
		}
		notebooks[nb.ID] = nb
		return nil
	}); err != nil {
		return err
	}
	ix.notes = notes
	ix.notebooks = notebooks
	ix.loaded = true
	return nil
}

func (ix *Index) loadFile(path string, each func(line []byte) error) error {
	data, err := ix.fsys.ReadIfExists(path)
	if err != nil {
		return err
	}
	if data == nil {
		// Fresh vault: empty index.
		return nil
	}
	keyBytes, err := ix.key.Bytes()
	if err != nil {
		return err
	}
	plain, err := envelope.Open(keyBytes, data, []byte(path))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptedIndex, path, err)
	}
	defer secmem.Wipe(plain)

	for _, line := range bytes.Split(plain, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := each(line); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptedIndex, path, err)
		}
	}
	return nil
}

func (ix *Index) persistNotes() error {
	ids := make([]string, 0, len(ix.notes))
	for id := range ix.notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	for _, id := range ids {
		line, err := json.Marshal(ix.notes[id])
		if err != nil {
			return fmt.Errorf("metaindex: serialize note %s: %w", id, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return ix.sealAndWrite(NotesPath, buf.Bytes())
}

func (ix *Index) persistNotebooks() error {
	ids := make([]string, 0, len(ix.notebooks))
	for id := range ix.notebooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	for _, id := range ids {
		line, err := json.Marshal(ix.notebooks[id])
		if err != nil {
			return fmt.Errorf("metaindex: serialize notebook %s: %w", id, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return ix.sealAndWrite(NotebooksPath, buf.Bytes())
}

func (ix *Index) sealAndWrite(path string, plain []byte) error {
	keyBytes, err := ix.key.Bytes()
	if err != nil {
		return err
	}
	sealed, err := envelope.Seal(keyBytes, plain, []byte(path))
	if err != nil {
		return err
	}
	secmem.Wipe(plain)
	return ix.fsys.WriteAtomic(path, sealed)
}

// SaveNote inserts or updates a note's metadata and persists the index.
func (ix *Index) SaveNote(m NoteMetadata) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return err
	}
	ix.notes[m.ID] = m
	return ix.persistNotes()
}

// Note returns a note's metadata.
func (ix *Index) Note(id string) (NoteMetadata, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return NoteMetadata{}, err
	}
	m, ok := ix.notes[id]
	if !ok {
		return NoteMetadata{}, fmt.Errorf("%w: note %s", ErrNotFound, id)
	}
	return m, nil
}

// DeleteNote removes a note's metadata and persists. Removing an unknown
// id is an error; the blob itself is left for the orphan collector.
func (ix *Index) DeleteNote(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := ix.notes[id]; !ok {
		return fmt.Errorf("%w: note %s", ErrNotFound, id)
	}
	delete(ix.notes, id)
	return ix.persistNotes()
}

// ListNotesBy returns all notes matching pred, in stable id order.
func (ix *Index) ListNotesBy(pred func(NoteMetadata) bool) ([]NoteMetadata, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]NoteMetadata, 0, len(ix.notes))
	for _, m := range ix.notes {
		if pred == nil || pred(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveNotebook inserts or updates a notebook and persists.
func (ix *Index) SaveNotebook(nb Notebook) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return err
	}
	ix.notebooks[nb.ID] = nb
	return ix.persistNotebooks()
}

// Notebook returns a notebook by id.
func (ix *Index) Notebook(id string) (Notebook, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return Notebook{}, err
	}
	nb, ok := ix.notebooks[id]
	if !ok {
		return Notebook{}, fmt.Errorf("%w: notebook %s", ErrNotFound, id)
	}
	return nb, nil
}

// DeleteNotebook removes a notebook and persists.
func (ix *Index) DeleteNotebook(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := ix.notebooks[id]; !ok {
		return fmt.Errorf("%w: notebook %s", ErrNotFound, id)
	}
	delete(ix.notebooks, id)
	return ix.persistNotebooks()
}

// ListNotebooksBy returns all notebooks matching pred, in stable id order.
func (ix *Index) ListNotebooksBy(pred func(Notebook) bool) ([]Notebook, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]Notebook, 0, len(ix.notebooks))
	for _, nb := range ix.notebooks {
		if pred == nil || pred(nb) {
			out = append(out, nb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Invalidate drops the in-memory cache. Called on lock() and when an
// external process replaces an index file; the next access reloads from
// disk.
func (ix *Index) Invalidate() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.notes = nil
	ix.notebooks = nil
	ix.loaded = false
}
