package session

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"noteguard/internal/blindindex"
	"noteguard/internal/envelope"
	"noteguard/internal/kdf"
	"noteguard/internal/metaindex"
	"noteguard/internal/secmem"
	"noteguard/internal/syncstate"
)

// Note is the plaintext shape of one note. Only the metadata fields
// reach the index; title and body travel sealed inside the content
// blob.
type Note struct {
	ID         string
	NotebookID string
	Title      string
	Body       string
	Pinned     bool
	Archived   bool
}

// noteBody is the sealed payload inside a content blob.
type noteBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

const opAAD = "noteguard.op.v1"

// opRecord is the plaintext of one outbox operation, sealed under the
// vault's search index key before it leaves the engine.
type opRecord struct {
	Type   string    `json:"type"`
	NoteID string    `json:"note_id"`
	At     time.Time `json:"at"`
}

// SaveNote encrypts and persists a note. A note with no ID gets a fresh
// one; an existing ID is superseded, the previous blob left for the
// orphan collector. Returns the note with its ID filled in.
func (e *Engine) SaveNote(vaultID string, n Note) (Note, error) {
	vs, err := e.vault(vaultID)
	if err != nil {
		return Note{}, err
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	createdAt := now
	if prev, err := vs.meta.Note(n.ID); err == nil {
		createdAt = prev.CreatedAt
	}

	plain, err := json.Marshal(noteBody{Title: n.Title, Body: n.Body})
	if err != nil {
		return Note{}, fmt.Errorf("session: serialize note: %w", err)
	}

	e.mu.Lock()
	ck, err := vs.contentKey(e.deriver, n.ID)
	e.mu.Unlock()
	if err != nil {
		secmem.Wipe(plain)
		return Note{}, err
	}
	ckBytes, err := ck.Bytes()
	if err != nil {
		secmem.Wipe(plain)
		return Note{}, err
	}
	sealed, err := envelope.Seal(ckBytes, plain, []byte(n.ID))
	secmem.Wipe(plain)
	if err != nil {
		return Note{}, err
	}

	addr, err := vs.objects.WriteObject(sealed)
	if err != nil {
		return Note{}, err
	}

	if err := vs.meta.SaveNote(metaindex.NoteMetadata{
		ID:          n.ID,
		NotebookID:  n.NotebookID,
		Title:       n.Title,
		ContentHash: addr,
		Pinned:      n.Pinned,
		Archived:    n.Archived,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}); err != nil {
		return Note{}, err
	}
	if err := vs.blind.IndexNote(n.ID, n.Title+" "+n.Body); err != nil {
		return Note{}, err
	}

	e.emitOp(vs, "note.save", n.ID)
	return n, nil
}

// LoadNote decrypts a note by ID. A blob swapped in from another note's
// slot fails authentication: the ciphertext is bound to the note ID.
func (e *Engine) LoadNote(vaultID, noteID string) (Note, error) {
	vs, err := e.vault(vaultID)
	if err != nil {
		return Note{}, err
	}
	m, err := vs.meta.Note(noteID)
	if err != nil {
		return Note{}, err
	}
	sealed, err := vs.objects.ReadObject(m.ContentHash)
	if err != nil {
		return Note{}, err
	}

	e.mu.Lock()
	ck, err := vs.contentKey(e.deriver, noteID)
	e.mu.Unlock()
	if err != nil {
		return Note{}, err
	}
	ckBytes, err := ck.Bytes()
	if err != nil {
		return Note{}, err
	}
	plain, err := envelope.Open(ckBytes, sealed, []byte(noteID))
	if err != nil {
		return Note{}, err
	}
	defer secmem.Wipe(plain)

	var body noteBody
	if err := json.Unmarshal(plain, &body); err != nil {
		return Note{}, fmt.Errorf("session: parse note %s: %w", noteID, err)
	}
	return Note{
		ID:         noteID,
		NotebookID: m.NotebookID,
		Title:      body.Title,
		Body:       body.Body,
		Pinned:     m.Pinned,
		Archived:   m.Archived,
	}, nil
}

// DeleteNote removes a note from the indices. The content blob stays
// behind for the orphan collector; destroying it here could strand
// in-flight sync state pointing at it.
func (e *Engine) DeleteNote(vaultID, noteID string) error {
	vs, err := e.vault(vaultID)
	if err != nil {
		return err
	}
	if err := vs.meta.DeleteNote(noteID); err != nil {
		return err
	}
	if err := vs.blind.RemoveNote(noteID); err != nil {
		return err
	}
	e.mu.Lock()
	if ck, ok := vs.contentKeys[noteID]; ok {
		ck.Destroy()
		delete(vs.contentKeys, noteID)
	}
	e.mu.Unlock()

	e.emitOp(vs, "note.delete", noteID)
	return nil
}

// ListNotes returns all note metadata in the vault.
func (e *Engine) ListNotes(vaultID string) ([]metaindex.NoteMetadata, error) {
	vs, err := e.vault(vaultID)
	if err != nil {
		return nil, err
	}
	return vs.meta.ListNotesBy(nil)
}

// SearchNotes finds notes whose content contains every query token.
// Exact token match only; the index never sees plaintext words.
func (e *Engine) SearchNotes(vaultID, query string) ([]metaindex.NoteMetadata, error) {
	vs, err := e.vault(vaultID)
	if err != nil {
		return nil, err
	}
	ids, err := vs.blind.Search(query)
	if err != nil {
		return nil, err
	}
	out := make([]metaindex.NoteMetadata, 0, len(ids))
	for _, id := range ids {
		m, err := vs.meta.Note(id)
		if err != nil {
			// The blind index can briefly lead the metadata index; a
			// missing note is a stale posting, not an error.
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// CreateNotebook registers a notebook in the vault.
func (e *Engine) CreateNotebook(vaultID, name string) (metaindex.Notebook, error) {
	vs, err := e.vault(vaultID)
	if err != nil {
		return metaindex.Notebook{}, err
	}
	nb := metaindex.Notebook{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := vs.meta.SaveNotebook(nb); err != nil {
		return metaindex.Notebook{}, err
	}
	return nb, nil
}

// DeleteNotebook removes a notebook. Member notes survive with their
// notebook reference cleared.
func (e *Engine) DeleteNotebook(vaultID, notebookID string) error {
	vs, err := e.vault(vaultID)
	if err != nil {
		return err
	}
	if err := vs.meta.DeleteNotebook(notebookID); err != nil {
		return err
	}
	members, err := vs.meta.ListNotesBy(func(m metaindex.NoteMetadata) bool {
		return m.NotebookID == notebookID
	})
	if err != nil {
		return err
	}
	for _, m := range members {
		m.NotebookID = ""
		if err := vs.meta.SaveNote(m); err != nil {
			return err
		}
	}
	return nil
}

// ListNotebooks returns all notebooks in the vault.
func (e *Engine) ListNotebooks(vaultID string) ([]metaindex.Notebook, error) {
	vs, err := e.vault(vaultID)
	if err != nil {
		return nil, err
	}
	return vs.meta.ListNotebooksBy(nil)
}

// RotateVaultKey replaces a vault's key and re-encrypts everything the
// old key protected: every note blob under fresh content keys and both
// index files under the fresh search key. Content keys derive from the
// vault key, so a lazy pass would strand existing blobs. Old blobs are
// orphaned, not destroyed.
func (e *Engine) RotateVaultKey(vaultID string) error {
	vs, err := e.vault(vaultID)
	if err != nil {
		return err
	}

	// Decrypt everything while the old keys still work.
	metas, err := vs.meta.ListNotesBy(nil)
	if err != nil {
		return err
	}
	notebooks, err := vs.meta.ListNotebooksBy(nil)
	if err != nil {
		return err
	}
	notes := make([]Note, 0, len(metas))
	created := make(map[string]time.Time, len(metas))
	for _, m := range metas {
		n, err := e.LoadNote(vaultID, m.ID)
		if err != nil {
			return fmt.Errorf("session: rotate: read note %s: %w", m.ID, err)
		}
		notes = append(notes, n)
		created[m.ID] = m.CreatedAt
	}

	newVK := make([]byte, kdf.KeySize)
	if _, err := rand.Read(newVK); err != nil {
		return fmt.Errorf("session: rotate: generate key: %w", err)
	}
	// The keyring wipes the slice it is handed; keep a second copy for
	// the rebuilt session.
	ringCopy := make([]byte, kdf.KeySize)
	copy(ringCopy, newVK)

	e.mu.Lock()
	if e.muk == nil {
		e.mu.Unlock()
		secmem.Wipe(newVK)
		secmem.Wipe(ringCopy)
		return ErrLocked
	}
	if err := e.ring.ReplaceVaultKey(vaultID, ringCopy, e.muk); err != nil {
		e.mu.Unlock()
		secmem.Wipe(newVK)
		secmem.Wipe(ringCopy)
		return err
	}
	vs.destroy()
	delete(e.vaults, vaultID)

	// Drop the index files sealed under the old search key so the fresh
	// session starts from an empty index instead of failing to open them.
	vfs := e.fsys.Sub(vaultID)
	for _, p := range []string{metaindex.NotesPath, metaindex.NotebooksPath, blindindex.Path} {
		if err := vfs.RemoveAll(p); err != nil {
			e.mu.Unlock()
			secmem.Wipe(newVK)
			return fmt.Errorf("session: rotate: reset index %s: %w", p, err)
		}
	}

	newVS, err := e.buildVaultSession(vaultID, secmem.NewBufferFrom(newVK))
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.vaults[vaultID] = newVS
	e.mu.Unlock()

	for _, nb := range notebooks {
		if err := newVS.meta.SaveNotebook(nb); err != nil {
			return fmt.Errorf("session: rotate: rewrite notebook %s: %w", nb.ID, err)
		}
	}
	for _, n := range notes {
		if _, err := e.SaveNote(vaultID, n); err != nil {
			return fmt.Errorf("session: rotate: rewrite note %s: %w", n.ID, err)
		}
	}
	// Creation timestamps survive rotation even though the index was
	// rebuilt from scratch.
	for id, at := range created {
		m, err := newVS.meta.Note(id)
		if err != nil {
			return fmt.Errorf("session: rotate: restamp note %s: %w", id, err)
		}
		m.CreatedAt = at
		if err := newVS.meta.SaveNote(m); err != nil {
			return fmt.Errorf("session: rotate: restamp note %s: %w", id, err)
		}
	}
	e.log.Info("vault key rotated", "vault_id", vaultID, "notes", len(notes))
	return nil
}

// emitOp enqueues an encrypted operation when an outbox is attached.
// Failure to enqueue is logged, never propagated: the local mutation
// already succeeded and sync is best-effort.
func (e *Engine) emitOp(vs *vaultSession, opType, noteID string) {
	e.mu.Lock()
	outbox := e.outbox
	e.mu.Unlock()
	if outbox == nil {
		return
	}

	plain, err := json.Marshal(opRecord{Type: opType, NoteID: noteID, At: time.Now().UTC()})
	if err != nil {
		e.log.Warn("encode sync operation", "error", err)
		return
	}
	keyBytes, err := vs.searchKey.Bytes()
	if err != nil {
		secmem.Wipe(plain)
		return
	}
	payload, err := envelope.Seal(keyBytes, plain, []byte(opAAD))
	secmem.Wipe(plain)
	if err != nil {
		e.log.Warn("seal sync operation", "error", err)
		return
	}
	op := syncstate.Operation{
		OpID:      uuid.NewString(),
		VaultID:   vs.id,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := outbox.Enqueue(op); err != nil {
		e.log.Warn("enqueue sync operation", "error", err)
	}
}
