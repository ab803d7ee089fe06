// Package blindindex implements the keyed-token search index.
//
// The index never sees plaintext: every token is reduced to the first 16
// bytes of a keyed BLAKE3 digest under the vault's search index key, and
// the postings map blindToken -> set(noteID) is itself sealed before it
// touches disk. Search is exact-token AND-intersection only; substring and
// fuzzy matching are deliberately unsupported so the index leaks no more
// structure than necessary.
package blindindex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"noteguard/internal/envelope"
	"noteguard/internal/fs"
	"noteguard/internal/secmem"
)

// Path is the sealed index file relative to the vault root.
const Path = "refs/search-index.enc"

// tokenBytes is how much of the keyed digest becomes the blind token.
// 128 bits keeps collisions negligible at note-store scale.
const tokenBytes = 16

// ErrCorruptedIndex signals that the persisted index failed to decrypt or
// parse; fatal for the vault session, never partially recovered.
var ErrCorruptedIndex = errors.New("blindindex: corrupted index")

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// Index is the blind-token search index for one vault.
type Index struct {
	mu     sync.Mutex
	fsys   fs.FileSystem
	key    *secmem.Buffer
	loaded bool

	// postings maps hex blind token -> set of note ids.
	postings map[string]map[string]struct{}
}

// New creates an index over a vault-scoped filesystem keyed by the
// vault's search index key.
func New(fsys fs.FileSystem, key *secmem.Buffer) *Index {
	return &Index{fsys: fsys, key: key}
}

// Tokenize applies the indexing pipeline: lowercase, strip non-word
// characters, split on whitespace, drop tokens shorter than 2 runes,
// deduplicate. Query and document text go through the same pipeline.
func Tokenize(text string) []string {
	cleaned := nonWord.ReplaceAllString(strings.ToLower(text), "")
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range strings.Fields(cleaned) {
		if len([]rune(tok)) < 2 {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func (ix *Index) blindToken(token string) (string, error) {
	keyBytes, err := ix.key.Bytes()
	if err != nil {
		return "", err
	}
	sum, err := envelope.KeyedHash(keyBytes, []byte(token))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sum[:tokenBytes]), nil
}

// IndexNote replaces the note's postings with tokens from text and
// persists the index.
func (ix *Index) IndexNote(noteID, text string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return err
	}
	ix.removeLocked(noteID)
	for _, tok := range Tokenize(text) {
		bt, err := ix.blindToken(tok)
		if err != nil {
			return err
		}
		set, ok := ix.postings[bt]
		if !ok {
			set = make(map[string]struct{})
			ix.postings[bt] = set
		}
		set[noteID] = struct{}{}
	}
	return ix.persist()
}

// RemoveNote drops every posting for the note and persists.
func (ix *Index) RemoveNote(noteID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return err
	}
	ix.removeLocked(noteID)
	return ix.persist()
}

func (ix *Index) removeLocked(noteID string) {
	for bt, set := range ix.postings {
		delete(set, noteID)
		if len(set) == 0 {
			delete(ix.postings, bt)
		}
	}
}

// Search returns the ids of notes containing every query token (AND
// semantics), in stable order. A query token with no postings makes the
// whole result empty; an empty query returns nothing.
func (ix *Index) Search(query string) ([]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.ensureLoaded(); err != nil {
		return nil, err
	}
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	var result map[string]struct{}
	for _, tok := range tokens {
		bt, err := ix.blindToken(tok)
		if err != nil {
			return nil, err
		}
		set, ok := ix.postings[bt]
		if !ok {
			return nil, nil
		}
		if result == nil {
			result = make(map[string]struct{}, len(set))
			for id := range set {
				result[id] = struct{}{}
			}
			continue
		}
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
		if len(result) == 0 {
			return nil, nil
		}
	}

	out := make([]string, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Invalidate drops the in-memory postings; the next access reloads.
func (ix *Index) Invalidate() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.postings = nil
	ix.loaded = false
}

func (ix *Index) ensureLoaded() error {
	if ix.loaded {
		return nil
	}
	data, err := ix.fsys.ReadIfExists(Path)
	if err != nil {
		return err
	}
	postings := make(map[string]map[string]struct{})
	if data != nil {
		keyBytes, err := ix.key.Bytes()
		if err != nil {
			return err
		}
		plain, err := envelope.Open(keyBytes, data, []byte(Path))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedIndex, err)
		}
		var flat map[string][]string
		err = json.Unmarshal(plain, &flat)
		secmem.Wipe(plain)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedIndex, err)
		}
		for bt, ids := range flat {
			set := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				set[id] = struct{}{}
			}
			postings[bt] = set
		}
	}
	ix.postings = postings
	ix.loaded = true
	return nil
}

func (ix *Index) persist() error {
	flat := make(map[string][]string, len(ix.postings))
	for bt, set := range ix.postings {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		flat[bt] = ids
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(flat); err != nil {
		return fmt.Errorf("blindindex: serialize: %w", err)
	}
	keyBytes, err := ix.key.Bytes()
	if err != nil {
		return err
	}
	sealed, err := envelope.Seal(keyBytes, buf.Bytes(), []byte(Path))
	if err != nil {
		return err
	}
	return ix.fsys.WriteAtomic(Path, sealed)
}
