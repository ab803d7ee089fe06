package session

import (
	"crypto/ecdh"
	"errors"
	"time"

	"noteguard/internal/identity"
	"noteguard/internal/secmem"
	"noteguard/internal/sharing"
)

var ErrNoShareStore = errors.New("session: no share store attached")

// scopeKey resolves the key a share transports: the notebook subkey for
// notebook shares, the note's content key for note shares.
func (e *Engine) scopeKey(vs *vaultSession, typ sharing.ShareType, resourceID string) (*secmem.Buffer, bool, error) {
	switch typ {
	case sharing.ShareTypeNotebook:
		k, err := e.deriver.NotebookKey(vs.vk, resourceID)
		return k, true, err
	case sharing.ShareTypeNote:
		e.mu.Lock()
		k, err := vs.contentKey(e.deriver, resourceID)
		e.mu.Unlock()
		return k, false, err
	default:
		return nil, false, errors.New("session: unknown share type")
	}
}

// CreateShare grants a recipient access to a notebook or a single note.
// The scope key is wrapped for the recipient's encryption key and the
// share record is persisted through the sync store.
func (e *Engine) CreateShare(vaultID string, typ sharing.ShareType, resourceID string, role sharing.Role, recipientPub *ecdh.PublicKey, expiresAt *time.Time) (sharing.Share, error) {
	vs, err := e.vault(vaultID)
	if err != nil {
		return sharing.Share{}, err
	}
	e.mu.Lock()
	store := e.outbox
	e.mu.Unlock()
	if store == nil {
		return sharing.Share{}, ErrNoShareStore
	}

	if typ == sharing.ShareTypeNotebook {
		if _, err := vs.meta.Notebook(resourceID); err != nil {
			return sharing.Share{}, err
		}
	} else {
		if _, err := vs.meta.Note(resourceID); err != nil {
			return sharing.Share{}, err
		}
	}

	sharer, err := e.VaultIdentity(vaultID)
	if err != nil {
		return sharing.Share{}, err
	}
	defer sharer.Destroy()

	scope, owned, err := e.scopeKey(vs, typ, resourceID)
	if err != nil {
		return sharing.Share{}, err
	}
	if owned {
		defer scope.Destroy()
	}

	wk, err := sharing.WrapKey(scope, recipientPub)
	if err != nil {
		return sharing.Share{}, err
	}
	s := sharing.NewShare(typ, resourceID, role,
		identity.KeyHash(sharer.EncryptionPub.Bytes()),
		identity.KeyHash(recipientPub.Bytes()),
		wk, expiresAt)

	if err := store.SaveShare(vaultID, s); err != nil {
		return sharing.Share{}, err
	}
	e.log.Info("share created",
		"vault_id", vaultID,
		"share_id", s.ShareID,
		"type", string(typ),
		"recipient", s.RecipientKeyHash)
	return s, nil
}

// RevokeShare marks a share inactive and rotates the scope key away from
// the revoked recipient: every other usable share of the same resource
// is re-issued under a fresh key. Returns the replacement shares.
//
// The fresh scope key is random, not derivable from the vault key, so
// content shared after a rotation must be encrypted under the rotated
// key held by the share records.
func (e *Engine) RevokeShare(vaultID, shareID string) ([]sharing.Share, error) {
	if _, err := e.vault(vaultID); err != nil {
		return nil, err
	}
	e.mu.Lock()
	store := e.outbox
	e.mu.Unlock()
	if store == nil {
		return nil, ErrNoShareStore
	}

	revoked, err := store.GetShare(shareID)
	if err != nil {
		return nil, err
	}
	revoked.Revoke()
	if err := store.SaveShare(vaultID, *revoked); err != nil {
		return nil, err
	}

	peers, err := store.ActiveShares(vaultID, revoked.ResourceID)
	if err != nil {
		return nil, err
	}
	res, err := sharing.Rotate(peers, revoked.RecipientKeyHash, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer res.NewScopeKey.Destroy()

	for i := range peers {
		peers[i].Revoke()
		if err := store.SaveShare(vaultID, peers[i]); err != nil {
			return nil, err
		}
	}
	for _, ns := range res.NewShares {
		if err := store.SaveShare(vaultID, ns); err != nil {
			return nil, err
		}
	}
	e.log.Info("share revoked",
		"vault_id", vaultID,
		"share_id", shareID,
		"reissued", len(res.NewShares))
	return res.NewShares, nil
}

// SharesFor lists the persisted share records for one resource.
func (e *Engine) SharesFor(vaultID, resourceID string) ([]sharing.Share, error) {
	e.mu.Lock()
	store := e.outbox
	e.mu.Unlock()
	if store == nil {
		return nil, ErrNoShareStore
	}
	return store.SharesForResource(vaultID, resourceID)
}
