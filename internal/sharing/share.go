package sharing

import (
	"time"

	"github.com/google/uuid"
)

// ShareType distinguishes what kind of resource a share grants.
type ShareType string

const (
	ShareTypeNotebook ShareType = "notebook"
	ShareTypeNote     ShareType = "note"
)

// Role is the access level granted by a share.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

// Share grants one recipient access to one scope key. Its lifecycle is a
// two-state machine: Active -> Revoked and Active -> Expired, both
// terminal. Expiry is checked at use time, never proactively; a revoked
// or expired share is permanently unusable and never reused.
type Share struct {
	ShareID          string     `json:"share_id"`
	Type             ShareType  `json:"type"`
	ResourceID       string     `json:"resource_id"`
	Role             Role       `json:"role"`
	SharerKeyHash    string     `json:"sharer_key_hash"`
	RecipientKeyHash string     `json:"recipient_key_hash"`
	WrappedKey       WrappedKey `json:"wrapped_key"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IsActive         bool       `json:"is_active"`
}

// NewShare builds an active share around an already-wrapped key.
func NewShare(typ ShareType, resourceID string, role Role, sharerKeyHash, recipientKeyHash string, wk WrappedKey, expiresAt *time.Time) Share {
	return Share{
		ShareID:          uuid.NewString(),
		Type:             typ,
		ResourceID:       resourceID,
		Role:             role,
		SharerKeyHash:    sharerKeyHash,
		RecipientKeyHash: recipientKeyHash,
		WrappedKey:       wk,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        expiresAt,
		IsActive:         true,
	}
}

// IsExpired reports whether the share has passed its expiry at now.
func (s *Share) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// IsUsable reports whether the share can still unwrap its key.
func (s *Share) IsUsable(now time.Time) bool {
	return s.IsActive && !s.IsExpired(now)
}

// Revoke transitions the share to its terminal revoked state.
func (s *Share) Revoke() {
	s.IsActive = false
}
