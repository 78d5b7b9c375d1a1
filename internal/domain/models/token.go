package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken represents one issued refresh credential stored in the database.
// Owner, value and expiry are fixed at creation; only Revoked and UpdatedAt change.
type RefreshToken struct {
	ID        string
	Value     string
	OwnerID   string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRefreshToken builds a fresh, non-revoked record expiring ttl after now.
func NewRefreshToken(value, ownerID string, now time.Time, ttl time.Duration) RefreshToken {
	return RefreshToken{
		ID:        uuid.NewString(),
		Value:     value,
		OwnerID:   ownerID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.Revoked && !t.IsExpired(now)
}

// Revoke marks the record revoked. Revocation is one-way.
func (t *RefreshToken) Revoke(now time.Time) {
	t.Revoked = true
	t.UpdatedAt = now
}

// Session is the owner-facing view of a refresh record.
type Session struct {
	ID           string    `json:"id"`
	TokenPreview string    `json:"token_preview"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Revoked      bool      `json:"revoked"`
	Active       bool      `json:"active"`
}
