package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefreshToken_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tok := NewRefreshToken("value", "owner-1", now, time.Hour)
	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt)
	assert.True(t, tok.IsValid(now))
	assert.False(t, tok.IsExpired(now.Add(59*time.Minute)))

	assert.True(t, tok.IsExpired(now.Add(time.Hour)), "expiry instant is already expired")
	assert.False(t, tok.IsValid(now.Add(2*time.Hour)))

	later := now.Add(time.Minute)
	tok.Revoke(later)
	assert.True(t, tok.Revoked)
	assert.Equal(t, later, tok.UpdatedAt)
	assert.False(t, tok.IsValid(now))

	tok.Revoke(later.Add(time.Minute))
	assert.True(t, tok.Revoked)
}

func TestNewRefreshToken_UniqueIDs(t *testing.T) {
	now := time.Now()
	a := NewRefreshToken("a", "o", now, time.Hour)
	b := NewRefreshToken("a", "o", now, time.Hour)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestUser_Public(t *testing.T) {
	u := User{ID: "1", Username: "jdoe", DisplayName: "John Doe", Role: "admin", Active: true, PassHash: []byte("secret")}
	assert.Equal(t, PublicUser{ID: "1", Username: "jdoe", DisplayName: "John Doe", Role: "admin", Active: true}, u.Public())
}
