package mongodb

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrauth/internal/domain/models"
	"hrauth/internal/storage"
)

// These tests need a running MongoDB, e.g.
// MONGO_TEST_URI=mongodb://localhost:27017 go test ./internal/storage/mongodb/...
func newTestStorage(t *testing.T) (context.Context, *Storage) {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	dbName := "hrauth_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s, err := New(ctx, uri, dbName)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanupCancel()
		_ = s.Drop(cleanupCtx)
		_ = s.Close(cleanupCtx)
	})

	return ctx, s
}

func TestStorage_Users(t *testing.T) {
	ctx, s := newTestStorage(t)

	now := time.Now().UTC()
	u := models.User{
		ID:          uuid.NewString(),
		Username:    gofakeit.Username(),
		DisplayName: gofakeit.Name(),
		Role:        "employee",
		Active:      true,
		PassHash:    []byte("hash"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.SaveUser(ctx, u)
	require.NoError(t, err)

	_, err = s.SaveUser(ctx, models.User{ID: uuid.NewString(), Username: u.Username})
	require.ErrorIs(t, err, storage.ErrUserExists)

	require.NoError(t, s.SeedUser(ctx, u))

	got, err := s.User(ctx, u.Username)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	got, err = s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.DisplayName, got.DisplayName)

	_, err = s.UserByID(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrUserNotFound)

	require.NoError(t, s.SetUserActive(ctx, u.ID, false, now))
	got, err = s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestStorage_RefreshTokenLifecycle(t *testing.T) {
	ctx, s := newTestStorage(t)

	now := time.Now().UTC()
	a1 := models.NewRefreshToken(uuid.NewString(), "owner-a", now, time.Hour)
	a2 := models.NewRefreshToken(uuid.NewString(), "owner-a", now, time.Hour)
	aOld := models.NewRefreshToken(uuid.NewString(), "owner-a", now.Add(-2*time.Hour), time.Hour)
	b1 := models.NewRefreshToken(uuid.NewString(), "owner-b", now, time.Hour)

	for _, tok := range []models.RefreshToken{a1, a2, aOld, b1} {
		require.NoError(t, s.SaveRefreshToken(ctx, tok))
	}

	dup := models.NewRefreshToken(a1.Value, "owner-b", now, time.Hour)
	require.ErrorIs(t, s.SaveRefreshToken(ctx, dup), storage.ErrTokenExists)

	got, err := s.RefreshToken(ctx, a1.Value)
	require.NoError(t, err)
	assert.Equal(t, "owner-a", got.OwnerID)
	assert.WithinDuration(t, a1.ExpiresAt, got.ExpiresAt, time.Millisecond)

	all, err := s.RefreshTokensByOwner(ctx, "owner-a")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := s.ActiveRefreshTokensByOwner(ctx, "owner-a", now)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	ok, err := s.RevokeRefreshToken(ctx, a1.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RevokeRefreshToken(ctx, a1.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.RevokeAllRefreshTokens(ctx, "owner-a", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.RevokeAllRefreshTokens(ctx, "owner-a", now)
	require.NoError(t, err)
	assert.Zero(t, n)

	gotB, err := s.RefreshToken(ctx, b1.Value)
	require.NoError(t, err)
	assert.False(t, gotB.Revoked)

	require.ErrorIs(t,
		s.UpdateRefreshToken(ctx, models.NewRefreshToken("ghost", "owner-a", now, time.Hour)),
		storage.ErrNotFound,
	)

	deleted, err := s.DeleteExpiredRefreshTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	_, err = s.RefreshToken(ctx, aOld.Value)
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
}
