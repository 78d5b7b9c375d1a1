package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrauth/internal/domain/models"
	"hrauth/internal/storage"
)

var baseTime = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newUser() models.User {
	return models.User{
		ID:          uuid.NewString(),
		Username:    gofakeit.Username(),
		DisplayName: gofakeit.Name(),
		Role:        "employee",
		Active:      true,
		PassHash:    []byte("hash"),
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
}

func saveToken(t *testing.T, s *Storage, owner string, ttl time.Duration) models.RefreshToken {
	t.Helper()

	tok := models.NewRefreshToken(uuid.NewString(), owner, baseTime, ttl)
	require.NoError(t, s.SaveRefreshToken(context.Background(), tok))
	return tok
}

func TestStorage_MigrateIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.Migrate())
}

func TestStorage_Users(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	u := newUser()
	id, err := s.SaveUser(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)

	dup := newUser()
	dup.Username = u.Username
	_, err = s.SaveUser(ctx, dup)
	require.ErrorIs(t, err, storage.ErrUserExists)

	got, err := s.User(ctx, u.Username)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, u.DisplayName, got.DisplayName)
	assert.True(t, got.Active)
	assert.Equal(t, baseTime, got.CreatedAt)

	got, err = s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Username, got.Username)

	_, err = s.User(ctx, "nobody")
	require.ErrorIs(t, err, storage.ErrUserNotFound)
	_, err = s.UserByID(ctx, "nobody")
	require.ErrorIs(t, err, storage.ErrUserNotFound)

	require.NoError(t, s.SetUserActive(ctx, u.ID, false, baseTime.Add(time.Minute)))
	got, err = s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.ErrorIs(t, s.SetUserActive(ctx, "nobody", true, baseTime), storage.ErrUserNotFound)

	again := newUser()
	again.Username = u.Username
	require.NoError(t, s.SeedUser(ctx, again))
	got, err = s.User(ctx, u.Username)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestStorage_SaveAndFindRefreshToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	tok := saveToken(t, s, "owner-a", time.Hour)

	got, err := s.RefreshToken(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, tok, *got)

	_, err = s.RefreshToken(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestStorage_SaveRefreshToken_RejectsDuplicateValue(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	tok := saveToken(t, s, "owner-a", time.Hour)

	other := models.NewRefreshToken(tok.Value, "owner-b", baseTime, time.Hour)
	err := s.SaveRefreshToken(ctx, other)
	require.ErrorIs(t, err, storage.ErrTokenExists)

	got, err := s.RefreshToken(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "owner-a", got.OwnerID, "existing owner must not be overwritten")
}

func TestStorage_ByOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	live := saveToken(t, s, "owner-a", time.Hour)
	revoked := saveToken(t, s, "owner-a", time.Hour)
	expired := saveToken(t, s, "owner-a", time.Minute)
	saveToken(t, s, "owner-b", time.Hour)

	ok, err := s.RevokeRefreshToken(ctx, revoked.ID, baseTime)
	require.NoError(t, err)
	require.True(t, ok)

	all, err := s.RefreshTokensByOwner(ctx, "owner-a")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	now := baseTime.Add(30 * time.Minute)
	active, err := s.ActiveRefreshTokensByOwner(ctx, "owner-a", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.ID, active[0].ID)
	assert.NotEqual(t, expired.ID, active[0].ID)

	none, err := s.RefreshTokensByOwner(ctx, "owner-z")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStorage_UpdateRefreshToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	tok := saveToken(t, s, "owner-a", time.Hour)
	tok.Revoke(baseTime.Add(time.Minute))
	require.NoError(t, s.UpdateRefreshToken(ctx, tok))

	got, err := s.RefreshToken(ctx, tok.Value)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, baseTime.Add(time.Minute), got.UpdatedAt)

	// Revocation is monotonic even if a stale copy is written back.
	stale := tok
	stale.Revoked = false
	require.NoError(t, s.UpdateRefreshToken(ctx, stale))
	got, err = s.RefreshToken(ctx, tok.Value)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	ghost := models.NewRefreshToken("ghost", "owner-a", baseTime, time.Hour)
	require.ErrorIs(t, s.UpdateRefreshToken(ctx, ghost), storage.ErrNotFound)
}

func TestStorage_RevokeRefreshToken_SingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	tok := saveToken(t, s, "owner-a", time.Hour)

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ok, err := s.RevokeRefreshToken(ctx, tok.ID, baseTime)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)

	ok, err := s.RevokeRefreshToken(ctx, "missing", baseTime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_RevokeAllRefreshTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	saveToken(t, s, "owner-a", time.Hour)
	saveToken(t, s, "owner-a", time.Hour)
	saveToken(t, s, "owner-a", time.Minute)
	b := saveToken(t, s, "owner-b", time.Hour)

	now := baseTime.Add(10 * time.Minute)

	n, err := s.RevokeAllRefreshTokens(ctx, "owner-a", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "expired records are not counted")

	n, err = s.RevokeAllRefreshTokens(ctx, "owner-a", now)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.RefreshToken(ctx, b.Value)
	require.NoError(t, err)
	assert.False(t, got.Revoked, "other owners are untouched")
}

func TestStorage_DeleteExpiredRefreshTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	short := saveToken(t, s, "owner-a", time.Minute)
	long := saveToken(t, s, "owner-a", time.Hour)

	n, err := s.DeleteExpiredRefreshTokens(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.RefreshToken(ctx, short.Value)
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.RefreshToken(ctx, long.Value)
	require.NoError(t, err)

	n, err = s.DeleteExpiredRefreshTokens(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}
