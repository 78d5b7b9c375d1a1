package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"hrauth/internal/domain/models"
	"hrauth/internal/events"
	"hrauth/internal/storage"
)

type memUsers struct {
	mu    sync.Mutex
	byID  map[string]models.User
	names map[string]string
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]models.User{}, names: map[string]string{}}
}

func (m *memUsers) SaveUser(_ context.Context, u models.User) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[u.Username]; ok {
		return "", storage.ErrUserExists
	}
	m.byID[u.ID] = u
	m.names[u.Username] = u.ID
	return u.ID, nil
}

func (m *memUsers) User(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.names[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := m.byID[id]
	return &u, nil
}

func (m *memUsers) UserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return &u, nil
}

func (m *memUsers) update(id string, fn func(u *models.User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.byID[id]
	fn(&u)
	m.byID[id] = u
}

func (m *memUsers) delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.byID[id]
	delete(m.names, u.Username)
	delete(m.byID, id)
}

type memTokens struct {
	mu      sync.Mutex
	byValue map[string]*models.RefreshToken
}

func newMemTokens() *memTokens {
	return &memTokens{byValue: map[string]*models.RefreshToken{}}
}

func (m *memTokens) SaveRefreshToken(_ context.Context, t models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byValue[t.Value]; ok {
		return storage.ErrTokenExists
	}
	m.byValue[t.Value] = &t
	return nil
}

func (m *memTokens) RefreshToken(_ context.Context, value string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byValue[value]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTokens) RefreshTokensByOwner(_ context.Context, owner string) ([]models.RefreshToken, error) {
	return m.filter(func(t *models.RefreshToken) bool { return t.OwnerID == owner }), nil
}

func (m *memTokens) ActiveRefreshTokensByOwner(_ context.Context, owner string, now time.Time) ([]models.RefreshToken, error) {
	return m.filter(func(t *models.RefreshToken) bool { return t.OwnerID == owner && t.IsValid(now) }), nil
}

func (m *memTokens) UpdateRefreshToken(_ context.Context, t models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.byValue {
		if cur.ID == t.ID {
			cur.Revoked = cur.Revoked || t.Revoked
			cur.UpdatedAt = t.UpdatedAt
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memTokens) RevokeRefreshToken(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.byValue {
		if cur.ID == id {
			if cur.Revoked {
				return false, nil
			}
			cur.Revoke(at)
			return true, nil
		}
	}
	return false, nil
}

func (m *memTokens) RevokeAllRefreshTokens(_ context.Context, owner string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, cur := range m.byValue {
		if cur.OwnerID == owner && cur.IsValid(now) {
			cur.Revoke(now)
			n++
		}
	}
	return n, nil
}

func (m *memTokens) DeleteExpiredRefreshTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for v, cur := range m.byValue {
		if cur.ExpiresAt.Before(now) {
			delete(m.byValue, v)
			n++
		}
	}
	return n, nil
}

func (m *memTokens) filter(keep func(t *models.RefreshToken) bool) []models.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RefreshToken
	for _, t := range m.byValue {
		if keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) byName(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
