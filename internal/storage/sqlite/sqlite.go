package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	"hrauth/internal/domain/models"
	"hrauth/internal/storage"
	"hrauth/migrations"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Storage) Migrate() error {
	const op = "storage.sqlite.Migrate"

	src, err := iofs.New(migrations.SQLite, migrations.SQLiteDir)
	if err != nil {
		return fmt.Errorf("%s: source: %w", op, err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("%s: driver: %w", op, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: up: %w", op, err)
	}

	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveUser inserts a new user and returns its id.
func (s *Storage) SaveUser(ctx context.Context, user models.User) (string, error) {
	const op = "storage.sqlite.SaveUser"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, role, active, pass_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.DisplayName, user.Role, user.Active, user.PassHash,
		user.CreatedAt.UnixNano(), user.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return user.ID, nil
}

// User retrieves a user by username.
func (s *Storage) User(ctx context.Context, username string) (*models.User, error) {
	const op = "storage.sqlite.User"

	row := s.db.QueryRowContext(ctx, selectUser+" WHERE username = ?", username)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

// UserByID retrieves a user by id.
func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.sqlite.UserByID"

	row := s.db.QueryRowContext(ctx, selectUser+" WHERE id = ?", userID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

// SeedUser inserts a user unless the username is already taken.
func (s *Storage) SeedUser(ctx context.Context, user models.User) error {
	const op = "storage.sqlite.SeedUser"

	if _, err := s.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetUserActive flips the active flag of a user.
func (s *Storage) SetUserActive(ctx context.Context, userID string, active bool, at time.Time) error {
	const op = "storage.sqlite.SetUserActive"

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET active = ?, updated_at = ? WHERE id = ?",
		active, at.UnixNano(), userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

// SaveRefreshToken stores a new refresh token record. A record with the same
// value is never overwritten.
func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.sqlite.SaveRefreshToken"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, token, owner_id, expires_at, revoked, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.Value, token.OwnerID, token.ExpiresAt.UnixNano(), token.Revoked,
		token.CreatedAt.UnixNano(), token.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RefreshToken retrieves a refresh token record by its exact value.
func (s *Storage) RefreshToken(ctx context.Context, value string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshToken"

	row := s.db.QueryRowContext(ctx, selectToken+" WHERE token = ?", value)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}

// RefreshTokensByOwner lists every record of the owner, newest first.
func (s *Storage) RefreshTokensByOwner(ctx context.Context, ownerID string) ([]models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshTokensByOwner"

	tokens, err := s.queryTokens(ctx, selectToken+" WHERE owner_id = ? ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

// ActiveRefreshTokensByOwner lists the owner's records that are neither revoked nor expired at now.
func (s *Storage) ActiveRefreshTokensByOwner(ctx context.Context, ownerID string, now time.Time) ([]models.RefreshToken, error) {
	const op = "storage.sqlite.ActiveRefreshTokensByOwner"

	tokens, err := s.queryTokens(ctx,
		selectToken+" WHERE owner_id = ? AND revoked = 0 AND expires_at > ? ORDER BY created_at DESC",
		ownerID, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

// UpdateRefreshToken persists the mutable fields of a record. Revocation is
// never undone by an update.
func (s *Storage) UpdateRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.sqlite.UpdateRefreshToken"

	res, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = MAX(revoked, ?), updated_at = ? WHERE id = ?",
		token.Revoked, token.UpdatedAt.UnixNano(), token.ID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

// RevokeRefreshToken revokes a single record only if it is not revoked yet.
// It reports whether this call performed the revocation.
func (s *Storage) RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error) {
	const op = "storage.sqlite.RevokeRefreshToken"

	res, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1, updated_at = ? WHERE id = ? AND revoked = 0",
		at.UnixNano(), id,
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// RevokeAllRefreshTokens revokes every live record of the owner and returns how many were flipped.
func (s *Storage) RevokeAllRefreshTokens(ctx context.Context, ownerID string, now time.Time) (int64, error) {
	const op = "storage.sqlite.RevokeAllRefreshTokens"

	res, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1, updated_at = ? WHERE owner_id = ? AND revoked = 0 AND expires_at > ?",
		now.UnixNano(), ownerID, now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// DeleteExpiredRefreshTokens physically removes records that expired before now.
func (s *Storage) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.sqlite.DeleteExpiredRefreshTokens"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at < ?", now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

const (
	selectUser  = "SELECT id, username, display_name, role, active, pass_hash, created_at, updated_at FROM users"
	selectToken = "SELECT id, token, owner_id, expires_at, revoked, created_at, updated_at FROM refresh_tokens"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var (
		user                 models.User
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Role, &user.Active, &user.PassHash,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.CreatedAt = time.Unix(0, createdAt).UTC()
	user.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &user, nil
}

func scanToken(row scanner) (*models.RefreshToken, error) {
	var (
		token                           models.RefreshToken
		expiresAt, createdAt, updatedAt int64
	)
	err := row.Scan(
		&token.ID, &token.Value, &token.OwnerID, &expiresAt, &token.Revoked, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	token.ExpiresAt = time.Unix(0, expiresAt).UTC()
	token.CreatedAt = time.Unix(0, createdAt).UTC()
	token.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &token, nil
}

func (s *Storage) queryTokens(ctx context.Context, query string, args ...any) ([]models.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.RefreshToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *token)
	}
	return tokens, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
