package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"hrauth/internal/domain/models"
	"hrauth/internal/events"
	"hrauth/internal/lib/clock"
	"hrauth/internal/lib/jwt"
	"hrauth/internal/lib/logger/sl"
	"hrauth/internal/lib/redact"
	"hrauth/internal/storage"
)

const DefaultRole = "employee"

type Auth struct {
	logger       *slog.Logger
	userSaver    UserSaver
	userProvider UserProvider
	tokenStore   RefreshTokenStore
	tokens       TokenIssuer
	hasher       Hasher
	publisher    events.Publisher
	clock        clock.Clock
}

type UserSaver interface {
	SaveUser(ctx context.Context, user models.User) (userID string, err error)
}

type UserProvider interface {
	User(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, userID string) (*models.User, error)
}

type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token models.RefreshToken) error
	RefreshToken(ctx context.Context, value string) (*models.RefreshToken, error)
	RefreshTokensByOwner(ctx context.Context, ownerID string) ([]models.RefreshToken, error)
	ActiveRefreshTokensByOwner(ctx context.Context, ownerID string, now time.Time) ([]models.RefreshToken, error)
	UpdateRefreshToken(ctx context.Context, token models.RefreshToken) error
	RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeAllRefreshTokens(ctx context.Context, ownerID string, now time.Time) (int64, error)
}

type TokenIssuer interface {
	IssueAccessToken(userID, name, role string) (string, error)
	IssueRefreshToken(userID string) (string, error)
	VerifyRefreshToken(token string) (string, error)
	DecodeUnverified(token string) *jwt.Unverified
	AccessTTL() time.Duration
	RefreshTTL() time.Duration
}

type Hasher interface {
	Hash(plaintext string) ([]byte, error)
	Compare(plaintext string, hash []byte) (bool, error)
}

// ClientMeta describes where a request came from. Both fields are optional.
type ClientMeta struct {
	IP        string
	UserAgent string
}

type AuthResult struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
	ExpiresIn    int64             `json:"expires_in"`
	User         models.PublicUser `json:"user"`
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// New returns a new instance of the Auth service.
func New(
	logger *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	tokenStore RefreshTokenStore,
	tokens TokenIssuer,
	hasher Hasher,
	publisher events.Publisher,
	clk clock.Clock,
) *Auth {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Auth{
		logger:       logger,
		userSaver:    userSaver,
		userProvider: userProvider,
		tokenStore:   tokenStore,
		tokens:       tokens,
		hasher:       hasher,
		publisher:    publisher,
		clock:        clk,
	}
}

// Register creates an active user with the default role.
func (a *Auth) Register(
	ctx context.Context,
	username string,
	password string,
	displayName string,
) (userID string, err error) {
	const op = "auth.Register"
	log := a.logger.With(
		slog.String("op", op),
		slog.String("username", username),
	)
	log.Info("register request")

	username = strings.TrimSpace(username)
	displayName = strings.TrimSpace(displayName)
	if username == "" || password == "" {
		return "", fmt.Errorf("%s: %w: username and password are required", op, ErrInvalidArgument)
	}
	if displayName == "" {
		displayName = username
	}

	passHash, err := a.hasher.Hash(password)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	now := a.clock.Now()
	userID, err = a.userSaver.SaveUser(ctx, models.User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
		Role:        DefaultRole,
		Active:      true,
		PassHash:    passHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists", sl.Err(err))
			return "", fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.String("userID", userID))

	return userID, nil
}

// Login authenticates the user and returns an access token and a refresh token.
func (a *Auth) Login(
	ctx context.Context,
	username string,
	password string,
	meta ClientMeta,
) (*AuthResult, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))
	log.Info("login request", slog.String("username", username), slog.String("ip", meta.IP))

	user, err := a.userProvider.User(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ok, err := a.hasher.Compare(password, user.PassHash)
	if err != nil {
		log.Error("failed to compare password hash", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		log.Warn("invalid password", slog.String("userID", user.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if !user.Active {
		log.Warn("inactive account", slog.String("userID", user.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrAccountInactive)
	}

	pair, err := a.issueTokens(ctx, user)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.publish(ctx, events.UserLoggedIn, map[string]any{
		"user_id":      user.ID,
		"username":     user.Username,
		"display_name": user.DisplayName,
		"ip":           meta.IP,
		"user_agent":   meta.UserAgent,
	})

	log.Info("user logged in", slog.String("userID", user.ID))

	return &AuthResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User:         user.Public(),
	}, nil
}

// Refresh exchanges a valid refresh token for a new token pair. Every refresh
// token is single-use: presenting a rotated one revokes all of the owner's sessions.
func (a *Auth) Refresh(
	ctx context.Context,
	refreshToken string,
	meta ClientMeta,
) (*TokenPair, error) {
	const op = "auth.Refresh"
	log := a.logger.With(slog.String("op", op), slog.String("ip", meta.IP))
	log.Info("refresh request")

	if refreshToken == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	now := a.clock.Now()

	ownerID, err := a.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		log.Warn("refresh token failed verification", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, a.classifyUnverifiable(ctx, log, refreshToken, err, meta, now))
	}

	record, err := a.tokenStore.RefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token not found", slog.String("userID", ownerID))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to get refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Reuse is checked before expiry: a rotated token stays a reuse even once expired.
	if record.Revoked {
		return nil, fmt.Errorf("%s: %w", op, a.handleReuse(ctx, log, record, refreshToken, meta, now))
	}

	if record.IsExpired(now) {
		err := a.handleExpiredAttempt(ctx, log, record.OwnerID, record.ExpiresAt, refreshToken, meta, now, true)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if record.OwnerID != ownerID {
		log.Warn("refresh token owner mismatch",
			slog.String("recordOwner", record.OwnerID),
			slog.String("tokenOwner", ownerID),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	user, err := a.userProvider.UserByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("refresh token owner no longer exists", slog.String("userID", ownerID))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !user.Active {
		log.Warn("refresh token owner is inactive", slog.String("userID", ownerID))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	accessToken, newRefreshToken, err := a.mintTokens(user)
	if err != nil {
		log.Error("failed to generate tokens", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The new record is stored before the old one is consumed, so any revoke-all
	// triggered by a concurrent use of the old token also covers the new record.
	newRecord, err := a.saveRefreshToken(ctx, newRefreshToken, user.ID, now)
	if err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	revoked, err := a.tokenStore.RevokeRefreshToken(ctx, record.ID, now)
	if err != nil {
		log.Error("failed to revoke rotated refresh token", sl.Err(err))
		a.discard(ctx, log, newRecord, now)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !revoked {
		// Another request consumed this token between our read and our write.
		// handleReuse revokes newRecord along with every other live session.
		return nil, fmt.Errorf("%s: %w", op, a.handleReuse(ctx, log, record, refreshToken, meta, now))
	}

	log.Info("tokens refreshed", slog.String("userID", user.ID))

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		ExpiresIn:    a.expiresIn(),
	}, nil
}

// Logout revokes all of the user's sessions, a single presented session, or
// nothing at all. A garbage or foreign refresh token never makes it fail.
func (a *Auth) Logout(
	ctx context.Context,
	userID string,
	refreshToken string,
	revokeAll bool,
	meta ClientMeta,
) error {
	const op = "auth.Logout"
	log := a.logger.With(slog.String("op", op), slog.String("userID", userID))
	log.Info("logout request", slog.Bool("all", revokeAll))

	now := a.clock.Now()

	if revokeAll {
		count, err := a.tokenStore.RevokeAllRefreshTokens(ctx, userID, now)
		if err != nil {
			log.Error("failed to revoke refresh tokens", sl.Err(err))
			return fmt.Errorf("%s: %w", op, err)
		}

		a.publish(ctx, events.UserLoggedOut, map[string]any{
			"user_id":       userID,
			"all_revoked":   true,
			"revoked_count": count,
			"ip":            meta.IP,
			"user_agent":    meta.UserAgent,
		})
		log.Info("all sessions revoked", slog.Int64("count", count))
		return nil
	}

	payload := map[string]any{
		"user_id":     userID,
		"all_revoked": false,
		"ip":          meta.IP,
		"user_agent":  meta.UserAgent,
	}

	if refreshToken == "" {
		a.publish(ctx, events.UserLoggedOut, payload)
		return nil
	}

	ownerID, err := a.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		log.Warn("ignoring unverifiable refresh token on logout", sl.Err(err))
		a.publish(ctx, events.UserLoggedOut, payload)
		return nil
	}
	if ownerID != userID {
		log.Warn("refresh token belongs to another user, ignoring", slog.String("tokenOwner", ownerID))
		return nil
	}

	record, err := a.tokenStore.RefreshToken(ctx, refreshToken)
	switch {
	case err == nil && record.OwnerID == userID:
		record.Revoke(now)
		if err := a.tokenStore.UpdateRefreshToken(ctx, *record); err != nil {
			// A sweep may have removed the record meanwhile; nothing is left to revoke.
			log.Warn("failed to revoke refresh token", sl.Err(err))
		} else {
			payload["token_id"] = record.ID
		}
	case err == nil:
		log.Warn("refresh token record owner mismatch, ignoring", slog.String("recordOwner", record.OwnerID))
		return nil
	case errors.Is(err, storage.ErrTokenNotFound):
		log.Info("refresh token not found on logout")
	default:
		log.Error("failed to get refresh token", sl.Err(err))
	}

	a.publish(ctx, events.UserLoggedOut, payload)
	return nil
}

// CurrentUser returns the public view of a user.
func (a *Auth) CurrentUser(ctx context.Context, userID string) (*models.PublicUser, error) {
	const op = "auth.CurrentUser"
	log := a.logger.With(slog.String("op", op), slog.String("userID", userID))

	user, err := a.userProvider.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	public := user.Public()
	return &public, nil
}

// Sessions lists the user's refresh records with redacted token values.
func (a *Auth) Sessions(ctx context.Context, userID string, includeInactive bool) ([]models.Session, error) {
	const op = "auth.Sessions"
	log := a.logger.With(slog.String("op", op), slog.String("userID", userID))

	now := a.clock.Now()

	var (
		records []models.RefreshToken
		err     error
	)
	if includeInactive {
		records, err = a.tokenStore.RefreshTokensByOwner(ctx, userID)
	} else {
		records, err = a.tokenStore.ActiveRefreshTokensByOwner(ctx, userID, now)
	}
	if err != nil {
		log.Error("failed to list refresh tokens", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sessions := make([]models.Session, 0, len(records))
	for _, r := range records {
		sessions = append(sessions, models.Session{
			ID:           r.ID,
			TokenPreview: redact.Token(r.Value, redact.DefaultKeep),
			CreatedAt:    r.CreatedAt,
			ExpiresAt:    r.ExpiresAt,
			Revoked:      r.Revoked,
			Active:       r.IsValid(now),
		})
	}
	return sessions, nil
}

// classifyUnverifiable decides what a refresh token that failed verification
// means. A token whose embedded expiry has passed is an expired replay; anything
// else is just invalid. Only a token with a valid signature can trigger mass
// revocation, so a forged expired token cannot log a victim out.
func (a *Auth) classifyUnverifiable(
	ctx context.Context,
	log *slog.Logger,
	refreshToken string,
	verifyErr error,
	meta ClientMeta,
	now time.Time,
) error {
	claims := a.tokens.DecodeUnverified(refreshToken)
	if claims == nil || claims.ExpiresAt == nil || !claims.ExpiresAt.Before(now) {
		return ErrInvalidToken
	}

	trusted := errors.Is(verifyErr, jwt.ErrTokenExpired)
	return a.handleExpiredAttempt(ctx, log, claims.UserID, *claims.ExpiresAt, refreshToken, meta, now, trusted)
}

func (a *Auth) handleExpiredAttempt(
	ctx context.Context,
	log *slog.Logger,
	ownerID string,
	expiredAt time.Time,
	refreshToken string,
	meta ClientMeta,
	now time.Time,
	revoke bool,
) error {
	preview := redact.Token(refreshToken, redact.DefaultKeep)
	log.Warn("expired refresh token presented",
		slog.String("userID", ownerID),
		slog.Time("expiredAt", expiredAt),
		slog.String("token", preview),
	)

	var (
		allRevoked bool
		count      int64
	)
	if revoke && ownerID != "" {
		var err error
		count, err = a.tokenStore.RevokeAllRefreshTokens(ctx, ownerID, now)
		if err != nil {
			log.Error("failed to revoke refresh tokens after expired attempt", sl.Err(err))
		} else {
			allRevoked = true
		}
	}

	payload := map[string]any{
		"user_id":       ownerID,
		"expired_at":    expiredAt,
		"token_preview": preview,
		"all_revoked":   allRevoked,
		"revoked_count": count,
		"ip":            meta.IP,
		"user_agent":    meta.UserAgent,
	}
	if user := a.lookupUser(ctx, ownerID); user != nil {
		payload["username"] = user.Username
	}
	a.publish(ctx, events.ExpiredRefreshTokenAttemptDetected, payload)

	return ErrExpiredRefreshTokenAttempt
}

func (a *Auth) handleReuse(
	ctx context.Context,
	log *slog.Logger,
	record *models.RefreshToken,
	refreshToken string,
	meta ClientMeta,
	now time.Time,
) error {
	preview := redact.Token(refreshToken, redact.DefaultKeep)
	log.Warn("refresh token reuse detected",
		slog.String("userID", record.OwnerID),
		slog.String("tokenID", record.ID),
		slog.String("token", preview),
	)

	allRevoked := true
	count, err := a.tokenStore.RevokeAllRefreshTokens(ctx, record.OwnerID, now)
	if err != nil {
		log.Error("failed to revoke refresh tokens after reuse", sl.Err(err))
		allRevoked = false
	}

	revokedAt := record.UpdatedAt
	if !record.Revoked {
		// Lost a rotation race: the winner's revocation time is in the store.
		if fresh, err := a.tokenStore.RefreshToken(ctx, refreshToken); err == nil {
			revokedAt = fresh.UpdatedAt
		}
	}

	payload := map[string]any{
		"user_id":       record.OwnerID,
		"token_id":      record.ID,
		"token_preview": preview,
		"revoked_at":    revokedAt,
		"all_revoked":   allRevoked,
		"revoked_count": count,
		"ip":            meta.IP,
		"user_agent":    meta.UserAgent,
	}
	if user := a.lookupUser(ctx, record.OwnerID); user != nil {
		payload["username"] = user.Username
		payload["display_name"] = user.DisplayName
	}
	a.publish(ctx, events.RefreshTokenReuseDetected, payload)

	return ErrRefreshTokenReused
}

// lookupUser is a best-effort fetch used only to enrich incident payloads.
func (a *Auth) lookupUser(ctx context.Context, userID string) *models.User {
	if userID == "" {
		return nil
	}
	user, err := a.userProvider.UserByID(ctx, userID)
	if err != nil {
		return nil
	}
	return user
}

func (a *Auth) issueTokens(ctx context.Context, user *models.User) (*TokenPair, error) {
	accessToken, refreshToken, err := a.mintTokens(user)
	if err != nil {
		return nil, err
	}

	if _, err := a.saveRefreshToken(ctx, refreshToken, user.ID, a.clock.Now()); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    a.expiresIn(),
	}, nil
}

func (a *Auth) mintTokens(user *models.User) (accessToken, refreshToken string, err error) {
	accessToken, err = a.tokens.IssueAccessToken(user.ID, user.DisplayName, user.Role)
	if err != nil {
		return "", "", fmt.Errorf("access token: %w", err)
	}

	refreshToken, err = a.tokens.IssueRefreshToken(user.ID)
	if err != nil {
		return "", "", fmt.Errorf("refresh token: %w", err)
	}

	return accessToken, refreshToken, nil
}

func (a *Auth) saveRefreshToken(ctx context.Context, value, userID string, now time.Time) (models.RefreshToken, error) {
	record := models.NewRefreshToken(value, userID, now, a.tokens.RefreshTTL())
	return record, a.tokenStore.SaveRefreshToken(ctx, record)
}

// discard revokes a freshly stored record that will never reach the caller.
func (a *Auth) discard(ctx context.Context, log *slog.Logger, record models.RefreshToken, now time.Time) {
	if _, err := a.tokenStore.RevokeRefreshToken(ctx, record.ID, now); err != nil {
		log.Error("failed to revoke unused refresh token", slog.String("tokenID", record.ID), sl.Err(err))
	}
}

func (a *Auth) expiresIn() int64 {
	return int64(a.tokens.AccessTTL() / time.Second)
}

func (a *Auth) publish(ctx context.Context, name string, payload map[string]any) {
	a.publisher.Publish(ctx, events.Event{
		Name:       name,
		OccurredAt: a.clock.Now(),
		Payload:    payload,
	})
}
