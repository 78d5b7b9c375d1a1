package auth

import (
	"errors"
	"fmt"

	"hrauth/internal/storage"
)

var (
	ErrInvalidCredentials         = errors.New("invalid credentials")
	ErrAccountInactive            = errors.New("account is inactive")
	ErrInvalidToken               = errors.New("invalid refresh token")
	ErrExpiredRefreshTokenAttempt = errors.New("expired refresh token presented")
	ErrUserAlreadyExists          = errors.New("user already exists")
	ErrUserNotFound               = errors.New("user not found")
	ErrInvalidArgument            = errors.New("invalid argument")

	// ErrRefreshTokenReused is an ErrInvalidToken whose message tells the caller to log in again.
	ErrRefreshTokenReused = fmt.Errorf("%w: token was already used, all sessions have been revoked, please log in again", ErrInvalidToken)
)

// Stable machine-readable error codes.
const (
	CodeInvalidCredentials         = "INVALID_CREDENTIALS"
	CodeAccountInactive            = "ACCOUNT_INACTIVE"
	CodeInvalidToken               = "INVALID_TOKEN"
	CodeExpiredRefreshTokenAttempt = "EXPIRED_REFRESH_TOKEN_ATTEMPT"
	CodeNotFound                   = "NOT_FOUND"
	CodeUserAlreadyExists          = "USER_ALREADY_EXISTS"
	CodeInvalidArgument            = "INVALID_ARGUMENT"
	CodeInternal                   = "INTERNAL"
)

// Code maps an error returned by Auth to its stable code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrAccountInactive):
		return CodeAccountInactive
	case errors.Is(err, ErrExpiredRefreshTokenAttempt):
		return CodeExpiredRefreshTokenAttempt
	case errors.Is(err, ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, ErrUserNotFound), errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUserAlreadyExists):
		return CodeUserAlreadyExists
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}
