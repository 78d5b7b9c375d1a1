package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"hrauth/internal/lib/clock"
)

var (
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrMissingClaims = errors.New("missing token claims")
)

// AccessClaims is the payload of a short-lived access token.
type AccessClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// RefreshClaims carries only the owner identity (sub) and a unique nonce (jti).
type RefreshClaims struct {
	jwt.RegisteredClaims
}

// Identity is what a verified access token vouches for.
type Identity struct {
	UserID string
	Name   string
	Role   string
}

// Unverified holds whatever could be read out of a token without checking
// its signature. It must never be used to authorize anything.
type Unverified struct {
	UserID    string
	Name      string
	Role      string
	ExpiresAt *time.Time
	IssuedAt  *time.Time
}

// Issuer mints and verifies access and refresh tokens with separate HMAC secrets.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	clock         clock.Clock
}

func NewIssuer(
	accessSecret string,
	accessTTL time.Duration,
	refreshSecret string,
	refreshTTL time.Duration,
	clk clock.Clock,
) *Issuer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Issuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		clock:         clk,
	}
}

func (i *Issuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccessToken signs the user's id, display name and role.
func (i *Issuer) IssueAccessToken(userID, name, role string) (string, error) {
	const op = "jwt.IssueAccessToken"

	if userID == "" || name == "" || role == "" {
		return "", fmt.Errorf("%s: %w", op, ErrMissingClaims)
	}

	now := i.clock.Now()
	claims := AccessClaims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.accessSecret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return signed, nil
}

// IssueRefreshToken signs the user's id together with a random jti so that two
// tokens minted in the same second for the same user never collide.
func (i *Issuer) IssueRefreshToken(userID string) (string, error) {
	const op = "jwt.IssueRefreshToken"

	if userID == "" {
		return "", fmt.Errorf("%s: %w", op, ErrMissingClaims)
	}

	now := i.clock.Now()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.refreshTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.refreshSecret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return signed, nil
}

func (i *Issuer) VerifyAccessToken(token string) (*Identity, error) {
	var claims AccessClaims
	if err := i.parse(token, &claims, i.accessSecret); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.Name == "" || claims.Role == "" {
		return nil, ErrTokenInvalid
	}

	return &Identity{
		UserID: claims.Subject,
		Name:   claims.Name,
		Role:   claims.Role,
	}, nil
}

// VerifyRefreshToken returns the owner id of a valid refresh token.
func (i *Issuer) VerifyRefreshToken(token string) (string, error) {
	var claims RefreshClaims
	if err := i.parse(token, &claims, i.refreshSecret); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// DecodeUnverified reads claims without checking the signature or expiry.
// It returns nil if the token cannot be decoded at all.
func (i *Issuer) DecodeUnverified(token string) *Unverified {
	var claims AccessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}

	u := &Unverified{
		UserID: claims.Subject,
		Name:   claims.Name,
		Role:   claims.Role,
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		u.ExpiresAt = &exp
	}
	if claims.IssuedAt != nil {
		iat := claims.IssuedAt.Time
		u.IssuedAt = &iat
	}
	return u
}

func (i *Issuer) parse(token string, claims jwt.Claims, secret []byte) error {
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
}
