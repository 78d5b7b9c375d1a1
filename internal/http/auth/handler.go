package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"hrauth/internal/domain/models"
	"hrauth/internal/http/middleware"
	"hrauth/internal/lib/jwt"
	"hrauth/internal/lib/logger/sl"
	"hrauth/internal/services/auth"
)

type Auth interface {
	Register(ctx context.Context, username, password, displayName string) (userID string, err error)
	Login(ctx context.Context, username, password string, meta auth.ClientMeta) (*auth.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string, meta auth.ClientMeta) (*auth.TokenPair, error)
	Logout(ctx context.Context, userID, refreshToken string, revokeAll bool, meta auth.ClientMeta) error
	CurrentUser(ctx context.Context, userID string) (*models.PublicUser, error)
	Sessions(ctx context.Context, userID string, includeInactive bool) ([]models.Session, error)
}

type AccessVerifier interface {
	VerifyAccessToken(token string) (*jwt.Identity, error)
}

// Options decorate individual routes. Nil fields are skipped.
type Options struct {
	// Limit wraps the unauthenticated credential endpoints.
	Limit func(http.Handler) http.Handler
	// Instrument wraps every route with its pattern as label.
	Instrument func(route string, next http.Handler) http.Handler
}

type handler struct {
	logger   *slog.Logger
	auth     Auth
	verifier AccessVerifier
}

// Register mounts the /auth routes on mux.
func Register(mux *http.ServeMux, logger *slog.Logger, authService Auth, verifier AccessVerifier, opts Options) {
	h := &handler{logger: logger, auth: authService, verifier: verifier}

	route := func(pattern string, next http.Handler, limited bool) {
		if limited && opts.Limit != nil {
			next = opts.Limit(next)
		}
		if opts.Instrument != nil {
			next = opts.Instrument(pattern, next)
		}
		mux.Handle(pattern, next)
	}

	route("POST /auth/register", http.HandlerFunc(h.register), true)
	route("POST /auth/login", http.HandlerFunc(h.login), true)
	route("POST /auth/refresh", http.HandlerFunc(h.refresh), true)
	route("POST /auth/logout", h.requireAuth(http.HandlerFunc(h.logout)), false)
	route("GET /auth/me", h.requireAuth(http.HandlerFunc(h.me)), false)
	route("GET /auth/sessions", h.requireAuth(http.HandlerFunc(h.sessions)), false)
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	All          bool   `json:"all"`
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, auth.CodeInvalidArgument, "username is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, auth.CodeInvalidArgument, "password is required")
		return
	}

	userID, err := h.auth.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"user_id": userID})
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, auth.CodeInvalidArgument, "username and password are required")
		return
	}

	res, err := h.auth.Login(r.Context(), req.Username, req.Password, clientMeta(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, auth.CodeInvalidArgument, "refresh_token is required")
		return
	}

	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken, clientMeta(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	id := identityFromContext(r.Context())
	if err := h.auth.Logout(r.Context(), id.UserID, req.RefreshToken, req.All, clientMeta(r)); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	user, err := h.auth.CurrentUser(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	includeInactive := r.URL.Query().Get("all") == "true"

	sessions, err := h.auth.Sessions(r.Context(), id.UserID, includeInactive)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type identityKey struct{}

func identityFromContext(ctx context.Context) *jwt.Identity {
	id, _ := ctx.Value(identityKey{}).(*jwt.Identity)
	if id == nil {
		return &jwt.Identity{}
	}
	return id
}

// requireAuth admits requests carrying a valid access token.
func (h *handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, auth.CodeInvalidToken, "missing bearer token")
			return
		}

		id, err := h.verifier.VerifyAccessToken(token)
		if err != nil {
			msg := "invalid access token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "access token expired"
			}
			writeError(w, http.StatusUnauthorized, auth.CodeInvalidToken, msg)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// fail maps a service error to its status. Internal errors never leak their text.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.Code(err)
	status := statusFor(code)

	msg := publicMessage(code, err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			sl.Err(err),
		)
	}

	writeError(w, status, code, msg)
}

func statusFor(code string) int {
	switch code {
	case auth.CodeInvalidCredentials,
		auth.CodeAccountInactive,
		auth.CodeInvalidToken,
		auth.CodeExpiredRefreshTokenAttempt:
		return http.StatusUnauthorized
	case auth.CodeNotFound:
		return http.StatusNotFound
	case auth.CodeUserAlreadyExists:
		return http.StatusConflict
	case auth.CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(code string, err error) string {
	switch code {
	case auth.CodeInvalidCredentials:
		return "invalid username or password"
	case auth.CodeAccountInactive:
		return "account is inactive"
	case auth.CodeExpiredRefreshTokenAttempt:
		return "refresh token has expired, please log in again"
	case auth.CodeInvalidToken:
		if errors.Is(err, auth.ErrRefreshTokenReused) {
			return "refresh token was already used, all sessions have been revoked, please log in again"
		}
		return "invalid refresh token"
	case auth.CodeNotFound:
		return "user not found"
	case auth.CodeUserAlreadyExists:
		return "user already exists"
	case auth.CodeInvalidArgument:
		return "invalid request"
	default:
		return "internal server error"
	}
}
