// Package handlers turns HTTP requests into service calls.
//
// Handlers stay thin: decode the body, call a service, write the result.
// They hold no business logic and never touch the database directly.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/ratelimit"
	"github.com/akinalp/parley/services"
)

// AuthHandler serves registration, login and the session lifecycle.
type AuthHandler struct {
	authService  services.AuthService
	loginLimiter *ratelimit.Limiter
	clientIP     *ratelimit.ClientIP
}

// NewAuthHandler, constructor. A nil loginLimiter disables login rate
// limiting; a nil clientIP trusts no forwarding headers.
func NewAuthHandler(authService services.AuthService, loginLimiter *ratelimit.Limiter, clientIP *ratelimit.ClientIP) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		loginLimiter: loginLimiter,
		clientIP:     clientIP,
	}
}

// Register godoc
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	withNetworkInfo(&req.DeviceInfo, h.clientIP.Resolve(r), r)

	result, err := h.authService.Register(r.Context(), &req)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusCreated, result)
}

// Login godoc
// POST /api/auth/login
//
// Attempts are limited per client IP. A successful login resets the
// counter of that IP.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP.Resolve(r)
	if h.loginLimiter != nil {
		if ok, wait := h.loginLimiter.Allow(ip); !ok {
			retryAfter := ratelimit.RetryAfterSeconds(wait)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			pkg.ErrorWithMessage(w, http.StatusTooManyRequests,
				fmt.Sprintf("too many login attempts, please try again in %s",
					ratelimit.FormatRetryMessage(retryAfter)))
			return
		}
	}

	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	withNetworkInfo(&req.DeviceInfo, ip, r)

	result, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	if h.loginLimiter != nil {
		h.loginLimiter.Reset(ip)
	}

	pkg.JSON(w, http.StatusOK, result)
}

// Refresh godoc
// POST /api/auth/refresh
// Extends the current session. The token stays the same.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	session, err := h.authService.Refresh(r.Context(), BearerToken(r))
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, session)
}

// Logout godoc
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.authService.Logout(r.Context(), BearerToken(r)); err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// LogoutAll godoc
// POST /api/auth/logout-all
// Revokes every session of the caller, this one included.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	n, err := h.authService.LogoutAll(r.Context(), session.UserID)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, map[string]any{"message": "logged out everywhere", "revoked": n})
}

// Me godoc
// GET /api/users/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	user, err := h.authService.Me(r.Context(), session.UserID)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, user)
}

// withNetworkInfo records where the request came from on the new session.
// Client-supplied values for these fields are ignored.
func withNetworkInfo(device *models.DeviceInfo, ip string, r *http.Request) {
	device.IPAddress = &ip

	device.UserAgent = nil
	if ua := r.UserAgent(); ua != "" {
		device.UserAgent = &ua
	}
}

// ─── Request context ───

type contextKey string

// SessionContextKey carries the authenticated *models.Session. Set by the
// auth middleware.
const SessionContextKey contextKey = "session"

// SessionFrom returns the session the auth middleware attached.
func SessionFrom(r *http.Request) (*models.Session, bool) {
	session, ok := r.Context().Value(SessionContextKey).(*models.Session)
	return session, ok && session != nil
}

// BearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "".
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
