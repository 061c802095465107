// Package middleware holds the layers a request passes before its handler.
//
// A middleware is func(next http.Handler) http.Handler: it does its part
// and either calls next or answers the request itself.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/akinalp/parley/handlers"
	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
)

// Authenticator resolves a bearer token to its usable session.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.Session, error)
}

// ActivityRecorder bumps a session's last activity.
type ActivityRecorder interface {
	Touch(ctx context.Context, session *models.Session)
}

// AuthMiddleware requires a valid session token.
type AuthMiddleware struct {
	auth     Authenticator
	activity ActivityRecorder
}

// NewAuthMiddleware, constructor. activity may be nil.
func NewAuthMiddleware(auth Authenticator, activity ActivityRecorder) *AuthMiddleware {
	return &AuthMiddleware{
		auth:     auth,
		activity: activity,
	}
}

// Require rejects requests without a usable session and attaches the
// session to the request context otherwise.
//
// Header format: Authorization: Bearer <token>
//
// When the session stores cannot be reached the request gets 503, never a
// pass.
func (m *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <token>")
			return
		}

		session, err := m.auth.Authenticate(r.Context(), handlers.BearerToken(r))
		if err != nil {
			pkg.Error(w, err)
			return
		}

		if m.activity != nil {
			m.activity.Touch(r.Context(), session)
		}

		ctx := context.WithValue(r.Context(), handlers.SessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
