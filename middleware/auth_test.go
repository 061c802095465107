package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/parley/handlers"
	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
)

type fakeAuth struct {
	sessions map[string]*models.Session
	err      error
}

func (f *fakeAuth) Authenticate(_ context.Context, token string) (*models.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[token]
	if !ok {
		return nil, fmt.Errorf("%w: session expired or revoked", pkg.ErrUnauthorized)
	}
	return s, nil
}

type touches []string

func (t *touches) Touch(_ context.Context, s *models.Session) { *t = append(*t, s.ID) }

func serve(mw *AuthMiddleware, header string) (*httptest.ResponseRecorder, *models.Session) {
	var seen *models.Session
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = handlers.SessionFrom(r)
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	mw.Require(next).ServeHTTP(rec, req)
	return rec, seen
}

func TestRequire(t *testing.T) {
	sess := &models.Session{ID: "s1", UserID: "u1", Active: true}
	auth := &fakeAuth{sessions: map[string]*models.Session{"good": sess}}
	var touched touches
	mw := NewAuthMiddleware(auth, &touched)

	rec, seen := serve(mw, "Bearer good")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "s1", seen.ID)
	assert.Equal(t, touches{"s1"}, touched)

	for _, header := range []string{"", "Token good", "Bearer bad"} {
		rec, seen := serve(mw, header)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
		assert.Nil(t, seen)
	}
	assert.Len(t, touched, 1, "rejected requests are not activity")
}

func TestRequireFailsClosed(t *testing.T) {
	auth := &fakeAuth{err: pkg.Unavailable("authenticate", errors.New("redis and db down"))}
	mw := NewAuthMiddleware(auth, nil)

	rec, seen := serve(mw, "Bearer good")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Nil(t, seen)
}

func TestRecover(t *testing.T) {
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), Recover)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "final") }),
		mark("first"), mark("second"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"first", "second", "final"}, order)
}
