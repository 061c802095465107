package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/ratelimit"
	"github.com/akinalp/parley/services"
	"github.com/akinalp/parley/ws"
)

// as attaches session the way the auth middleware does.
func as(r *http.Request, session *models.Session) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), SessionContextKey, session))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success, rec.Body.String())
	require.NoError(t, json.Unmarshal(resp.Data, into))
}

// ─── Sessions ───

type fakeSessions struct {
	list    []models.Session
	revoked []string
}

func (f *fakeSessions) GetActiveSessionsForUser(context.Context, string) ([]models.Session, error) {
	return f.list, nil
}

func (f *fakeSessions) RevokeByID(_ context.Context, userID, sessionID string) error {
	for _, s := range f.list {
		if s.ID == sessionID && s.UserID == userID {
			f.revoked = append(f.revoked, sessionID)
			return nil
		}
	}
	return fmt.Errorf("%w: session not found", pkg.ErrNotFound)
}

func TestSessionHandler_ListFlagsCurrent(t *testing.T) {
	store := &fakeSessions{list: []models.Session{
		{ID: "phone", UserID: "u"},
		{ID: "laptop", UserID: "u"},
	}}
	h := NewSessionHandler(store)

	rec := httptest.NewRecorder()
	h.List(rec, as(httptest.NewRequest(http.MethodGet, "/api/sessions", nil), &store.list[1]))
	require.Equal(t, http.StatusOK, rec.Code)

	var views []models.SessionView
	decode(t, rec, &views)
	require.Len(t, views, 2)
	assert.False(t, views[0].Current)
	assert.True(t, views[1].Current)
}

func TestSessionHandler_Revoke(t *testing.T) {
	store := &fakeSessions{list: []models.Session{{ID: "phone", UserID: "u"}}}
	h := NewSessionHandler(store)
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/sessions/{id}", h.Revoke)

	caller := &models.Session{ID: "laptop", UserID: "u"}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, as(httptest.NewRequest(http.MethodDelete, "/api/sessions/phone", nil), caller))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"phone"}, store.revoked)

	stranger := &models.Session{ID: "x", UserID: "mallory"}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, as(httptest.NewRequest(http.MethodDelete, "/api/sessions/phone", nil), stranger))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no session in context")
}

// ─── Messages ───

type fakeMessages struct {
	services.MessageService
	sent   int
	before time.Time
	limit  int
}

func (f *fakeMessages) Send(_ context.Context, userID, conversationID string, req *models.SendMessageRequest) (*models.MessageWithReceipts, error) {
	f.sent++
	return &models.MessageWithReceipts{Message: models.Message{ID: "m", SenderID: userID, ConversationID: conversationID, Content: req.Content}}, nil
}

func (f *fakeMessages) List(_ context.Context, _, _ string, before time.Time, limit int) ([]models.MessageWithReceipts, error) {
	f.before, f.limit = before, limit
	return []models.MessageWithReceipts{}, nil
}

func (f *fakeMessages) MarkRead(context.Context, string, string) error { return nil }

func messageMux(h *MessageHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.List)
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.Send)
	mux.HandleFunc("POST /api/messages/{id}/read", h.MarkRead)
	return mux
}

func TestMessageHandler_SendIsRateLimited(t *testing.T) {
	svc := &fakeMessages{}
	limiter := ratelimit.New(2, time.Minute, time.Minute)
	defer limiter.Stop()
	mux := messageMux(NewMessageHandler(svc, limiter))
	caller := &models.Session{ID: "s", UserID: "u"}

	send := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/messages", strings.NewReader(`{"content":"hi"}`))
		mux.ServeHTTP(rec, as(req, caller))
		return rec
	}

	assert.Equal(t, http.StatusCreated, send().Code)
	assert.Equal(t, http.StatusCreated, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 2, svc.sent)
}

func TestMessageHandler_ListParsesPaging(t *testing.T) {
	svc := &fakeMessages{}
	mux := messageMux(NewMessageHandler(svc, nil))
	caller := &models.Session{ID: "s", UserID: "u"}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/api/conversations/c1/messages?before=2026-01-02T03:04:05Z&limit=20", nil), caller))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), svc.before.UTC())
	assert.Equal(t, 20, svc.limit)

	for _, q := range []string{"?before=yesterday", "?limit=-1", "?limit=many"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/api/conversations/c1/messages"+q, nil), caller))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMessageHandler_ReceiptFallback(t *testing.T) {
	mux := messageMux(NewMessageHandler(&fakeMessages{}, nil))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/api/messages/m1/read", nil), &models.Session{UserID: "u"}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// ─── Auth helpers ───

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Bearer abc.def")
	assert.Equal(t, "abc.def", BearerToken(r))
}

func TestWithNetworkInfoOverridesClientValues(t *testing.T) {
	spoofed := "8.8.8.8"
	device := models.DeviceInfo{IPAddress: &spoofed}

	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("User-Agent", "parley-ios/1.0")
	withNetworkInfo(&device, (*ratelimit.ClientIP)(nil).Resolve(r), r)

	require.NotNil(t, device.IPAddress)
	assert.Equal(t, "10.1.2.3", *device.IPAddress)
	require.NotNil(t, device.UserAgent)
	assert.Equal(t, "parley-ios/1.0", *device.UserAgent)
}

type fakeAuth struct {
	services.AuthService
	logins  int
	lastIP  string
	failing bool
}

func (f *fakeAuth) Login(_ context.Context, req *models.LoginRequest) (*services.AuthResult, error) {
	f.logins++
	if req.DeviceInfo.IPAddress != nil {
		f.lastIP = *req.DeviceInfo.IPAddress
	}
	if f.failing {
		return nil, fmt.Errorf("%w: invalid credentials", pkg.ErrUnauthorized)
	}
	return &services.AuthResult{}, nil
}

func TestAuthHandler_LoginLimitKeysOnPeerUnlessProxied(t *testing.T) {
	proxies, err := ratelimit.NewClientIP([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	limiter := ratelimit.New(1, time.Minute, 0)
	defer limiter.Stop()
	svc := &fakeAuth{failing: true}
	h := NewAuthHandler(svc, limiter, proxies)

	login := func(remote, forwarded string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"u","password":"p"}`))
		r.RemoteAddr = remote
		if forwarded != "" {
			r.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		h.Login(rec, r)
		return rec
	}

	// A direct client cannot escape its bucket by rotating the header.
	assert.Equal(t, http.StatusUnauthorized, login("203.0.113.9:1000", "1.1.1.1").Code)
	assert.Equal(t, "203.0.113.9", svc.lastIP)
	rec := login("203.0.113.9:1000", "2.2.2.2")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Behind the proxy each forwarded client has its own bucket.
	assert.Equal(t, http.StatusUnauthorized, login("10.0.0.1:1000", "198.51.100.1").Code)
	assert.Equal(t, "198.51.100.1", svc.lastIP)
	assert.Equal(t, http.StatusUnauthorized, login("10.0.0.1:1000", "198.51.100.2").Code)
	assert.Equal(t, 3, svc.logins)
}

type fakeReactions struct {
	services.ReactionService
	emoji string
}

func (f *fakeReactions) Toggle(_ context.Context, userID, messageID string, req *models.ReactionRequest) (*ws.ReactionUpdateData, error) {
	f.emoji = req.Emoji
	return &ws.ReactionUpdateData{MessageID: messageID, ActorID: userID, Added: true}, nil
}

func TestReactionHandler_Toggle(t *testing.T) {
	svc := &fakeReactions{}
	h := NewReactionHandler(svc)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages/{id}/reactions", h.Toggle)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/messages/m1/reactions", strings.NewReader(`{"emoji":"👍"}`))
	mux.ServeHTTP(rec, as(req, &models.Session{UserID: "u"}))
	require.Equal(t, http.StatusOK, rec.Code)

	var update ws.ReactionUpdateData
	decode(t, rec, &update)
	assert.Equal(t, "m1", update.MessageID)
	assert.Equal(t, "u", update.ActorID)
	assert.Equal(t, "👍", svc.emoji)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/messages/m1/reactions", strings.NewReader(`{`))
	mux.ServeHTTP(rec, as(req, &models.Session{UserID: "u"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
