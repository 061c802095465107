// Package main: HTTP route registration.
package main

import (
	"net/http"

	"github.com/akinalp/parley/middleware"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/metrics"
)

// initRoutes mounts every endpoint on mux.
//
// Literal paths must be registered before parametric ones that would match
// them (e.g. /api/users/me before /api/users/{id}/...).
func initRoutes(mux *http.ServeMux, h *Handlers, svcs *Services, m *metrics.Metrics) {
	authMw := middleware.NewAuthMiddleware(svcs.Auth, svcs.Sessions)
	auth := func(handler http.HandlerFunc) http.Handler {
		return authMw.Require(handler)
	}

	// Auth
	mux.HandleFunc("POST /api/auth/register", h.Auth.Register)
	mux.HandleFunc("POST /api/auth/login", h.Auth.Login)
	mux.Handle("POST /api/auth/refresh", auth(h.Auth.Refresh))
	mux.Handle("POST /api/auth/logout", auth(h.Auth.Logout))
	mux.Handle("POST /api/auth/logout-all", auth(h.Auth.LogoutAll))

	// Sessions (devices)
	mux.Handle("GET /api/sessions", auth(h.Session.List))
	mux.Handle("DELETE /api/sessions/{id}", auth(h.Session.Revoke))

	// Users
	mux.Handle("GET /api/users/me", auth(h.Auth.Me))
	mux.Handle("GET /api/users/{id}/presence", auth(h.Presence.Get))
	mux.Handle("GET /api/unread", auth(h.Presence.Unread))

	// Conversations
	mux.Handle("GET /api/conversations", auth(h.Conversation.List))
	mux.Handle("POST /api/conversations", auth(h.Conversation.Create))
	mux.Handle("GET /api/conversations/{id}", auth(h.Conversation.Get))
	mux.Handle("POST /api/conversations/{id}/members", auth(h.Conversation.AddMembers))
	mux.Handle("DELETE /api/conversations/{id}/members/{userId}", auth(h.Conversation.RemoveMember))
	mux.Handle("POST /api/conversations/{id}/read", auth(h.Message.MarkConversationRead))

	// Messages
	mux.Handle("GET /api/conversations/{id}/messages", auth(h.Message.List))
	mux.Handle("POST /api/conversations/{id}/messages", auth(h.Message.Send))
	mux.Handle("PATCH /api/messages/{id}", auth(h.Message.Edit))
	mux.Handle("DELETE /api/messages/{id}", auth(h.Message.Delete))
	mux.Handle("POST /api/messages/{id}/delivered", auth(h.Message.AckDelivered))
	mux.Handle("POST /api/messages/{id}/read", auth(h.Message.MarkRead))
	mux.Handle("GET /api/messages/{id}/reactions", auth(h.Reaction.List))
	mux.Handle("POST /api/messages/{id}/reactions", auth(h.Reaction.Toggle))

	// WebSocket: authenticates on its own (token query param or header).
	mux.HandleFunc("GET /ws", h.WS.HandleConnection)

	// Operations
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		pkg.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", m.Handler())
}
