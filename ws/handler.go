package ws

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
)

// Authenticator resolves a session token. Declared here so ws does not
// import services (services push through EventPublisher).
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.Session, error)
}

// Handler upgrades authenticated requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	auth     Authenticator
	upgrader websocket.Upgrader
}

// NewHandler, constructor. allowedOrigins is the CORS list; "*" or an empty
// list accepts any origin.
func NewHandler(hub *Hub, auth Authenticator, allowedOrigins []string) *Handler {
	return &Handler{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
					return true
				}
				return slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// HandleConnection authenticates, upgrades and registers a connection, then
// blocks in ReadPump until it closes.
//
// Browsers cannot set headers on a WebSocket handshake, so the token may
// come as ?token=... as well as a Bearer header:
//
//	ws://server/ws?token=SESSION_TOKEN
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "missing token")
		return
	}

	// Any failure here, including the session store being unreachable,
	// refuses the connection.
	session, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		if pkg.KindOf(err) == pkg.KindUnavailable {
			pkg.Error(w, err)
			return
		}
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "invalid session")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", session.UserID).Msg("upgrade failed")
		return
	}

	client := newClient(h.hub, conn, session)
	if err := h.hub.Register(r.Context(), client); err != nil {
		logger.Warn().Err(err).Str("session_id", session.ID).Msg("register failed")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session unavailable"))
		conn.Close()
		return
	}

	h.hub.sendTo(client, Event{
		Op:   OpReady,
		Data: ReadyData{UserID: session.UserID, SessionID: session.ID, Handle: client.handle},
	})

	go client.WritePump()
	client.ReadPump()
}
