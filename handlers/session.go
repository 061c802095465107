package handlers

import (
	"context"
	"net/http"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
)

// SessionManager is the part of the session store the device list needs.
type SessionManager interface {
	GetActiveSessionsForUser(ctx context.Context, userID string) ([]models.Session, error)
	RevokeByID(ctx context.Context, userID, sessionID string) error
}

// SessionHandler lists and revokes the caller's sessions (devices).
type SessionHandler struct {
	sessions SessionManager
}

func NewSessionHandler(sessions SessionManager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// List godoc
// GET /api/sessions
// Usable sessions of the caller; the one making the request is flagged
// current.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	list, err := h.sessions.GetActiveSessionsForUser(r.Context(), session.UserID)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	views := make([]models.SessionView, len(list))
	for i, s := range list {
		views[i] = models.SessionView{Session: s, Current: s.ID == session.ID}
	}

	pkg.JSON(w, http.StatusOK, views)
}

// Revoke godoc
// DELETE /api/sessions/{id}
// Signs one device out. Its open sockets are closed with session_revoked.
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	if err := h.sessions.RevokeByID(r.Context(), session.UserID, r.PathValue("id")); err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, map[string]string{"message": "session revoked"})
}
