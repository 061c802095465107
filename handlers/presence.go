package handlers

import (
	"context"
	"net/http"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/services"
)

// UnreadSource lists a user's non-zero unread counters.
type UnreadSource interface {
	UnreadCounters(ctx context.Context, userID string) ([]models.UnreadCounter, error)
}

// PresenceHandler serves presence and unread summaries.
type PresenceHandler struct {
	presenceService services.PresenceService
	unread          UnreadSource
}

func NewPresenceHandler(presenceService services.PresenceService, unread UnreadSource) *PresenceHandler {
	return &PresenceHandler{
		presenceService: presenceService,
		unread:          unread,
	}
}

// Get godoc
// GET /api/users/{id}/presence
// Never fails: a user whose sessions cannot be read shows as offline.
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, h.presenceService.Get(r.Context(), r.PathValue("id")))
}

// Unread godoc
// GET /api/unread
func (h *PresenceHandler) Unread(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	counters, err := h.unread.UnreadCounters(r.Context(), session.UserID)
	if err != nil {
		pkg.Error(w, err)
		return
	}
	if counters == nil {
		counters = []models.UnreadCounter{}
	}

	pkg.JSON(w, http.StatusOK, counters)
}
