package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/ratelimit"
	"github.com/akinalp/parley/services"
)

// MessageHandler serves message endpoints and the REST fallbacks of the
// receipt frames.
type MessageHandler struct {
	messageService services.MessageService
	sendLimiter    *ratelimit.Limiter
}

// NewMessageHandler, constructor. A nil sendLimiter disables send rate
// limiting.
func NewMessageHandler(messageService services.MessageService, sendLimiter *ratelimit.Limiter) *MessageHandler {
	return &MessageHandler{
		messageService: messageService,
		sendLimiter:    sendLimiter,
	}
}

// List godoc
// GET /api/conversations/{id}/messages?before=RFC3339&limit=50
//
// Newest first. before is exclusive; limit defaults to 50 and is capped at
// 100 by the service.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	var before time.Time
	if b := r.URL.Query().Get("before"); b != "" {
		parsed, err := time.Parse(time.RFC3339Nano, b)
		if err != nil {
			pkg.ErrorWithMessage(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = parsed
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			pkg.ErrorWithMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	page, err := h.messageService.List(r.Context(), session.UserID, r.PathValue("id"), before, limit)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, page)
}

// Send godoc
// POST /api/conversations/{id}/messages
// Body: { "content": "..." }
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	if h.sendLimiter != nil {
		if ok, wait := h.sendLimiter.Allow(session.UserID); !ok {
			retryAfter := ratelimit.RetryAfterSeconds(wait)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			pkg.ErrorWithMessage(w, http.StatusTooManyRequests,
				fmt.Sprintf("you are sending messages too fast, try again in %s",
					ratelimit.FormatRetryMessage(retryAfter)))
			return
		}
	}

	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message, err := h.messageService.Send(r.Context(), session.UserID, r.PathValue("id"), &req)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusCreated, message)
}

// Edit godoc
// PATCH /api/messages/{id}
// Only the author may edit.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	var req models.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message, err := h.messageService.Edit(r.Context(), session.UserID, r.PathValue("id"), &req)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, message)
}

// Delete godoc
// DELETE /api/messages/{id}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	if err := h.messageService.Delete(r.Context(), session.UserID, r.PathValue("id")); err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, map[string]string{"message": "message deleted"})
}

// ─── Receipts ───

// AckDelivered godoc
// POST /api/messages/{id}/delivered
// Same as the ack_delivered frame, for clients without a live connection.
func (h *MessageHandler) AckDelivered(w http.ResponseWriter, r *http.Request) {
	h.receipt(w, r, h.messageService.AckDelivered)
}

// MarkRead godoc
// POST /api/messages/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.receipt(w, r, h.messageService.MarkRead)
}

// MarkConversationRead godoc
// POST /api/conversations/{id}/read
// Marks everything the caller has in the conversation read.
func (h *MessageHandler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	h.receipt(w, r, h.messageService.MarkConversationRead)
}

// receipt applies fn to the {id} path value. Replays succeed too.
func (h *MessageHandler) receipt(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID, id string) error) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	if err := fn(r.Context(), session.UserID, r.PathValue("id")); err != nil {
		pkg.Error(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
