package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/services"
)

// ConversationHandler serves conversation and membership endpoints.
type ConversationHandler struct {
	conversationService services.ConversationService
}

func NewConversationHandler(conversationService services.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversationService: conversationService}
}

// List godoc
// GET /api/conversations
// The caller's conversations with their unread counts.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	conversations, err := h.conversationService.List(r.Context(), session.UserID)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, conversations)
}

// Create godoc
// POST /api/conversations
// Body: { "kind": "direct"|"group", "title": "...", "member_ids": [...] }
//
// Creating a direct conversation that already exists returns the existing
// one.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conversation, err := h.conversationService.Create(r.Context(), session.UserID, &req)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusCreated, conversation)
}

// Get godoc
// GET /api/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	conversation, err := h.conversationService.Get(r.Context(), session.UserID, r.PathValue("id"))
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, conversation)
}

type addMembersRequest struct {
	MemberIDs []string `json:"member_ids"`
}

// AddMembers godoc
// POST /api/conversations/{id}/members
// Body: { "member_ids": [...] }
// Responds with the ids that were not members before.
func (h *ConversationHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	var req addMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.MemberIDs) == 0 {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "member_ids is required")
		return
	}

	added, err := h.conversationService.AddMembers(r.Context(), session.UserID, r.PathValue("id"), req.MemberIDs)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, map[string]any{"added": added})
}

// RemoveMember godoc
// DELETE /api/conversations/{id}/members/{userId}
// Members may remove themselves; only the creator may remove others.
func (h *ConversationHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "session not found in context")
		return
	}

	err := h.conversationService.RemoveMember(r.Context(), session.UserID, r.PathValue("id"), r.PathValue("userId"))
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, map[string]string{"message": "member removed"})
}
