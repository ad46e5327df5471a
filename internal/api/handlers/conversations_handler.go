package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/firstaid/assistant/internal/api/middleware"
	"github.com/firstaid/assistant/internal/api/response"
	"github.com/firstaid/assistant/internal/api/validation"
	"github.com/firstaid/assistant/internal/models"
)

// ConversationService defines the conversation management operations exposed over HTTP.
type ConversationService interface {
	ListConversations(
		ctx context.Context, userID string, filters *models.ListConversationsFilters,
	) (*models.ListConversationsResponse, error)
	ListTurns(
		ctx context.Context, id uuid.UUID, userID string, filters *models.ListTurnsFilters,
	) (*models.ListTurnsResponse, error)
	RenameConversation(
		ctx context.Context, id uuid.UUID, userID string, req *models.RenameConversationRequest,
	) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id uuid.UUID, userID string) error
}

// ConversationsHandler handles HTTP requests for stored conversations. Routes require authentication.
type ConversationsHandler struct {
	service ConversationService
}

// NewConversationsHandler creates a new conversations handler.
func NewConversationsHandler(service ConversationService) *ConversationsHandler {
	return &ConversationsHandler{service: service}
}

// List handles GET /v1/conversations.
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	filters := &models.ListConversationsFilters{}
	if err := validation.ValidateAndDecodeQueryParams(r, filters); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	resp, err := h.service.ListConversations(r.Context(), middleware.UserID(r.Context()), filters)
	if err != nil {
		respondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, resp)
}

// Turns handles GET /v1/conversations/{id}/turns.
func (h *ConversationsHandler) Turns(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	filters := &models.ListTurnsFilters{}
	if err := validation.ValidateAndDecodeQueryParams(r, filters); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	resp, err := h.service.ListTurns(r.Context(), id, middleware.UserID(r.Context()), filters)
	if err != nil {
		respondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, resp)
}

// Rename handles PATCH /v1/conversations/{id}.
func (h *ConversationsHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req models.RenameConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.RespondBadRequest(w, "Invalid request body")

		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	conv, err := h.service.RenameConversation(r.Context(), id, middleware.UserID(r.Context()), &req)
	if err != nil {
		respondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /v1/conversations/{id}.
func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteConversation(r.Context(), id, middleware.UserID(r.Context())); err != nil {
		respondServiceError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func conversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		response.RespondBadRequest(w, "Conversation ID is required")

		return uuid.Nil, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		response.RespondBadRequest(w, "Invalid UUID format")

		return uuid.Nil, false
	}

	return id, true
}
