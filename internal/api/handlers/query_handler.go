package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/firstaid/assistant/internal/api/middleware"
	"github.com/firstaid/assistant/internal/api/response"
	"github.com/firstaid/assistant/internal/api/validation"
	"github.com/firstaid/assistant/internal/models"
)

// QueryService answers first-aid questions.
type QueryService interface {
	Ask(ctx context.Context, userID string, req *models.QueryRequest) (*models.PipelineResult, error)
}

// QueryHandler handles POST /v1/query.
type QueryHandler struct {
	service QueryService
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(service QueryService) *QueryHandler {
	return &QueryHandler{service: service}
}

// Ask handles POST /v1/query. Guests may send history; authenticated callers send conversation_id.
// Fallback answers are still 200: only an exhausted pipeline is 503.
func (h *QueryHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		response.RespondBadRequest(w, "Invalid request body")

		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	result, err := h.service.Ask(r.Context(), middleware.UserID(r.Context()), &req)
	if err != nil {
		respondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, models.NewQueryResponse(result))
}
