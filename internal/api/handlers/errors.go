package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/api/response"
)

// respondServiceError maps service errors to problem responses. Unknown errors are logged and
// reported as 500 without their message.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var exhausted *aiderrors.PipelineExhaustedError

	switch {
	case errors.Is(err, aiderrors.ErrInvalidQuery):
		response.RespondBadRequest(w, invalidQueryDetail(err))
	case errors.Is(err, aiderrors.ErrNotFound):
		response.RespondNotFound(w, "Conversation not found")
	case errors.As(err, &exhausted):
		slog.ErrorContext(r.Context(), "pipeline exhausted", "error", exhausted.Cause)
		response.RespondServiceUnavailable(w, exhausted.Error())
	case errors.Is(err, context.Canceled):
		// The client is gone; nobody reads this response.
		slog.DebugContext(r.Context(), "request cancelled by client")
	default:
		slog.ErrorContext(r.Context(), "request failed", "error", err)
		response.RespondInternalServerError(w, "An unexpected error occurred")
	}
}

func invalidQueryDetail(err error) string {
	var invalid *aiderrors.InvalidQueryError
	if errors.As(err, &invalid) {
		return invalid.Error()
	}

	return err.Error()
}
