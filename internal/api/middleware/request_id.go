package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/firstaid/assistant/internal/observability"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 128
)

// RequestID is the outermost middleware. It accepts a well-formed client X-Request-ID or mints
// a UUIDv7, then exposes it in the request context and the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !validRequestID(id) {
			id = uuid.Must(uuid.NewV7()).String()
		}

		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), observability.RequestIDKey, id)))
	})
}

// validRequestID accepts short printable ASCII without spaces, so client IDs cannot forge log fields.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}

	for i := range len(id) {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}

	return true
}
