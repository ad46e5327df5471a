package middleware

import (
	"log/slog"
	"net/http"
	"regexp"
	"time"
)

// UUID path segment (e.g. 550e8400-e29b-41d4-a716-446655440000).
var uuidSegmentRegex = regexp.MustCompile(`/[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}(/|$)`)

// Logging writes one access log line per request. Place it inside otelhttp so the record carries
// trace_id and span_id. Health checks are logged at debug level.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		} else if rw.statusCode >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		slog.Log(r.Context(), level, "request",
			"method", r.Method,
			"route", normalizeRoute(r.URL.Path),
			"status", rw.statusCode,
			"status_class", statusToClass(rw.statusCode),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter

	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}

	rw.ResponseWriter.WriteHeader(code)
}

// normalizeRoute replaces UUID path segments with {id} to keep log routes groupable.
func normalizeRoute(path string) string {
	return uuidSegmentRegex.ReplaceAllString(path, "/{id}$1")
}

// statusToClass maps HTTP status code to 1xx, 2xx, 4xx, 5xx.
func statusToClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	case status >= 100:
		return "1xx"
	default:
		return "unknown"
	}
}
