package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/firstaid/assistant/internal/api/response"
)

type contextKey string

// UserIDContextKey holds the authenticated user's ID (the token's "sub" claim).
const UserIDContextKey contextKey = "user_id"

// AuthFailureRecorder records rejected bearer tokens. Pass nil when metrics are disabled.
type AuthFailureRecorder interface {
	RecordAuthFailure(ctx context.Context, reason string)
}

var (
	errMissingToken   = errors.New("missing Authorization header")
	errMalformedToken = errors.New("invalid Authorization header format, expected: Bearer <token>")
	errInvalidToken   = errors.New("invalid or expired token")
	errMissingSubject = errors.New("token has no subject")
)

// UserID returns the authenticated user ID from ctx, or "" for guests.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDContextKey).(string)

	return id
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret   []byte
	recorder AuthFailureRecorder
	parser   *jwt.Parser
}

// NewAuthenticator creates an Authenticator. recorder may be nil.
func NewAuthenticator(secret string, recorder AuthFailureRecorder) *Authenticator {
	return &Authenticator{
		secret:   []byte(secret),
		recorder: recorder,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Required rejects requests without a valid bearer token with 401.
func (a *Authenticator) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, reason, err := a.authenticate(r)
		if err != nil {
			a.recordFailure(r.Context(), reason)
			response.RespondUnauthorized(w, err.Error())

			return
		}

		ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional lets requests without an Authorization header through as guests. A header that is
// present but invalid is still rejected, so a broken client never silently loses its history.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)

			return
		}

		a.Required(next).ServeHTTP(w, r)
	})
}

func (a *Authenticator) recordFailure(ctx context.Context, reason string) {
	if a.recorder != nil {
		a.recorder.RecordAuthFailure(ctx, reason)
	}
}

// authenticate returns the token subject, or a metric reason and an error safe to return to the client.
func (a *Authenticator) authenticate(r *http.Request) (string, string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "missing_token", errMissingToken
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", "malformed", errMalformedToken
	}

	claims := &jwt.RegisteredClaims{}

	_, err := a.parser.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		slog.DebugContext(r.Context(), "bearer token rejected", "error", err)

		return "", "invalid_token", errInvalidToken
	}

	if claims.Subject == "" {
		return "", "invalid_token", errMissingSubject
	}

	return claims.Subject, "", nil
}
