package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// SessionValidator validates a gateway session token presented by a participant.
type SessionValidator interface {
	ValidateToken(tokenString string) (*SessionClaims, error)
}

// SessionClaims represents the claims we expect from the session validator.
type SessionClaims struct {
	ParticipantID string
	Role          string
}

type contextKeyParticipantID struct{}
type contextKeyParticipantRole struct{}

// GetParticipantID retrieves the authenticated participant ID from the context.
func GetParticipantID(ctx context.Context) string {
	id, ok := ctx.Value(contextKeyParticipantID{}).(string)
	if !ok {
		return ""
	}
	return id
}

// GetParticipantRole retrieves the authenticated participant role from the context.
func GetParticipantRole(ctx context.Context) string {
	role, ok := ctx.Value(contextKeyParticipantRole{}).(string)
	if !ok {
		return ""
	}
	return role
}

// Auth enforces the bearer-token perimeter: requests without a valid session
// token are rejected synchronously with 401 before any correlation state is
// created.
func Auth(validator SessionValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.Warn("session token rejected",
					"path", r.URL.Path,
					"error", err,
				)
				unauthorized(w, "invalid session token")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyParticipantID{}, claims.ParticipantID)
			ctx = context.WithValue(ctx, contextKeyParticipantRole{}, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
