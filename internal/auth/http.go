// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token, resolves the user and adds an Identity to the context

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/2389/parley-gateway/internal/store"
)

// UserLookup resolves a token subject to a user.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// tokenFromRequest reads the Authorization header. WebSocket upgrades may
// instead pass ?token=, since browsers cannot set headers on them.
func tokenFromRequest(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// authenticate resolves the request's identity. The returned message is
// empty on success.
func authenticate(r *http.Request, users UserLookup, verifier TokenVerifier) (*Identity, string) {
	token, errMsg := tokenFromRequest(r)
	if errMsg != "" {
		return nil, errMsg
	}
	userID, err := verifier.Verify(token)
	if err != nil {
		return nil, "invalid token"
	}
	user, err := users.GetUser(r.Context(), userID)
	if err != nil {
		return nil, "user not found"
	}
	return &Identity{UserID: user.ID, Email: user.Email, Name: user.Name}, ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware rejects requests without a valid token for an existing user.
func HTTPAuthMiddleware(users UserLookup, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, errMsg := authenticate(r, users, verifier)
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// OptionalAuthMiddleware attaches an Identity when the request carries a
// valid token and otherwise continues anonymously.
func OptionalAuthMiddleware(users UserLookup, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, errMsg := authenticate(r, users, verifier)
			if errMsg != "" {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
