// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, user lookup and anonymous fallthrough

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/store"
)

func newUsers(t *testing.T) *store.MockStore {
	t.Helper()
	users := store.NewMockStore()
	require.NoError(t, users.CreateUser(t.Context(), &store.User{
		ID: "user-123", Email: "ann@example.com", Name: "Ann", CreatedAt: time.Now(),
	}))
	return users
}

func identityHandler(got **Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header, token, errMsg string
	}{
		{"", "", "missing authorization header"},
		{"Basic abc", "", "invalid authorization header format"},
		{"Bearer ", "", "empty token"},
		{"Bearer abc", "abc", ""},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		assert.Equal(t, tt.token, token, tt.header)
		assert.Equal(t, tt.errMsg, errMsg, tt.header)
	}
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := newTestVerifier(t)
	users := newUsers(t)
	valid, _ := verifier.Generate("user-123", time.Hour)
	unknown, _ := verifier.Generate("ghost", time.Hour)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"bad format", "Token " + valid, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"unknown user", "Bearer " + unknown, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Identity
			req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(users, verifier)(identityHandler(&got)).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				require.NotNil(t, got)
				assert.Equal(t, "user-123", got.UserID)
				assert.Equal(t, "ann@example.com", got.Email)
			} else {
				assert.Nil(t, got)
				assert.Contains(t, rec.Body.String(), `"error"`)
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestHTTPAuthMiddleware_WebSocketQueryToken(t *testing.T) {
	verifier := newTestVerifier(t)
	users := newUsers(t)
	token, _ := verifier.Generate("user-123", time.Hour)

	var got *Identity
	req := httptest.NewRequest(http.MethodGet, "/api/realtime?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(users, verifier)(identityHandler(&got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)

	// Plain requests may not use the query parameter.
	got = nil
	req = httptest.NewRequest(http.MethodGet, "/api/conversations?token="+token, nil)
	rec = httptest.NewRecorder()
	HTTPAuthMiddleware(users, verifier)(identityHandler(&got)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOptionalAuthMiddleware(t *testing.T) {
	verifier := newTestVerifier(t)
	users := newUsers(t)
	token, _ := verifier.Generate("user-123", time.Hour)

	var got *Identity
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/seen", nil)
	rec := httptest.NewRecorder()
	OptionalAuthMiddleware(users, verifier)(identityHandler(&got)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)

	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	OptionalAuthMiddleware(users, verifier)(identityHandler(&got)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)

	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	OptionalAuthMiddleware(users, verifier)(identityHandler(&got)).ServeHTTP(rec, req)
	require.NotNil(t, got)
	assert.Equal(t, "user-123", got.UserID)
}
