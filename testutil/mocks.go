package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockProviderServer mocks a calendar provider's OAuth and REST endpoints.
type MockProviderServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockProviderServer creates a test server dispatching on URL path.
func NewMockProviderServer(t *testing.T) *MockProviderServer {
	t.Helper()
	m := &MockProviderServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockTokenResponse adds a handler for an OAuth token endpoint returning the
// given tokens for any grant.
func (m *MockProviderServer) MockTokenResponse(path, accessToken, refreshToken string, expiresIn int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "Bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockTokenError makes the token endpoint fail with an OAuth error body.
func (m *MockProviderServer) MockTokenError(path string, status int, oauthError string) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": oauthError}) //nolint:errcheck // test mock response
	}
}

// MockJSONResponse serves a fixed JSON document at path.
func (m *MockProviderServer) MockJSONResponse(path string, doc any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc) //nolint:errcheck // test mock response
	}
}
