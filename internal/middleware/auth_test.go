package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/wire"
)

func authHandler(t *testing.T, apiKey string) http.Handler {
	t.Helper()

	manager := config.NewManager(t.TempDir())
	require.NoError(t, manager.Save(&config.Config{APIKey: apiKey}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth := NewAuthMiddleware(manager, logger)

	return auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuth_AcceptsBearerAndHeaderKeys(t *testing.T) {
	handler := authHandler(t, "secret")

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"bearer token", "Authorization", "Bearer secret", http.StatusOK},
		{"api key header", "X-API-Key", "secret", http.StatusOK},
		{"wrong token", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"missing token", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

func TestAuth_RejectionUsesErrorEnvelope(t *testing.T) {
	handler := authHandler(t, "secret")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var envelope wire.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.Equal(t, "error", envelope.Type)
	assert.Equal(t, wire.ErrTypeAuthentication, envelope.Error.Type)
}

func TestAuth_SkipsHealthAndUnconfiguredKey(t *testing.T) {
	health := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	authHandler(t, "secret").ServeHTTP(rr, health)
	assert.Equal(t, http.StatusOK, rr.Code)

	open := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rr = httptest.NewRecorder()
	authHandler(t, "").ServeHTTP(rr, open)
	assert.Equal(t, http.StatusOK, rr.Code)
}
