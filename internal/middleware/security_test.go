package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAdminAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash, err := bcrypt.GenerateFromPassword([]byte("test-admin-key"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name           string
		hashedKeys     []string
		headers        map[string]string
		wantStatusCode int
		wantDetail     string
		wantNextCalled bool
	}{
		{
			name:           "no keys configured",
			hashedKeys:     nil,
			headers:        map[string]string{"X-Admin-Key": "test-admin-key"},
			wantStatusCode: http.StatusUnauthorized,
			wantDetail:     "Admin interface is not enabled",
			wantNextCalled: false,
		},
		{
			name:           "missing key",
			hashedKeys:     []string{string(hash)},
			headers:        nil,
			wantStatusCode: http.StatusUnauthorized,
			wantDetail:     "Admin API key required",
			wantNextCalled: false,
		},
		{
			name:           "wrong key",
			hashedKeys:     []string{string(hash)},
			headers:        map[string]string{"X-Admin-Key": "wrong-key"},
			wantStatusCode: http.StatusUnauthorized,
			wantDetail:     "Invalid admin API key",
			wantNextCalled: false,
		},
		{
			name:           "valid key via header",
			hashedKeys:     []string{string(hash)},
			headers:        map[string]string{"X-Admin-Key": "test-admin-key"},
			wantStatusCode: http.StatusOK,
			wantNextCalled: true,
		},
		{
			name:           "valid key via bearer token",
			hashedKeys:     []string{string(hash)},
			headers:        map[string]string{"Authorization": "Bearer test-admin-key"},
			wantStatusCode: http.StatusOK,
			wantNextCalled: true,
		},
		{
			name:           "non-bearer authorization scheme",
			hashedKeys:     []string{string(hash)},
			headers:        map[string]string{"Authorization": "Basic dGVzdA=="},
			wantStatusCode: http.StatusUnauthorized,
			wantDetail:     "Admin API key required",
			wantNextCalled: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewAdminAuth(logger, tt.hashedKeys)

			nextCalled := false
			nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/api/admin/codes", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			auth.Handler(nextHandler).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatusCode, rec.Code)
			assert.Equal(t, tt.wantNextCalled, nextCalled)

			if tt.wantStatusCode == http.StatusUnauthorized {
				assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
				assert.Contains(t, rec.Body.String(), "/errors/unauthorized")
				assert.Contains(t, rec.Body.String(), tt.wantDetail)
			}
		})
	}
}

func TestAdminAuthActor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash1, err := bcrypt.GenerateFromPassword([]byte("first-key"), bcrypt.MinCost)
	require.NoError(t, err)
	hash2, err := bcrypt.GenerateFromPassword([]byte("second-key"), bcrypt.MinCost)
	require.NoError(t, err)

	auth := NewAdminAuth(logger, []string{string(hash1), string(hash2)})

	actorFor := func(key string) string {
		var actor string
		nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor = AdminActorFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest("GET", "/api/admin/codes", nil)
		req.Header.Set("X-Admin-Key", key)
		rec := httptest.NewRecorder()
		auth.Handler(nextHandler).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		return actor
	}

	first := actorFor("first-key")
	second := actorFor("second-key")

	// The actor is a digest prefix, never the key itself
	assert.Len(t, first, 8)
	assert.NotContains(t, first, "first-key")

	// Stable across requests, distinct across keys
	assert.Equal(t, first, actorFor("first-key"))
	assert.NotEqual(t, first, second)
}

func TestAdminAuthValidationCache(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash, err := bcrypt.GenerateFromPassword([]byte("cached-key"), bcrypt.MinCost)
	require.NoError(t, err)

	auth := NewAdminAuth(logger, []string{string(hash)})

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := auth.Handler(nextHandler)

	send := func(key string) int {
		req := httptest.NewRequest("GET", "/api/admin/codes", nil)
		req.Header.Set("X-Admin-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Failed attempts must not populate the cache
	assert.Equal(t, http.StatusUnauthorized, send("wrong-key"))

	auth.mu.RLock()
	assert.Empty(t, auth.validated)
	auth.mu.RUnlock()

	assert.Equal(t, http.StatusOK, send("cached-key"))

	auth.mu.RLock()
	assert.Len(t, auth.validated, 1)
	auth.mu.RUnlock()

	// Repeat request reuses the cached digest
	assert.Equal(t, http.StatusOK, send("cached-key"))

	auth.mu.RLock()
	assert.Len(t, auth.validated, 1)
	auth.mu.RUnlock()
}

func TestSecurityHeaders(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	SecurityHeaders(next).ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", rec.Header().Get("Content-Security-Policy"))
	// HSTS only applies on TLS connections
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestAdminActorFromContext(t *testing.T) {
	assert.Equal(t, "", AdminActorFromContext(context.Background()))

	ctx := WithAdminActor(context.Background(), "deadbeef")
	assert.Equal(t, "deadbeef", AdminActorFromContext(ctx))
}

func TestAuditLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	})

	req := httptest.NewRequest("POST", "/api/admin/codes?dry_run=true", nil)
	req = req.WithContext(WithAdminActor(req.Context(), "deadbeef"))
	rec := httptest.NewRecorder()

	AuditLog(logger)(nextHandler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())

	logged := buf.String()
	assert.Contains(t, logged, `"event_type":"admin_access"`)
	assert.Contains(t, logged, `"event_type":"admin_response"`)
	assert.Contains(t, logged, `"actor":"deadbeef"`)
	assert.Contains(t, logged, `"status":201`)
	assert.Contains(t, logged, `"query":"dry_run=true"`)
}

func TestAuditResponseWriter(t *testing.T) {
	t.Run("first status wins", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ww := &auditResponseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

		ww.WriteHeader(http.StatusAccepted)
		ww.WriteHeader(http.StatusBadRequest)

		assert.Equal(t, http.StatusAccepted, ww.statusCode)
	})

	t.Run("write without explicit status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ww := &auditResponseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

		_, err := ww.Write([]byte("body"))
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, ww.statusCode)
	})
}
