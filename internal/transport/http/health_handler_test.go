package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"keyward/internal/services"
	"keyward/internal/store"
)

type unhealthyStore struct {
	store.Store
}

func (s *unhealthyStore) Health(ctx context.Context) error {
	return errors.New("connection refused")
}

func newHealthRouter(st store.Store) chi.Router {
	svc := services.NewHealthService("test", "memory", st, nil, nil, discardLogger())
	h := NewHealthHandler(svc, discardLogger())
	r := chi.NewRouter()
	r.Mount("/api/health", h.Routes())
	r.Get("/api/version", h.Version)
	return r
}

func getPath(router http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy store answers 200", func(t *testing.T) {
		router := newHealthRouter(store.NewMemory())

		w := getPath(router, "/api/health")
		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "ok", body["status"])
		assert.NotNil(t, body["services"])
	})

	t.Run("failing store degrades to 503", func(t *testing.T) {
		router := newHealthRouter(&unhealthyStore{Store: store.NewMemory()})

		w := getPath(router, "/api/health")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "degraded", decodeBody(t, w)["status"])
	})

	t.Run("readiness follows the store", func(t *testing.T) {
		router := newHealthRouter(store.NewMemory())
		assert.Equal(t, http.StatusOK, getPath(router, "/api/health/ready").Code)

		router = newHealthRouter(&unhealthyStore{Store: store.NewMemory()})
		w := getPath(router, "/api/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "not_ready", decodeBody(t, w)["status"])
	})

	t.Run("liveness ignores dependencies", func(t *testing.T) {
		router := newHealthRouter(&unhealthyStore{Store: store.NewMemory()})

		w := getPath(router, "/api/health/live")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "alive", decodeBody(t, w)["status"])
	})

	t.Run("version reports build identity", func(t *testing.T) {
		router := newHealthRouter(store.NewMemory())

		w := getPath(router, "/api/version")
		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "test", body["version"])
		assert.Equal(t, "memory", body["store"])
	})
}
