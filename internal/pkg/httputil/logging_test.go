package httputil

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLoggerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	validator := validatorFunc(func(context.Context, string) (string, error) { return "hiker-7", nil })

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLoggerMiddleware(logger))
	r.With(AuthMiddleware(validator)).Get("/actions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		Error(w, http.StatusNotFound, "action not found")
	})

	req := httptest.NewRequest(http.MethodGet, "/actions/42", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	line := buf.String()
	assert.Contains(t, line, "level=WARN")
	assert.Contains(t, line, "msg=\"http request\"")
	assert.Contains(t, line, "route=/actions/{id}")
	assert.Contains(t, line, "status=404")
	assert.Contains(t, line, "subject=hiker-7")
	assert.Contains(t, line, "request_id=")
}

func TestAccessLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, accessLevel("/healthz", http.StatusOK))
	assert.Equal(t, slog.LevelError, accessLevel("/readyz", http.StatusServiceUnavailable))
	assert.Equal(t, slog.LevelInfo, accessLevel("/api/v1/sync", http.StatusOK))
	assert.Equal(t, slog.LevelWarn, accessLevel("/api/v1/actions", http.StatusBadRequest))
}

func TestMetricsMiddleware_RoutePattern(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			seen = routePattern(req)
		})
	})
	r.Use(MetricsMiddleware)
	r.Delete("/actions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/actions/7", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "/actions/{id}", seen)

	assert.Equal(t, "unmatched", routePattern(httptest.NewRequest(http.MethodGet, "/", nil)))
}
