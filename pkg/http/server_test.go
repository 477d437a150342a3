package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func serve(s *Server, method, target, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if origin != "" {
		req.Header.Set(echo.HeaderOrigin, origin)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHandlers_RegistersInOrderSkippingNil(t *testing.T) {
	var order []string
	h := Handlers(
		RouteFunc(func(e *echo.Echo) { order = append(order, "runs") }),
		nil,
		RouteFunc(func(e *echo.Echo) { order = append(order, "ops") }),
	)
	h.RegisterRoutes(echo.New())
	assert.Equal(t, []string{"runs", "ops"}, order)
}

func TestNewServer_RoutesCORSAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	api := RouteFunc(func(e *echo.Echo) {
		e.GET("/api/v1/stats", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	})
	s := NewServer(api,
		WithRegistry(reg, reg),
		WithCORS([]string{"https://ops.example.test"}, time.Minute),
		WithMetricsPath("/internal/metrics"),
	)

	rec := serve(s, http.MethodGet, "/api/v1/stats", "https://ops.example.test")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://ops.example.test", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/internal/metrics", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/metrics", "").Code)
}

func TestNewServer_CORSAndMetricsDisabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	api := RouteFunc(func(e *echo.Echo) {
		e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	})
	s := NewServer(api, WithRegistry(reg, reg), WithCORS(nil, 0), WithMetricsPath(""))

	rec := serve(s, http.MethodGet, "/health", "https://ops.example.test")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/metrics", "").Code)
}
