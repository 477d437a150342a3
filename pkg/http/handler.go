package http

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler registers a group of routes on the server.
type Handler interface {
	RegisterRoutes(e *echo.Echo)
}

// RouteFunc adapts a function to Handler.
type RouteFunc func(e *echo.Echo)

func (f RouteFunc) RegisterRoutes(e *echo.Echo) { f(e) }

// Handlers registers every non-nil handler in order.
func Handlers(hs ...Handler) Handler {
	return RouteFunc(func(e *echo.Echo) {
		for _, h := range hs {
			if h != nil {
				h.RegisterRoutes(e)
			}
		}
	})
}

// MetricsRoutes serves the gatherer at path; an empty path registers nothing.
func MetricsRoutes(path string, g prometheus.Gatherer) Handler {
	return RouteFunc(func(e *echo.Echo) {
		if path == "" || g == nil {
			return
		}
		e.GET(path, echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	})
}
