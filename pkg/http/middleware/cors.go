package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// CORSConfig holds CORS configuration. An origin entry is "*", an exact
// origin, or a subdomain pattern such as "https://*.example.com".
type CORSConfig struct {
	AllowOrigins  []string
	AllowMethods  []string
	AllowHeaders  []string
	ExposeHeaders []string
	MaxAge        time.Duration
}

// APICORSConfig allows origins to call the refresh API: the methods it
// routes, JSON bodies, and the request id header on responses.
func APICORSConfig(origins []string, maxAge time.Duration) CORSConfig {
	return CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
		ExposeHeaders: []string{echo.HeaderXRequestID},
		MaxAge:        maxAge,
	}
}

// CORS returns CORS middleware. Requests from origins that are not allowed
// pass through without CORS headers, except preflights, which get 403.
func CORS(cfg CORSConfig) echo.MiddlewareFunc {
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")
	expose := strings.Join(cfg.ExposeHeaders, ", ")
	maxAge := ""
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			origin := req.Header.Get(echo.HeaderOrigin)
			if origin == "" {
				return next(c)
			}

			h := c.Response().Header()
			h.Add(echo.HeaderVary, echo.HeaderOrigin)
			preflight := req.Method == http.MethodOptions && req.Header.Get(echo.HeaderAccessControlRequestMethod) != ""

			allowed, wildcard := matchOrigin(cfg.AllowOrigins, origin)
			if !allowed {
				if preflight {
					return c.NoContent(http.StatusForbidden)
				}
				return next(c)
			}
			if wildcard {
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			} else {
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
			}

			if !preflight {
				if expose != "" {
					h.Set(echo.HeaderAccessControlExposeHeaders, expose)
				}
				return next(c)
			}

			if methods != "" {
				h.Set(echo.HeaderAccessControlAllowMethods, methods)
			}
			if headers != "" {
				h.Set(echo.HeaderAccessControlAllowHeaders, headers)
			}
			if maxAge != "" {
				h.Set(echo.HeaderAccessControlMaxAge, maxAge)
			}
			return c.NoContent(http.StatusNoContent)
		}
	}
}

// matchOrigin reports whether origin is allowed and whether it matched "*".
func matchOrigin(allowed []string, origin string) (ok, wildcard bool) {
	for _, o := range allowed {
		switch {
		case o == "*":
			return true, true
		case strings.EqualFold(o, origin):
			return true, false
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*.")
			if strings.HasPrefix(origin, scheme+"://") && strings.HasSuffix(origin, "."+host) {
				return true, false
			}
		}
	}
	return false, false
}
