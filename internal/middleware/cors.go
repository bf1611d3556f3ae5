package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"fhir-cors-proxy/internal/config"
)

// CORS returns an Echo middleware that attaches the configured cross-origin
// headers to every response, errors included. Unlike echo's CORS middleware
// it does not depend on an Origin header being present.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	maxAge := ""
	if cfg.MaxAgeSeconds > 0 {
		maxAge = strconv.Itoa(cfg.MaxAgeSeconds)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, cfg.AllowOrigin)
			h.Set(echo.HeaderAccessControlAllowMethods, cfg.AllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, cfg.AllowHeaders)
			if cfg.AllowOrigin != "*" {
				h.Add(echo.HeaderVary, echo.HeaderOrigin)
			}
			if maxAge != "" && c.Request().Method == http.MethodOptions {
				h.Set(echo.HeaderAccessControlMaxAge, maxAge)
			}

			return next(c)
		}
	}
}
