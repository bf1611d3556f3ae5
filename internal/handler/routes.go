// Package handler contains the Echo handlers of the proxy.
package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Static routes win over the catch-all, so GET /health never forwards.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/health", health.Healthz)
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.OPTIONS("/*", proxy.Preflight)
	e.GET("/*", proxy.Forward)
}
