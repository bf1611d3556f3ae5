// Package server builds the Echo instance and owns the listener lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"fhir-cors-proxy/internal/config"
	"fhir-cors-proxy/internal/handler"
	"fhir-cors-proxy/internal/metrics"
	"fhir-cors-proxy/internal/middleware"
)

// NewEcho creates the Echo instance with the middleware chain. CORS runs
// before the body and rate limiters so their rejections carry the headers.
func NewEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)
	e.JSONSerializer = handler.JSONSerializer{}

	// Inbound timeouts to mitigate slow-client attacks. The write deadline
	// leaves room for a full upstream fetch before the relay starts.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = cfg.Upstream.Timeout() + 15*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.CORS(cfg.CORS))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled && m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

// Server serves an Echo instance on a TCP listener between Start and Stop.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger

	ln   net.Listener
	done chan struct{}
}

// New creates a Server that will listen on cfg.Server.Addr().
func New(e *echo.Echo, cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		echo:   e,
		addr:   cfg.Server.Addr(),
		logger: logger.With("component", "server"),
	}
}

// Start binds the listener and serves in the background. Binding errors
// (e.g. port already in use) are returned synchronously.
func (s *Server) Start(_ context.Context) error {
	if s.ln != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	s.ln = ln
	s.done = make(chan struct{})

	port := ln.Addr().(*net.TCPAddr).Port
	s.logger.Info("FHIR CORS proxy running",
		"addr", ln.Addr().String(),
		"usage", fmt.Sprintf("http://localhost:%d/proxy?url=<FHIR_URL>", port),
	)

	go func() {
		defer close(s.done)
		if err := s.echo.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()
	return nil
}

// Stop stops accepting connections and waits for in-flight requests until
// ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}

	s.logger.Info("shutting down server")
	err := s.echo.Shutdown(ctx)

	select {
	case <-s.done:
	case <-ctx.Done():
	}
	s.ln = nil

	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Addr returns the bound listener address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}
