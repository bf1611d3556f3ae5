package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	sf "github.com/samber/slog-formatter"
	"go.uber.org/fx"
	"gopkg.in/natefinch/lumberjack.v2"

	"fhir-cors-proxy/internal/client"
	"fhir-cors-proxy/internal/config"
	"fhir-cors-proxy/internal/handler"
	"fhir-cors-proxy/internal/metrics"
	"fhir-cors-proxy/internal/server"
	"fhir-cors-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("fhir-cors-proxy"),
		kong.Description("CORS proxy for fetching FHIR resources from browser clients."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			server.NewEcho,
			server.New,
			client.NewFHIRClient,
			func(c *client.FHIRClient) service.Fetcher { return c },
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			server.RegisterMetrics,
			warnConfigPermissions,
			closeClient,
			startServer,
		),
	).Run()
}

// newLogger builds the process logger. Output goes to stdout, or to a
// rotated file when log.file is set.
func newLogger(lc fx.Lifecycle, cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Log.File != "" {
		fw := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    10,
			MaxAge:     7,
			MaxBackups: 3,
			LocalTime:  true,
		}
		lc.Append(fx.StopHook(fw.Close))
		w = fw
	}
	return slog.New(newLogHandler(w, cfg.Log))
}

func newLogHandler(w io.Writer, cfg config.LogConfig) slog.Handler {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}

	return sf.NewFormatterHandler(
		sf.TimeFormatter(time.RFC3339, time.UTC),
		sf.ErrorFormatter("err"),
	)(h)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	if path := cfg.FilePath(); path != "" {
		logger.Info("loaded config", "path", path)
	} else {
		logger.Info("no config file found; using defaults")
	}
	cfg.WarnPermissions(logger)
}

func closeClient(lc fx.Lifecycle, c *client.FHIRClient) {
	lc.Append(fx.StopHook(c.Close))
}

func startServer(lc fx.Lifecycle, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Stop,
	})
}
