package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"terminal-proxy/internal/client"
	"terminal-proxy/internal/config"
	"terminal-proxy/internal/handler"
	"terminal-proxy/internal/metrics"
	"terminal-proxy/internal/middleware"
	"terminal-proxy/internal/router"
	"terminal-proxy/internal/service"
	"terminal-proxy/internal/tracing"
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
		kong.Name("terminal-proxy"),
		kong.Description("Content-routing reverse proxy for payment terminals."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newTracing,
			newRoutingTable,
			newResolver,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newTracing(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*tracing.Provider, error) {
	p, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	if p.Enabled() {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}
	lc.Append(fx.Hook{OnStop: p.Shutdown})
	return p, nil
}

func newRoutingTable(cfg *config.Config) (*router.Table, error) {
	return cfg.RoutingTable()
}

func newResolver(cfg *config.Config, table *router.Table, logger *slog.Logger) router.Resolver {
	logger.Info("routing table loaded",
		"strategy", cfg.Routing.Strategy,
		"destinations", len(table.Destinations()),
		"default", table.Default(),
	)
	if cfg.Routing.Strategy == config.StrategyPort {
		return router.NewPortResolver(table, cfg.Routing.PortField, cfg.Routing.PortHost)
	}
	return router.NewFieldResolver(table, cfg.Routing.Field)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tp *tracing.Provider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// No write timeout: the proxy waits on upstreams that have no deadline by default.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	middleware.Stack(e, cfg, logger, m, tp)

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	if cfg.FilePath() == "" {
		logger.Info("no config file found; using built-in routing table")
		return
	}
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
