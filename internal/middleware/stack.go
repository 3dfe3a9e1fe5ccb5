package middleware

import (
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"terminal-proxy/internal/config"
	"terminal-proxy/internal/metrics"
	"terminal-proxy/internal/tracing"
)

// Stack installs the server-wide middleware on e. Metrics, tracing and rate
// limiting are added only when the config enables them; tp may be nil.
func Stack(e *echo.Echo, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tp *tracing.Provider) {
	e.Use(echomw.Recover())
	e.Use(RequestID())
	e.Use(RequestLogger(logger))
	if cfg.Metrics.Enabled && m != nil {
		e.Use(MetricsMiddleware(m))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}
	if tp != nil && tp.Enabled() {
		e.Use(tp.Middleware())
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}
}
