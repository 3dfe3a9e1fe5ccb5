package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"terminal-proxy/internal/config"
	"terminal-proxy/internal/metrics"
	"terminal-proxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The admin
// endpoints live under config.AdminPrefix; every other path is proxied.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	// CONNECT carries an authority-form target with no path.
	e.Pre(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if u := c.Request().URL; u.Path == "" {
				u.Path = "/"
			}
			return next(c)
		}
	})

	admin := e.Group(config.AdminPrefix, middleware.SecurityHeaders())
	admin.GET("/healthz", health.Healthz)
	admin.GET("/status", health.Status)
	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path,
			echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})),
			middleware.SecurityHeaders(),
		)
	}
	admin.Any("/*", func(echo.Context) error { return echo.ErrNotFound })

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}
