package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"terminal-proxy/internal/config"
	"terminal-proxy/internal/router"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	table   *router.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, table *router.Table, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, table: table, version: v}
}

type destinationStatus struct {
	Addr string `json:"addr"`
	Keys int    `json:"keys"`
}

type statusResponse struct {
	Status             string              `json:"status"`
	Version            string              `json:"version"`
	Strategy           string              `json:"strategy"`
	Field              string              `json:"field"`
	DefaultDestination string              `json:"default_destination"`
	Destinations       []destinationStatus `json:"destinations"`
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the version and the routing table in use.
func (h *HealthHandler) Status(c echo.Context) error {
	field := h.cfg.Routing.Field
	if h.cfg.Routing.Strategy == config.StrategyPort {
		field = h.cfg.Routing.PortField
	}

	dests := h.table.Destinations()
	out := make([]destinationStatus, 0, len(dests))
	for _, d := range dests {
		out = append(out, destinationStatus{Addr: d, Keys: h.table.KeyCount(d)})
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:             "ok",
		Version:            string(h.version),
		Strategy:           h.cfg.Routing.Strategy,
		Field:              field,
		DefaultDestination: h.table.Default(),
		Destinations:       out,
	})
}
