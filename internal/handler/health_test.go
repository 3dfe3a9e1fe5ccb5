package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"terminal-proxy/internal/config"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/_proxy/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := config.Default()
	table, err := cfg.RoutingTable()
	if err != nil {
		t.Fatalf("RoutingTable: %v", err)
	}
	h := NewHealthHandler(cfg, table, "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/_proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := config.Default()
	table, err := cfg.RoutingTable()
	if err != nil {
		t.Fatalf("RoutingTable: %v", err)
	}
	h := NewHealthHandler(cfg, table, "1.2.3")
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Version != "1.2.3" {
		t.Errorf("version = %q, want %q", body.Version, "1.2.3")
	}
	if body.Strategy != config.StrategyTerminal || body.Field != "terminal_id" {
		t.Errorf("strategy/field = %q/%q, want terminal/terminal_id", body.Strategy, body.Field)
	}
	if body.DefaultDestination != "127.0.0.1:77" {
		t.Errorf("default_destination = %q, want %q", body.DefaultDestination, "127.0.0.1:77")
	}

	want := []destinationStatus{
		{Addr: "127.0.0.1:77", Keys: 99},
		{Addr: "127.0.0.1:78", Keys: 99},
	}
	if len(body.Destinations) != len(want) {
		t.Fatalf("destinations = %v, want %v", body.Destinations, want)
	}
	for i := range want {
		if body.Destinations[i] != want[i] {
			t.Errorf("destinations[%d] = %+v, want %+v", i, body.Destinations[i], want[i])
		}
	}
}

func TestStatus_PortStrategy(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/_proxy/status", http.NoBody), rec)

	cfg := config.Default()
	cfg.Routing.Strategy = config.StrategyPort
	table, err := cfg.RoutingTable()
	if err != nil {
		t.Fatalf("RoutingTable: %v", err)
	}
	if err := NewHealthHandler(cfg, table, "dev").Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Field != "port" {
		t.Errorf("field = %q, want %q", body.Field, "port")
	}
}
