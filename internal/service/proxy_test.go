package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"terminal-proxy/internal/client"
	"terminal-proxy/internal/config"
	"terminal-proxy/internal/metrics"
	"terminal-proxy/internal/model"
	"terminal-proxy/internal/router"
)

// newTestService builds a ProxyService over the built-in routing table.
func newTestService(t *testing.T, cfg *config.Config, m *metrics.Metrics) *ProxyService {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	table, err := cfg.RoutingTable()
	if err != nil {
		t.Fatalf("RoutingTable: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := router.NewFieldResolver(table, cfg.Routing.Field)
	return NewProxyService(resolver, client.NewUpstreamClient(cfg, logger, m), cfg, m, logger)
}

func jsonRequest(method, body string) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:         context.Background(),
		Method:      method,
		Scheme:      "http",
		Host:        "proxy.local:88",
		Path:        "/payments/authorize",
		RawQuery:    "a=1&b=two",
		Header:      http.Header{"Content-Type": {"application/json"}},
		Body:        []byte(body),
		ContentType: "application/json",
	}
}

func TestCheckMethod(t *testing.T) {
	tests := []struct {
		method  string
		wantErr bool
	}{
		{http.MethodGet, false},
		{http.MethodPost, false},
		{http.MethodConnect, true},
		{http.MethodPut, true},
		{http.MethodDelete, true},
		{"get", true},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			err := CheckMethod(tt.method)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckMethod(%q) error = %v, wantErr %v", tt.method, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMethodNotSupported) {
				t.Errorf("error = %v, want ErrMethodNotSupported", err)
			}
		})
	}
}

func TestResolve_RecordsRoutingOutcome(t *testing.T) {
	m := metrics.New()
	s := newTestService(t, nil, m)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"key in set", `{"terminal_id": 7750}`, "127.0.0.1:77"},
		{"unknown key uses default", `{"terminal_id": 9999}`, "127.0.0.1:77"},
		{"just past second range uses default", `{"terminal_id": 7899}`, "127.0.0.1:77"},
		{"second destination in range", `{"terminal_id": 7898}`, "127.0.0.1:78"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Resolve(jsonRequest(http.MethodPost, tt.body))
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	outcomes := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "terminal_proxy_routing_decisions_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" {
					outcomes[lp.GetValue()] += metric.GetCounter().GetValue()
				}
			}
		}
	}
	if outcomes[metrics.OutcomeMatched] != 2 || outcomes[metrics.OutcomeDefault] != 2 {
		t.Errorf("routing outcomes = %v, want 2 matched and 2 default", outcomes)
	}
}

func TestResolve_WrongContentType(t *testing.T) {
	s := newTestService(t, nil, nil)

	pr := jsonRequest(http.MethodPost, `{"terminal_id": 7750}`)
	pr.ContentType = "text/plain"

	_, err := s.Resolve(pr)
	if !errors.Is(err, router.ErrUnsupportedContentType) {
		t.Fatalf("Resolve() error = %v, want ErrUnsupportedContentType", err)
	}
}

func TestTranslate(t *testing.T) {
	s := newTestService(t, nil, nil)

	for _, method := range SupportedMethods {
		t.Run(method, func(t *testing.T) {
			pr := jsonRequest(method, `{"terminal_id": 7750}`)
			pr.Header.Add("Set-Cookie", "x=1")
			pr.Header.Add("X-Trace", "one")
			pr.Header.Add("X-Trace", "two")

			req, err := s.Translate(pr, "127.0.0.1:78")
			if err != nil {
				t.Fatalf("Translate() error = %v", err)
			}

			if req.Method != method {
				t.Errorf("Method = %q, want %q", req.Method, method)
			}
			if got := req.URL.String(); got != "http://127.0.0.1:78/payments/authorize?a=1&b=two" {
				t.Errorf("URL = %q", got)
			}
			if req.Host != "proxy.local:88" {
				t.Errorf("Host = %q, want inbound host preserved", req.Host)
			}
			if got := req.Header.Values("X-Trace"); len(got) != 2 {
				t.Errorf("X-Trace = %v, want both values", got)
			}
			if req.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q", req.Header.Get("Content-Type"))
			}
			if vals, ok := req.Header["User-Agent"]; !ok || len(vals) != 1 || vals[0] != "" {
				t.Errorf("User-Agent = %v, want suppressed", vals)
			}
			body, _ := io.ReadAll(req.Body)
			if string(body) != `{"terminal_id": 7750}` {
				t.Errorf("body = %q", body)
			}
			if req.ContentLength != int64(len(body)) {
				t.Errorf("ContentLength = %d, want %d", req.ContentLength, len(body))
			}
		})
	}
}

func TestTranslate_DoesNotAliasInboundHeaders(t *testing.T) {
	s := newTestService(t, nil, nil)
	pr := jsonRequest(http.MethodGet, `{"terminal_id": 1}`)

	req, err := s.Translate(pr, "127.0.0.1:77")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	req.Header.Set("X-Added", "1")

	if pr.Header.Get("X-Added") != "" {
		t.Error("outbound header changes leaked into the inbound request")
	}
}

func TestTranslate_EmptyBodyAndRawPath(t *testing.T) {
	s := newTestService(t, nil, nil)
	pr := jsonRequest(http.MethodGet, "")
	pr.Path = "/a b/c"
	pr.RawPath = "/a%20b/c"
	pr.RawQuery = ""
	pr.Header.Set("User-Agent", "terminal/1.0")

	req, err := s.Translate(pr, "127.0.0.1:77")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if req.Body != http.NoBody {
		t.Errorf("Body = %v, want http.NoBody", req.Body)
	}
	if req.URL.EscapedPath() != "/a%20b/c" {
		t.Errorf("EscapedPath = %q, want %q", req.URL.EscapedPath(), "/a%20b/c")
	}
	if req.URL.RawQuery != "" {
		t.Errorf("RawQuery = %q, want empty", req.URL.RawQuery)
	}
	if req.Header.Get("User-Agent") != "terminal/1.0" {
		t.Errorf("User-Agent = %q, want inbound value", req.Header.Get("User-Agent"))
	}
}

func TestTranslate_RewriteHost(t *testing.T) {
	cfg := config.Default()
	cfg.Upstream.RewriteHost = true
	s := newTestService(t, cfg, nil)

	req, err := s.Translate(jsonRequest(http.MethodPost, `{}`), "127.0.0.1:78")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if req.Host != "127.0.0.1:78" {
		t.Errorf("Host = %q, want destination %q", req.Host, "127.0.0.1:78")
	}
	if req.Host == "proxy.local:88" {
		t.Error("inbound Host was carried over despite rewrite_host")
	}
}

func TestTranslate_MethodNotSupported(t *testing.T) {
	s := newTestService(t, nil, nil)

	_, err := s.Translate(jsonRequest(http.MethodConnect, `{}`), "127.0.0.1:77")
	if !errors.Is(err, ErrMethodNotSupported) {
		t.Fatalf("Translate() error = %v, want ErrMethodNotSupported", err)
	}
}

func TestForward_EndToEnd(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotHost, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHost = r.Host
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Hello, world 77"))
	}))
	defer upstream.Close()

	s := newTestService(t, nil, nil)
	u, _ := url.Parse(upstream.URL)

	pr := jsonRequest(http.MethodPost, `{"terminal_id": 7750}`)
	req, err := s.Translate(pr, u.Host)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	resp, err := s.Forward(req).Result()
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("upstream method = %q, want POST", gotMethod)
	}
	if gotPath != "/payments/authorize" || gotQuery != "a=1&b=two" {
		t.Errorf("upstream path/query = %q ? %q", gotPath, gotQuery)
	}
	if gotHost != "proxy.local:88" {
		t.Errorf("upstream Host = %q, want %q", gotHost, "proxy.local:88")
	}
	if gotBody != `{"terminal_id": 7750}` {
		t.Errorf("upstream body = %q", gotBody)
	}
	if string(resp.Body) != "Hello, world 77" {
		t.Errorf("response body = %q", resp.Body)
	}
}

func TestForward_ConnectionRefused(t *testing.T) {
	s := newTestService(t, nil, nil)

	req, err := s.Translate(jsonRequest(http.MethodGet, `{"terminal_id": 7750}`), "127.0.0.1:1")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	resp, err := s.Forward(req).Result()
	if err == nil {
		t.Fatal("Forward() expected transport error, got nil")
	}
	var te *client.TransportError
	if !errors.As(err, &te) {
		t.Errorf("error = %T, want *client.TransportError", err)
	}

	cr := Relay(resp, err)
	if cr.StatusCode != http.StatusInternalServerError {
		t.Errorf("relayed status = %d, want 500", cr.StatusCode)
	}
}
