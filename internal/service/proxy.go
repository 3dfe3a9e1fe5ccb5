// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"terminal-proxy/internal/client"
	"terminal-proxy/internal/config"
	"terminal-proxy/internal/metrics"
	"terminal-proxy/internal/model"
	"terminal-proxy/internal/router"
)

// ErrMethodNotSupported is returned for inbound methods other than GET and POST.
var ErrMethodNotSupported = errors.New("method not supported")

// SupportedMethods are the methods the proxy forwards. Both run the same pipeline.
var SupportedMethods = []string{http.MethodGet, http.MethodPost}

// ProxyService resolves, translates and forwards proxy requests.
type ProxyService struct {
	resolver    router.Resolver
	client      *client.UpstreamClient
	metrics     *metrics.Metrics
	logger      *slog.Logger
	rewriteHost bool
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(r router.Resolver, c *client.UpstreamClient, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		resolver:    r,
		client:      c,
		metrics:     m,
		logger:      logger.With("component", "proxy_service"),
		rewriteHost: cfg.Upstream.RewriteHost,
	}
}

// CheckMethod returns ErrMethodNotSupported unless method is GET or POST.
func CheckMethod(method string) error {
	for _, m := range SupportedMethods {
		if method == m {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMethodNotSupported, method)
}

// Resolve picks the destination for pr from its body.
func (s *ProxyService) Resolve(pr *model.ProxyRequest) (string, error) {
	d, err := s.resolver.Resolve(pr.Body, pr.ContentType)
	if err != nil {
		return "", err
	}

	outcome := metrics.OutcomeMatched
	if !d.Matched {
		outcome = metrics.OutcomeDefault
	}
	if s.metrics != nil {
		s.metrics.RoutingDecisions.WithLabelValues(d.Destination, outcome).Inc()
	}

	s.logger.Debug("resolved destination",
		"destination", d.Destination,
		"key", d.Key.String(),
		"outcome", outcome,
	)
	return d.Destination, nil
}

// Translate builds the outbound request for destination. Only the network
// location changes: method, path, query, headers and body are copied.
func (s *ProxyService) Translate(pr *model.ProxyRequest, destination string) (*http.Request, error) {
	if err := CheckMethod(pr.Method); err != nil {
		return nil, err
	}

	scheme := pr.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{
		Scheme:   scheme,
		Host:     destination,
		Path:     pr.Path,
		RawPath:  pr.RawPath,
		RawQuery: pr.RawQuery,
	}

	var body io.Reader = http.NoBody
	if len(pr.Body) > 0 {
		body = bytes.NewReader(pr.Body)
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header = pr.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	// net/http would otherwise add its own User-Agent.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}
	if !s.rewriteHost && pr.Host != "" {
		req.Host = pr.Host
	}

	return req, nil
}

// Forward starts sending req upstream and returns the pending call.
func (s *ProxyService) Forward(req *http.Request) *client.Call {
	s.logger.Debug("forwarding request",
		"method", req.Method,
		"url", req.URL.String(),
	)
	return s.client.Go(req)
}
