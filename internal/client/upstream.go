// Package client provides the upstream HTTP client that forwards requests to destinations.
package client

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"terminal-proxy/internal/config"
	"terminal-proxy/internal/metrics"
	"terminal-proxy/internal/model"
)

const tracerName = "terminal-proxy/client"

// TransportError is a forwarding failure below the HTTP layer: the upstream
// could not be reached or did not produce a readable response. An HTTP error
// status from the upstream is never a TransportError.
type TransportError struct {
	Destination string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Destination, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Call is a forward in flight. It completes exactly once.
type Call struct {
	done chan struct{}
	resp *model.UpstreamResponse
	err  error
}

// Done is closed when the call has completed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result waits for the call to complete and returns its outcome.
func (c *Call) Result() (*model.UpstreamResponse, error) {
	<-c.done
	return c.resp, c.err
}

// UpstreamClient sends requests to upstream destinations.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	breakers   *breakerSet
	tracer     trace.Tracer
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	logger = logger.With("component", "upstream_client")

	c := &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}

	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		c.breakers = newBreakerSet(cb.FailureThreshold, time.Duration(cb.OpenSeconds)*time.Second, logger)
	}

	return c
}

// Go starts forwarding req in the background and returns immediately.
func (c *UpstreamClient) Go(req *http.Request) *Call {
	call := &Call{done: make(chan struct{})}
	go func() {
		defer close(call.done)
		call.resp, call.err = c.Do(req)
	}()
	return call
}

// Do forwards req and reads the complete upstream response. Failures are
// returned as *TransportError; no retry is attempted.
func (c *UpstreamClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	dest := req.URL.Host
	method := metrics.NormalizeMethod(req.Method)

	ctx, span := c.tracer.Start(req.Context(), "upstream.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("proxy.destination", dest),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	c.logger.Debug("upstream request",
		"destination", dest,
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	var (
		resp *model.UpstreamResponse
		err  error
	)
	if c.breakers != nil {
		resp, err = c.breakers.execute(dest, func() (*model.UpstreamResponse, error) {
			return c.roundTrip(req)
		})
	} else {
		resp, err = c.roundTrip(req)
	}
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(dest, method).Observe(duration)
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(dest).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, &TransportError{Destination: dest, Err: err}
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(dest, method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	return resp, nil
}

// roundTrip performs one HTTP exchange and buffers the body.
func (c *UpstreamClient) roundTrip(req *http.Request) (*model.UpstreamResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	// Content-Encoding is not relayed, so a gzip body must reach the client decoded.
	if len(body) > 0 && strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		body, err = gunzip(body)
		if err != nil {
			return nil, fmt.Errorf("decode gzip upstream body: %w", err)
		}
	}
	if len(body) == 0 {
		body = nil
	}

	return &model.UpstreamResponse{
		Destination: req.URL.Host,
		StatusCode:  resp.StatusCode,
		Reason:      reasonPhrase(resp),
		Header:      resp.Header,
		Body:        body,
	}, nil
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

// reasonPhrase extracts the reason from a status line such as "404 Not Found".
func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return http.StatusText(resp.StatusCode)
	}
	return reason
}
