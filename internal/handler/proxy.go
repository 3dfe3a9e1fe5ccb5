package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"terminal-proxy/internal/middleware"
	"terminal-proxy/internal/model"
	"terminal-proxy/internal/service"
)

// allowHeader lists the forwarded methods for 405 responses.
var allowHeader = strings.Join(service.SupportedMethods, ", ")

// Request lifecycle stages, as they appear in debug logs.
const (
	stageReceived    = "received"
	stageResolving   = "resolving"
	stageTranslating = "translating"
	stageForwarding  = "forwarding"
	stageRelaying    = "relaying"
	stageDone        = "done"
)

// ProxyHandler dispatches every non-admin request to the destination chosen
// by its JSON body and relays the upstream response back.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle runs one request through resolve, translate, forward and relay.
// Exactly one response is written per request.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	log := h.logger.With(
		"request_id", middleware.RequestIDFrom(c),
		"method", req.Method,
		"path", req.URL.Path,
	)
	log.Debug("stage", "stage", stageReceived)

	if err := service.CheckMethod(req.Method); err != nil {
		return h.fail(c, log, err)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports an oversized body as an *echo.HTTPError.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.fail(c, log, err)
	}

	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	pr := &model.ProxyRequest{
		Ctx:         req.Context(),
		Method:      req.Method,
		Scheme:      scheme,
		Host:        req.Host,
		Path:        req.URL.Path,
		RawPath:     req.URL.RawPath,
		RawQuery:    req.URL.RawQuery,
		Header:      req.Header,
		Body:        body,
		ContentType: req.Header.Get(echo.HeaderContentType),
	}

	log.Debug("stage", "stage", stageResolving)
	dest, err := h.service.Resolve(pr)
	if err != nil {
		return h.fail(c, log, err)
	}
	log = log.With("destination", dest)

	log.Debug("stage", "stage", stageTranslating)
	outReq, err := h.service.Translate(pr, dest)
	if err != nil {
		return h.fail(c, log, err)
	}

	log.Debug("stage", "stage", stageForwarding)
	resp, err := h.service.Forward(outReq).Result()

	log.Debug("stage", "stage", stageRelaying)
	cr := service.Relay(resp, err)
	if err != nil {
		log.Error("forwarding failed", "err", err)
	} else {
		log.Debug("upstream responded", "status", cr.StatusCode, "reason", cr.Reason)
	}

	h.write(c, log, cr)
	log.Debug("stage", "stage", stageDone)
	return nil
}

// fail writes the error response for a request that never reached an upstream.
func (h *ProxyHandler) fail(c echo.Context, log *slog.Logger, err error) error {
	status := statusFor(err)
	if status == http.StatusMethodNotAllowed {
		log.Warn("method not supported")
	} else {
		log.Error("proxy error", "err", err)
	}

	cr := service.Failure(status, err)
	if status == http.StatusMethodNotAllowed {
		cr.Header.Set(echo.HeaderAllow, allowHeader)
	}
	h.write(c, log, cr)
	return nil
}

// statusFor maps a pipeline error onto the response status. Routing
// failures are server errors, same as transport failures.
func statusFor(err error) int {
	if errors.Is(err, service.ErrMethodNotSupported) {
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

// write replaces whatever headers the server set so far with cr's, then
// sends the status line and the body.
func (h *ProxyHandler) write(c echo.Context, log *slog.Logger, cr *model.ClientResponse) {
	res := c.Response()
	header := res.Header()
	for k := range header {
		delete(header, k)
	}
	for k, vals := range cr.Header {
		header[k] = append([]string(nil), vals...)
	}
	// A nil value stops net/http from sniffing a Content-Type the upstream never sent.
	if _, ok := header[echo.HeaderContentType]; !ok {
		header[echo.HeaderContentType] = nil
	}

	// net/http writes the standard reason phrase for the code; the upstream's
	// own phrase only reaches the "upstream responded" log line.
	res.WriteHeader(cr.StatusCode)
	if len(cr.Body) == 0 {
		return
	}
	if _, err := res.Write(cr.Body); err != nil {
		log.Error("writing response body", "err", err)
	}
}
