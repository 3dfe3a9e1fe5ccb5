package service

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"terminal-proxy/internal/model"
)

// excludedResponseHeaders describe the upstream's framing of its response.
// The proxy frames its own response, so these are never copied.
var excludedResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Content-Encoding":  true,
	"Connection":        true,
}

var errNoResponse = errors.New("upstream returned no response")

// Relay maps a forwarding outcome onto the response for the client. A
// transport failure becomes a 500; an upstream response, whatever its status,
// is copied minus the framing headers, and Content-Length is recomputed
// from the body.
func Relay(resp *model.UpstreamResponse, err error) *model.ClientResponse {
	if err == nil && resp == nil {
		err = errNoResponse
	}
	if err != nil {
		return Failure(http.StatusInternalServerError, err)
	}

	header := make(http.Header, len(resp.Header))
	for key, vals := range resp.Header {
		if excludedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			header.Add(key, v)
		}
	}

	cr := &model.ClientResponse{
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Header:     header,
	}
	if len(resp.Body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
		cr.Body = resp.Body
	}
	return cr
}

// Failure synthesizes a plain-text error response whose body reads like
// "Internal server error:\n<err>".
func Failure(status int, err error) *model.ClientResponse {
	text := http.StatusText(status)
	if len(text) > 1 {
		text = text[:1] + strings.ToLower(text[1:])
	}
	body := []byte(text + ":\n" + err.Error())

	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &model.ClientResponse{
		StatusCode: status,
		Reason:     http.StatusText(status),
		Header:     header,
		Body:       body,
	}
}
