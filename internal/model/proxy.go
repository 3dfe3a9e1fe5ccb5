// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest is an inbound client request, with its body already read.
type ProxyRequest struct {
	Ctx         context.Context
	Method      string
	Scheme      string
	Host        string
	Path        string
	RawPath     string
	RawQuery    string
	Header      http.Header
	Body        []byte
	ContentType string
}

// UpstreamResponse is a complete response received from a destination.
// Body is nil when the upstream sent none.
type UpstreamResponse struct {
	Destination string
	StatusCode  int
	Reason      string
	Header      http.Header
	Body        []byte
}

// ClientResponse is what gets written back on the inbound connection.
type ClientResponse struct {
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte
}
