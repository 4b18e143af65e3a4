// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
)

// Mode selects how an upstream response is returned to the client.
type Mode string

const (
	// ModeStream relays the upstream body chunk by chunk as an event stream.
	ModeStream Mode = "stream"
	// ModeUnary buffers the full upstream response and copies it once.
	ModeUnary Mode = "unary"
)

// UpstreamRequest is a client request prepared for forwarding upstream.
// It is not modified after construction; Header is a private copy.
type UpstreamRequest struct {
	Method string
	Path   string
	// RawQuery is the client's query string, forwarded byte for byte.
	RawQuery string
	Header http.Header
	Body   []byte // nil when the client sent no body
}

// Idempotent reports whether the request is side-effect-free and therefore
// safe to retry before any response byte reached the client.
func (r *UpstreamRequest) Idempotent() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// UpstreamResponse is what the connector returns. For streaming calls Body is
// the live chunk source and the caller must close it. For buffered calls Body
// is nil and Data holds the complete payload.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Data       []byte
}
