package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies relay failures.
type ErrorKind int

const (
	// KindConnectFailed means the upstream could not be reached.
	KindConnectFailed ErrorKind = iota + 1
	// KindTimeout means a connect, response or inactivity window elapsed.
	KindTimeout
	// KindUpstreamProtocol means the upstream response was malformed or truncated.
	KindUpstreamProtocol
	// KindClientDisconnected means the client went away. It is normal cancellation.
	KindClientDisconnected
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnectFailed:
		return "connect_failed"
	case KindTimeout:
		return "timeout"
	case KindUpstreamProtocol:
		return "upstream_protocol_error"
	case KindClientDisconnected:
		return "client_disconnected"
	default:
		return "unknown"
	}
}

// Sentinel causes used when no lower-level error exists.
var (
	ErrConnectTimeout    = errors.New("no upstream response headers within connect timeout")
	ErrResponseTimeout   = errors.New("upstream response not complete within response timeout")
	ErrInactivityTimeout = errors.New("no upstream chunk within inactivity timeout")
	ErrResponseTooLarge  = errors.New("upstream response exceeds size limit")
)

// ProxyError is a classified relay failure.
type ProxyError struct {
	Kind      ErrorKind
	Cause     error
	Delivered bool // true once any response byte reached the client
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	phase := "before first byte"
	if e.Delivered {
		phase = "mid-stream"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s %s", e.Kind, phase)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, phase, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a ProxyError.
func NewProxyError(kind ErrorKind, cause error, delivered bool) *ProxyError {
	return &ProxyError{Kind: kind, Cause: cause, Delivered: delivered}
}

// KindOf returns the kind of a ProxyError anywhere in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// IsKind reports whether err carries a ProxyError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
