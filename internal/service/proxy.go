// Package service prepares upstream requests and applies the retry policy.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/http/httpguts"

	"agent-gateway/internal/config"
	"agent-gateway/internal/model"
)

// ErrInvalidPathParam is returned when a path parameter cannot be mapped
// into a single upstream path segment.
var ErrInvalidPathParam = errors.New("invalid path parameter")

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// gatewayOnlyHeaders are consumed by the gateway itself.
var gatewayOnlyHeaders = []string{
	"X-Api-Key",
	"Content-Length",
}

// forwardableResponseHeaders are the upstream response headers copied to
// buffered responses. Content-Type is handled separately.
var forwardableResponseHeaders = map[string]bool{
	"Content-Encoding": true,
	"Content-Language": true,
	"Cache-Control":    true,
	"Etag":             true,
	"Last-Modified":    true,
	"Location":         true,
	"Retry-After":      true,
	"Vary":             true,
}

// Connector is the upstream call surface the service depends on.
type Connector interface {
	Open(ctx context.Context, r *model.UpstreamRequest) (*model.UpstreamResponse, error)
	Fetch(ctx context.Context, r *model.UpstreamRequest) (*model.UpstreamResponse, error)
}

// Inbound is an accepted client request matched to a route.
type Inbound struct {
	Route     config.RouteConfig
	Params    map[string]string
	Request   *http.Request
	Body      []byte
	RequestID string
}

// ProxyService builds upstream requests and issues them through a Connector.
type ProxyService struct {
	upstream Connector
	retry    bool
	authMode string
	logger   *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(upstream Connector, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		upstream: upstream,
		retry:    cfg.Upstream.RetryIdempotent,
		authMode: strings.ToLower(cfg.Auth.Mode),
		logger:   logger.With("component", "proxy_service"),
	}
}

// Build maps an inbound request onto its upstream request. Method and body
// are kept as is; hop-by-hop headers are stripped and the trace context of
// ctx is injected.
func (s *ProxyService) Build(ctx context.Context, in *Inbound) (*model.UpstreamRequest, error) {
	path, err := mapPath(in.Route.UpstreamPath, in.Params)
	if err != nil {
		return nil, err
	}

	var body []byte
	if len(in.Body) > 0 {
		body = in.Body
	}

	header := s.requestHeaders(in.Request, in.RequestID)
	if in.Route.Mode == model.ModeStream {
		// Stream bytes are relayed without Content-Encoding.
		header.Del("Accept-Encoding")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))

	return &model.UpstreamRequest{
		Method:   in.Request.Method,
		Path:     path,
		RawQuery: in.Request.URL.RawQuery,
		Header:   header,
		Body:     body,
	}, nil
}

// Open starts a streaming upstream call.
func (s *ProxyService) Open(ctx context.Context, r *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	return s.call(ctx, r, s.upstream.Open)
}

// Fetch performs a buffered upstream call.
func (s *ProxyService) Fetch(ctx context.Context, r *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	return s.call(ctx, r, s.upstream.Fetch)
}

type callFunc func(context.Context, *model.UpstreamRequest) (*model.UpstreamResponse, error)

// call issues r and retries once when an idempotent request failed to
// connect. Nothing has reached the client at that point.
func (s *ProxyService) call(ctx context.Context, r *model.UpstreamRequest, fn callFunc) (*model.UpstreamResponse, error) {
	resp, err := fn(ctx, r)
	if err == nil || !s.shouldRetry(ctx, r, err) {
		return resp, err
	}

	s.logger.Warn("retrying upstream call",
		"method", r.Method,
		"path", r.Path,
		"err", err,
	)
	return fn(ctx, r)
}

func (s *ProxyService) shouldRetry(ctx context.Context, r *model.UpstreamRequest, err error) bool {
	if !s.retry || !r.Idempotent() || ctx.Err() != nil {
		return false
	}
	if !model.IsKind(err, model.KindConnectFailed) {
		return false
	}
	return !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (s *ProxyService) requestHeaders(r *http.Request, requestID string) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}

	// Headers named in Connection are hop-by-hop as well.
	for _, v := range h["Connection"] {
		for _, tok := range strings.Split(v, ",") {
			if tok = textproto.TrimString(tok); httpguts.ValidHeaderFieldName(tok) {
				h.Del(tok)
			}
		}
	}
	if s.gatewayCredential(h) {
		h.Del("Authorization")
	}
	keepTrailers := httpguts.HeaderValuesContainsToken(h["Te"], "trailers")
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
	for _, k := range gatewayOnlyHeaders {
		h.Del(k)
	}
	if keepTrailers {
		h.Set("Te", "trailers")
	}

	if requestID != "" {
		h.Set("X-Request-Id", requestID)
	}
	if _, ok := h["User-Agent"]; !ok {
		// An empty value keeps the Go default from being sent.
		h.Set("User-Agent", "")
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	return h
}

// gatewayCredential reports whether Authorization carries the credential the
// gateway itself authenticated. An API key is read from X-Api-Key first, so
// Authorization holds it only when X-Api-Key is absent.
func (s *ProxyService) gatewayCredential(h http.Header) bool {
	switch s.authMode {
	case "jwt":
		return true
	case "api_key":
		return h.Get("X-Api-Key") == ""
	}
	return false
}

// ResponseHeaders selects the upstream headers passed to a buffered response.
func ResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}

// mapPath substitutes ":name" segments of tmpl with params. A value must
// stay a single segment.
func mapPath(tmpl string, params map[string]string) (string, error) {
	if !strings.Contains(tmpl, ":") {
		return tmpl, nil
	}
	segs := strings.Split(tmpl, "/")
	for i, seg := range segs {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		name := seg[1:]
		v, ok := params[name]
		if !ok || v == "" || v == "." || v == ".." || strings.ContainsAny(v, "/?#") {
			return "", fmt.Errorf("%w: %s=%q", ErrInvalidPathParam, name, v)
		}
		segs[i] = v
	}
	return strings.Join(segs, "/"), nil
}
