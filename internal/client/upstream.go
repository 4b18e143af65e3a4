// Package client provides the upstream HTTP connector for the agent service.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agent-gateway/internal/config"
	"agent-gateway/internal/metrics"
	"agent-gateway/internal/model"
)

// Upstream opens calls to the agent service over a pooled transport.
// It owns the pool: Close releases idle connections on shutdown.
// Upstream never retries; that decision belongs to the caller.
type Upstream struct {
	httpClient       *http.Client
	transport        *http.Transport
	baseURL          *url.URL
	connectTimeout   time.Duration
	responseTimeout  time.Duration
	maxResponseBytes int64
	breaker          *Breaker
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// NewUpstream creates an Upstream with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstream(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Upstream, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	connectTimeout := cfg.Upstream.ConnectTimeout()
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		// Event streams must reach the client exactly as produced.
		DisableCompression: true,
	}

	c := &Upstream{
		httpClient: &http.Client{
			Transport: transport,
			// Do not follow redirects; return them to the caller.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport:        transport,
		baseURL:          u,
		connectTimeout:   connectTimeout,
		responseTimeout:  cfg.Upstream.ResponseTimeout(),
		maxResponseBytes: cfg.Upstream.MaxResponseBytes,
		logger:           logger.With("component", "upstream"),
		metrics:          m,
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = NewBreaker(cfg.CircuitBreaker, logger, m)
	}
	return c, nil
}

// BaseURL returns the configured upstream base address.
func (c *Upstream) BaseURL() string {
	return c.baseURL.String()
}

// Breaker returns the circuit breaker, or nil when disabled.
func (c *Upstream) Breaker() *Breaker {
	return c.breaker
}

// Close releases pooled idle connections.
func (c *Upstream) Close() {
	c.transport.CloseIdleConnections()
}

// Open issues the request and returns as soon as response headers arrive.
// The returned Body is the live chunk source; the caller must close it.
// Canceling ctx aborts the call at any point, including mid-body.
func (c *Upstream) Open(ctx context.Context, r *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	resp, err := c.roundTrip(ctx, r)
	if err != nil {
		return nil, err
	}
	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Fetch issues the request and reads the complete response, bounded by the
// response timeout and the response size limit. The returned Body is nil.
func (c *Upstream) Fetch(ctx context.Context, r *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	if c.responseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.responseTimeout, model.ErrResponseTimeout)
		defer cancel()
	}

	resp, err := c.roundTrip(ctx, r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var src io.Reader = resp.Body
	if c.maxResponseBytes > 0 {
		src = io.LimitReader(resp.Body, c.maxResponseBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, false)
		}
		return nil, model.NewProxyError(model.KindUpstreamProtocol, fmt.Errorf("read upstream body: %w", err), false)
	}
	if c.maxResponseBytes > 0 && int64(len(data)) > c.maxResponseBytes {
		return nil, model.NewProxyError(model.KindUpstreamProtocol, model.ErrResponseTooLarge, false)
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Data:       data,
	}, nil
}

// roundTrip sends the request and waits for response headers, failing with
// KindTimeout when they do not arrive within the connect timeout.
func (c *Upstream) roundTrip(ctx context.Context, r *model.UpstreamRequest) (*http.Response, error) {
	var done func(bool)
	if c.breaker != nil {
		var err error
		if done, err = c.breaker.Allow(); err != nil {
			return nil, model.NewProxyError(model.KindConnectFailed, err, false)
		}
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	req, err := c.newRequest(callCtx, r)
	if err != nil {
		cancel(nil)
		if done != nil {
			done(true)
		}
		return nil, err
	}

	c.logger.Debug("upstream request",
		"method", r.Method,
		"path", r.Path,
	)

	var timer *time.Timer
	if c.connectTimeout > 0 {
		timer = time.AfterFunc(c.connectTimeout, func() { cancel(model.ErrConnectTimeout) })
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	fired := timer != nil && !timer.Stop()
	duration := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(r.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err == nil && fired {
		// Headers raced the timer; the call context is already canceled.
		_ = resp.Body.Close()
		err = context.Cause(callCtx)
	}
	if err != nil {
		pe := c.classify(ctx, callCtx, err)
		cancel(nil)
		if done != nil {
			done(pe.Kind == model.KindClientDisconnected)
		}
		return nil, pe
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	if done != nil {
		done(resp.StatusCode < http.StatusInternalServerError)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Upstream) newRequest(ctx context.Context, r *model.UpstreamRequest) (*http.Request, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + r.Path
	u.RawQuery = r.RawQuery

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	return req, nil
}

// classify maps a failed round trip onto the error taxonomy. parent is the
// caller's context; call is the per-call context carrying the connect timer.
func (c *Upstream) classify(parent, call context.Context, err error) *model.ProxyError {
	if errors.Is(context.Cause(call), model.ErrConnectTimeout) {
		return model.NewProxyError(model.KindTimeout, model.ErrConnectTimeout, false)
	}
	if parent.Err() != nil {
		return contextError(parent, false)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.NewProxyError(model.KindTimeout, err, false)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "malformed HTTP") {
		return model.NewProxyError(model.KindUpstreamProtocol, err, false)
	}
	return model.NewProxyError(model.KindConnectFailed, err, false)
}

// contextError classifies a done context: deadlines are timeouts, anything
// else means the client went away.
func contextError(ctx context.Context, delivered bool) *model.ProxyError {
	cause := context.Cause(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewProxyError(model.KindTimeout, cause, delivered)
	}
	return model.NewProxyError(model.KindClientDisconnected, cause, delivered)
}

// cancelOnClose releases the per-call context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
