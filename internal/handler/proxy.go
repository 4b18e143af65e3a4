package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"agent-gateway/internal/config"
	"agent-gateway/internal/metrics"
	"agent-gateway/internal/model"
	"agent-gateway/internal/precheck"
	"agent-gateway/internal/relay"
	"agent-gateway/internal/service"
	"agent-gateway/internal/tracing"
)

// errUnfinished ends a session the handler left without a terminal state.
var errUnfinished = errors.New("handler returned before session finished")

// retryAfterSeconds is advertised when the session limit is reached.
const retryAfterSeconds = "1"

// ProxyHandler relays configured routes to the agent service.
type ProxyHandler struct {
	service      *service.ProxyService
	checks       precheck.Checker
	limiter      *relay.Limiter
	relay        *relay.StreamRelay
	tracer       trace.Tracer
	metrics      *metrics.Metrics
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(
	svc *service.ProxyService,
	checks precheck.Chain,
	limiter *relay.Limiter,
	tp *tracing.Provider,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *slog.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		service:      svc,
		checks:       checks,
		limiter:      limiter,
		relay:        relay.NewStreamRelay(cfg.Upstream.ChunkSize, cfg.Upstream.InactivityTimeout()),
		tracer:       tp.Tracer(),
		metrics:      m,
		writeTimeout: cfg.Upstream.WriteTimeout(),
		logger:       logger.With("component", "proxy_handler"),
	}
}

// Route returns the handler serving one configured route.
func (h *ProxyHandler) Route(rc config.RouteConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		return h.serve(c, rc)
	}
}

func (h *ProxyHandler) serve(c echo.Context, rc config.RouteConfig) error {
	if err := h.checks.Check(c); err != nil {
		h.reject(rejectReason(err))
		return err
	}

	release, ok := h.limiter.TryAcquire()
	if !ok {
		h.reject("max_sessions")
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return c.JSON(http.StatusServiceUnavailable, errorBody("too many concurrent sessions"))
	}
	defer release()

	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, errorBody("could not read request body"))
	}

	ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
	ctx, span := h.tracer.Start(ctx, "relay.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.route", rc.Path),
			attribute.String("relay.mode", string(rc.Mode)),
		),
	)
	defer span.End()

	s := relay.NewSession(ctx, rc.Path, rc.Mode)
	span.SetAttributes(attribute.String("relay.session_id", s.ID))
	h.sessionStarted()
	defer func() {
		s.Finish(errUnfinished)
		h.sessionEnded(s, span)
	}()

	s.Connect()
	up, err := h.service.Build(s.Context(), &service.Inbound{
		Route:     rc,
		Params:    pathParams(c),
		Request:   req,
		Body:      body,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	})
	if err != nil {
		s.Finish(err)
		return c.JSON(http.StatusBadRequest, errorBody("invalid path parameter"))
	}

	if rc.Mode == model.ModeStream {
		return h.stream(c, s, up)
	}
	return h.unary(c, s, up)
}

// stream relays the upstream body as an event stream.
func (h *ProxyHandler) stream(c echo.Context, s *relay.Session, up *model.UpstreamRequest) error {
	resp, err := h.service.Open(s.Context(), up)
	if err != nil {
		return h.fail(c, s, err)
	}
	if err := s.Attach(resp.Body); err != nil {
		return h.fail(c, s, model.NewProxyError(model.KindClientDisconnected, err, false))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.Finish(model.NewProxyError(model.KindUpstreamProtocol,
			fmt.Errorf("upstream status %d", resp.StatusCode), false))
		out := relay.TranslateStatus(resp.StatusCode)
		return c.JSON(out.Status, errorBody(out.Message))
	}

	sink := relay.NewResponseSink(c.Response(), h.writeTimeout)
	err = h.relay.Pump(s, resp.Body, sink)
	if err == nil {
		// An empty stream is still a successful one.
		sink.Commit()
		s.Finish(nil)
		return nil
	}
	return h.fail(c, s, err)
}

// unary returns the complete upstream response in one copy.
func (h *ProxyHandler) unary(c echo.Context, s *relay.Session, up *model.UpstreamRequest) error {
	resp, err := h.service.Fetch(s.Context(), up)
	if err != nil {
		return h.fail(c, s, err)
	}

	res := c.Response()
	for key, vals := range service.ResponseHeaders(resp.Header) {
		res.Header()[key] = vals
	}
	if ct := resp.Header.Get(echo.HeaderContentType); ct != "" {
		res.Header().Set(echo.HeaderContentType, ct)
	}
	res.WriteHeader(resp.StatusCode)

	if len(resp.Data) > 0 {
		if _, err := res.Write(resp.Data); err != nil {
			s.Finish(model.NewProxyError(model.KindClientDisconnected, err, true))
			return nil
		}
		s.Record(len(resp.Data))
	}
	s.Finish(nil)
	return nil
}

// fail finishes the session with err and produces the client-visible outcome.
// A failure after bytes reached the client aborts the connection.
func (h *ProxyHandler) fail(c echo.Context, s *relay.Session, err error) error {
	s.Finish(err)
	out := relay.Translate(err)
	switch {
	case out.Silent:
		return nil
	case out.Abort:
		// net/http closes the connection without ending the chunked body.
		panic(http.ErrAbortHandler)
	default:
		return c.JSON(out.Status, errorBody(out.Message))
	}
}

func (h *ProxyHandler) reject(reason string) {
	if h.metrics != nil {
		h.metrics.SessionsRejected.WithLabelValues(reason).Inc()
	}
}

func (h *ProxyHandler) sessionStarted() {
	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
	}
}

func (h *ProxyHandler) sessionEnded(s *relay.Session, span trace.Span) {
	st := s.Stats()
	state := s.State()
	err := s.Err()

	if h.metrics != nil {
		mode := string(s.Mode)
		h.metrics.SessionsActive.Dec()
		h.metrics.SessionsTotal.WithLabelValues(mode, state.String()).Inc()
		h.metrics.SessionDuration.WithLabelValues(mode).Observe(st.Duration.Seconds())
		h.metrics.ChunksRelayed.Add(float64(st.Chunks))
		h.metrics.BytesRelayed.Add(float64(st.Bytes))
		if s.Mode == model.ModeStream && st.Chunks > 0 {
			h.metrics.TimeToFirstChunk.Observe(st.FirstChunk.Seconds())
		}
	}

	span.SetAttributes(
		attribute.String("relay.state", state.String()),
		attribute.Int("relay.chunks", st.Chunks),
		attribute.Int64("relay.bytes", st.Bytes),
	)

	attrs := []any{
		"session_id", s.ID,
		"route", s.Route,
		"mode", s.Mode,
		"outcome", state.String(),
		"chunks", st.Chunks,
		"bytes", st.Bytes,
		"duration_ms", st.Duration.Milliseconds(),
	}
	switch state {
	case relay.StateFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, model.KindOf(err).String())
		h.logger.Warn("relay session failed", append(attrs, "kind", model.KindOf(err).String(), "err", err)...)
	case relay.StateCancelled:
		h.logger.Debug("relay session cancelled by client", append(attrs, "err", err)...)
	default:
		h.logger.Debug("relay session completed", attrs...)
	}
}

func pathParams(c echo.Context) map[string]string {
	names := c.ParamNames()
	if len(names) == 0 {
		return nil
	}
	values := c.ParamValues()
	params := make(map[string]string, len(names))
	for i, name := range names {
		if i < len(values) {
			params[name] = values[i]
		}
	}
	return params
}

func rejectReason(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusTooManyRequests:
			return "rate_limited"
		case http.StatusUnauthorized:
			return "unauthorized"
		}
	}
	return "precheck"
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
