package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"agent-gateway/internal/client"
	"agent-gateway/internal/config"
	"agent-gateway/internal/relay"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	limiter  *relay.Limiter
	upstream *client.Upstream
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, limiter *relay.Limiter, upstream *client.Upstream) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, limiter: limiter, upstream: upstream}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UpstreamURL    string `json:"upstream_url"`
	ActiveSessions int64  `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	CircuitBreaker string `json:"circuit_breaker"`
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:         "ok",
		Version:        string(h.version),
		UpstreamURL:    h.cfg.Upstream.BaseURL,
		MaxSessions:    h.cfg.Server.MaxSessions,
		CircuitBreaker: "disabled",
	}
	if h.limiter != nil {
		resp.ActiveSessions = h.limiter.Active()
	}
	if h.upstream != nil && h.upstream.Breaker() != nil {
		resp.CircuitBreaker = h.upstream.Breaker().State()
	}
	return c.JSON(http.StatusOK, resp)
}
