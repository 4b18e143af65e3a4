// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"agent-gateway/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/agent-gateway/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL string `kong:"help='Agent service base URL (overrides config).',env='AGENT_SERVICE_URL'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server         ServerConfig         `toml:"server"`
	Upstream       UpstreamConfig       `toml:"upstream"`
	Auth           AuthConfig           `toml:"auth"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
	Routes         []RouteConfig        `toml:"route"`
	Log            LogConfig            `toml:"log"`
	Metrics        MetricsConfig        `toml:"metrics"`
	Tracing        TracingConfig        `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	MaxSessions  int             `toml:"max_sessions"` // 0 means unlimited
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds agent service connection settings.
type UpstreamConfig struct {
	BaseURL                  string `toml:"base_url"`
	ConnectTimeoutSeconds    int    `toml:"connect_timeout_seconds"`
	ResponseTimeoutSeconds   int    `toml:"response_timeout_seconds"`
	InactivityTimeoutSeconds int    `toml:"inactivity_timeout_seconds"`
	WriteTimeoutSeconds      int    `toml:"write_timeout_seconds"`
	IdleConnections          int    `toml:"idle_connections"`
	ChunkSize                int    `toml:"chunk_size"`
	MaxResponseBytes         int64  `toml:"max_response_bytes"`
	RetryIdempotent          bool   `toml:"retry_idempotent"`
}

// ConnectTimeout is the window for receiving upstream response headers.
func (u *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeoutSeconds) * time.Second
}

// ResponseTimeout bounds a complete unary exchange.
func (u *UpstreamConfig) ResponseTimeout() time.Duration {
	return time.Duration(u.ResponseTimeoutSeconds) * time.Second
}

// InactivityTimeout is the longest gap allowed between two upstream chunks.
func (u *UpstreamConfig) InactivityTimeout() time.Duration {
	return time.Duration(u.InactivityTimeoutSeconds) * time.Second
}

// WriteTimeout bounds a single chunk write to the client.
func (u *UpstreamConfig) WriteTimeout() time.Duration {
	return time.Duration(u.WriteTimeoutSeconds) * time.Second
}

// AuthConfig selects the authentication pre-check.
type AuthConfig struct {
	Mode      string   `toml:"mode"` // none | api_key | jwt
	APIKeys   []string `toml:"api_keys"`
	JWTSecret string   `toml:"jwt_secret"`
	JWTIssuer string   `toml:"jwt_issuer"`
}

// CircuitBreakerConfig controls the breaker wrapped around upstream calls.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
}

// RouteConfig maps one inbound route onto an upstream path.
type RouteConfig struct {
	Method       string     `toml:"method"`
	Path         string     `toml:"path"`
	UpstreamPath string     `toml:"upstream_path"`
	Mode         model.Mode `toml:"mode"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

// DefaultRoutes mirror the task endpoints exposed by the agent service.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Method: http.MethodPost, Path: "/api/tasks", UpstreamPath: "/tasks", Mode: model.ModeStream},
		{Method: http.MethodPost, Path: "/api/tasks/execute", UpstreamPath: "/tasks/execute", Mode: model.ModeUnary},
		{Method: http.MethodGet, Path: "/api/tasks/:id", UpstreamPath: "/tasks/:id", Mode: model.ModeUnary},
	}
}

// reservedPaths cannot be used by proxied routes or the metrics endpoint.
var reservedPaths = []string{"/healthz", "/proxy/status"}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/agent-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL: required, http or https.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.MaxSessions < 0 {
		return fmt.Errorf("server.max_sessions must be non-negative; got %d", c.Server.MaxSessions)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for name, v := range map[string]int{
		"upstream.connect_timeout_seconds":    c.Upstream.ConnectTimeoutSeconds,
		"upstream.response_timeout_seconds":   c.Upstream.ResponseTimeoutSeconds,
		"upstream.inactivity_timeout_seconds": c.Upstream.InactivityTimeoutSeconds,
		"upstream.write_timeout_seconds":      c.Upstream.WriteTimeoutSeconds,
		"upstream.idle_connections":           c.Upstream.IdleConnections,
		"upstream.chunk_size":                 c.Upstream.ChunkSize,
		"circuit_breaker.failure_threshold":   c.CircuitBreaker.FailureThreshold,
		"circuit_breaker.open_seconds":        c.CircuitBreaker.OpenSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes)
	}

	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateRoutes(); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range append([]string{"/api"}, reservedPaths...) {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}

	return nil
}

func (c *Config) validateAuth() error {
	switch strings.ToLower(c.Auth.Mode) {
	case "", "none":
	case "api_key":
		if len(c.Auth.APIKeys) == 0 {
			return fmt.Errorf("auth.api_keys must not be empty when auth.mode is api_key")
		}
		for _, k := range c.Auth.APIKeys {
			if k == "" || k == "YOUR_API_KEY_HERE" {
				return fmt.Errorf("auth.api_keys contains an empty or placeholder value")
			}
		}
	case "jwt":
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 bytes when auth.mode is jwt")
		}
	default:
		return fmt.Errorf("auth.mode must be one of: none, api_key, jwt; got %q", c.Auth.Mode)
	}
	return nil
}

func (c *Config) validateRoutes() error {
	seen := make(map[string]bool)
	for i, r := range c.Routes {
		if r.Path == "" || r.Path[0] != '/' {
			return fmt.Errorf("route[%d].path must start with '/'; got %q", i, r.Path)
		}
		if r.UpstreamPath == "" || r.UpstreamPath[0] != '/' {
			return fmt.Errorf("route[%d].upstream_path must start with '/'; got %q", i, r.UpstreamPath)
		}
		for _, reserved := range reservedPaths {
			if r.Path == reserved {
				return fmt.Errorf("route[%d].path %q conflicts with reserved route", i, r.Path)
			}
		}
		switch r.Mode {
		case model.ModeStream, model.ModeUnary, "":
		default:
			return fmt.Errorf("route[%d].mode must be one of: stream, unary; got %q", i, r.Mode)
		}
		method := strings.ToUpper(r.Method)
		if method == "" {
			method = http.MethodPost
		}
		key := method + " " + r.Path
		if seen[key] {
			return fmt.Errorf("route[%d] duplicates %s", i, key)
		}
		seen[key] = true
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1 * 1024 * 1024 // 1 MB
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.ResponseTimeoutSeconds == 0 {
		c.Upstream.ResponseTimeoutSeconds = 120
	}
	if c.Upstream.InactivityTimeoutSeconds == 0 {
		c.Upstream.InactivityTimeoutSeconds = 60
	}
	if c.Upstream.WriteTimeoutSeconds == 0 {
		c.Upstream.WriteTimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.ChunkSize == 0 {
		c.Upstream.ChunkSize = 32 * 1024
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.OpenSeconds == 0 {
		c.CircuitBreaker.OpenSeconds = 30
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
	for i := range c.Routes {
		c.Routes[i].Method = strings.ToUpper(c.Routes[i].Method)
		if c.Routes[i].Method == "" {
			c.Routes[i].Method = http.MethodPost
		}
		if c.Routes[i].Mode == "" {
			c.Routes[i].Mode = model.ModeUnary
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agent-gateway"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may hold API keys or a JWT secret.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
