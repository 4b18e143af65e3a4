// Package precheck holds the accept/reject checks run before a request is
// relayed: per-client rate limiting and authentication.
package precheck

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/time/rate"

	"agent-gateway/internal/config"
)

// HeaderAPIKey carries a static API key.
const HeaderAPIKey = "X-Api-Key"

// Checker accepts or rejects a request. A rejection is an *echo.HTTPError
// the caller returns as is.
type Checker interface {
	Check(c echo.Context) error
}

// Chain runs checkers in order and stops at the first rejection.
type Chain []Checker

// Check implements Checker.
func (ch Chain) Check(c echo.Context) error {
	for _, chk := range ch {
		if err := chk.Check(c); err != nil {
			return err
		}
	}
	return nil
}

// New builds the configured chain: rate limiting first, then authentication.
func New(cfg *config.Config, logger *slog.Logger) Chain {
	logger = logger.With("component", "precheck")
	var ch Chain

	if cfg.Server.RateLimit.Enabled {
		ch = append(ch, NewRateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(cfg.Auth.Mode) {
	case "api_key":
		ch = append(ch, NewAPIKey(cfg.Auth.APIKeys))
		logger.Info("api key authentication enabled", "keys", len(cfg.Auth.APIKeys))
	case "jwt":
		ch = append(ch, NewJWT([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer))
		logger.Info("jwt authentication enabled", "issuer", cfg.Auth.JWTIssuer)
	}

	return ch
}

// RateLimit rejects clients exceeding a per-IP request rate.
type RateLimit struct {
	store *echomw.RateLimiterMemoryStore
}

// NewRateLimit creates a per-IP limiter allowing rps requests per second.
func NewRateLimit(rps float64) *RateLimit {
	return &RateLimit{store: echomw.NewRateLimiterMemoryStore(rate.Limit(rps))}
}

// Check implements Checker.
func (r *RateLimit) Check(c echo.Context) error {
	allowed, err := r.store.Allow(c.RealIP())
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "rate limiter error").SetInternal(err)
	}
	if !allowed {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	return nil
}

// APIKey accepts requests presenting one of the configured keys in the
// X-Api-Key header or as a bearer token.
type APIKey struct {
	keys [][]byte
}

// NewAPIKey creates an APIKey check.
func NewAPIKey(keys []string) *APIKey {
	a := &APIKey{keys: make([][]byte, 0, len(keys))}
	for _, k := range keys {
		a.keys = append(a.keys, []byte(k))
	}
	return a
}

// Check implements Checker.
func (a *APIKey) Check(c echo.Context) error {
	presented := c.Request().Header.Get(HeaderAPIKey)
	if presented == "" {
		presented = bearerToken(c.Request())
	}
	if presented == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
	}

	// Compare against every key so timing does not reveal which one matched.
	match := 0
	for _, k := range a.keys {
		match |= subtle.ConstantTimeCompare([]byte(presented), k)
	}
	if match != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
	}
	return nil
}

// JWT accepts requests carrying an HS256 bearer token signed with the shared
// secret. Expiry and not-before claims are enforced.
type JWT struct {
	secret []byte
	issuer string
}

// NewJWT creates a JWT check. An empty issuer skips the issuer claim check.
func NewJWT(secret []byte, issuer string) *JWT {
	return &JWT{secret: secret, issuer: issuer}
}

// ErrMissingToken is returned when no bearer token is present.
var ErrMissingToken = errors.New("missing bearer token")

// Check implements Checker.
func (j *JWT) Check(c echo.Context) error {
	tok, err := j.Verify(bearerToken(c.Request()))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token").SetInternal(err)
	}
	c.Set("jwt_subject", tok.Subject())
	return nil
}

// Verify parses and validates a compact serialized token.
func (j *JWT) Verify(raw string) (jwt.Token, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	tok, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256, j.secret), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if j.issuer != "" {
		if err := jwt.Validate(tok, jwt.WithIssuer(j.issuer)); err != nil {
			return nil, fmt.Errorf("validate token: %w", err)
		}
	}
	return tok, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
