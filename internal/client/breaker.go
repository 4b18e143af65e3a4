package client

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"agent-gateway/internal/config"
	"agent-gateway/internal/metrics"
)

// Breaker guards upstream calls with a circuit breaker. A call counts as a
// failure when it cannot be connected, times out before headers, or returns a
// 5xx status. Client cancellation is not a failure.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewBreaker creates a Breaker that opens after FailureThreshold consecutive
// failures and probes again after OpenSeconds.
func NewBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Metrics) *Breaker {
	logger = logger.With("component", "circuit_breaker")
	threshold := uint32(max(cfg.FailureThreshold, 1)) //nolint:gosec // bounded by config validation

	settings := gobreaker.Settings{
		Name:        "agent-service",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			if m != nil {
				m.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
			}
		},
	}

	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Allow reports whether a call may proceed. On success the caller must invoke
// done exactly once with the call's outcome.
func (b *Breaker) Allow() (done func(success bool), err error) {
	return b.cb.Allow()
}

// State returns the breaker state as "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}
