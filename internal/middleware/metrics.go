package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"agent-gateway/internal/metrics"
)

// statusAborted labels requests whose connection was torn down mid-response.
const statusAborted = "aborted"

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			record := func(status string) {
				method := metrics.NormalizeMethod(c.Request().Method)
				path := metrics.NormalizePath(c.Request().URL.Path)
				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}

			defer func() {
				if r := recover(); r != nil {
					record(statusAborted)
					panic(r)
				}
			}()

			err = next(c)
			record(strconv.Itoa(statusOf(c, err)))
			return err
		}
	}
}
