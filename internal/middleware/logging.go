// Package middleware provides Echo middleware for logging, metrics and
// response hardening.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors and aborted responses are logged at warn level; everything
// else at info.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			log := func(level slog.Level, status int, aborted bool) {
				req := c.Request()
				res := c.Response()
				logger.Log(context.Background(), level, "request",
					"method", req.Method,
					"path", req.URL.Path,
					"route", c.Path(),
					"status", status,
					"aborted", aborted,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				)
			}

			defer func() {
				if r := recover(); r != nil {
					log(slog.LevelWarn, c.Response().Status, true)
					panic(r)
				}
			}()

			err := next(c)

			status := statusOf(c, err)
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			log(level, status, false)

			return err
		}
	}
}

// statusOf resolves the status the client will see. A returned
// *echo.HTTPError has not been written yet when middleware runs.
func statusOf(c echo.Context, err error) int {
	if err != nil && !c.Response().Committed {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	return c.Response().Status
}
