package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for k, want := range securityHeaders {
		if v := rec.Header().Get(k); v != want {
			t.Errorf("%s = %q, want %q", k, v, want)
		}
	}
}

func TestSecurityHeaders_EarlyCommit(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.POST("/api/tasks", func(c echo.Context) error {
		res := c.Response()
		res.Header().Set("Content-Type", "text/event-stream")
		res.WriteHeader(http.StatusOK)
		_, _ = res.Write([]byte("event:start\n\n"))
		res.Flush()
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q on a streamed response", v, "nosniff")
	}
	if v := rec.Header().Get("Content-Type"); v != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", v)
	}
}
