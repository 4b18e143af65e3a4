package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"agent-gateway/internal/metrics"
)

// requestSeries returns the label sets and values of the request counter.
func requestSeries(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "agent_gateway_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if metric.GetCounter().GetValue() != 1 {
				t.Errorf("counter %v = %v, want 1", labels, metric.GetCounter().GetValue())
			}
			out = append(out, labels)
		}
	}
	return out
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/api/tasks/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/42", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	series := requestSeries(t, m)
	if len(series) != 1 {
		t.Fatalf("series = %v, want exactly one", series)
	}
	if got := series[0]["path_prefix"]; got != "/api/tasks" {
		t.Errorf("path_prefix = %q, want %q", got, "/api/tasks")
	}
	if got := series[0]["status_code"]; got != "200" {
		t.Errorf("status_code = %q, want %q", got, "200")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "agent_gateway_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected agent_gateway_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_StatusResolution(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		want    string
	}{
		{
			name:    "http error",
			handler: func(echo.Context) error { return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized") },
			want:    "401",
		},
		{
			name:    "plain error",
			handler: func(echo.Context) error { return http.ErrBodyNotAllowed },
			want:    "500",
		},
		{
			name: "json error response",
			handler: func(c echo.Context) error {
				return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "upstream request timed out"})
			},
			want: "504",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.POST("/api/tasks", tt.handler)

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", http.NoBody))

			series := requestSeries(t, m)
			if len(series) != 1 {
				t.Fatalf("series = %v, want exactly one", series)
			}
			if got := series[0]["status_code"]; got != tt.want {
				t.Errorf("status_code = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMetricsMiddleware_AbortedStream(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(echomw.Recover())
	e.Use(MetricsMiddleware(m))
	e.POST("/api/tasks", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, _ = c.Response().Write([]byte("event:start\n\n"))
		panic(http.ErrAbortHandler)
	})

	func() {
		defer func() {
			if r := recover(); r != http.ErrAbortHandler {
				t.Errorf("recovered %v, want http.ErrAbortHandler", r)
			}
		}()
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/tasks", http.NoBody))
	}()

	series := requestSeries(t, m)
	if len(series) != 1 {
		t.Fatalf("series = %v, want exactly one", series)
	}
	if got := series[0]["status_code"]; got != "aborted" {
		t.Errorf("status_code = %q, want %q", got, "aborted")
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	// Any registers the route for every method, including non-standard ones.
	e.Any("/api/tasks", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/api/tasks", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	series := requestSeries(t, m)
	if len(series) != 1 {
		t.Fatalf("series = %v, want exactly one", series)
	}
	if got := series[0]["method"]; got != "other" {
		t.Errorf("method = %q, want %q", got, "other")
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	series := requestSeries(t, m)
	if len(series) != 1 {
		t.Fatalf("series = %v, want exactly one", series)
	}
	want := map[string]string{"method": "GET", "status_code": "404", "path_prefix": "other"}
	for k, v := range want {
		if series[0][k] != v {
			t.Errorf("%s = %q, want %q", k, series[0][k], v)
		}
	}
}
