package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"agent-gateway/internal/config"
	"agent-gateway/internal/metrics"
	"agent-gateway/internal/model"
)

func newTestUpstream(t *testing.T, baseURL string, mutate func(*config.Config)) *Upstream {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:                baseURL,
			ConnectTimeoutSeconds:  5,
			ResponseTimeoutSeconds: 10,
			IdleConnections:        10,
			MaxResponseBytes:       1024,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewUpstream(cfg, logger, metrics.New())
	if err != nil {
		t.Fatalf("NewUpstream() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestUpstream_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/abc" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/tasks/abc")
		}
		if r.URL.RawQuery != "verbose=1&a=%7e" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "verbose=1&a=%7e")
		}
		if r.Header.Get("X-Request-Id") != "req-1" {
			t.Errorf("X-Request-Id = %q, want %q", r.Header.Get("X-Request-Id"), "req-1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestUpstream(t, srv.URL, nil)
	req := &model.UpstreamRequest{
		Method:   http.MethodGet,
		Path:     "/tasks/abc",
		RawQuery: "verbose=1&a=%7e",
		Header:   http.Header{"X-Request-Id": {"req-1"}},
	}

	resp, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Body != nil {
		t.Error("Fetch() Body should be nil for a buffered response")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Data) != `{"status":"ok"}` {
		t.Errorf("Data = %q, want %q", resp.Data, `{"status":"ok"}`)
	}
}

func TestUpstream_Open_ForwardsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"description":"x"}` {
			t.Errorf("body = %q", body)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event:start\n\n"))
	}))
	defer srv.Close()

	c := newTestUpstream(t, srv.URL, nil)
	req := &model.UpstreamRequest{
		Method: http.MethodPost,
		Path:   "/tasks",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"description":"x"}`),
	}

	resp, err := c.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "event:start\n\n" {
		t.Errorf("body = %q, want %q", got, "event:start\n\n")
	}
}

func TestUpstream_BasePathPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent/tasks" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/agent/tasks")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestUpstream(t, srv.URL+"/agent/", nil)
	if _, err := c.Fetch(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, Path: "/tasks"}); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
}

func TestUpstream_ConnectFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := newTestUpstream(t, "http://"+addr, nil)
	_, err = c.Open(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, Path: "/tasks"})
	if err == nil {
		t.Fatal("Open() expected error for unreachable host, got nil")
	}
	if !model.IsKind(err, model.KindConnectFailed) {
		t.Errorf("kind = %v, want %v (err = %v)", model.KindOf(err), model.KindConnectFailed, err)
	}
}

func TestUpstream_ConnectTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestUpstream(t, srv.URL, nil)
	c.connectTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := c.Open(context.Background(), &model.UpstreamRequest{Method: http.MethodPost, Path: "/tasks"})
	if err == nil {
		t.Fatal("Open() expected timeout, got nil")
	}
	if !model.IsKind(err, model.KindTimeout) {
		t.Errorf("kind = %v, want %v (err = %v)", model.KindOf(err), model.KindTimeout, err)
	}
	if !errors.Is(err, model.ErrConnectTimeout) {
		t.Errorf("err = %v, want ErrConnectTimeout in chain", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Open() took %v, want prompt timeout", elapsed)
	}
}

func TestUpstream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestUpstream(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Open(ctx, &model.UpstreamRequest{Method: http.MethodGet, Path: "/slow"})
	if !model.IsKind(err, model.KindClientDisconnected) {
		t.Errorf("kind = %v, want %v (err = %v)", model.KindOf(err), model.KindClientDisconnected, err)
	}
}

func TestUpstream_Fetch_ResponseTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestUpstream(t, srv.URL, nil)
	c.responseTimeout = 100 * time.Millisecond

	_, err := c.Fetch(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, Path: "/tasks/1"})
	if !model.IsKind(err, model.KindTimeout) {
		t.Fatalf("kind = %v, want %v (err = %v)", model.KindOf(err), model.KindTimeout, err)
	}
	if !errors.Is(err, model.ErrResponseTimeout) {
		t.Errorf("err = %v, want ErrResponseTimeout in chain", err)
	}
}

func TestUpstream_Fetch_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	c := newTestUpstream(t, srv.URL, nil)
	_, err := c.Fetch(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, Path: "/tasks/1"})
	if !model.IsKind(err, model.KindUpstreamProtocol) {
		t.Fatalf("kind = %v, want %v (err = %v)", model.KindOf(err), model.KindUpstreamProtocol, err)
	}
	if !errors.Is(err, model.ErrResponseTooLarge) {
		t.Errorf("err = %v, want ErrResponseTooLarge in chain", err)
	}
}

func TestUpstream_Fetch_Truncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	c := newTestUpstream(t, srv.URL, nil)
	_, err := c.Fetch(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, Path: "/tasks/1"})
	if !model.IsKind(err, model.KindUpstreamProtocol) {
		t.Fatalf("kind = %v, want %v (err = %v)", model.KindOf(err), model.KindUpstreamProtocol, err)
	}
}

func TestUpstream_NoRedirectFollow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := newTestUpstream(t, srv.URL, nil)
	resp, err := c.Fetch(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, Path: "/tasks/1"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
}

func TestUpstream_BreakerOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestUpstream(t, srv.URL, func(cfg *config.Config) {
		cfg.CircuitBreaker = config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, OpenSeconds: 60}
	})
	req := &model.UpstreamRequest{Method: http.MethodGet, Path: "/tasks/1"}

	for i := range 2 {
		resp, err := c.Fetch(context.Background(), req)
		if err != nil {
			t.Fatalf("Fetch() #%d error = %v", i, err)
		}
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("Fetch() #%d status = %d, want 500", i, resp.StatusCode)
		}
	}

	if got := c.Breaker().State(); got != "open" {
		t.Fatalf("breaker state = %q, want %q", got, "open")
	}

	_, err := c.Fetch(context.Background(), req)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Fetch() error = %v, want gobreaker.ErrOpenState", err)
	}
	if !model.IsKind(err, model.KindConnectFailed) {
		t.Errorf("kind = %v, want %v", model.KindOf(err), model.KindConnectFailed)
	}
}
