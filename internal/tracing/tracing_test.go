package tracing

import (
	"context"
	"io"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"agent-gateway/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(&config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := p.Tracer().Start(context.Background(), "relay.session")
	if span.SpanContext().IsValid() {
		t.Error("disabled tracer produced a valid span context")
	}
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewWithTracerProvider(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	p := NewWithTracerProvider(tp)

	_, span := p.Tracer().Start(context.Background(), "relay.session")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "relay.session" {
		t.Errorf("span name = %q, want relay.session", spans[0].Name)
	}
	if got := spans[0].InstrumentationScope.Name; got != InstrumentationName {
		t.Errorf("scope = %q, want %q", got, InstrumentationName)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
