package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestInitTracerDisabled(t *testing.T) {
	ctx := context.Background()
	shutdown, err := InitTracer(ctx, "memestream-test", "localhost:4318", false)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("propagator fields = %v, want traceparent", fields)
	}
}

func TestInitTracerEnabled(t *testing.T) {
	ctx := context.Background()
	shutdown, err := InitTracer(ctx, "memestream-test", "localhost:4318", true)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	_, span := otel.Tracer("test").Start(ctx, "probe")
	if !span.SpanContext().IsValid() {
		t.Fatal("span from installed provider has no valid context")
	}
	span.End()
	// Nothing listens on the endpoint; only the call itself matters.
	sctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = shutdown(sctx)
}
