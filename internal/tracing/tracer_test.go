package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerProviderWithoutEndpoint(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tp, err := InitTracerProvider("ordersaga-test", "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if otel.GetTracerProvider() != tp {
		t.Fatalf("expected provider to be registered globally")
	}

	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected sampled span with valid context")
	}
	span.End()

	if err := Shutdown(context.Background(), tp); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownNilProvider(t *testing.T) {
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
