package otel_test

import (
	"context"
	"testing"

	flowotel "github.com/petal-labs/flowrun/otel"
)

func TestNewTracerProvider(t *testing.T) {
	ctx := context.Background()
	if _, err := flowotel.NewTracerProvider(ctx, flowotel.ExporterConfig{}); err == nil {
		t.Fatal("expected error without endpoint")
	}

	for _, endpoint := range []string{"http://localhost:4318", "localhost:4318"} {
		tp, err := flowotel.NewTracerProvider(ctx, flowotel.ExporterConfig{Endpoint: endpoint, Insecure: true})
		if err != nil {
			t.Fatalf("NewTracerProvider(%q): %v", endpoint, err)
		}
		// Nothing was recorded, so shutdown does not contact the collector.
		if err := tp.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
}
