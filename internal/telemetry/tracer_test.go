package telemetry

import (
	"context"
	"reflect"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{ServiceName: "infinitune-test"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.tp != nil {
		t.Fatal("disabled config must not build an SDK provider")
	}

	// The installed global must be a noop: spans never record.
	_, span := otel.Tracer("disabled").Start(context.Background(), "op")
	defer span.End()
	if span.IsRecording() {
		t.Error("noop span is recording")
	}
}

func TestNewProviderUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "infinitune-test",
		ExporterType: "invalid",
	})
	if err == nil {
		t.Fatal("want error for unknown exporter type")
	}
	want := `telemetry: unsupported exporter type "invalid" (want grpc or http)`
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestSamplerClamps(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want sdktrace.Sampler
	}{
		{"full", 1.0, sdktrace.AlwaysSample()},
		{"above range", 2.5, sdktrace.AlwaysSample()},
		{"zero", 0, sdktrace.NeverSample()},
		{"negative", -1, sdktrace.NeverSample()},
		{"ratio", 0.25, sdktrace.TraceIDRatioBased(0.25)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sampler(tc.rate); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("sampler(%v) = %v, want %v", tc.rate, got, tc.want)
			}
		})
	}
}

func TestShutdownNilProvider(t *testing.T) {
	p := &Provider{}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown with canceled ctx: %v", err)
	}
}

func TestTracerAfterDisabledInit(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{ServiceName: "infinitune-test"}); err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	tr := Tracer("pipeline")
	if tr == nil {
		t.Fatal("Tracer returned nil")
	}

	ctx, span := tr.Start(context.Background(), "generate")
	span.End()
	if trace.SpanFromContext(ctx) == nil {
		t.Error("span missing from context")
	}
}

func TestShutdownConcurrent(t *testing.T) {
	p := &Provider{}
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = p.Shutdown(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Shutdown goroutine stuck")
		}
	}
}
