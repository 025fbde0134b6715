package observability

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	mu.Lock()
	prev := tracer
	tracer = tp.Tracer("test")
	mu.Unlock()

	t.Cleanup(func() {
		mu.Lock()
		tracer = prev
		mu.Unlock()
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestStartSpan(t *testing.T) {
	tests := []struct {
		name     string
		spanName string
		attrs    map[string]any
		want     []attribute.KeyValue
	}{
		{
			name:     "nil attributes",
			spanName: "transfer.receive",
		},
		{
			name:     "mixed attribute types",
			spanName: "transfer.complete",
			attrs: map[string]any{
				"session.id": "abc",
				"chunks":     3,
				"bytes":      int64(42),
				"ratio":      -12.5,
				"complete":   true,
				"other":      []string{"a"},
			},
			want: []attribute.KeyValue{
				attribute.String("session.id", "abc"),
				attribute.Int("chunks", 3),
				attribute.Int64("bytes", 42),
				attribute.Float64("ratio", -12.5),
				attribute.Bool("complete", true),
				attribute.String("other", "[a]"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := withRecorder(t)

			ctx, span := StartSpan(context.Background(), tt.spanName, tt.attrs)
			if ctx == nil {
				t.Fatal("StartSpan returned nil context")
			}
			if span.Name() != tt.spanName {
				t.Errorf("span.Name() = %v, want %v", span.Name(), tt.spanName)
			}
			span.End()

			ended := rec.Ended()
			if len(ended) != 1 {
				t.Fatalf("ended spans = %d, want 1", len(ended))
			}
			got := make(map[attribute.Key]attribute.Value)
			for _, kv := range ended[0].Attributes() {
				got[kv.Key] = kv.Value
			}
			for _, kv := range tt.want {
				if got[kv.Key] != kv.Value {
					t.Errorf("attribute %s = %v, want %v", kv.Key, got[kv.Key].Emit(), kv.Value.Emit())
				}
			}
		})
	}
}

func TestSpan_EndIsIdempotent(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartSpan(context.Background(), "once", nil)
	span.End()
	span.End()

	if !span.IsEnded() {
		t.Error("IsEnded() = false after End")
	}
	if n := len(rec.Ended()); n != 1 {
		t.Errorf("ended spans = %d, want 1", n)
	}
}

func TestSpan_SetError(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartSpan(context.Background(), "failing", nil)
	span.SetError(errors.New("session not found"))
	span.SetError(nil)
	span.End()

	s := rec.Ended()[0]
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status().Code)
	}
	if len(s.Events()) != 1 {
		t.Errorf("events = %d, want 1 recorded error", len(s.Events()))
	}
}

func TestSpan_ChildOfContext(t *testing.T) {
	rec := withRecorder(t)

	ctx, parent := StartSpan(context.Background(), "parent", nil)
	_, child := StartSpan(ctx, "child", nil)
	child.End()
	parent.End()

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Error("child span is not parented to the span in ctx")
	}
}

func TestSpan_ZeroValue(t *testing.T) {
	var span Span
	span.SetAttribute("k", "v")
	span.SetError(errors.New("x"))
	span.End()
}

func TestSpan_ConcurrentAccess(t *testing.T) {
	rec := withRecorder(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, span := StartSpan(context.Background(), "concurrent", map[string]any{"id": id})
			span.End()
		}(i)
	}
	wg.Wait()

	if n := len(rec.Ended()); n != 10 {
		t.Errorf("ended spans = %d, want 10", n)
	}
}

func TestInit_Disabled(t *testing.T) {
	if err := Init(Config{Enabled: false}); err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if err := Init(Config{Enabled: true, Exporter: "none"}); err != nil {
		t.Fatalf("Init none: %v", err)
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if err := Init(Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", nil},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1, b = 2 ,bad,=x", map[string]string{"a": "1", "b": "2"}},
		{"auth=Basic k=v", map[string]string{"auth": "Basic k=v"}},
	}

	for _, tt := range tests {
		got := parseHeaders(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("parseHeaders(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("parseHeaders(%q)[%q] = %q, want %q", tt.in, k, got[k], v)
			}
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "relay-test")
	t.Setenv("OTEL_TRACES_ENABLED", "true")
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")

	cfg := ConfigFromEnv()
	if cfg.ServiceName != "relay-test" || !cfg.Enabled || cfg.Exporter != "stdout" {
		t.Errorf("ConfigFromEnv() = %+v", cfg)
	}
}
