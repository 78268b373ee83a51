package observe

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTestTracerProvider installs a TracerProvider with an in-memory exporter
// as the global provider for the duration of the test.
func useTestTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_CreatesSpan(t *testing.T) {
	exp := useTestTracerProvider(t)

	ctx, span := StartSpan(context.Background(), "session.handshake")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.handshake" {
		t.Fatalf("spans = %v", spans)
	}
}

func TestStartFragmentSpan_Attributes(t *testing.T) {
	exp := useTestTracerProvider(t)

	span := StartFragmentSpan(context.Background(), "frag-1", 4, 2)
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "fragment.round_trip" || s.SpanKind != trace.SpanKindClient {
		t.Errorf("span = %s/%v", s.Name, s.SpanKind)
	}
	want := map[string]bool{"fragment.id": false, "fragment.sequence": false, "session.epoch": false}
	for _, a := range s.Attributes {
		switch string(a.Key) {
		case "fragment.id":
			want["fragment.id"] = a.Value.AsString() == "frag-1"
		case "fragment.sequence":
			want["fragment.sequence"] = a.Value.AsInt64() == 4
		case "session.epoch":
			want["session.epoch"] = a.Value.AsInt64() == 2
		}
	}
	for k, ok := range want {
		if !ok {
			t.Errorf("attribute %s missing or wrong", k)
		}
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	useTestTracerProvider(t)
	buf := captureLogs(t, slog.LevelInfo)

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("session established")

	logged := buf.String()
	if !bytes.Contains([]byte(logged), []byte("trace_id=")) {
		t.Errorf("log output missing trace_id, got: %s", logged)
	}
	if !bytes.Contains([]byte(logged), []byte("span_id=")) {
		t.Errorf("log output missing span_id, got: %s", logged)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	Logger(context.Background()).Info("test message")

	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("log output should not contain trace_id, got: %s", buf.String())
	}
}
