package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestDisabledByDefaultIsNoop(t *testing.T) {
	globalProvider = &Provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}
	if Enabled() {
		t.Fatal("expected tracing disabled before Init")
	}
	ctx, span := StartSpan(context.Background(), "corerpc.forward", AttrRPCID.Int64(1))
	span.End()
	if GetTraceID(ctx) != "" {
		t.Fatal("expected no trace id from a noop tracer")
	}
}

func TestInitWithStdoutExporterEnablesTracing(t *testing.T) {
	if err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "corerpc-test",
		SampleRate:  1.0,
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { Shutdown(context.Background()) })

	if !Enabled() {
		t.Fatal("expected tracing enabled after Init")
	}

	_, span := StartServerSpan(context.Background(), "corerpc.inbound", AttrPeerAddr.String("peer:1"))
	SetSpanOK(span)
	span.End()
}

func TestExtractInjectTraceContextRoundTrip(t *testing.T) {
	if err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "corerpc-test",
		SampleRate:  1.0,
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { Shutdown(context.Background()) })

	ctx, span := StartSpan(context.Background(), "corerpc.forward")
	defer span.End()

	tc := ExtractTraceContext(ctx)
	if tc.TraceParent == "" {
		t.Fatal("expected a non-empty traceparent once tracing is enabled")
	}

	restored := InjectTraceContext(context.Background(), tc)
	if GetTraceID(restored) != GetTraceID(ctx) {
		t.Fatalf("trace id did not survive extract/inject round trip")
	}
}
