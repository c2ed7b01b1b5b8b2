package observe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func TestInitProvider(t *testing.T) {
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})

	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "dev",
		TraceExporter:  exp,
	})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "vad.stream")
	span.End()

	// The in-memory exporter drops its spans on shutdown, so flush first.
	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok)
	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	require.Len(t, spans, 1)
	res := spans[0].Resource
	assert.Equal(t, semconv.SchemaURL, res.SchemaURL())

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "vad-segmenter", attrs[string(semconv.ServiceNameKey)])
	assert.Equal(t, "dev", attrs[string(semconv.ServiceVersionKey)])
}
