package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracerProviderPropagatesContext(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(ctx, Options{
		ServiceName: "keypick-gateway",
		Version:     "test",
		Region:      "iad",
		Exporters:   []sdktrace.SpanExporter{exporter},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	spanCtx, span := Tracer().Start(ctx, "publish")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	span.End()
	assert.NotEmpty(t, carrier.Get("traceparent"))

	extracted := otel.GetTextMapPropagator().Extract(ctx, carrier)
	_, child := Tracer().Start(extracted, "consume")
	child.End()

	require.NoError(t, tp.ForceFlush(ctx))
	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[0].SpanContext.TraceID(), spans[1].SpanContext.TraceID())
}
