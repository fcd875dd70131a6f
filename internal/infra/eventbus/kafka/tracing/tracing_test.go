package tracing

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtract_RoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	msg := &sarama.ProducerMessage{
		Topic:   "scan-completed",
		Headers: []sarama.RecordHeader{{Key: []byte("event-type"), Value: []byte("ScanCompleted")}},
	}
	Inject(ctx, msg)

	carrier := headerCarrier{headers: &msg.Headers}
	assert.ElementsMatch(t, []string{"event-type", "traceparent"}, carrier.Keys())
	assert.Equal(t, "ScanCompleted", carrier.Get("event-type"))

	got := trace.SpanContextFromContext(Extract(context.Background(), msg.Headers))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	t.Parallel()

	var headers []sarama.RecordHeader
	c := headerCarrier{headers: &headers}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")

	require.Len(t, headers, 1)
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Empty(t, c.Get("tracestate"))
}

func TestStartPublishSpan(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	_, span := StartPublishSpan(context.Background(), tp.Tracer("test"), "scan-completed", "psf/requests")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "kafka.publish scan-completed", spans[0].Name())
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind())
	assert.Contains(t, spans[0].Attributes(), attribute.String("messaging.kafka.message.key", "psf/requests"))
}
