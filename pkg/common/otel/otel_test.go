package otel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

func TestGetTraceID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "00000000000000000000000000000000", GetTraceID(context.Background()))

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestEndpointExcluder(t *testing.T) {
	t.Parallel()

	sampler := newEndpointExcluder(map[string]struct{}{"/health": {}}, 1)

	params := func(target string) sdktrace.SamplingParameters {
		return sdktrace.SamplingParameters{
			TraceID:    trace.TraceID{1},
			Attributes: []attribute.KeyValue{semconv.HTTPTargetKey.String(target)},
		}
	}

	assert.Equal(t, sdktrace.Drop, sampler.ShouldSample(params("/health")).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, sampler.ShouldSample(params("/v1/scan/repository")).Decision)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	var sawTraceID string
	h := Middleware(tp.Tracer("test"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawTraceID = GetTraceID(r.Context())
		w.WriteHeader(http.StatusBadGateway)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/scans/abc", nil))

	assert.Equal(t, http.StatusBadGateway, rr.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/scans/abc", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), sawTraceID)
	assert.Contains(t, spans[0].Attributes(), attribute.Int(string(semconv.HTTPStatusCodeKey), http.StatusBadGateway))
}
