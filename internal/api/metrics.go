package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/oss-health-monitor/internal/infra/eventbus/kafka"
)

const namespace = "health_api"

// APIMetrics is everything the HTTP layer records. It also carries the event
// bus counters so the scan-completed publisher can share one meter.
type APIMetrics interface {
	kafka.EventBusMetrics

	IncRequestsTotal(ctx context.Context, method, route string, status int)
	ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration)

	IncScanRequestsTotal(ctx context.Context)
	IncScanRequestErrors(ctx context.Context, reason string)
	// ObserveScanResponse records a scan the API answered with a result body,
	// including total detector failures.
	ObserveScanResponse(ctx context.Context, status string, cacheHit bool, findings int)
}

type apiMetrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram

	scanRequests     metric.Int64Counter
	scanRejections   metric.Int64Counter
	scanResponses    metric.Int64Counter
	findingsPerScan  metric.Int64Histogram
	eventsPublished  metric.Int64Counter
	eventPublishErrs metric.Int64Counter
}

// NewAPIMetrics registers the API instruments with mp.
func NewAPIMetrics(mp metric.MeterProvider) (*apiMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requests, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("HTTP requests by method, route pattern and status code"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency by method and route pattern"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.scanRequests, err = meter.Int64Counter(
		"scan_requests_total",
		metric.WithDescription("Repository scan requests received"),
	); err != nil {
		return nil, err
	}

	if m.scanRejections, err = meter.Int64Counter(
		"scan_request_errors_total",
		metric.WithDescription("Scan requests answered with an error, by reason"),
	); err != nil {
		return nil, err
	}

	if m.scanResponses, err = meter.Int64Counter(
		"scan_responses_total",
		metric.WithDescription("Scan results returned, by scan status and cache hit"),
	); err != nil {
		return nil, err
	}

	if m.findingsPerScan, err = meter.Int64Histogram(
		"scan_response_findings",
		metric.WithDescription("Canonical findings returned per scan response"),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250, 500, 1000),
	); err != nil {
		return nil, err
	}

	if m.eventsPublished, err = meter.Int64Counter(
		"scan_events_published_total",
		metric.WithDescription("Scan-completed events published to the event bus"),
	); err != nil {
		return nil, err
	}

	if m.eventPublishErrs, err = meter.Int64Counter(
		"scan_event_publish_errors_total",
		metric.WithDescription("Scan-completed events the event bus rejected"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *apiMetrics) IncPublishError(ctx context.Context, topic string) {
	m.eventPublishErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, route string, status int) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

func (m *apiMetrics) IncScanRequestsTotal(ctx context.Context) { m.scanRequests.Add(ctx, 1) }

func (m *apiMetrics) IncScanRequestErrors(ctx context.Context, reason string) {
	m.scanRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *apiMetrics) ObserveScanResponse(ctx context.Context, status string, cacheHit bool, findings int) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("cache_hit", cacheHit),
	)
	m.scanResponses.Add(ctx, 1, attrs)
	m.findingsPerScan.Record(ctx, int64(findings), attrs)
}
