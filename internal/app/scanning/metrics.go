package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
)

// ScanMetrics defines the metrics operations needed by the scan orchestrator
// and the detector pool.
type ScanMetrics interface {
	// Cache metrics
	IncCacheHits(ctx context.Context)
	IncCacheMisses(ctx context.Context)

	// Detector metrics
	ObserveDetectorOutcome(ctx context.Context, outcome scanning.DetectorOutcome)
	AddActiveDetectors(ctx context.Context, delta int64)

	// Scan metrics
	ObserveScan(ctx context.Context, status scanning.ScanStatus, duration time.Duration)
	IncResolutionErrors(ctx context.Context, kind scanning.ResolutionErrorKind)
	IncPersistErrors(ctx context.Context)
	ObserveFindings(ctx context.Context, repo scanning.RepositoryIdentity, count int)
}

// scanMetrics implements ScanMetrics.
type scanMetrics struct {
	// Cache metrics
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	// Detector metrics
	detectorOutcomes metric.Int64Counter
	detectorDuration metric.Float64Histogram
	activeDetectors  metric.Int64UpDownCounter

	// Scan metrics
	scansCompleted   metric.Int64Counter
	scanDuration     metric.Float64Histogram
	resolutionErrors metric.Int64Counter
	persistErrors    metric.Int64Counter
	findingsPerScan  metric.Int64Histogram
}

const namespace = "scan_orchestrator"

// NewScanMetrics creates a new ScanMetrics instance.
func NewScanMetrics(mp metric.MeterProvider) (*scanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	s := new(scanMetrics)
	var err error

	if s.cacheHits, err = meter.Int64Counter(
		"scan_cache_hits_total",
		metric.WithDescription("Total number of scans served from the scan cache"),
	); err != nil {
		return nil, err
	}

	if s.cacheMisses, err = meter.Int64Counter(
		"scan_cache_misses_total",
		metric.WithDescription("Total number of scans that missed the scan cache"),
	); err != nil {
		return nil, err
	}

	if s.detectorOutcomes, err = meter.Int64Counter(
		"detector_outcomes_total",
		metric.WithDescription("Total number of detector invocations by detector and outcome"),
	); err != nil {
		return nil, err
	}

	if s.detectorDuration, err = meter.Float64Histogram(
		"detector_duration_seconds",
		metric.WithDescription("Time taken by a single detector invocation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 90),
	); err != nil {
		return nil, err
	}

	if s.activeDetectors, err = meter.Int64UpDownCounter(
		"active_detectors",
		metric.WithDescription("Number of detector invocations currently running"),
	); err != nil {
		return nil, err
	}

	if s.scansCompleted, err = meter.Int64Counter(
		"scans_completed_total",
		metric.WithDescription("Total number of scans that ran detectors, by status"),
	); err != nil {
		return nil, err
	}

	if s.scanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Time taken by a scan from resolution to persistence"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 20, 30, 45, 60, 65, 90, 120),
	); err != nil {
		return nil, err
	}

	if s.resolutionErrors, err = meter.Int64Counter(
		"resolution_errors_total",
		metric.WithDescription("Total number of snapshot resolution failures by kind"),
	); err != nil {
		return nil, err
	}

	if s.persistErrors, err = meter.Int64Counter(
		"persist_errors_total",
		metric.WithDescription("Total number of scan results that failed to persist"),
	); err != nil {
		return nil, err
	}

	if s.findingsPerScan, err = meter.Int64Histogram(
		"findings_per_scan",
		metric.WithDescription("Number of canonical findings per completed scan"),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250, 500),
	); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *scanMetrics) IncCacheHits(ctx context.Context)   { s.cacheHits.Add(ctx, 1) }
func (s *scanMetrics) IncCacheMisses(ctx context.Context) { s.cacheMisses.Add(ctx, 1) }

func (s *scanMetrics) ObserveDetectorOutcome(ctx context.Context, outcome scanning.DetectorOutcome) {
	attrs := metric.WithAttributes(
		attribute.String("detector", outcome.Detector.String()),
		attribute.String("outcome", outcome.Kind.String()),
		attribute.String("error_kind", outcome.ErrorKind.String()),
	)
	s.detectorOutcomes.Add(ctx, 1, attrs)
	s.detectorDuration.Record(ctx, outcome.Duration.Seconds(),
		metric.WithAttributes(attribute.String("detector", outcome.Detector.String())))
}

func (s *scanMetrics) AddActiveDetectors(ctx context.Context, delta int64) {
	s.activeDetectors.Add(ctx, delta)
}

func (s *scanMetrics) ObserveScan(ctx context.Context, status scanning.ScanStatus, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status.String()))
	s.scansCompleted.Add(ctx, 1, attrs)
	s.scanDuration.Record(ctx, duration.Seconds(), attrs)
}

func (s *scanMetrics) IncResolutionErrors(ctx context.Context, kind scanning.ResolutionErrorKind) {
	s.resolutionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (s *scanMetrics) IncPersistErrors(ctx context.Context) { s.persistErrors.Add(ctx, 1) }

func (s *scanMetrics) ObserveFindings(ctx context.Context, repo scanning.RepositoryIdentity, count int) {
	s.findingsPerScan.Record(ctx, int64(count), metric.WithAttributes(attribute.String("repository", repo.String())))
}
