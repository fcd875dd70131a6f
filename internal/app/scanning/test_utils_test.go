package scanning

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/cache/memory"
	"github.com/ahrav/oss-health-monitor/internal/infra/detector/fake"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

const testCommit = "0e322af87745eff34caffe4df68456ebc20d9068"

// mockResultSink implements scanning.ResultSink for testing.
type mockResultSink struct{ mock.Mock }

func (m *mockResultSink) Store(ctx context.Context, result *scanning.ScanResult, metrics scanning.HealthMetrics) error {
	args := m.Called(ctx, result, metrics)
	return args.Error(0)
}

// countingCache wraps the memory cache to observe writes.
type countingCache struct {
	*memory.ScanCache
	puts atomic.Int64
}

func (c *countingCache) Put(key scanning.CacheKey, value scanning.CachedScan) {
	c.puts.Add(1)
	c.ScanCache.Put(key, value)
}

type testHarness struct {
	orchestrator *ScanOrchestrator
	resolver     *fake.Resolver
	cache        *countingCache
	sink         *mockResultSink
}

type harnessConfig struct {
	poolSize int
	sink     scanning.ResultSink
	metrics  ScanMetrics
	opts     []Option
}

func newTestMetrics(t *testing.T) ScanMetrics {
	t.Helper()
	m, err := NewScanMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

func newTestHarness(t *testing.T, cfg harnessConfig, detectors ...scanning.Detector) *testHarness {
	t.Helper()

	registry, err := NewDetectorRegistry(detectors...)
	require.NoError(t, err)

	log := logger.Noop()
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	metrics := cfg.metrics
	if metrics == nil {
		metrics = newTestMetrics(t)
	}

	h := &testHarness{
		resolver: fake.NewResolver(testCommit),
		cache:    &countingCache{ScanCache: memory.NewScanCache()},
		sink:     new(mockResultSink),
	}
	sink := cfg.sink
	if sink == nil {
		sink = h.sink
	}

	pool := NewDetectorPool(cfg.poolSize, log, metrics, tracer)
	h.orchestrator = NewScanOrchestrator(h.resolver, registry, pool, h.cache, sink, log, metrics, tracer, cfg.opts...)
	return h
}

// outcomeRecorder counts detector outcome observations per detector.
type outcomeRecorder struct {
	ScanMetrics

	mu     sync.Mutex
	counts map[scanning.DetectorName]int
}

func newOutcomeRecorder(t *testing.T) *outcomeRecorder {
	return &outcomeRecorder{ScanMetrics: newTestMetrics(t), counts: make(map[scanning.DetectorName]int)}
}

func (r *outcomeRecorder) ObserveDetectorOutcome(ctx context.Context, outcome scanning.DetectorOutcome) {
	r.mu.Lock()
	r.counts[outcome.Detector]++
	r.mu.Unlock()
	r.ScanMetrics.ObserveDetectorOutcome(ctx, outcome)
}

func (r *outcomeRecorder) count(name scanning.DetectorName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func repo(t *testing.T, owner, name string) scanning.RepositoryIdentity {
	t.Helper()
	r, err := scanning.NewRepositoryIdentity(owner, name)
	require.NoError(t, err)
	return r
}

func scanConfig(deadline time.Duration, specs ...scanning.DetectorSpec) scanning.ScanConfig {
	return scanning.ScanConfig{Detectors: specs, WholeScanDeadline: deadline}
}

func spec(name scanning.DetectorName, budget time.Duration) scanning.DetectorSpec {
	return scanning.DetectorSpec{Name: name, Budget: budget}
}

func finding(pkg, version, id string, sev scanning.Severity) scanning.RawFinding {
	return scanning.RawFinding{
		Ecosystem:       "PyPI",
		PackageName:     pkg,
		Version:         version,
		VulnerabilityID: id,
		Severity:        sev,
	}
}
