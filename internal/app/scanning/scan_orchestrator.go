// Package scanning provides the scan orchestrator: it resolves a repository to
// an immutable snapshot, serves repeated scans from the scan cache, fans out to
// the configured detectors under per-detector budgets and a whole-scan
// deadline, merges their findings and hands the result to persistence.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
	"github.com/ahrav/oss-health-monitor/pkg/common/timeutil"
)

// DefaultPersistTimeout bounds how long the orchestrator waits on its result
// sink once a scan has completed.
const DefaultPersistTimeout = 15 * time.Second

// scanPhase names the orchestration states. No phase is re-entered within one
// call.
type scanPhase string

const (
	phaseRequested       scanPhase = "REQUESTED"
	phaseResolving       scanPhase = "RESOLVING"
	phaseCacheCheck      scanPhase = "CACHE_CHECK"
	phaseCacheHit        scanPhase = "CACHE_HIT"
	phaseMaterializing   scanPhase = "MATERIALIZING"
	phaseFanout          scanPhase = "FANOUT"
	phaseMerging         scanPhase = "MERGING"
	phaseMetricsComputed scanPhase = "METRICS_COMPUTED"
	phasePersisting      scanPhase = "PERSISTING"
	phaseDone            scanPhase = "DONE"
	phaseAborted         scanPhase = "ABORTED"
)

// ScanRequest is the input to ScanOrchestrator.Scan.
type ScanRequest struct {
	Repository scanning.RepositoryIdentity
	// RefHint is a branch, tag or commit; empty means the default branch.
	RefHint string
	Config  scanning.ScanConfig
}

// ScanOutcome is what a scan hands back to the request layer.
type ScanOutcome struct {
	Result  *scanning.ScanResult
	Metrics scanning.HealthMetrics
	// CacheHit is set when the result was served from the scan cache without
	// running any detector.
	CacheHit bool
	// Shared is set when the result was produced by a concurrent identical
	// scan this call waited on.
	Shared bool
	// PersistErr holds the sink failure, if any. It never alters Result.
	PersistErr error

	err   error
	order []scanning.DetectorName
}

// Outcomes returns the detector outcomes in the order the request configured
// its detectors. A cache hit may be served by a run whose configuration listed
// the same detectors in another order; Result.Outcomes keeps that run's order,
// as does the Detectors list of every canonical finding.
func (o *ScanOutcome) Outcomes() []scanning.DetectorOutcome {
	outcomes := o.Result.Outcomes()
	if len(o.order) == 0 {
		return outcomes
	}
	rank := make(map[scanning.DetectorName]int, len(o.order))
	for i, name := range o.order {
		rank[name] = i
	}
	slices.SortStableFunc(outcomes, func(a, b scanning.DetectorOutcome) int {
		return rank[a.Detector] - rank[b.Detector]
	})
	return outcomes
}

// Err returns the orchestration error for a TOTAL_FAILURE result and nil
// otherwise. A total failure is a legitimate outcome, so Scan returns it
// alongside a nil error and callers must check Err.
func (o *ScanOutcome) Err() error { return o.err }

// ScanOrchestrator coordinates one scan per Scan call. It is safe for
// concurrent use; the scan cache and the detector pool are the only state
// shared between calls.
type ScanOrchestrator struct {
	resolver scanning.SnapshotResolver
	registry *DetectorRegistry
	pool     *DetectorPool
	cache    scanning.ScanCache
	sink     scanning.ResultSink

	clock          timeutil.Provider
	persistTimeout time.Duration
	flights        *singleflight.Group

	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

// Option configures a ScanOrchestrator.
type Option func(*ScanOrchestrator)

// WithSingleFlight collapses concurrent scans of the same cache key into one
// execution. The shared execution is detached from any single caller's
// cancellation; each caller still stops waiting when its own context ends.
func WithSingleFlight() Option {
	return func(o *ScanOrchestrator) { o.flights = new(singleflight.Group) }
}

// WithClock sets the clock used to stamp scan completion times.
func WithClock(clock timeutil.Provider) Option {
	return func(o *ScanOrchestrator) { o.clock = clock }
}

// WithPersistTimeout bounds the result sink call.
func WithPersistTimeout(d time.Duration) Option {
	return func(o *ScanOrchestrator) {
		if d > 0 {
			o.persistTimeout = d
		}
	}
}

// NewScanOrchestrator creates a ScanOrchestrator. sink may be nil, in which
// case results are only cached.
func NewScanOrchestrator(
	resolver scanning.SnapshotResolver,
	registry *DetectorRegistry,
	pool *DetectorPool,
	cache scanning.ScanCache,
	sink scanning.ResultSink,
	logger *logger.Logger,
	metrics ScanMetrics,
	tracer trace.Tracer,
	opts ...Option,
) *ScanOrchestrator {
	o := &ScanOrchestrator{
		resolver:       resolver,
		registry:       registry,
		pool:           pool,
		cache:          cache,
		sink:           sink,
		clock:          timeutil.Default(),
		persistTimeout: DefaultPersistTimeout,
		logger:         logger.With("component", "scan_orchestrator"),
		metrics:        metrics,
		tracer:         tracer,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Scan runs the configured detectors against the snapshot req resolves to, or
// returns the cached result for that snapshot and configuration.
//
// It returns an error for an invalid request, for a resolution failure
// (*scanning.OrchestrationError of kind RESOLUTION_FAILED) and when ctx ends
// before the scan does. When every detector fails the returned outcome carries
// a TOTAL_FAILURE result and a non-nil Err; such results are neither cached
// nor persisted.
func (o *ScanOrchestrator) Scan(ctx context.Context, req ScanRequest) (*ScanOutcome, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.scan",
		trace.WithAttributes(
			attribute.String("repository", req.Repository.String()),
			attribute.String("ref_hint", req.RefHint),
		))
	defer span.End()
	o.enter(ctx, span, phaseRequested)

	if !req.Repository.Valid() {
		span.SetStatus(codes.Error, "invalid repository")
		return nil, scanning.ErrInvalidRepository
	}
	cfg := req.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid scan config")
		return nil, err
	}
	fingerprint := cfg.Fingerprint()
	span.SetAttributes(
		attribute.String("config_fingerprint", fingerprint),
		attribute.Int("detectors", len(cfg.Detectors)),
	)

	// The whole-scan deadline bounds resolution, checkout and fan-out alike.
	deadline := start.Add(cfg.WholeScanDeadline)
	ref, err := o.resolve(ctx, span, req, deadline)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("commit_sha", ref.CommitSHA))

	o.enter(ctx, span, phaseCacheCheck)
	key := scanning.NewCacheKey(ref, fingerprint)
	if cached, ok := o.cache.Get(key); ok {
		o.metrics.IncCacheHits(ctx)
		o.enter(ctx, span, phaseCacheHit)
		o.logger.Info(ctx, "Scan served from cache",
			"cache_key", key.String(),
			"scan_id", cached.Result.ID(),
			"status", cached.Result.Status(),
		)
		span.SetAttributes(attribute.Bool("cache_hit", true))
		o.enter(ctx, span, phaseDone)
		return &ScanOutcome{
			Result:   cached.Result,
			Metrics:  cached.Metrics,
			CacheHit: true,
			order:    cfg.DetectorNames(),
		}, nil
	}
	o.metrics.IncCacheMisses(ctx)
	span.SetAttributes(attribute.Bool("cache_hit", false))

	var out *ScanOutcome
	if o.flights != nil {
		out, err = o.executeShared(ctx, key, ref, cfg, deadline)
	} else {
		out, err = o.execute(ctx, key, ref, cfg, deadline)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return nil, err
	}
	out.order = cfg.DetectorNames()

	if out.Result != nil && !out.Shared {
		o.metrics.ObserveScan(ctx, out.Result.Status(), time.Since(start))
	}
	if out.err != nil {
		span.SetStatus(codes.Error, out.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return out, nil
}

// resolve pins the requested ref to a commit within the whole-scan deadline.
func (o *ScanOrchestrator) resolve(
	ctx context.Context,
	span trace.Span,
	req ScanRequest,
	deadline time.Time,
) (scanning.SnapshotRef, error) {
	o.enter(ctx, span, phaseResolving)

	resolveCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ref, err := o.resolver.Resolve(resolveCtx, req.Repository, req.RefHint)
	if err == nil {
		return ref, nil
	}
	if ctxErr := resolveCtx.Err(); ctxErr != nil {
		o.enter(ctx, span, phaseAborted)
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolution did not finish")
		return scanning.SnapshotRef{}, fmt.Errorf("resolving %s: %w", req.Repository, ctxErr)
	}
	return scanning.SnapshotRef{}, o.abortResolution(ctx, span, req.Repository, err)
}

// executeShared runs execute at most once per key among concurrent callers.
// The shared run ignores the first caller's cancellation but keeps its
// whole-scan deadline.
func (o *ScanOrchestrator) executeShared(
	ctx context.Context,
	key scanning.CacheKey,
	ref scanning.SnapshotRef,
	cfg scanning.ScanConfig,
	deadline time.Time,
) (*ScanOutcome, error) {
	ch := o.flights.DoChan(key.String(), func() (any, error) {
		return o.execute(context.WithoutCancel(ctx), key, ref, cfg, deadline)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*ScanOutcome)
		out.Shared = res.Shared
		return &out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for shared scan of %s: %w", key, ctx.Err())
	}
}

// execute runs everything after a cache miss: checkout, fan-out, merge,
// metrics, cache write and persistence. Checkout and fan-out share the
// whole-scan deadline; ctx ending first aborts the scan.
func (o *ScanOrchestrator) execute(
	ctx context.Context,
	key scanning.CacheKey,
	ref scanning.SnapshotRef,
	cfg scanning.ScanConfig,
	deadline time.Time,
) (*ScanOutcome, error) {
	span := trace.SpanFromContext(ctx)

	scanCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	o.enter(ctx, span, phaseMaterializing)
	snap, release, err := o.resolver.Materialize(scanCtx, ref)
	if err != nil {
		if ctxErr := scanCtx.Err(); ctxErr != nil {
			o.enter(ctx, span, phaseAborted)
			span.RecordError(err)
			return nil, fmt.Errorf("checking out %s: %w", ref, ctxErr)
		}
		return nil, o.abortResolution(ctx, span, ref.Repository, err)
	}
	defer release()

	o.enter(ctx, span, phaseFanout)
	outcomes := o.fanOut(scanCtx, snap, cfg)
	if err := ctx.Err(); err != nil {
		o.enter(ctx, span, phaseAborted)
		return nil, fmt.Errorf("scan of %s cancelled: %w", ref, err)
	}

	o.enter(ctx, span, phaseMerging)
	result := scanning.NewScanResult(uuid.New(), ref, key.ConfigFingerprint, outcomes, o.clock.Now())
	span.SetAttributes(
		attribute.String("scan_id", result.ID().String()),
		attribute.String("status", result.Status().String()),
		attribute.Int("findings", result.FindingCount()),
	)

	o.enter(ctx, span, phaseMetricsComputed)
	metrics := scanning.ComputeMetrics(result)

	if !result.Status().Cacheable() {
		o.enter(ctx, span, phaseAborted)
		failed := result.FailedDetectors()
		o.logger.Warn(ctx, "Every detector failed; result not cached",
			"snapshot", ref.String(),
			"failed_detectors", failed,
		)
		return &ScanOutcome{
			Result:  result,
			Metrics: metrics,
			err: &scanning.OrchestrationError{
				Kind:            scanning.OrchestrationTotalDetectorFailure,
				Repository:      ref.Repository,
				FailedDetectors: failed,
			},
		}, nil
	}

	o.cache.Put(key, scanning.CachedScan{Result: result, Metrics: metrics})
	o.metrics.ObserveFindings(ctx, ref.Repository, result.FindingCount())
	out := &ScanOutcome{Result: result, Metrics: metrics}

	o.enter(ctx, span, phasePersisting)
	if err := o.persist(ctx, result, metrics); err != nil {
		out.PersistErr = err
	}

	o.enter(ctx, span, phaseDone)
	o.logger.Info(ctx, "Scan completed",
		"snapshot", ref.String(),
		"scan_id", result.ID(),
		"status", result.Status(),
		"findings", result.FindingCount(),
		"failed_detectors", result.FailedDetectors(),
	)
	return out, nil
}

type indexedOutcome struct {
	idx     int
	outcome scanning.DetectorOutcome
}

// fanOut runs every configured detector concurrently and joins on all of
// them. Detectors still running when ctx ends are recorded as TimedOut and
// their late results are discarded. Each final outcome is observed exactly
// once. Outcomes are returned in configured order.
func (o *ScanOrchestrator) fanOut(
	deadlineCtx context.Context,
	snap scanning.Snapshot,
	cfg scanning.ScanConfig,
) []scanning.DetectorOutcome {
	ctx := context.WithoutCancel(deadlineCtx)

	start := time.Now()
	outcomes := make([]scanning.DetectorOutcome, len(cfg.Detectors))
	reported := make([]bool, len(cfg.Detectors))
	// Buffered so stragglers that return after the deadline never block.
	results := make(chan indexedOutcome, len(cfg.Detectors))

	pending := 0
	for i, spec := range cfg.Detectors {
		det, ok := o.registry.Lookup(spec.Name)
		if !ok {
			outcomes[i] = scanning.Failed(
				spec.Name,
				scanning.NewDetectorError(spec.Name, scanning.DetectorErrorNotAvailable, ErrDetectorNotRegistered),
				0,
			)
			reported[i] = true
			o.metrics.ObserveDetectorOutcome(ctx, outcomes[i])
			continue
		}

		pending++
		go func(i int, det scanning.Detector, spec scanning.DetectorSpec) {
			results <- indexedOutcome{idx: i, outcome: o.pool.Run(deadlineCtx, det, snap, spec)}
		}(i, det, spec)
	}

	record := func(r indexedOutcome) {
		outcomes[r.idx] = r.outcome
		reported[r.idx] = true
		pending--
		o.metrics.ObserveDetectorOutcome(ctx, r.outcome)
	}

	for pending > 0 {
		select {
		case r := <-results:
			record(r)
		case <-deadlineCtx.Done():
			// Keep anything that reported before the deadline was observed.
			for drained := false; !drained && pending > 0; {
				select {
				case r := <-results:
					record(r)
				default:
					drained = true
				}
			}
			for i, done := range reported {
				if !done {
					outcomes[i] = scanning.TimedOut(cfg.Detectors[i].Name, time.Since(start))
					o.metrics.ObserveDetectorOutcome(ctx, outcomes[i])
				}
			}
			o.logger.Warn(ctx, "Whole-scan deadline reached",
				"snapshot", snap.Ref.String(),
				"deadline", cfg.WholeScanDeadline,
				"stragglers", pending,
			)
			pending = 0
		}
	}

	return outcomes
}

// persist hands the result to the sink. The result is already final, so the
// sink call is detached from the caller's cancellation and bounded by the
// persist timeout instead.
func (o *ScanOrchestrator) persist(ctx context.Context, result *scanning.ScanResult, metrics scanning.HealthMetrics) error {
	if o.sink == nil {
		return nil
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()

	err := o.sink.Store(persistCtx, result, metrics)
	if err == nil {
		return nil
	}

	var perr *scanning.PersistenceError
	if !errors.As(err, &perr) {
		err = &scanning.PersistenceError{Sink: "result_sink", ScanID: result.ID().String(), Err: err}
	}
	o.metrics.IncPersistErrors(ctx)
	o.logger.Error(ctx, "Failed to persist scan result",
		"scan_id", result.ID(),
		"error", err,
	)
	trace.SpanFromContext(ctx).RecordError(err)
	return err
}

func (o *ScanOrchestrator) abortResolution(
	ctx context.Context,
	span trace.Span,
	repo scanning.RepositoryIdentity,
	err error,
) error {
	o.enter(ctx, span, phaseAborted)

	kind := scanning.ResolutionNetworkFailure
	var rerr *scanning.ResolutionError
	if errors.As(err, &rerr) {
		kind = rerr.Kind
	} else if ctx.Err() != nil {
		return fmt.Errorf("resolving %s: %w", repo, err)
	} else {
		err = scanning.NewResolutionError(repo, kind, err)
	}
	o.metrics.IncResolutionErrors(ctx, kind)

	span.RecordError(err)
	span.SetStatus(codes.Error, "snapshot resolution failed")
	o.logger.Warn(ctx, "Snapshot resolution failed",
		"repository", repo.String(),
		"kind", kind,
		"error", err,
	)
	return &scanning.OrchestrationError{
		Kind:       scanning.OrchestrationResolutionFailed,
		Repository: repo,
		Err:        err,
	}
}

func (o *ScanOrchestrator) enter(ctx context.Context, span trace.Span, phase scanPhase) {
	span.AddEvent(string(phase))
	o.logger.Debug(ctx, "Scan phase", "phase", string(phase))
}
