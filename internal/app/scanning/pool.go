package scanning

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

// DefaultPoolSize caps concurrently running detector invocations across all
// scans when no size is configured.
const DefaultPoolSize = 8

// DetectorPool runs detector invocations under a process-wide concurrency
// cap. It is shared by every concurrent scan, so the cap holds no matter how
// many scans fan out at once.
type DetectorPool struct {
	size int64
	sem  *semaphore.Weighted

	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

// NewDetectorPool creates a pool allowing at most size concurrent detector
// invocations.
func NewDetectorPool(size int, logger *logger.Logger, metrics ScanMetrics, tracer trace.Tracer) *DetectorPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &DetectorPool{
		size:    int64(size),
		sem:     semaphore.NewWeighted(int64(size)),
		logger:  logger.With("component", "detector_pool", "pool_size", size),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Size returns the concurrency cap.
func (p *DetectorPool) Size() int { return int(p.size) }

// Run invokes det against snap within spec's budget and ctx's deadline and
// converts whatever happens into a DetectorOutcome. Waiting for a slot counts
// against ctx but not against the detector's budget. If either deadline
// expires the outcome is TimedOut regardless of what the adapter returned.
// A panicking adapter yields Failed(INTERNAL). Run does not record the
// outcome metric; the caller decides which outcome is final.
func (p *DetectorPool) Run(
	ctx context.Context,
	det scanning.Detector,
	snap scanning.Snapshot,
	spec scanning.DetectorSpec,
) scanning.DetectorOutcome {
	start := time.Now()
	name := spec.Name
	ctx, span := p.tracer.Start(ctx, "detector_pool.run",
		trace.WithAttributes(
			attribute.String("detector", name.String()),
			attribute.String("snapshot", snap.Ref.String()),
			attribute.String("budget", spec.Budget.String()),
		))
	defer span.End()

	outcome := p.run(ctx, span, det, snap, spec, start)
	span.SetAttributes(
		attribute.String("outcome", outcome.Kind.String()),
		attribute.Int("findings", len(outcome.Findings)),
	)
	if !outcome.IsSuccess() {
		span.SetStatus(codes.Error, outcome.Error)
		p.logger.Warn(ctx, "Detector did not succeed",
			"detector", name,
			"outcome", outcome.Kind,
			"error_kind", outcome.ErrorKind,
			"error", outcome.Error,
			"duration", outcome.Duration,
		)
	} else {
		span.SetStatus(codes.Ok, "")
		p.logger.Debug(ctx, "Detector succeeded",
			"detector", name,
			"findings", len(outcome.Findings),
			"duration", outcome.Duration,
		)
	}
	return outcome
}

func (p *DetectorPool) run(
	ctx context.Context,
	span trace.Span,
	det scanning.Detector,
	snap scanning.Snapshot,
	spec scanning.DetectorSpec,
	start time.Time,
) scanning.DetectorOutcome {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		span.AddEvent("deadline_reached_waiting_for_slot")
		return scanning.TimedOut(spec.Name, time.Since(start))
	}
	defer p.sem.Release(1)
	span.AddEvent("slot_acquired")

	p.metrics.AddActiveDetectors(ctx, 1)
	defer p.metrics.AddActiveDetectors(ctx, -1)

	budget := spec.Budget
	if budget <= 0 {
		budget = scanning.DefaultDetectorBudget
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	findings, err := p.invoke(runCtx, det, snap, spec.Options)
	elapsed := time.Since(start)

	if runCtx.Err() != nil {
		return scanning.TimedOut(spec.Name, elapsed)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return scanning.TimedOut(spec.Name, elapsed)
		}
		span.RecordError(err)
		return scanning.Failed(spec.Name, err, elapsed)
	}
	return scanning.Succeeded(spec.Name, findings, elapsed)
}

// invoke calls the adapter, converting a panic into an INTERNAL detector error.
func (p *DetectorPool) invoke(
	ctx context.Context,
	det scanning.Detector,
	snap scanning.Snapshot,
	opts map[string]string,
) (findings []scanning.RawFinding, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(ctx, "Detector panicked", "detector", det.Name(), "panic", r, "stack", string(debug.Stack()))
			findings = nil
			err = scanning.NewDetectorError(det.Name(), scanning.DetectorErrorInternal, fmt.Errorf("detector panicked: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return det.Detect(ctx, snap, opts)
}
