package scanning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/detector/fake"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

func newTestPool(t *testing.T, size int) *DetectorPool {
	t.Helper()
	return NewDetectorPool(size, logger.Noop(), newTestMetrics(t), tracenoop.NewTracerProvider().Tracer("test"))
}

func TestDetectorPool_Run(t *testing.T) {
	t.Parallel()

	snap := scanning.Snapshot{Path: "/tmp/snap"}

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		det := fake.New(scanning.DetectorOSV, fake.WithFindings(finding("requests", "2.25.0", "CVE-2023-32681", scanning.SeverityMedium)))
		out := newTestPool(t, 1).Run(context.Background(), det, snap, spec(scanning.DetectorOSV, time.Second))
		assert.Equal(t, scanning.OutcomeSucceeded, out.Kind)
		require.Len(t, out.Findings, 1)
		assert.Equal(t, scanning.DetectorOSV, out.Findings[0].Detector)
	})

	t.Run("budget exceeded", func(t *testing.T) {
		t.Parallel()
		det := fake.New(scanning.DetectorOSV, fake.BlockUntilCancelled())
		out := newTestPool(t, 1).Run(context.Background(), det, snap, spec(scanning.DetectorOSV, 20*time.Millisecond))
		assert.Equal(t, scanning.OutcomeTimedOut, out.Kind)
		assert.Empty(t, out.Findings)
	})

	t.Run("classified failure", func(t *testing.T) {
		t.Parallel()
		det := fake.New(scanning.DetectorOSV, fake.WithError(
			scanning.NewDetectorError(scanning.DetectorOSV, scanning.DetectorErrorMalformedOutput, nil)))
		out := newTestPool(t, 1).Run(context.Background(), det, snap, spec(scanning.DetectorOSV, time.Second))
		assert.Equal(t, scanning.OutcomeFailed, out.Kind)
		assert.Equal(t, scanning.DetectorErrorMalformedOutput, out.ErrorKind)
	})

	t.Run("panic", func(t *testing.T) {
		t.Parallel()
		det := fake.New(scanning.DetectorOSV, fake.WithPanic("boom"))
		out := newTestPool(t, 1).Run(context.Background(), det, snap, spec(scanning.DetectorOSV, time.Second))
		assert.Equal(t, scanning.OutcomeFailed, out.Kind)
		assert.Equal(t, scanning.DetectorErrorInternal, out.ErrorKind)
		assert.Contains(t, out.Error, "boom")
	})

	t.Run("deadline while waiting for a slot", func(t *testing.T) {
		t.Parallel()
		pool := newTestPool(t, 1)
		holder := fake.New(scanning.DetectorOSV, fake.BlockUntilCancelled())

		holdCtx, release := context.WithCancel(context.Background())
		defer release()
		go pool.Run(holdCtx, holder, snap, spec(scanning.DetectorOSV, time.Minute))
		<-holder.Started()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		waiter := fake.New(scanning.DetectorTrivy)
		out := pool.Run(ctx, waiter, snap, spec(scanning.DetectorTrivy, time.Minute))
		assert.Equal(t, scanning.OutcomeTimedOut, out.Kind)
		assert.Zero(t, waiter.Calls(), "never started without a slot")
	})
}

func TestDetectorRegistry(t *testing.T) {
	t.Parallel()

	r, err := NewDetectorRegistry(fake.New(scanning.DetectorAdvisory), fake.New(scanning.DetectorOSV))
	require.NoError(t, err)
	assert.Equal(t, []scanning.DetectorName{scanning.DetectorAdvisory, scanning.DetectorOSV}, r.Names())

	_, ok := r.Lookup(scanning.DetectorTrivy)
	assert.False(t, ok)

	_, err = NewDetectorRegistry(fake.New(scanning.DetectorOSV), fake.New(scanning.DetectorOSV))
	assert.Error(t, err)

	_, err = NewDetectorRegistry(fake.New("snyk"))
	assert.Error(t, err)
}
