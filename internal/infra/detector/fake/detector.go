// Package fake provides scripted, in-process detectors for tests.
package fake

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
)

// Detector is a scripted scanning.Detector. The zero behavior returns no
// findings immediately. It is safe for concurrent use.
type Detector struct {
	name scanning.DetectorName

	mu        sync.Mutex
	findings  []scanning.RawFinding
	err       error
	delay     time.Duration
	block     bool
	ignoreCtx bool
	panicVal  any
	started   chan struct{}
	release   chan struct{}

	calls   atomic.Int64
	running atomic.Int64
	peak    atomic.Int64
}

var _ scanning.Detector = (*Detector)(nil)

// Option configures a Detector.
type Option func(*Detector)

// WithFindings makes every invocation return findings.
func WithFindings(findings ...scanning.RawFinding) Option {
	return func(d *Detector) { d.findings = findings }
}

// WithError makes every invocation fail with err.
func WithError(err error) Option {
	return func(d *Detector) { d.err = err }
}

// WithDelay makes every invocation take at least delay, returning early if
// its context ends.
func WithDelay(delay time.Duration) Option {
	return func(d *Detector) { d.delay = delay }
}

// BlockUntilCancelled makes every invocation run until its context ends.
func BlockUntilCancelled() Option {
	return func(d *Detector) { d.block = true }
}

// IgnoringCancellation makes invocations wait for Release instead of
// honouring their context, modelling an adapter that does not cooperate.
func IgnoringCancellation() Option {
	return func(d *Detector) { d.ignoreCtx = true }
}

// WithPanic makes every invocation panic with v.
func WithPanic(v any) Option {
	return func(d *Detector) { d.panicVal = v }
}

// New creates a scripted detector reporting as name.
func New(name scanning.DetectorName, opts ...Option) *Detector {
	d := &Detector{
		name:    name,
		started: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) Name() scanning.DetectorName { return d.name }

// Detect implements scanning.Detector.
func (d *Detector) Detect(ctx context.Context, _ scanning.Snapshot, _ map[string]string) ([]scanning.RawFinding, error) {
	d.calls.Add(1)
	n := d.running.Add(1)
	defer d.running.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case d.started <- struct{}{}:
	default:
	}

	d.mu.Lock()
	findings, err, delay, block, ignoreCtx, panicVal := d.findings, d.err, d.delay, d.block, d.ignoreCtx, d.panicVal
	d.mu.Unlock()

	if panicVal != nil {
		panic(panicVal)
	}

	switch {
	case ignoreCtx:
		<-d.release
	case block:
		<-ctx.Done()
		return nil, ctx.Err()
	case delay > 0:
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	out := make([]scanning.RawFinding, len(findings))
	for i, f := range findings {
		if f.Detector == "" {
			f.Detector = d.name
		}
		out[i] = f
	}
	return out, nil
}

// Calls returns how many times Detect was invoked.
func (d *Detector) Calls() int { return int(d.calls.Load()) }

// PeakConcurrency returns the highest number of simultaneous invocations seen.
func (d *Detector) PeakConcurrency() int { return int(d.peak.Load()) }

// Started receives once per invocation, as it begins.
func (d *Detector) Started() <-chan struct{} { return d.started }

// Release unblocks invocations created with IgnoringCancellation.
func (d *Detector) Release() { close(d.release) }

// SetFindings replaces the scripted findings for later invocations.
func (d *Detector) SetFindings(findings ...scanning.RawFinding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.findings = findings
	d.err = nil
}

// SetError replaces the scripted error for later invocations.
func (d *Detector) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}
