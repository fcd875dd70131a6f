package scanning

import (
	"context"
	"errors"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
)

// NamedSink pairs a ResultSink with the name used in errors and logs.
type NamedSink struct {
	Name string
	Sink scanning.ResultSink
}

// CompositeSink hands every result to each of its sinks in order. A failing
// sink does not stop the others; all failures are joined.
type CompositeSink struct{ sinks []NamedSink }

var _ scanning.ResultSink = (*CompositeSink)(nil)

// NewCompositeSink creates a CompositeSink, skipping nil sinks.
func NewCompositeSink(sinks ...NamedSink) *CompositeSink {
	c := &CompositeSink{sinks: make([]NamedSink, 0, len(sinks))}
	for _, s := range sinks {
		if s.Sink != nil {
			c.sinks = append(c.sinks, s)
		}
	}
	return c
}

// Len returns the number of sinks.
func (c *CompositeSink) Len() int { return len(c.sinks) }

// Store implements scanning.ResultSink. Each failure is reported as a
// *scanning.PersistenceError naming the sink.
func (c *CompositeSink) Store(ctx context.Context, result *scanning.ScanResult, metrics scanning.HealthMetrics) error {
	var errs []error
	for _, s := range c.sinks {
		if err := s.Sink.Store(ctx, result, metrics); err != nil {
			errs = append(errs, &scanning.PersistenceError{Sink: s.Name, ScanID: result.ID().String(), Err: err})
		}
	}
	return errors.Join(errs...)
}
