package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DetectorName identifies one of the supported detector integrations. The set
// is closed: adding a detector means adding a constant here and an adapter.
type DetectorName string

const (
	// DetectorOSV runs Google's osv-scanner against the snapshot's lockfiles.
	DetectorOSV DetectorName = "osv"
	// DetectorAdvisory queries the GitHub Advisory Database using the
	// repository's dependency graph.
	DetectorAdvisory DetectorName = "advisory"
	// DetectorTrivy runs trivy in filesystem mode.
	DetectorTrivy DetectorName = "trivy"
)

// KnownDetectors lists every supported detector in a stable order.
func KnownDetectors() []DetectorName {
	return []DetectorName{DetectorOSV, DetectorAdvisory, DetectorTrivy}
}

func (d DetectorName) String() string { return string(d) }

// IsValid reports whether d is one of the supported detectors.
func (d DetectorName) IsValid() bool {
	switch d {
	case DetectorOSV, DetectorAdvisory, DetectorTrivy:
		return true
	default:
		return false
	}
}

// Detector is the contract every detector integration satisfies. The time
// budget for a run is carried by ctx's deadline; implementations must observe
// cancellation at entry and at internal work boundaries and must never report
// partial data as success. Implementations are stateless and safe for
// concurrent use. A run that finds nothing returns an empty slice and nil.
type Detector interface {
	Name() DetectorName
	Detect(ctx context.Context, snap Snapshot, opts map[string]string) ([]RawFinding, error)
}

// DetectorErrorKind classifies why a detector run did not succeed.
type DetectorErrorKind string

const (
	DetectorErrorNone            DetectorErrorKind = ""
	DetectorErrorNotAvailable    DetectorErrorKind = "NOT_AVAILABLE"
	DetectorErrorMalformedOutput DetectorErrorKind = "MALFORMED_OUTPUT"
	DetectorErrorNonZeroExit     DetectorErrorKind = "NON_ZERO_EXIT"
	DetectorErrorTimedOut        DetectorErrorKind = "TIMED_OUT"
	DetectorErrorInternal        DetectorErrorKind = "INTERNAL"
)

func (k DetectorErrorKind) String() string { return string(k) }

// DetectorError is returned by adapters for any non-timeout failure.
type DetectorError struct {
	Detector DetectorName
	Kind     DetectorErrorKind
	Err      error
}

// NewDetectorError wraps err with a detector and failure kind.
func NewDetectorError(detector DetectorName, kind DetectorErrorKind, err error) *DetectorError {
	return &DetectorError{Detector: detector, Kind: kind, Err: err}
}

func (e *DetectorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("detector %s: %s", e.Detector, e.Kind)
	}
	return fmt.Sprintf("detector %s: %s: %v", e.Detector, e.Kind, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

// DetectorErrorKindOf extracts the failure kind from err. Errors that are not a
// *DetectorError are classified as internal.
func DetectorErrorKindOf(err error) DetectorErrorKind {
	if err == nil {
		return DetectorErrorNone
	}
	var de *DetectorError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DetectorErrorTimedOut
	}
	return DetectorErrorInternal
}

// OutcomeKind is the terminal state of a single detector invocation.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "SUCCEEDED"
	OutcomeFailed    OutcomeKind = "FAILED"
	OutcomeTimedOut  OutcomeKind = "TIMED_OUT"
)

func (k OutcomeKind) String() string { return string(k) }

// DetectorOutcome records what one configured detector produced during one
// orchestration run. It is never retried within that run.
type DetectorOutcome struct {
	Detector  DetectorName      `json:"detector"`
	Kind      OutcomeKind       `json:"kind"`
	Findings  []RawFinding      `json:"findings,omitempty"`
	ErrorKind DetectorErrorKind `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// Succeeded builds a successful outcome. A nil findings slice is normalized to
// an empty one so "ran and found nothing" is explicit.
func Succeeded(detector DetectorName, findings []RawFinding, d time.Duration) DetectorOutcome {
	if findings == nil {
		findings = []RawFinding{}
	}
	return DetectorOutcome{Detector: detector, Kind: OutcomeSucceeded, Findings: findings, Duration: d}
}

// Failed builds a failed outcome from err.
func Failed(detector DetectorName, err error, d time.Duration) DetectorOutcome {
	kind := DetectorErrorKindOf(err)
	if kind == DetectorErrorNone || kind == DetectorErrorTimedOut {
		kind = DetectorErrorInternal
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DetectorOutcome{Detector: detector, Kind: OutcomeFailed, ErrorKind: kind, Error: msg, Duration: d}
}

// TimedOut builds an outcome for a detector that did not finish within its
// budget or the whole-scan deadline.
func TimedOut(detector DetectorName, d time.Duration) DetectorOutcome {
	return DetectorOutcome{
		Detector:  detector,
		Kind:      OutcomeTimedOut,
		ErrorKind: DetectorErrorTimedOut,
		Error:     "detector did not finish before its deadline",
		Duration:  d,
	}
}

// IsSuccess reports whether the detector ran to completion.
func (o DetectorOutcome) IsSuccess() bool { return o.Kind == OutcomeSucceeded }

// Clone returns a copy of o whose findings share no memory with o's.
func (o DetectorOutcome) Clone() DetectorOutcome {
	if o.Findings != nil {
		findings := make([]RawFinding, len(o.Findings))
		for i, f := range o.Findings {
			findings[i] = f.Clone()
		}
		o.Findings = findings
	}
	return o
}
