package scanning

import (
	"errors"
	"fmt"
	"strings"
)

// ResolutionErrorKind classifies why a repository reference could not be
// resolved to a snapshot.
type ResolutionErrorKind string

const (
	ResolutionNotFound       ResolutionErrorKind = "NOT_FOUND"
	ResolutionAuthRequired   ResolutionErrorKind = "AUTH_REQUIRED"
	ResolutionNetworkFailure ResolutionErrorKind = "NETWORK_FAILURE"
)

func (k ResolutionErrorKind) String() string { return string(k) }

// ResolutionError is returned by snapshot resolvers. It is fatal to a scan.
type ResolutionError struct {
	Repository RepositoryIdentity
	Kind       ResolutionErrorKind
	Err        error
}

// NewResolutionError creates a new ResolutionError.
func NewResolutionError(repo RepositoryIdentity, kind ResolutionErrorKind, err error) *ResolutionError {
	return &ResolutionError{Repository: repo, Kind: kind, Err: err}
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %s: %s", e.Repository, e.Kind)
	}
	return fmt.Sprintf("resolve %s: %s: %v", e.Repository, e.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may be transient.
func (e *ResolutionError) Retryable() bool { return e.Kind == ResolutionNetworkFailure }

// OrchestrationErrorKind classifies why a scan produced no usable result.
type OrchestrationErrorKind string

const (
	OrchestrationResolutionFailed     OrchestrationErrorKind = "RESOLUTION_FAILED"
	OrchestrationTotalDetectorFailure OrchestrationErrorKind = "TOTAL_DETECTOR_FAILURE"
)

func (k OrchestrationErrorKind) String() string { return string(k) }

// OrchestrationError is the structured failure of a scan.
type OrchestrationError struct {
	Kind            OrchestrationErrorKind
	Repository      RepositoryIdentity
	FailedDetectors []DetectorName
	Err             error
}

func (e *OrchestrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scan %s: %s", e.Repository, e.Kind)
	if len(e.FailedDetectors) > 0 {
		names := make([]string, len(e.FailedDetectors))
		for i, d := range e.FailedDetectors {
			names[i] = d.String()
		}
		fmt.Fprintf(&b, " (failed detectors: %s)", strings.Join(names, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// PersistenceError reports that a completed result could not be handed to a
// sink. It never changes the result returned to the caller.
type PersistenceError struct {
	Sink   string
	ScanID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist scan %s to %s: %v", e.ScanID, e.Sink, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsResolutionKind reports whether err carries a ResolutionError of kind.
func IsResolutionKind(err error, kind ResolutionErrorKind) bool {
	var re *ResolutionError
	return errors.As(err, &re) && re.Kind == kind
}

// IsOrchestrationKind reports whether err carries an OrchestrationError of kind.
func IsOrchestrationKind(err error, kind OrchestrationErrorKind) bool {
	var oe *OrchestrationError
	return errors.As(err, &oe) && oe.Kind == kind
}
