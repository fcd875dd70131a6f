package scanning

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScanStatus summarizes how many configured detectors produced an answer.
type ScanStatus string

const (
	// ScanStatusComplete means every configured detector succeeded.
	ScanStatusComplete ScanStatus = "COMPLETE"
	// ScanStatusPartialFailure means at least one detector succeeded and at
	// least one failed or timed out.
	ScanStatusPartialFailure ScanStatus = "PARTIAL_FAILURE"
	// ScanStatusTotalFailure means no detector succeeded.
	ScanStatusTotalFailure ScanStatus = "TOTAL_FAILURE"
)

func (s ScanStatus) String() string { return string(s) }

// Cacheable reports whether a result with this status may be memoized.
func (s ScanStatus) Cacheable() bool {
	return s == ScanStatusComplete || s == ScanStatusPartialFailure
}

// ParseScanStatus converts a stored status string back into a ScanStatus.
func ParseScanStatus(s string) (ScanStatus, bool) {
	switch ScanStatus(s) {
	case ScanStatusComplete, ScanStatusPartialFailure, ScanStatusTotalFailure:
		return ScanStatus(s), true
	default:
		return "", false
	}
}

// DeriveStatus computes the overall status from the detector outcomes.
func DeriveStatus(outcomes []DetectorOutcome) ScanStatus {
	var succeeded int
	for _, o := range outcomes {
		if o.IsSuccess() {
			succeeded++
		}
	}
	switch {
	case succeeded == 0:
		return ScanStatusTotalFailure
	case succeeded == len(outcomes):
		return ScanStatusComplete
	default:
		return ScanStatusPartialFailure
	}
}

// ScanResult is the immutable product of one orchestration run. It is the
// value stored in the scan cache and handed to the metrics calculator and to
// persistence. Accessors return deep copies, so nothing a caller does to them
// reaches the result.
type ScanResult struct {
	id                uuid.UUID
	snapshot          SnapshotRef
	configFingerprint string
	findings          []CanonicalFinding
	outcomes          []DetectorOutcome
	status            ScanStatus
	completedAt       time.Time
}

// NewScanResult assembles a result from the outcomes of a run. Findings are
// derived by deduplicating the succeeded outcomes and the status from the
// outcome kinds; outcomes keep the order they are given in.
func NewScanResult(
	id uuid.UUID,
	snapshot SnapshotRef,
	configFingerprint string,
	outcomes []DetectorOutcome,
	completedAt time.Time,
) *ScanResult {
	outcomes = cloneOutcomes(outcomes)
	return &ScanResult{
		id:                id,
		snapshot:          snapshot,
		configFingerprint: configFingerprint,
		findings:          Deduplicate(SucceededFindings(outcomes)),
		outcomes:          outcomes,
		status:            DeriveStatus(outcomes),
		completedAt:       completedAt.UTC(),
	}
}

// ReconstructScanResult creates a ScanResult from stored fields, bypassing
// derivation. This should only be used by repositories when loading from the DB.
func ReconstructScanResult(
	id uuid.UUID,
	snapshot SnapshotRef,
	configFingerprint string,
	findings []CanonicalFinding,
	outcomes []DetectorOutcome,
	status ScanStatus,
	completedAt time.Time,
) *ScanResult {
	return &ScanResult{
		id:                id,
		snapshot:          snapshot,
		configFingerprint: configFingerprint,
		findings:          findings,
		outcomes:          outcomes,
		status:            status,
		completedAt:       completedAt,
	}
}

func (r *ScanResult) ID() uuid.UUID                  { return r.id }
func (r *ScanResult) Snapshot() SnapshotRef          { return r.snapshot }
func (r *ScanResult) Repository() RepositoryIdentity { return r.snapshot.Repository }
func (r *ScanResult) ConfigFingerprint() string      { return r.configFingerprint }
func (r *ScanResult) Status() ScanStatus             { return r.status }
func (r *ScanResult) CompletedAt() time.Time         { return r.completedAt }
func (r *ScanResult) FindingCount() int              { return len(r.findings) }
func (r *ScanResult) Findings() []CanonicalFinding   { return cloneFindings(r.findings) }
func (r *ScanResult) Outcomes() []DetectorOutcome    { return cloneOutcomes(r.outcomes) }

func cloneFindings(findings []CanonicalFinding) []CanonicalFinding {
	out := make([]CanonicalFinding, len(findings))
	for i, f := range findings {
		out[i] = f.Clone()
	}
	return out
}

func cloneOutcomes(outcomes []DetectorOutcome) []DetectorOutcome {
	out := make([]DetectorOutcome, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Clone()
	}
	return out
}

// FailedDetectors names the detectors that failed or timed out, in configured
// order.
func (r *ScanResult) FailedDetectors() []DetectorName {
	failed := make([]DetectorName, 0)
	for _, o := range r.outcomes {
		if !o.IsSuccess() {
			failed = append(failed, o.Detector)
		}
	}
	return failed
}

// SucceededDetectors names the detectors that ran to completion, in
// configured order.
func (r *ScanResult) SucceededDetectors() []DetectorName {
	succeeded := make([]DetectorName, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		if o.IsSuccess() {
			succeeded = append(succeeded, o.Detector)
		}
	}
	return succeeded
}

// scanResultJSON is the wire shape of a ScanResult.
type scanResultJSON struct {
	ID                uuid.UUID          `json:"id"`
	Snapshot          SnapshotRef        `json:"snapshot"`
	ConfigFingerprint string             `json:"config_fingerprint"`
	Status            ScanStatus         `json:"status"`
	CompletedAt       time.Time          `json:"completed_at"`
	Findings          []CanonicalFinding `json:"findings"`
	Outcomes          []DetectorOutcome  `json:"outcomes"`
}

// MarshalJSON renders the result including its private fields.
func (r *ScanResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(scanResultJSON{
		ID:                r.id,
		Snapshot:          r.snapshot,
		ConfigFingerprint: r.configFingerprint,
		Status:            r.status,
		CompletedAt:       r.completedAt,
		Findings:          r.Findings(),
		Outcomes:          r.Outcomes(),
	})
}
