package scanning

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshotRef(t *testing.T) SnapshotRef {
	t.Helper()

	repo, err := NewRepositoryIdentity("psf", "requests")
	require.NoError(t, err)
	ref, err := NewSnapshotRef(repo, "main", "0e322af87745eff34caffe4df68456ebc20d9068")
	require.NoError(t, err)
	return ref
}

func TestComputeMetrics_PartialFailure(t *testing.T) {
	t.Parallel()

	completed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	published := completed.Add(-10 * 24 * time.Hour)
	outcomes := []DetectorOutcome{
		Succeeded(DetectorOSV, []RawFinding{
			{Ecosystem: "PyPI", PackageName: "requests", Version: "2.25.0", VulnerabilityID: "CVE-2023-32681", Severity: SeverityMedium, FixedVersion: "2.31.0", PublishedAt: &published},
			{Ecosystem: "PyPI", PackageName: "urllib3", Version: "1.26.4", VulnerabilityID: "CVE-2023-43804", Severity: SeverityHigh},
		}, time.Second),
		TimedOut(DetectorAdvisory, 65*time.Second),
	}
	result := NewScanResult(uuid.New(), testSnapshotRef(t), "fp", outcomes, completed)

	m := ComputeMetrics(result)
	assert.Equal(t, ScanStatusPartialFailure, m.Status)
	assert.False(t, m.Trustworthy())
	assert.Equal(t, 2, m.TotalFindings)
	assert.Equal(t, 1, m.BySeverity.High)
	assert.Equal(t, 1, m.BySeverity.Medium)
	assert.Equal(t, 2, m.BySeverity.Total())
	assert.Equal(t, 2, m.UniquePackagesAffected)
	assert.Equal(t, []string{"PyPI"}, m.Ecosystems)
	assert.Equal(t, 1, m.FixableFindings)
	assert.Equal(t, 1, m.DetectorsSucceeded)
	assert.Equal(t, 1, m.DetectorsFailed)
	assert.Equal(t, []DetectorName{DetectorAdvisory}, m.FailedDetectors)
	require.NotNil(t, m.VulnerabilityAge.MaxDays)
	assert.Equal(t, 10.0, *m.VulnerabilityAge.MaxDays)
	assert.Equal(t, 10.0, *m.VulnerabilityAge.MedianDays)
	assert.Equal(t, completed, m.ScannedAt)
	assert.Equal(t, "psf/requests", m.Repository.String())
}

func TestComputeMetrics_TotalFailureIsZero(t *testing.T) {
	t.Parallel()

	outcomes := []DetectorOutcome{
		Failed(DetectorOSV, NewDetectorError(DetectorOSV, DetectorErrorNotAvailable, nil), 0),
		TimedOut(DetectorTrivy, time.Minute),
	}
	result := NewScanResult(uuid.New(), testSnapshotRef(t), "fp", outcomes, time.Now())

	var m HealthMetrics
	require.NotPanics(t, func() { m = ComputeMetrics(result) })
	assert.Equal(t, ScanStatusTotalFailure, m.Status)
	assert.Zero(t, m.TotalFindings)
	assert.Zero(t, m.DetectorsSucceeded)
	assert.Equal(t, 2, m.DetectorsFailed)
	assert.Equal(t, []DetectorName{DetectorOSV, DetectorTrivy}, m.FailedDetectors)
	assert.Nil(t, m.VulnerabilityAge.MeanDays)
	assert.Empty(t, m.Ecosystems)
}

func TestComputeMetrics_Idempotent(t *testing.T) {
	t.Parallel()

	completed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	p1 := completed.Add(-24 * time.Hour)
	p2 := completed.Add(-96 * time.Hour)
	outcomes := []DetectorOutcome{
		Succeeded(DetectorOSV, []RawFinding{
			{Ecosystem: "npm", PackageName: "axios", Version: "0.21.0", VulnerabilityID: "CVE-2021-3749", Severity: SeverityHigh, PublishedAt: &p1},
			{Ecosystem: "Go", PackageName: "golang.org/x/net", Version: "0.1.0", VulnerabilityID: "GO-2023-1", Severity: SeverityLow, PublishedAt: &p2},
		}, time.Second),
	}
	result := NewScanResult(uuid.New(), testSnapshotRef(t), "fp", outcomes, completed)

	a, err := json.Marshal(ComputeMetrics(result))
	require.NoError(t, err)
	b, err := json.Marshal(ComputeMetrics(result))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	m := ComputeMetrics(result)
	assert.Equal(t, []string{"Go", "npm"}, m.Ecosystems)
	assert.Equal(t, 2.5, *m.VulnerabilityAge.MeanDays)
	assert.Equal(t, 2.5, *m.VulnerabilityAge.MedianDays)
	assert.Equal(t, 4.0, *m.VulnerabilityAge.MaxDays)
}

func TestComputeMetrics_NilResult(t *testing.T) {
	t.Parallel()

	m := ComputeMetrics(nil)
	assert.Zero(t, m.TotalFindings)
	assert.NotNil(t, m.FailedDetectors)
}
