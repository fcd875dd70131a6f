package scanning

import (
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SeverityCounts is the number of canonical findings per severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	None     int `json:"none"`
	Unknown  int `json:"unknown"`
}

// Total returns the sum over all severities.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.None + c.Unknown
}

func (c *SeverityCounts) add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	case SeverityNone:
		c.None++
	default:
		c.Unknown++
	}
}

// VulnerabilityAge summarizes how long the found vulnerabilities have been
// public, in whole days relative to the scan's completion. All fields are nil
// when no finding carries a publication date.
type VulnerabilityAge struct {
	MeanDays   *float64 `json:"mean_days"`
	MedianDays *float64 `json:"median_days"`
	MaxDays    *float64 `json:"max_days"`
}

// HealthMetrics is derived from exactly one ScanResult and is never mutated.
// Status travels with the counts so consumers can tell "no vulnerabilities"
// apart from "not every detector ran".
type HealthMetrics struct {
	ScanID                 uuid.UUID          `json:"scan_id"`
	Repository             RepositoryIdentity `json:"repository"`
	CommitSHA              string             `json:"commit_sha"`
	Status                 ScanStatus         `json:"status"`
	ScannedAt              time.Time          `json:"scanned_at"`
	TotalFindings          int                `json:"total_findings"`
	BySeverity             SeverityCounts     `json:"by_severity"`
	UniquePackagesAffected int                `json:"unique_packages_affected"`
	Ecosystems             []string           `json:"ecosystems"`
	FixableFindings        int                `json:"fixable_findings"`
	DetectorsSucceeded     int                `json:"detectors_succeeded"`
	DetectorsFailed        int                `json:"detectors_failed"`
	FailedDetectors        []DetectorName     `json:"failed_detectors"`
	VulnerabilityAge       VulnerabilityAge   `json:"vulnerability_age"`
}

// Trustworthy reports whether the counts reflect every configured detector.
func (m HealthMetrics) Trustworthy() bool { return m.Status == ScanStatusComplete }

// Clone returns a copy of m that shares no memory with it.
func (m HealthMetrics) Clone() HealthMetrics {
	m.Ecosystems = slices.Clone(m.Ecosystems)
	m.FailedDetectors = slices.Clone(m.FailedDetectors)
	m.VulnerabilityAge = VulnerabilityAge{
		MeanDays:   clonePtr(m.VulnerabilityAge.MeanDays),
		MedianDays: clonePtr(m.VulnerabilityAge.MedianDays),
		MaxDays:    clonePtr(m.VulnerabilityAge.MaxDays),
	}
	return m
}

// ComputeMetrics derives health metrics from a scan result. It is a pure
// function of its input: ages are measured against the result's completion
// time and every slice is sorted, so recomputing from the same result yields
// identical output. A nil result yields zero metrics.
func ComputeMetrics(result *ScanResult) HealthMetrics {
	m := HealthMetrics{
		Ecosystems:      []string{},
		FailedDetectors: []DetectorName{},
	}
	if result == nil {
		return m
	}

	m.ScanID = result.ID()
	m.Repository = result.Repository()
	m.CommitSHA = result.Snapshot().CommitSHA
	m.Status = result.Status()
	m.ScannedAt = result.CompletedAt()

	for _, o := range result.outcomes {
		if o.IsSuccess() {
			m.DetectorsSucceeded++
			continue
		}
		m.DetectorsFailed++
		m.FailedDetectors = append(m.FailedDetectors, o.Detector)
	}

	packages := make(map[string]struct{})
	ecosystems := make(map[string]struct{})
	ages := make([]float64, 0)
	for _, f := range result.findings {
		m.TotalFindings++
		m.BySeverity.add(f.Severity)
		if f.Fixable() {
			m.FixableFindings++
		}
		packages[strings.ToLower(f.Ecosystem)+"/"+strings.ToLower(f.PackageName)] = struct{}{}
		if f.Ecosystem != "" {
			ecosystems[f.Ecosystem] = struct{}{}
		}
		if f.PublishedAt != nil {
			days := math.Floor(m.ScannedAt.Sub(*f.PublishedAt).Hours() / 24)
			ages = append(ages, math.Max(days, 0))
		}
	}
	m.UniquePackagesAffected = len(packages)
	for eco := range ecosystems {
		m.Ecosystems = append(m.Ecosystems, eco)
	}
	sort.Strings(m.Ecosystems)
	m.VulnerabilityAge = summarizeAges(ages)

	return m
}

func summarizeAges(ages []float64) VulnerabilityAge {
	if len(ages) == 0 {
		return VulnerabilityAge{}
	}
	sort.Float64s(ages)

	var sum float64
	for _, a := range ages {
		sum += a
	}
	mean := sum / float64(len(ages))

	mid := len(ages) / 2
	median := ages[mid]
	if len(ages)%2 == 0 {
		median = (ages[mid-1] + ages[mid]) / 2
	}
	maxAge := ages[len(ages)-1]

	return VulnerabilityAge{MeanDays: &mean, MedianDays: &median, MaxDays: &maxAge}
}
