package scanning

import (
	"slices"
	"time"
)

// RawFinding is one vulnerability occurrence as reported by exactly one
// detector invocation. Adapters normalize their native output into this shape;
// it is immutable once produced.
type RawFinding struct {
	Detector        DetectorName `json:"detector"`
	Ecosystem       string       `json:"ecosystem"`
	PackageName     string       `json:"package_name"`
	Version         string       `json:"version"`
	VulnerabilityID string       `json:"vulnerability_id"`
	Aliases         []string     `json:"aliases,omitempty"`
	Severity        Severity     `json:"severity"`
	Score           *float64     `json:"score,omitempty"`
	FixedVersion    string       `json:"fixed_version,omitempty"`
	Summary         string       `json:"summary,omitempty"`
	PublishedAt     *time.Time   `json:"published_at,omitempty"`
}

// Clone returns a copy of f that shares no memory with it.
func (f RawFinding) Clone() RawFinding {
	f.Aliases = slices.Clone(f.Aliases)
	f.Score = clonePtr(f.Score)
	f.PublishedAt = clonePtr(f.PublishedAt)
	return f
}

// CanonicalFinding is the deduplicated representation of every RawFinding
// judged equivalent. Detectors lists contributing detectors in the order they
// were configured.
type CanonicalFinding struct {
	Key             FindingKey     `json:"key"`
	Ecosystem       string         `json:"ecosystem"`
	PackageName     string         `json:"package_name"`
	Version         string         `json:"version"`
	VulnerabilityID string         `json:"vulnerability_id"`
	Aliases         []string       `json:"aliases,omitempty"`
	Severity        Severity       `json:"severity"`
	Score           *float64       `json:"score,omitempty"`
	Detectors       []DetectorName `json:"detectors"`
	FixedVersion    string         `json:"fixed_version,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	PublishedAt     *time.Time     `json:"published_at,omitempty"`
}

// DetectedBy reports whether detector contributed to the finding.
func (f CanonicalFinding) DetectedBy(detector DetectorName) bool {
	for _, d := range f.Detectors {
		if d == detector {
			return true
		}
	}
	return false
}

// Fixable reports whether a patched version is known.
func (f CanonicalFinding) Fixable() bool { return f.FixedVersion != "" }

// Clone returns a copy of f that shares no memory with it.
func (f CanonicalFinding) Clone() CanonicalFinding {
	f.Aliases = slices.Clone(f.Aliases)
	f.Detectors = slices.Clone(f.Detectors)
	f.Score = clonePtr(f.Score)
	f.PublishedAt = clonePtr(f.PublishedAt)
	return f
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
