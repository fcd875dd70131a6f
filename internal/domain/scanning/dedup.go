package scanning

import (
	"sort"
	"strings"
)

// Deduplicate merges raw findings into canonical findings. Findings sharing a
// FindingKey collapse into one; the merged finding takes the highest severity
// and score of the group, the union of contributing detectors in first-seen
// order and the union of aliases. The result is sorted by severity descending,
// package name and identifier ascending, with ecosystem, version and key as
// final tie breakers, so the same input always yields the same sequence.
func Deduplicate(raws []RawFinding) []CanonicalFinding {
	if len(raws) == 0 {
		return []CanonicalFinding{}
	}

	groups := make(map[FindingKey]*CanonicalFinding, len(raws))
	order := make([]FindingKey, 0, len(raws))
	for _, raw := range raws {
		key := FindingKeyOf(raw)
		cf, ok := groups[key]
		if !ok {
			cf = newCanonicalFinding(key, raw)
			groups[key] = cf
			order = append(order, key)
			continue
		}
		cf.merge(raw)
	}

	out := make([]CanonicalFinding, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	SortFindings(out)
	return out
}

func newCanonicalFinding(key FindingKey, raw RawFinding) *CanonicalFinding {
	id := NormalizeVulnerabilityID(raw.VulnerabilityID)
	if id == "" {
		id = strings.TrimSpace(raw.VulnerabilityID)
	}

	cf := &CanonicalFinding{
		Key:             key,
		Ecosystem:       NormalizeEcosystem(raw.Ecosystem),
		PackageName:     strings.TrimSpace(raw.PackageName),
		Version:         strings.TrimSpace(raw.Version),
		VulnerabilityID: id,
		Severity:        raw.Severity,
		Detectors:       []DetectorName{raw.Detector},
		FixedVersion:    raw.FixedVersion,
		Summary:         raw.Summary,
	}
	if cf.Severity == "" {
		cf.Severity = SeverityUnknown
	}
	if raw.Score != nil {
		score := *raw.Score
		cf.Score = &score
	}
	if raw.PublishedAt != nil {
		published := raw.PublishedAt.UTC()
		cf.PublishedAt = &published
	}
	cf.addAliases(id, raw.VulnerabilityID, raw.Aliases)
	return cf
}

func (f *CanonicalFinding) merge(raw RawFinding) {
	f.Severity = f.Severity.Max(raw.Severity)
	if raw.Score != nil && (f.Score == nil || *raw.Score > *f.Score) {
		score := *raw.Score
		f.Score = &score
	}
	if !f.DetectedBy(raw.Detector) {
		f.Detectors = append(f.Detectors, raw.Detector)
	}
	if f.FixedVersion == "" {
		f.FixedVersion = raw.FixedVersion
	}
	if f.Summary == "" {
		f.Summary = raw.Summary
	}
	if raw.PublishedAt != nil && (f.PublishedAt == nil || raw.PublishedAt.Before(*f.PublishedAt)) {
		published := raw.PublishedAt.UTC()
		f.PublishedAt = &published
	}
	f.addAliases(f.VulnerabilityID, raw.VulnerabilityID, raw.Aliases)
}

// addAliases records every identifier other than the canonical one, normalized
// and sorted.
func (f *CanonicalFinding) addAliases(canonical, reported string, aliases []string) {
	seen := make(map[string]struct{}, len(f.Aliases)+len(aliases)+1)
	for _, a := range f.Aliases {
		seen[a] = struct{}{}
	}

	candidates := append([]string{reported}, aliases...)
	for _, a := range candidates {
		n := NormalizeVulnerabilityID(a)
		if n == "" || n == canonical {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		f.Aliases = append(f.Aliases, n)
	}
	sort.Strings(f.Aliases)
}

// SortFindings orders findings by severity descending, then package name,
// identifier, ecosystem, version and key ascending.
func SortFindings(findings []CanonicalFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra > rb
		}
		if pa, pb := strings.ToLower(a.PackageName), strings.ToLower(b.PackageName); pa != pb {
			return pa < pb
		}
		if a.VulnerabilityID != b.VulnerabilityID {
			return a.VulnerabilityID < b.VulnerabilityID
		}
		if a.Ecosystem != b.Ecosystem {
			return a.Ecosystem < b.Ecosystem
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Key < b.Key
	})
}

// SucceededFindings flattens the findings of every succeeded outcome in the
// order the outcomes are given.
func SucceededFindings(outcomes []DetectorOutcome) []RawFinding {
	var n int
	for _, o := range outcomes {
		if o.IsSuccess() {
			n += len(o.Findings)
		}
	}

	raws := make([]RawFinding, 0, n)
	for _, o := range outcomes {
		if !o.IsSuccess() {
			continue
		}
		for _, f := range o.Findings {
			if f.Detector == "" {
				f.Detector = o.Detector
			}
			raws = append(raws, f)
		}
	}
	return raws
}
