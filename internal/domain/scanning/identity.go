package scanning

import (
	"strings"

	regexp "github.com/wasilibs/go-re2"
)

// Known advisory namespaces and the canonical prefix each maps to. Matching is
// done on the lower-cased identifier.
var (
	// Strips database or URL qualifiers such as "nvd:", "osv/", or
	// "https://nvd.nist.gov/vuln/detail/".
	qualifierPattern = regexp.MustCompile(`^(?:(?:https?://\S*/)|(?:(?:nvd|osv|github|gh|mitre|ghsa-db|advisory)[:/]))`)
	namespacePattern = regexp.MustCompile(
		`^(cve|ghsa|pysec|rustsec|go|gsd|osv|snyk|dsa|dla|rhsa|usn|alsa|alas|mal|bit|rubysec|npm|pyup)-(\S+)$`,
	)
)

// unknownIdentifiers are detector placeholders that carry no identity.
var unknownIdentifiers = map[string]struct{}{
	"":        {},
	"unknown": {},
	"n/a":     {},
	"na":      {},
	"none":    {},
	"-":       {},
}

// NormalizeVulnerabilityID case-folds id, strips advisory-database qualifiers
// and rewrites recognized identifiers into namespace:id form, e.g.
// "NVD:CVE-2023-1234" becomes "cve:2023-1234". Identifiers already in
// namespace:id form are kept. It returns "" for empty or placeholder ids.
func NormalizeVulnerabilityID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	if _, ok := unknownIdentifiers[s]; ok {
		return ""
	}

	s = qualifierPattern.ReplaceAllString(s, "")
	if m := namespacePattern.FindStringSubmatch(s); m != nil {
		return m[1] + ":" + m[2]
	}
	return s
}

// IsUnknownIdentifier reports whether id carries no usable identity.
func IsUnknownIdentifier(id string) bool { return NormalizeVulnerabilityID(id) == "" }

// PreferredIdentifier picks the identifier an adapter should report: a CVE
// alias when one exists, so findings from different advisory databases line
// up, and the detector's own id otherwise.
func PreferredIdentifier(id string, aliases []string) string {
	if strings.HasPrefix(NormalizeVulnerabilityID(id), "cve:") {
		return id
	}
	for _, a := range aliases {
		if strings.HasPrefix(NormalizeVulnerabilityID(a), "cve:") {
			return a
		}
	}
	return id
}

// ecosystemAliases maps detector-specific ecosystem names to one canonical
// spelling per ecosystem (OSV's names).
var ecosystemAliases = map[string]string{
	"pypi":      "PyPI",
	"pip":       "PyPI",
	"pipenv":    "PyPI",
	"poetry":    "PyPI",
	"python":    "PyPI",
	"npm":       "npm",
	"yarn":      "npm",
	"pnpm":      "npm",
	"node-pkg":  "npm",
	"go":        "Go",
	"golang":    "Go",
	"gomod":     "Go",
	"gobinary":  "Go",
	"maven":     "Maven",
	"jar":       "Maven",
	"pom":       "Maven",
	"gradle":    "Maven",
	"rubygems":  "RubyGems",
	"gem":       "RubyGems",
	"bundler":   "RubyGems",
	"gemspec":   "RubyGems",
	"crates.io": "crates.io",
	"cargo":     "crates.io",
	"rust":      "crates.io",
	"nuget":     "NuGet",
	"dotnet":    "NuGet",
	"packagist": "Packagist",
	"composer":  "Packagist",
	"pub":       "Pub",
	"hex":       "Hex",
	"erlang":    "Hex",
	"actions":   "GitHub Actions",
}

// NormalizeEcosystem maps an ecosystem name reported by any detector onto its
// canonical spelling. Unrecognized names are returned trimmed.
func NormalizeEcosystem(eco string) string {
	trimmed := strings.TrimSpace(eco)
	if canonical, ok := ecosystemAliases[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	return trimmed
}

// FindingKey is the canonical identity of a finding.
type FindingKey string

// FindingKeyOf computes the identity of a raw finding: normalized ecosystem,
// lower-cased package name, version and normalized identifier. A finding
// without a usable identifier is keyed additionally by its detector and raw
// identifier so it never merges with another detector's finding.
func FindingKeyOf(f RawFinding) FindingKey {
	parts := []string{
		strings.ToLower(NormalizeEcosystem(f.Ecosystem)),
		strings.ToLower(strings.TrimSpace(f.PackageName)),
		strings.TrimSpace(f.Version),
	}

	id := NormalizeVulnerabilityID(f.VulnerabilityID)
	if id == "" {
		parts = append(parts, "unidentified", string(f.Detector), f.VulnerabilityID)
	} else {
		parts = append(parts, id)
	}
	return FindingKey(strings.Join(parts, "|"))
}
