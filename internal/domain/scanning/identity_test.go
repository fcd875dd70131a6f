package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeVulnerabilityID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain cve", in: "CVE-2023-32681", want: "cve:2023-32681"},
		{name: "nvd qualified cve", in: "NVD:CVE-2023-32681", want: "cve:2023-32681"},
		{name: "nvd url", in: "https://nvd.nist.gov/vuln/detail/CVE-2023-32681", want: "cve:2023-32681"},
		{name: "ghsa", in: "GHSA-j8r2-6x86-q33q", want: "ghsa:j8r2-6x86-q33q"},
		{name: "pysec", in: " PYSEC-2023-74 ", want: "pysec:2023-74"},
		{name: "go vuln", in: "GO-2022-0969", want: "go:2022-0969"},
		{name: "already canonical", in: "cve:2023-32681", want: "cve:2023-32681"},
		{name: "unrecognized namespace kept", in: "VENDOR-ABC-1", want: "vendor-abc-1"},
		{name: "empty", in: "", want: ""},
		{name: "placeholder unknown", in: "UNKNOWN", want: ""},
		{name: "placeholder n/a", in: "N/A", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeVulnerabilityID(tt.in))
		})
	}
}

func TestPreferredIdentifier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CVE-2023-32681", PreferredIdentifier("GHSA-j8r2-6x86-q33q", []string{"PYSEC-2023-74", "CVE-2023-32681"}))
	assert.Equal(t, "CVE-2023-1", PreferredIdentifier("CVE-2023-1", []string{"CVE-2023-2"}))
	assert.Equal(t, "GHSA-aaaa-bbbb-cccc", PreferredIdentifier("GHSA-aaaa-bbbb-cccc", nil))
}

func TestNormalizeEcosystem(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "PyPI", NormalizeEcosystem("pip"))
	assert.Equal(t, "PyPI", NormalizeEcosystem("PyPI"))
	assert.Equal(t, "npm", NormalizeEcosystem("yarn"))
	assert.Equal(t, "Go", NormalizeEcosystem("gomod"))
	assert.Equal(t, "crates.io", NormalizeEcosystem("cargo"))
	assert.Equal(t, "Hackage", NormalizeEcosystem(" Hackage "))
}

func TestFindingKeyOf(t *testing.T) {
	t.Parallel()

	osv := RawFinding{Detector: DetectorOSV, Ecosystem: "PyPI", PackageName: "Requests", Version: "2.25.0", VulnerabilityID: "CVE-2023-32681"}
	trivy := RawFinding{Detector: DetectorTrivy, Ecosystem: "pip", PackageName: "requests", Version: "2.25.0", VulnerabilityID: "nvd:cve-2023-32681"}
	assert.Equal(t, FindingKeyOf(osv), FindingKeyOf(trivy), "same package and normalized id share a key")

	other := osv
	other.VulnerabilityID = "CVE-2024-35195"
	assert.NotEqual(t, FindingKeyOf(osv), FindingKeyOf(other), "different ids never share a key")

	unidentifiedA := RawFinding{Detector: DetectorOSV, Ecosystem: "PyPI", PackageName: "requests", Version: "2.25.0"}
	unidentifiedB := unidentifiedA
	unidentifiedB.Detector = DetectorTrivy
	assert.NotEqual(t, FindingKeyOf(unidentifiedA), FindingKeyOf(unidentifiedB), "missing ids never merge across detectors")
	assert.False(t, IsUnknownIdentifier("CVE-2023-1"))
	assert.True(t, IsUnknownIdentifier(" "))
}
