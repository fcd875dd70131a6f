package trivy

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/detector"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

type mockRunner struct{ mock.Mock }

func (m *mockRunner) Run(ctx context.Context, name string, args []string, dir string) (detector.Result, error) {
	a := m.Called(ctx, name, args, dir)
	return a.Get(0).(detector.Result), a.Error(1)
}

const sampleReport = `{
  "SchemaVersion": 2,
  "Results": [
    {
      "Target": "requirements.txt",
      "Class": "lang-pkgs",
      "Type": "pip",
      "Vulnerabilities": [
        {
          "VulnerabilityID": "CVE-2023-32681",
          "PkgName": "requests",
          "InstalledVersion": "2.25.0",
          "FixedVersion": "2.31.0, 2.32.0",
          "Title": "python-requests: Unintended leak of Proxy-Authorization header",
          "Severity": "MEDIUM",
          "PublishedDate": "2023-05-26T18:15:14.147Z",
          "CVSS": {"ghsa": {"V3Score": 6.1}, "nvd": {"V3Score": 6.1, "V2Score": 0}}
        }
      ]
    },
    {"Target": "go.mod", "Type": "gomod"},
    {
      "Target": "package-lock.json",
      "Type": "npm",
      "Vulnerabilities": [
        {"VulnerabilityID": "GHSA-xxxx-yyyy-zzzz", "PkgName": "lodash", "InstalledVersion": "4.17.15", "Severity": "HIGH"}
      ]
    }
  ]
}`

func TestParse(t *testing.T) {
	t.Parallel()

	findings, err := Parse([]byte(sampleReport))
	require.NoError(t, err)
	require.Len(t, findings, 2)

	f := findings[0]
	assert.Equal(t, scanning.DetectorTrivy, f.Detector)
	assert.Equal(t, "PyPI", f.Ecosystem)
	assert.Equal(t, "requests", f.PackageName)
	assert.Equal(t, "2.25.0", f.Version)
	assert.Equal(t, "CVE-2023-32681", f.VulnerabilityID)
	assert.Equal(t, scanning.SeverityMedium, f.Severity)
	require.NotNil(t, f.Score)
	assert.Equal(t, 6.1, *f.Score)
	assert.Equal(t, "2.31.0", f.FixedVersion)
	require.NotNil(t, f.PublishedAt)

	assert.Equal(t, "npm", findings[1].Ecosystem)
	assert.Equal(t, scanning.SeverityHigh, findings[1].Severity)
	assert.Nil(t, findings[1].Score)
	assert.Empty(t, findings[1].FixedVersion)
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"Results": {}}`))
	assert.Error(t, err)

	findings, err := Parse([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDetector_Detect(t *testing.T) {
	t.Parallel()

	snap := scanning.Snapshot{Path: "/snap"}
	baseArgs := []string{"fs", "--format", "json", "--scanners", "vuln", "--quiet", "."}

	t.Run("success with options", func(t *testing.T) {
		t.Parallel()

		runner := new(mockRunner)
		args := []string{"fs", "--format", "json", "--scanners", "vuln", "--quiet", "--skip-db-update", "--severity", "HIGH,CRITICAL", "."}
		runner.On("Run", mock.Anything, "trivy", args, "/snap").
			Return(detector.Result{Stdout: []byte(sampleReport)}, nil)

		d := New("", runner, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
		findings, err := d.Detect(context.Background(), snap, map[string]string{
			"skip_db_update": "true",
			"severity":       "HIGH,CRITICAL",
		})
		require.NoError(t, err)
		assert.Len(t, findings, 2)
		runner.AssertExpectations(t)
	})

	t.Run("any non-zero exit fails", func(t *testing.T) {
		t.Parallel()

		runner := new(mockRunner)
		runner.On("Run", mock.Anything, "/opt/trivy", baseArgs, "/snap").
			Return(detector.Result{ExitCode: 1, Stderr: []byte("FATAL db download")}, &exec.ExitError{})

		d := New("/opt/trivy", runner, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
		_, err := d.Detect(context.Background(), snap, nil)

		var derr *scanning.DetectorError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, scanning.DetectorErrorNonZeroExit, derr.Kind)
		assert.Contains(t, derr.Error(), "FATAL db download")
	})

	t.Run("cancelled context surfaces context error", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		runner := new(mockRunner)
		runner.On("Run", mock.Anything, "trivy", baseArgs, "/snap").
			Return(detector.Result{ExitCode: detector.ExitTimedOut}, context.Canceled)

		d := New("", runner, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
		_, err := d.Detect(ctx, snap, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
