// Package trivy adapts Aqua's trivy filesystem scanner to the detector contract.
package trivy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/detector"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

const DefaultBinary = "trivy"

// cvssSources is the order vendor scores are consulted in.
var cvssSources = []string{"nvd", "ghsa", "redhat"}

type Detector struct {
	binary string
	runner detector.Runner

	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.Detector = (*Detector)(nil)

func New(binary string, runner detector.Runner, logger *logger.Logger, tracer trace.Tracer) *Detector {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Detector{
		binary: binary,
		runner: runner,
		logger: logger.With("component", "trivy_detector"),
		tracer: tracer,
	}
}

func (d *Detector) Name() scanning.DetectorName { return scanning.DetectorTrivy }

// Detect runs "trivy fs" over the snapshot with only the vulnerability
// scanner enabled. The "skip_db_update" option adds --skip-db-update and
// "severity" is passed through as --severity.
func (d *Detector) Detect(ctx context.Context, snap scanning.Snapshot, opts map[string]string) ([]scanning.RawFinding, error) {
	ctx, span := d.tracer.Start(ctx, "trivy_detector.detect",
		trace.WithAttributes(attribute.String("snapshot", snap.Ref.String())))
	defer span.End()

	args := []string{"fs", "--format", "json", "--scanners", "vuln", "--quiet"}
	if opts["skip_db_update"] == "true" {
		args = append(args, "--skip-db-update")
	}
	if sev := opts["severity"]; sev != "" {
		args = append(args, "--severity", sev)
	}
	args = append(args, ".")

	res, err := d.runner.Run(ctx, d.binary, args, snap.Path)
	if err := detector.Classify(ctx, scanning.DetectorTrivy, res, err); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "trivy failed")
		return nil, err
	}

	findings, err := Parse(res.Stdout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed trivy output")
		return nil, detector.Malformed(scanning.DetectorTrivy, err)
	}

	span.SetAttributes(attribute.Int("findings", len(findings)))
	d.logger.Debug(ctx, "trivy finished", "snapshot", snap.Ref.String(), "findings", len(findings))
	return findings, nil
}

type report struct {
	Results []result `json:"Results"`
}

type result struct {
	Target          string          `json:"Target"`
	Type            string          `json:"Type"`
	Vulnerabilities []vulnerability `json:"Vulnerabilities"`
}

type vulnerability struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion"`
	Title            string `json:"Title"`
	Severity         string `json:"Severity"`
	PublishedDate    string `json:"PublishedDate"`
	CVSS             map[string]struct {
		V3Score float64 `json:"V3Score"`
		V2Score float64 `json:"V2Score"`
	} `json:"CVSS"`
}

// Parse converts trivy JSON output into raw findings. The ecosystem comes from
// the result type (pip, npm, gomod, ...) and is normalized.
func Parse(data []byte) ([]scanning.RawFinding, error) {
	findings := []scanning.RawFinding{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return findings, nil
	}

	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding trivy report: %w", err)
	}

	for _, res := range r.Results {
		eco := scanning.NormalizeEcosystem(res.Type)
		for _, v := range res.Vulnerabilities {
			findings = append(findings, scanning.RawFinding{
				Detector:        scanning.DetectorTrivy,
				Ecosystem:       eco,
				PackageName:     v.PkgName,
				Version:         v.InstalledVersion,
				VulnerabilityID: v.VulnerabilityID,
				Severity:        scanning.ParseSeverity(v.Severity),
				Score:           score(v),
				FixedVersion:    firstFixed(v.FixedVersion),
				Summary:         v.Title,
				PublishedAt:     parseTime(v.PublishedDate),
			})
		}
	}
	return findings, nil
}

func score(v vulnerability) *float64 {
	for _, src := range cvssSources {
		c, ok := v.CVSS[src]
		if !ok {
			continue
		}
		if c.V3Score > 0 {
			s := c.V3Score
			return &s
		}
		if c.V2Score > 0 {
			s := c.V2Score
			return &s
		}
	}
	return nil
}

// firstFixed trims trivy's comma separated list of fixed versions to the
// first entry.
func firstFixed(s string) string {
	first, _, _ := strings.Cut(s, ",")
	return strings.TrimSpace(first)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
