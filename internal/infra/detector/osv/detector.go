// Package osv adapts Google's osv-scanner to the detector contract.
package osv

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/detector"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

// DefaultBinary is the executable looked up on PATH when none is configured.
const DefaultBinary = "osv-scanner"

// exitNoPackages is returned when osv-scanner finds no lockfiles to scan.
const exitNoPackages = 128

// Detector runs osv-scanner recursively over a snapshot. It is stateless.
type Detector struct {
	binary string
	runner detector.Runner

	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.Detector = (*Detector)(nil)

// New creates an osv-scanner detector. An empty binary means DefaultBinary.
func New(binary string, runner detector.Runner, logger *logger.Logger, tracer trace.Tracer) *Detector {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Detector{
		binary: binary,
		runner: runner,
		logger: logger.With("component", "osv_detector"),
		tracer: tracer,
	}
}

func (d *Detector) Name() scanning.DetectorName { return scanning.DetectorOSV }

// Detect runs the scanner. Exit code 1 means vulnerabilities were found and
// 128 means there was nothing to scan; both are successes.
//
// Supported options: "config" passes --config, "lockfile" scans a single
// lockfile relative to the snapshot instead of the whole tree.
func (d *Detector) Detect(ctx context.Context, snap scanning.Snapshot, opts map[string]string) ([]scanning.RawFinding, error) {
	ctx, span := d.tracer.Start(ctx, "osv_detector.detect",
		trace.WithAttributes(
			attribute.String("snapshot", snap.Ref.String()),
			attribute.String("path", snap.Path),
		))
	defer span.End()

	args := []string{"--format", "json"}
	if cfg := opts["config"]; cfg != "" {
		args = append(args, "--config", cfg)
	}
	if lockfile := opts["lockfile"]; lockfile != "" {
		args = append(args, "--lockfile", lockfile)
	} else {
		args = append(args, "--recursive", ".")
	}

	res, err := d.runner.Run(ctx, d.binary, args, snap.Path)
	if err := detector.Classify(ctx, scanning.DetectorOSV, res, err, 0, 1, exitNoPackages); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "osv-scanner failed")
		return nil, err
	}
	if res.ExitCode == exitNoPackages {
		span.AddEvent("no_package_sources")
		return []scanning.RawFinding{}, nil
	}

	findings, err := Parse(res.Stdout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed osv-scanner output")
		return nil, detector.Malformed(scanning.DetectorOSV, err)
	}

	span.SetAttributes(attribute.Int("findings", len(findings)))
	d.logger.Debug(ctx, "osv-scanner finished", "snapshot", snap.Ref.String(), "findings", len(findings))
	return findings, nil
}

type report struct {
	Results []struct {
		Source struct {
			Path string `json:"path"`
		} `json:"source"`
		Packages []packageReport `json:"packages"`
	} `json:"results"`
}

type packageReport struct {
	Package struct {
		Name      string `json:"name"`
		Version   string `json:"version"`
		Ecosystem string `json:"ecosystem"`
	} `json:"package"`
	Vulnerabilities []vulnerability `json:"vulnerabilities"`
	Groups          []struct {
		IDs         []string `json:"ids"`
		Aliases     []string `json:"aliases"`
		MaxSeverity string   `json:"max_severity"`
	} `json:"groups"`
}

type vulnerability struct {
	ID               string          `json:"id"`
	Summary          string          `json:"summary"`
	Aliases          []string        `json:"aliases"`
	Published        string          `json:"published"`
	DatabaseSpecific json.RawMessage `json:"database_specific"`
	Affected         []struct {
		Package struct {
			Name      string `json:"name"`
			Ecosystem string `json:"ecosystem"`
		} `json:"package"`
		Ranges []struct {
			Events []map[string]string `json:"events"`
		} `json:"ranges"`
	} `json:"affected"`
}

// Parse converts osv-scanner JSON output into raw findings. Empty output is
// treated as no findings.
func Parse(data []byte) ([]scanning.RawFinding, error) {
	findings := []scanning.RawFinding{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return findings, nil
	}

	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding osv-scanner report: %w", err)
	}

	for _, result := range r.Results {
		for _, pkg := range result.Packages {
			for _, v := range pkg.Vulnerabilities {
				score := groupScore(pkg, v.ID)
				var sev scanning.Severity
				if score != nil {
					sev = scanning.SeverityFromScore(*score)
				} else {
					sev = databaseSeverity(v.DatabaseSpecific)
				}

				findings = append(findings, scanning.RawFinding{
					Detector:        scanning.DetectorOSV,
					Ecosystem:       pkg.Package.Ecosystem,
					PackageName:     pkg.Package.Name,
					Version:         pkg.Package.Version,
					VulnerabilityID: scanning.PreferredIdentifier(v.ID, v.Aliases),
					Aliases:         append([]string{v.ID}, v.Aliases...),
					Severity:        sev,
					Score:           score,
					FixedVersion:    fixedVersion(v, pkg.Package.Name),
					Summary:         v.Summary,
					PublishedAt:     parseTime(v.Published),
				})
			}
		}
	}
	return findings, nil
}

// groupScore returns the numeric max_severity of the group containing id.
func groupScore(pkg packageReport, id string) *float64 {
	for _, g := range pkg.Groups {
		if g.MaxSeverity == "" || !(slices.Contains(g.IDs, id) || slices.Contains(g.Aliases, id)) {
			continue
		}
		if f, err := strconv.ParseFloat(g.MaxSeverity, 64); err == nil {
			return &f
		}
	}
	return nil
}

// databaseSeverity reads database_specific.severity, which is a qualitative
// string for GHSA records and a list of typed scores for some others.
func databaseSeverity(raw json.RawMessage) scanning.Severity {
	if len(raw) == 0 {
		return scanning.SeverityUnknown
	}

	var asString struct {
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(raw, &asString); err == nil && asString.Severity != "" {
		return scanning.ParseSeverity(asString.Severity)
	}

	var asList struct {
		Severity []struct {
			Type  string  `json:"type"`
			Score float64 `json:"score"`
		} `json:"severity"`
	}
	if err := json.Unmarshal(raw, &asList); err == nil {
		for _, s := range asList.Severity {
			if strings.HasPrefix(s.Type, "CVSS") {
				return scanning.SeverityFromScore(s.Score)
			}
		}
	}
	return scanning.SeverityUnknown
}

func fixedVersion(v vulnerability, pkgName string) string {
	for _, a := range v.Affected {
		if a.Package.Name != pkgName {
			continue
		}
		for _, r := range a.Ranges {
			for _, ev := range r.Events {
				if fixed, ok := ev["fixed"]; ok {
					return fixed
				}
			}
		}
	}
	return ""
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
