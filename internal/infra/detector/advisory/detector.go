// Package advisory adapts the GitHub Advisory Database to the detector
// contract. The repository's dependency graph SBOM supplies the package list
// and each package version is matched against the global advisories API.
//
// The dependency graph describes the repository's default branch as GitHub
// last indexed it, not the pinned commit; findings from this detector are
// therefore the best approximation GitHub can offer for the snapshot.
package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/githubapi"
	"github.com/ahrav/oss-health-monitor/pkg/common"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

// DefaultMaxPackages caps how many SBOM packages are looked up per scan.
const DefaultMaxPackages = 500

// OptionMaxPackages is the detector option overriding DefaultMaxPackages.
const OptionMaxPackages = "max_packages"

const advisoriesPerPage = 100

// sbomEcosystems maps the SBOM package name prefix to the ecosystem value
// the advisories API filters on.
var sbomEcosystems = map[string]string{
	"pip":           "pip",
	"pypi":          "pip",
	"npm":           "npm",
	"go":            "go",
	"golang":        "go",
	"maven":         "maven",
	"rubygems":      "rubygems",
	"gem":           "rubygems",
	"cargo":         "rust",
	"rust":          "rust",
	"nuget":         "nuget",
	"composer":      "composer",
	"pub":           "pub",
	"hex":           "erlang",
	"erlang":        "erlang",
	"actions":       "actions",
	"swift":         "swift",
	"githubactions": "actions",
}

// Detector queries the GitHub Advisory Database. It is stateless; the rate
// limiter is shared with other GitHub API consumers.
type Detector struct {
	client  *github.Client
	limiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.Detector = (*Detector)(nil)

func New(client *github.Client, limiter *common.RateLimiter, logger *logger.Logger, tracer trace.Tracer) *Detector {
	if limiter == nil {
		limiter = common.NewRateLimiter(0, 1)
	}
	return &Detector{
		client:  client,
		limiter: limiter,
		logger:  logger.With("component", "advisory_detector"),
		tracer:  tracer,
	}
}

func (d *Detector) Name() scanning.DetectorName { return scanning.DetectorAdvisory }

type packageRef struct {
	apiEcosystem string
	name         string
	version      string
}

func (p packageRef) affects() string { return p.name + "@" + p.version }

// Detect reads the dependency graph and looks up advisories for every pinned
// package. The "max_packages" option overrides DefaultMaxPackages.
func (d *Detector) Detect(ctx context.Context, snap scanning.Snapshot, opts map[string]string) ([]scanning.RawFinding, error) {
	repo := snap.Ref.Repository
	ctx, span := d.tracer.Start(ctx, "advisory_detector.detect",
		trace.WithAttributes(attribute.String("repository", repo.String())))
	defer span.End()

	maxPackages := DefaultMaxPackages
	if v, err := strconv.Atoi(opts[OptionMaxPackages]); err == nil && v > 0 {
		maxPackages = v
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	sbom, _, err := d.client.DependencyGraph.GetSBOM(ctx, repo.Owner, repo.Name)
	if err != nil {
		err = d.classify(ctx, "fetching dependency graph", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dependency graph unavailable")
		return nil, err
	}

	pkgs := sbomPackages(sbom)
	if len(pkgs) > maxPackages {
		d.logger.Warn(ctx, "Dependency graph truncated",
			"repository", repo.String(),
			"packages", len(pkgs),
			OptionMaxPackages, maxPackages,
		)
		pkgs = pkgs[:maxPackages]
	}
	span.SetAttributes(attribute.Int("packages", len(pkgs)))

	findings := []scanning.RawFinding{}
	for _, pkg := range pkgs {
		advisories, err := d.lookup(ctx, pkg)
		if err != nil {
			err = d.classify(ctx, "listing advisories for "+pkg.affects(), err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "advisory lookup failed")
			return nil, err
		}
		for _, adv := range advisories {
			if adv.WithdrawnAt != nil {
				continue
			}
			findings = append(findings, toRawFinding(pkg, adv))
		}
	}

	span.SetAttributes(attribute.Int("findings", len(findings)))
	d.logger.Debug(ctx, "Advisory lookup finished",
		"repository", repo.String(),
		"packages", len(pkgs),
		"findings", len(findings),
	)
	return findings, nil
}

func (d *Detector) lookup(ctx context.Context, pkg packageRef) ([]*github.GlobalSecurityAdvisory, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	opts := &github.ListGlobalSecurityAdvisoriesOptions{
		ListCursorOptions: github.ListCursorOptions{PerPage: advisoriesPerPage},
		Type:              github.String("reviewed"),
		Ecosystem:         github.String(pkg.apiEcosystem),
		Affects:           github.String(pkg.affects()),
	}
	advisories, _, err := d.client.SecurityAdvisories.ListGlobalSecurityAdvisories(ctx, opts)
	return advisories, err
}

// classify maps API failures onto detector error kinds. The context error is
// returned untouched so the pool can record a timeout.
func (d *Detector) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	wrapped := fmt.Errorf("%s: %w", op, err)
	status := githubapi.StatusCode(err)
	switch {
	case githubapi.IsRateLimited(err):
		return scanning.NewDetectorError(scanning.DetectorAdvisory, scanning.DetectorErrorNotAvailable, wrapped)
	case status == http.StatusNotFound, status == http.StatusUnauthorized, status == http.StatusForbidden:
		// Dependency graph disabled, private repository or missing token.
		return scanning.NewDetectorError(scanning.DetectorAdvisory, scanning.DetectorErrorNotAvailable, wrapped)
	case status >= http.StatusBadRequest:
		return scanning.NewDetectorError(scanning.DetectorAdvisory, scanning.DetectorErrorNonZeroExit, wrapped)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return scanning.NewDetectorError(scanning.DetectorAdvisory, scanning.DetectorErrorMalformedOutput, wrapped)
	}
	return scanning.NewDetectorError(scanning.DetectorAdvisory, scanning.DetectorErrorNotAvailable, wrapped)
}

// sbomPackages extracts the pinned, supported packages from an SPDX SBOM.
// Package names carry an ecosystem prefix ("pip:requests"); the entry
// describing the repository itself has none and is skipped together with
// unpinned version ranges.
func sbomPackages(sbom *github.SBOM) []packageRef {
	if sbom == nil || sbom.SBOM == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var pkgs []packageRef
	for _, p := range sbom.SBOM.Packages {
		if p == nil || p.Name == nil || p.VersionInfo == nil {
			continue
		}
		prefix, name, ok := strings.Cut(*p.Name, ":")
		if !ok || name == "" {
			continue
		}
		eco, ok := sbomEcosystems[strings.ToLower(prefix)]
		if !ok {
			continue
		}
		version := strings.TrimSpace(*p.VersionInfo)
		if !pinned(version) {
			continue
		}

		ref := packageRef{apiEcosystem: eco, name: name, version: version}
		key := eco + "|" + strings.ToLower(name) + "|" + version
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		pkgs = append(pkgs, ref)
	}
	return pkgs
}

func pinned(version string) bool {
	if version == "" {
		return false
	}
	return !strings.ContainsAny(version, " <>=~^*,|")
}

func toRawFinding(pkg packageRef, adv *github.GlobalSecurityAdvisory) scanning.RawFinding {
	ghsa := adv.GetGHSAID()
	var aliases []string
	addAlias := func(id string) {
		if id != "" && !slices.Contains(aliases, id) {
			aliases = append(aliases, id)
		}
	}
	addAlias(ghsa)
	addAlias(adv.GetCVEID())
	for _, ident := range adv.Identifiers {
		if ident != nil && ident.Value != nil {
			addAlias(*ident.Value)
		}
	}

	var score *float64
	if adv.CVSS != nil && adv.CVSS.Score != nil && *adv.CVSS.Score > 0 {
		s := *adv.CVSS.Score
		score = &s
	}
	sev := scanning.ParseSeverity(adv.GetSeverity())
	if sev == scanning.SeverityUnknown && score != nil {
		sev = scanning.SeverityFromScore(*score)
	}

	var published *time.Time
	if adv.PublishedAt != nil && !adv.PublishedAt.IsZero() {
		t := adv.PublishedAt.Time.UTC()
		published = &t
	}

	return scanning.RawFinding{
		Detector:        scanning.DetectorAdvisory,
		Ecosystem:       scanning.NormalizeEcosystem(pkg.apiEcosystem),
		PackageName:     pkg.name,
		Version:         pkg.version,
		VulnerabilityID: scanning.PreferredIdentifier(ghsa, aliases),
		Aliases:         aliases,
		Severity:        sev,
		Score:           score,
		FixedVersion:    patchedVersion(pkg, adv),
		Summary:         adv.GetSummary(),
		PublishedAt:     published,
	}
}

func patchedVersion(pkg packageRef, adv *github.GlobalSecurityAdvisory) string {
	for _, v := range adv.Vulnerabilities {
		if v == nil || v.Package == nil || v.Package.Name == nil {
			continue
		}
		if !strings.EqualFold(*v.Package.Name, pkg.name) {
			continue
		}
		if v.FirstPatchedVersion != nil {
			return *v.FirstPatchedVersion
		}
	}
	return ""
}
