package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/storage"
)

var (
	_ scanning.ResultSink  = (*scanStore)(nil)
	_ scanning.ScanHistory = (*scanStore)(nil)
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var findingColumns = []string{
	"scan_id",
	"position",
	"finding_key",
	"ecosystem",
	"package_name",
	"package_version",
	"vulnerability_id",
	"aliases",
	"severity",
	"cvss_score",
	"detectors",
	"fixed_version",
	"summary",
	"published_at",
}

// scanStore persists scan results to PostgreSQL: one row per scan, one row
// per canonical finding and one metrics row, written in a single transaction.
type scanStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewScanStore creates a new PostgreSQL-backed scan store with tracing.
func NewScanStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanStore {
	return &scanStore{db: pool, tracer: tracer}
}

// Store records a completed scan. Storing the same scan id twice is a no-op.
func (s *scanStore) Store(ctx context.Context, result *scanning.ScanResult, metrics scanning.HealthMetrics) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", result.ID().String()),
		attribute.String("repository", result.Repository().String()),
		attribute.Int("finding_count", result.FindingCount()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.store_scan", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
			inserted, err := s.insertScan(ctx, tx, result)
			if err != nil {
				return err
			}
			if !inserted {
				return nil
			}
			if err := s.copyFindings(ctx, tx, result); err != nil {
				return err
			}
			return s.insertMetrics(ctx, tx, result.ID(), metrics)
		})
	})
}

// outcomeRecord is the persisted shape of a detector outcome. Raw findings
// are not kept; the canonical findings table holds the merged set.
type outcomeRecord struct {
	Detector   scanning.DetectorName      `json:"detector"`
	Kind       scanning.OutcomeKind       `json:"kind"`
	ErrorKind  scanning.DetectorErrorKind `json:"error_kind,omitempty"`
	Error      string                     `json:"error,omitempty"`
	DurationMS int64                      `json:"duration_ms"`
}

func (s *scanStore) insertScan(ctx context.Context, tx pgx.Tx, result *scanning.ScanResult) (bool, error) {
	outcomes := result.Outcomes()
	records := make([]outcomeRecord, len(outcomes))
	for i, o := range outcomes {
		records[i] = outcomeRecord{
			Detector:   o.Detector,
			Kind:       o.Kind,
			ErrorKind:  o.ErrorKind,
			Error:      o.Error,
			DurationMS: o.Duration.Milliseconds(),
		}
	}
	outcomesJSON, err := json.Marshal(records)
	if err != nil {
		return false, fmt.Errorf("failed to marshal detector outcomes: %w", err)
	}

	snap := result.Snapshot()
	tag, err := tx.Exec(ctx, `
		INSERT INTO repository_scans (
			id, repository_owner, repository_name, repository_ref, commit_sha,
			config_fingerprint, status, completed_at, detector_outcomes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		pgUUID(result.ID()),
		snap.Repository.Owner,
		snap.Repository.Name,
		snap.Ref,
		snap.CommitSHA,
		result.ConfigFingerprint(),
		string(result.Status()),
		result.CompletedAt(),
		outcomesJSON,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert scan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *scanStore) copyFindings(ctx context.Context, tx pgx.Tx, result *scanning.ScanResult) error {
	findings := result.Findings()
	if len(findings) == 0 {
		return nil
	}

	id := pgUUID(result.ID())
	rows := pgx.CopyFromSlice(len(findings), func(i int) ([]any, error) {
		f := findings[i]
		detectors := make([]string, len(f.Detectors))
		for j, d := range f.Detectors {
			detectors[j] = string(d)
		}
		aliases := f.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		return []any{
			id,
			int32(i),
			string(f.Key),
			f.Ecosystem,
			f.PackageName,
			f.Version,
			f.VulnerabilityID,
			aliases,
			string(f.Severity),
			f.Score,
			detectors,
			nullString(f.FixedVersion),
			nullString(f.Summary),
			f.PublishedAt,
		}, nil
	})

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"scan_findings"}, findingColumns, rows)
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(n) != len(findings) {
		return fmt.Errorf("copied %d of %d findings", n, len(findings))
	}
	return nil
}

func (s *scanStore) insertMetrics(ctx context.Context, tx pgx.Tx, id uuid.UUID, m scanning.HealthMetrics) error {
	failed := make([]string, len(m.FailedDetectors))
	for i, d := range m.FailedDetectors {
		failed[i] = string(d)
	}
	ecosystems := m.Ecosystems
	if ecosystems == nil {
		ecosystems = []string{}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO scan_metrics (
			scan_id, total_findings,
			critical_count, high_count, medium_count, low_count, none_count, unknown_count,
			unique_packages_affected, fixable_findings, ecosystems,
			detectors_succeeded, detectors_failed, failed_detectors,
			mean_vuln_age_days, median_vuln_age_days, max_vuln_age_days
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		pgUUID(id),
		m.TotalFindings,
		m.BySeverity.Critical,
		m.BySeverity.High,
		m.BySeverity.Medium,
		m.BySeverity.Low,
		m.BySeverity.None,
		m.BySeverity.Unknown,
		m.UniquePackagesAffected,
		m.FixableFindings,
		ecosystems,
		m.DetectorsSucceeded,
		m.DetectorsFailed,
		failed,
		m.VulnerabilityAge.MeanDays,
		m.VulnerabilityAge.MedianDays,
		m.VulnerabilityAge.MaxDays,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan metrics: %w", err)
	}
	return nil
}

const selectMetrics = `
	SELECT
		s.id, s.repository_owner, s.repository_name, s.commit_sha, s.status, s.completed_at,
		m.total_findings,
		m.critical_count, m.high_count, m.medium_count, m.low_count, m.none_count, m.unknown_count,
		m.unique_packages_affected, m.fixable_findings, m.ecosystems,
		m.detectors_succeeded, m.detectors_failed, m.failed_detectors,
		m.mean_vuln_age_days, m.median_vuln_age_days, m.max_vuln_age_days
	FROM repository_scans s
	JOIN scan_metrics m ON m.scan_id = s.id`

func scanMetrics(row pgx.Row) (scanning.HealthMetrics, error) {
	var (
		m      scanning.HealthMetrics
		id     pgtype.UUID
		status string
		failed []string
	)
	err := row.Scan(
		&id, &m.Repository.Owner, &m.Repository.Name, &m.CommitSHA, &status, &m.ScannedAt,
		&m.TotalFindings,
		&m.BySeverity.Critical, &m.BySeverity.High, &m.BySeverity.Medium,
		&m.BySeverity.Low, &m.BySeverity.None, &m.BySeverity.Unknown,
		&m.UniquePackagesAffected, &m.FixableFindings, &m.Ecosystems,
		&m.DetectorsSucceeded, &m.DetectorsFailed, &failed,
		&m.VulnerabilityAge.MeanDays, &m.VulnerabilityAge.MedianDays, &m.VulnerabilityAge.MaxDays,
	)
	if err != nil {
		return scanning.HealthMetrics{}, err
	}

	m.ScanID = uuid.UUID(id.Bytes)
	m.Status, _ = scanning.ParseScanStatus(status)
	m.ScannedAt = m.ScannedAt.UTC()
	m.FailedDetectors = make([]scanning.DetectorName, len(failed))
	for i, d := range failed {
		m.FailedDetectors[i] = scanning.DetectorName(d)
	}
	if m.Ecosystems == nil {
		m.Ecosystems = []string{}
	}
	return m, nil
}

// GetScan loads a scan together with its findings and metrics.
func (s *scanStore) GetScan(ctx context.Context, id uuid.UUID) (*scanning.ScanResult, scanning.HealthMetrics, error) {
	var (
		result  *scanning.ScanResult
		metrics scanning.HealthMetrics
	)
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", id.String()))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan", dbAttrs, func(ctx context.Context) error {
		var (
			snap         scanning.SnapshotRef
			fingerprint  string
			status       string
			completedAt  time.Time
			outcomesJSON []byte
		)
		err := s.db.QueryRow(ctx, `
			SELECT repository_owner, repository_name, repository_ref, commit_sha,
				config_fingerprint, status, completed_at, detector_outcomes
			FROM repository_scans
			WHERE id = $1`, pgUUID(id),
		).Scan(
			&snap.Repository.Owner, &snap.Repository.Name, &snap.Ref, &snap.CommitSHA,
			&fingerprint, &status, &completedAt, &outcomesJSON,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrScanNotFound
			}
			return fmt.Errorf("failed to get scan: %w", err)
		}

		var records []outcomeRecord
		if err := json.Unmarshal(outcomesJSON, &records); err != nil {
			return fmt.Errorf("failed to unmarshal detector outcomes: %w", err)
		}
		outcomes := make([]scanning.DetectorOutcome, len(records))
		for i, r := range records {
			outcomes[i] = scanning.DetectorOutcome{
				Detector:  r.Detector,
				Kind:      r.Kind,
				ErrorKind: r.ErrorKind,
				Error:     r.Error,
				Duration:  time.Duration(r.DurationMS) * time.Millisecond,
			}
		}

		findings, err := s.loadFindings(ctx, id)
		if err != nil {
			return err
		}

		metrics, err = scanMetrics(s.db.QueryRow(ctx, selectMetrics+` WHERE s.id = $1`, pgUUID(id)))
		if err != nil {
			return fmt.Errorf("failed to get scan metrics: %w", err)
		}

		scanStatus, _ := scanning.ParseScanStatus(status)
		result = scanning.ReconstructScanResult(id, snap, fingerprint, findings, outcomes, scanStatus, completedAt.UTC())
		return nil
	})
	if err != nil {
		return nil, scanning.HealthMetrics{}, err
	}
	return result, metrics, nil
}

func (s *scanStore) loadFindings(ctx context.Context, id uuid.UUID) ([]scanning.CanonicalFinding, error) {
	rows, err := s.db.Query(ctx, `
		SELECT finding_key, ecosystem, package_name, package_version, vulnerability_id,
			aliases, severity, cvss_score, detectors, fixed_version, summary, published_at
		FROM scan_findings
		WHERE scan_id = $1
		ORDER BY position`, pgUUID(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	findings := []scanning.CanonicalFinding{}
	for rows.Next() {
		var (
			f         scanning.CanonicalFinding
			key       string
			severity  string
			detectors []string
			fixed     *string
			summary   *string
		)
		if err := rows.Scan(
			&key, &f.Ecosystem, &f.PackageName, &f.Version, &f.VulnerabilityID,
			&f.Aliases, &severity, &f.Score, &detectors, &fixed, &summary, &f.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}

		f.Key = scanning.FindingKey(key)
		f.Severity = scanning.ParseSeverity(severity)
		f.Detectors = make([]scanning.DetectorName, len(detectors))
		for i, d := range detectors {
			f.Detectors[i] = scanning.DetectorName(d)
		}
		if len(f.Aliases) == 0 {
			f.Aliases = nil
		}
		if fixed != nil {
			f.FixedVersion = *fixed
		}
		if summary != nil {
			f.Summary = *summary
		}
		if f.PublishedAt != nil {
			t := f.PublishedAt.UTC()
			f.PublishedAt = &t
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate findings: %w", err)
	}
	return findings, nil
}

// ListScans returns the metrics of the most recent scans of repo, newest first.
func (s *scanStore) ListScans(ctx context.Context, repo scanning.RepositoryIdentity, limit int) ([]scanning.HealthMetrics, error) {
	if limit <= 0 {
		limit = 20
	}
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("repository", repo.String()),
		attribute.Int("limit", limit),
	)

	var out []scanning.HealthMetrics
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scans", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, selectMetrics+`
			WHERE LOWER(s.repository_owner) = $1 AND LOWER(s.repository_name) = $2
			ORDER BY s.completed_at DESC
			LIMIT $3`,
			strings.ToLower(repo.Owner), strings.ToLower(repo.Name), limit,
		)
		if err != nil {
			return fmt.Errorf("failed to list scans: %w", err)
		}
		defer rows.Close()

		out = []scanning.HealthMetrics{}
		for rows.Next() {
			m, err := scanMetrics(rows)
			if err != nil {
				return fmt.Errorf("failed to scan metrics row: %w", err)
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping verifies database connectivity for health checks.
func (s *scanStore) Ping(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ping", defaultDBAttributes, func(ctx context.Context) error {
		return s.db.Ping(ctx)
	})
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
