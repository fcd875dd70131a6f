package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appscanning "github.com/ahrav/oss-health-monitor/internal/app/scanning"
	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
)

const (
	maxRequestBytes  = 64 << 10
	defaultListLimit = 20
	maxListLimit     = 100
)

type repositoryRequest struct {
	Owner string `json:"owner" validate:"required,max=100,excludesall=/"`
	Name  string `json:"name" validate:"required,max=100,excludesall=/"`
	Ref   string `json:"ref,omitempty" validate:"omitempty,max=255"`
}

type scanConfigRequest struct {
	// Detectors selects a subset of the default profile; empty keeps it.
	Detectors                []string                     `json:"detectors,omitempty" validate:"omitempty,unique,dive,oneof=osv advisory trivy"`
	ScanTimeoutSeconds       int                          `json:"scan_timeout_seconds,omitempty" validate:"omitempty,min=1,max=600"`
	WholeScanDeadlineSeconds int                          `json:"whole_scan_deadline_seconds,omitempty" validate:"omitempty,min=1,max=900"`
	Options                  map[string]map[string]string `json:"options,omitempty"`
}

type scanRequest struct {
	Repository repositoryRequest  `json:"repository"`
	ScanConfig *scanConfigRequest `json:"scan_config,omitempty"`
}

type repositoryResponse struct {
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	Ref       string `json:"ref"`
	CommitSHA string `json:"commit_sha"`
}

type detectorResultResponse struct {
	Detector        string `json:"detector"`
	Status          string `json:"status"`
	FindingsCount   int    `json:"vulnerabilities_found"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	ErrorKind       string `json:"error_kind,omitempty"`
	Error           string `json:"error,omitempty"`
}

type scanResponse struct {
	ScanID            string                      `json:"scan_id"`
	Repository        repositoryResponse          `json:"repository"`
	Status            string                      `json:"status"`
	ScannedAt         time.Time                   `json:"scanned_at"`
	ConfigFingerprint string                      `json:"config_fingerprint"`
	CacheHit          bool                        `json:"cache_hit"`
	DetectorResults   []detectorResultResponse    `json:"scanner_results"`
	Vulnerabilities   []scanning.CanonicalFinding `json:"vulnerabilities"`
	HealthMetrics     scanning.HealthMetrics      `json:"health_metrics"`
	Warnings          []string                    `json:"warnings,omitempty"`
}

type errorResponse struct {
	Error           string      `json:"error"`
	Kind            string      `json:"kind,omitempty"`
	Fields          FieldErrors `json:"fields,omitempty"`
	FailedDetectors []string    `json:"failed_detectors,omitempty"`
	// Scan is set on a total detector failure so callers still see each
	// detector's outcome.
	Scan *scanResponse `json:"scan,omitempty"`
}

func (s *Server) handleScanRepository(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.scan_repository")
	defer span.End()

	s.metrics.IncScanRequestsTotal(ctx)

	var req scanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.fail(ctx, w, http.StatusBadRequest, "invalid_body", errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := s.validator.Check(req); err != nil {
		var fields FieldErrors
		errors.As(err, &fields)
		s.fail(ctx, w, http.StatusBadRequest, "validation", errorResponse{Error: err.Error(), Fields: fields})
		return
	}

	repo, err := scanning.NewRepositoryIdentity(req.Repository.Owner, req.Repository.Name)
	if err != nil {
		s.fail(ctx, w, http.StatusBadRequest, "validation", errorResponse{Error: err.Error()})
		return
	}
	cfg, err := s.scanConfigFor(req.ScanConfig)
	if err != nil {
		s.fail(ctx, w, http.StatusBadRequest, "invalid_config", errorResponse{Error: err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("repository", repo.String()),
		attribute.String("ref_hint", req.Repository.Ref),
	)

	outcome, err := s.runner.Scan(ctx, appscanning.ScanRequest{
		Repository: repo,
		RefHint:    req.Repository.Ref,
		Config:     cfg,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		status, kind := statusForScanError(err)
		s.fail(ctx, w, status, kind, errorResponse{Error: err.Error(), Kind: kind})
		return
	}

	resp := newScanResponse(outcome.Result, outcome.Outcomes(), outcome.Metrics, outcome.CacheHit)
	if outcome.PersistErr != nil {
		s.logger.Warn(ctx, "scan result not persisted", "scan_id", outcome.Result.ID(), "error", outcome.PersistErr)
		resp.Warnings = append(resp.Warnings, "result could not be persisted")
	}

	s.metrics.ObserveScanResponse(ctx, resp.Status, outcome.CacheHit, len(resp.Vulnerabilities))

	if err := outcome.Err(); err != nil {
		span.SetStatus(codes.Error, "total detector failure")
		s.fail(ctx, w, http.StatusServiceUnavailable, string(scanning.OrchestrationTotalDetectorFailure), errorResponse{
			Error:           err.Error(),
			Kind:            string(scanning.OrchestrationTotalDetectorFailure),
			FailedDetectors: detectorNames(outcome.Result.FailedDetectors()),
			Scan:            &resp,
		})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// scanConfigFor narrows and adjusts the default profile per the request.
func (s *Server) scanConfigFor(req *scanConfigRequest) (scanning.ScanConfig, error) {
	profile := s.cfg.DefaultProfile
	if req == nil {
		return profile.WithDefaults(), nil
	}

	cfg := scanning.ScanConfig{WholeScanDeadline: profile.WholeScanDeadline}
	if len(req.Detectors) == 0 {
		cfg.Detectors = append(cfg.Detectors, profile.Detectors...)
	} else {
		for _, name := range req.Detectors {
			spec := scanning.DetectorSpec{Name: scanning.DetectorName(name)}
			for _, p := range profile.Detectors {
				if p.Name == spec.Name {
					spec = p
					break
				}
			}
			cfg.Detectors = append(cfg.Detectors, spec)
		}
	}

	for i := range cfg.Detectors {
		if req.ScanTimeoutSeconds > 0 {
			cfg.Detectors[i].Budget = time.Duration(req.ScanTimeoutSeconds) * time.Second
		}
	}
	for name, opts := range req.Options {
		idx := -1
		for i, d := range cfg.Detectors {
			if d.Name.String() == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return scanning.ScanConfig{}, fmt.Errorf("options given for detector %q which is not part of the scan", name)
		}
		cfg.Detectors[idx].Options = opts
	}
	if req.WholeScanDeadlineSeconds > 0 {
		cfg.WholeScanDeadline = time.Duration(req.WholeScanDeadlineSeconds) * time.Second
	}

	return cfg.WithDefaults(), nil
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scan history is not configured"})
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid scan id"})
		return
	}

	result, metrics, err := s.history.GetScan(ctx, id)
	if err != nil {
		if errors.Is(err, scanning.ErrScanNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error(ctx, "failed to load scan", "scan_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load scan"})
		return
	}

	writeJSON(w, http.StatusOK, newScanResponse(result, result.Outcomes(), metrics, false))
}

type scanListResponse struct {
	Repository string                   `json:"repository"`
	Scans      []scanning.HealthMetrics `json:"scans"`
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scan history is not configured"})
		return
	}

	repo, err := scanning.NewRepositoryIdentity(chi.URLParam(r, "owner"), chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("limit must be between 1 and %d", maxListLimit)})
			return
		}
		limit = n
	}

	scans, err := s.history.ListScans(ctx, repo, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to list scans", "repository", repo, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list scans"})
		return
	}
	if scans == nil {
		scans = []scanning.HealthMetrics{}
	}

	writeJSON(w, http.StatusOK, scanListResponse{Repository: repo.String(), Scans: scans})
}

// statusForScanError maps an orchestration error onto an HTTP status and a
// short reason used in metrics and the response body.
func statusForScanError(err error) (int, string) {
	var re *scanning.ResolutionError
	switch {
	case errors.As(err, &re):
		switch re.Kind {
		case scanning.ResolutionNotFound:
			return http.StatusNotFound, re.Kind.String()
		case scanning.ResolutionAuthRequired:
			return http.StatusForbidden, re.Kind.String()
		default:
			return http.StatusBadGateway, re.Kind.String()
		}
	case errors.Is(err, scanning.ErrInvalidScanConfig):
		return http.StatusBadRequest, "invalid_config"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, status int, reason string, body errorResponse) {
	s.metrics.IncScanRequestErrors(ctx, reason)
	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "scan request failed", "status", status, "reason", reason, "error", body.Error)
	} else {
		s.logger.Debug(ctx, "scan request rejected", "status", status, "reason", reason, "error", body.Error)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		w.Header().Set("X-Trace-Id", sc.TraceID().String())
	}
	writeJSON(w, status, body)
}

func newScanResponse(
	result *scanning.ScanResult,
	outcomes []scanning.DetectorOutcome,
	metrics scanning.HealthMetrics,
	cacheHit bool,
) scanResponse {
	snap := result.Snapshot()

	detectors := make([]detectorResultResponse, 0, len(outcomes))
	for _, o := range outcomes {
		detectors = append(detectors, detectorResultResponse{
			Detector:        o.Detector.String(),
			Status:          o.Kind.String(),
			FindingsCount:   len(o.Findings),
			ExecutionTimeMS: o.Duration.Milliseconds(),
			ErrorKind:       string(o.ErrorKind),
			Error:           o.Error,
		})
	}

	findings := result.Findings()
	if findings == nil {
		findings = []scanning.CanonicalFinding{}
	}

	return scanResponse{
		ScanID: result.ID().String(),
		Repository: repositoryResponse{
			Owner:     snap.Repository.Owner,
			Name:      snap.Repository.Name,
			Ref:       snap.Ref,
			CommitSHA: snap.CommitSHA,
		},
		Status:            result.Status().String(),
		ScannedAt:         result.CompletedAt(),
		ConfigFingerprint: result.ConfigFingerprint(),
		CacheHit:          cacheHit,
		DetectorResults:   detectors,
		Vulnerabilities:   findings,
		HealthMetrics:     metrics,
	}
}

func detectorNames(names []scanning.DetectorName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
