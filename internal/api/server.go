// Package api is the HTTP request layer in front of the scan orchestrator.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	appscanning "github.com/ahrav/oss-health-monitor/internal/app/scanning"
	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
	"github.com/ahrav/oss-health-monitor/pkg/common/otel"
)

const serviceName = "oss-health-monitor"

// ScanRunner runs or looks up one repository scan.
type ScanRunner interface {
	Scan(ctx context.Context, req appscanning.ScanRequest) (*appscanning.ScanOutcome, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the listener settings and the detector profile used when a
// request does not choose detectors itself.
type Config struct {
	Host            string
	Port            string
	Build           string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	DefaultProfile  scanning.ScanConfig
}

type Server struct {
	cfg       Config
	logger    *logger.Logger
	router    *chi.Mux
	runner    ScanRunner
	history   scanning.ScanHistory
	db        Pinger
	validator *requestValidator
	metrics   APIMetrics
	tracer    trace.Tracer
}

// NewServer wires the routes. history and db may be nil when persistence is
// disabled; the endpoints depending on them then report unavailability.
func NewServer(
	cfg Config,
	runner ScanRunner,
	history scanning.ScanHistory,
	db Pinger,
	log *logger.Logger,
	metrics APIMetrics,
	tracer trace.Tracer,
) (*Server, error) {
	if runner == nil {
		return nil, errors.New("scan runner is required")
	}

	v, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log, metrics))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		logger:    log.With("component", "api"),
		router:    r,
		runner:    runner,
		history:   history,
		db:        db,
		validator: v,
		metrics:   metrics,
		tracer:    tracer,
	}

	s.routes()
	return s, nil
}

func loggerMiddleware(log *logger.Logger, metrics APIMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				route := r.URL.Path
				if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				elapsed := time.Since(start)

				metrics.IncRequestsTotal(ctx, r.Method, route, ww.Status())
				metrics.ObserveRequestDuration(ctx, r.Method, route, elapsed)
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", elapsed,
					"request_id", middleware.GetReqID(ctx),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/db", s.handleDBHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/scan/repository", s.handleScanRepository)
		r.Get("/scans/{id}", s.handleGetScan)
		r.Get("/repositories/{owner}/{name}/scans", s.handleListScans)
	})
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler { return s.router }

type healthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Build    string `json:"build,omitempty"`
	Database string `json:"database,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Service: serviceName, Build: s.cfg.Build})
}

func (s *Server) handleDBHealth(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Service: serviceName, Database: "not_configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn(ctx, "database health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:   "unhealthy",
			Service:  serviceName,
			Database: "disconnected",
			Error:    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Service: serviceName, Database: "connected"})
}

// Start serves until ctx is cancelled, then drains in-flight requests for up
// to the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "starting server",
		"addr", server.Addr,
		"service", serviceName,
	)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving api: %w", err)
	}
	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("could not stop server gracefully: %w", err)
	}
	return nil
}
