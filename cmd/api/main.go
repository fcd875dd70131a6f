package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/oss-health-monitor/internal/api"
	appscanning "github.com/ahrav/oss-health-monitor/internal/app/scanning"
	"github.com/ahrav/oss-health-monitor/internal/config"
	"github.com/ahrav/oss-health-monitor/internal/config/fileloader"
	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/cache/memory"
	"github.com/ahrav/oss-health-monitor/internal/infra/detector"
	"github.com/ahrav/oss-health-monitor/internal/infra/detector/advisory"
	"github.com/ahrav/oss-health-monitor/internal/infra/detector/osv"
	"github.com/ahrav/oss-health-monitor/internal/infra/detector/trivy"
	"github.com/ahrav/oss-health-monitor/internal/infra/eventbus/kafka"
	"github.com/ahrav/oss-health-monitor/internal/infra/githubapi"
	githubsnapshot "github.com/ahrav/oss-health-monitor/internal/infra/snapshot/github"
	"github.com/ahrav/oss-health-monitor/internal/infra/storage"
	scanningStore "github.com/ahrav/oss-health-monitor/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/oss-health-monitor/pkg/common"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
	ohmotel "github.com/ahrav/oss-health-monitor/pkg/common/otel"
)

var build = "develop"

const serviceType = "health-api"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("OHM_CONFIG_FILE"), "path to an optional YAML config file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx := context.Background()

	cfg, err := config.NewViperLoader(*configPath).Load(ctx)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      ohmotel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			// Output the error event with valid JSON details.
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return ohmotel.GetTraceID(ctx)
	}

	metadata := map[string]string{
		"service":   cfg.Service.Name,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	svcLog := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Service.LogLevel), cfg.Service.Name, traceIDFn, logEvents, metadata)

	if err := run(ctx, svcLog, cfg, hostname); err != nil {
		svcLog.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := ohmotel.InitTelemetry(log, ohmotel.Config{
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/health":    {},
			"/health/db": {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(context.WithoutCancel(ctx))

	tracer := traceProvider.Tracer(cfg.Service.Name)
	mp := otel.GetMeterProvider()

	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}
	scanMetrics, err := appscanning.NewScanMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating scan metrics: %w", err)
	}

	// -------------------------------------------------------------------------
	// Detector profile
	profile := scanning.NewScanConfig(scanning.KnownDetectors()...)
	if cfg.Scan.ProfilePath != "" {
		if profile, err = fileloader.NewFileLoader(cfg.Scan.ProfilePath).Load(ctx); err != nil {
			return fmt.Errorf("loading detector profile: %w", err)
		}
	}
	profile = withAdvisoryLimit(profile, cfg.Detectors.AdvisoryMaxPackages)
	log.Info(ctx, "startup", "status", "detector profile loaded",
		"detectors", profile.DetectorNames(),
		"fingerprint", profile.Fingerprint(),
	)

	// -------------------------------------------------------------------------
	// GitHub
	ghClient, err := githubapi.NewClient(githubapi.Config{
		Token:   cfg.GitHub.Token,
		BaseURL: cfg.GitHub.BaseURL,
		Timeout: cfg.GitHub.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}
	ghLimiter := common.NewQuotaRateLimiter(cfg.GitHub.RequestsPerHour, time.Hour, cfg.GitHub.Burst)

	resolverCfg := githubsnapshot.DefaultConfig()
	resolverCfg.Token = cfg.GitHub.Token
	resolverCfg.WorkDir = cfg.GitHub.WorkDir
	resolverCfg.Depth = cfg.GitHub.CloneDepth
	if cfg.GitHub.CloneURL != "" {
		resolverCfg.CloneURL = cfg.GitHub.CloneURL
	}
	resolver := githubsnapshot.NewResolver(ghClient, ghLimiter, resolverCfg, log, tracer)

	// -------------------------------------------------------------------------
	// Detectors
	runner := detector.NewExecRunner(log)
	registry, err := appscanning.NewDetectorRegistry(
		osv.New(cfg.Detectors.OSVBinary, runner, log, tracer),
		advisory.New(ghClient, ghLimiter, log, tracer),
		trivy.New(cfg.Detectors.TrivyBinary, runner, log, tracer),
	)
	if err != nil {
		return fmt.Errorf("creating detector registry: %w", err)
	}

	// -------------------------------------------------------------------------
	// Result sinks
	var (
		sinks   []appscanning.NamedSink
		history scanning.ScanHistory
		db      api.Pinger
	)

	if cfg.Database.DSN != "" {
		log.Info(ctx, "startup", "status", "initializing database support")

		pool, err := storage.NewPool(ctx, storage.PoolConfig{DSN: cfg.Database.DSN, MaxConns: cfg.Database.MaxConns})
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		if err := storage.Migrate(pool, cfg.Database.MigrationsURL); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}

		store := scanningStore.NewScanStore(pool, tracer)
		sinks = append(sinks, appscanning.NamedSink{Name: "postgres", Sink: store})
		history, db = store, store
	}

	if len(cfg.Kafka.Brokers) > 0 {
		log.Info(ctx, "startup", "status", "initializing event bus")

		publisher, err := kafka.ConnectScanPublisher(ctx, &kafka.Config{
			Brokers:            cfg.Kafka.Brokers,
			ScanCompletedTopic: cfg.Kafka.ScanCompletedTopic,
			ClientID:           cfg.Kafka.ClientID,
		}, log, apiMetrics, tracer)
		if err != nil {
			return fmt.Errorf("connecting scan publisher: %w", err)
		}
		defer publisher.Close()

		sinks = append(sinks, appscanning.NamedSink{Name: "kafka", Sink: publisher})
	}

	var sink scanning.ResultSink
	if composite := appscanning.NewCompositeSink(sinks...); composite.Len() > 0 {
		sink = composite
	}

	// -------------------------------------------------------------------------
	// Orchestrator
	cache := memory.NewScanCache(
		memory.WithTTL(cfg.Scan.CacheTTL),
		memory.WithCapacity(cfg.Scan.CacheCapacity),
	)
	pool := appscanning.NewDetectorPool(cfg.Scan.MaxConcurrentDetectors, log, scanMetrics, tracer)

	opts := []appscanning.Option{appscanning.WithPersistTimeout(cfg.Scan.PersistTimeout)}
	if cfg.Scan.SingleFlight {
		opts = append(opts, appscanning.WithSingleFlight())
	}
	orchestrator := appscanning.NewScanOrchestrator(resolver, registry, pool, cache, sink, log, scanMetrics, tracer, opts...)

	// -------------------------------------------------------------------------
	// Start Debug Service
	debugMux, err := common.DebugMux(memory.NewStatsCollector(cache))
	if err != nil {
		return fmt.Errorf("creating debug mux: %w", err)
	}
	if cfg.Debug.Port != "" {
		go func() {
			debugHost := net.JoinHostPort(cfg.Debug.Host, cfg.Debug.Port)
			log.Info(ctx, "startup", "status", "debug router started", "host", debugHost)

			if err := http.ListenAndServe(debugHost, debugMux); err != nil {
				log.Error(ctx, "shutdown", "status", "debug router closed", "host", debugHost, "msg", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	server, err := api.NewServer(api.Config{
		Host:            cfg.API.Host,
		Port:            cfg.API.Port,
		Build:           build,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		IdleTimeout:     cfg.API.IdleTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		DefaultProfile:  profile,
	}, orchestrator, history, db, log, apiMetrics, tracer)
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info(ctx, "shutdown", "status", "shutdown complete")
	return nil
}

// withAdvisoryLimit sets the advisory detector's package cap unless the
// profile already chose one.
func withAdvisoryLimit(profile scanning.ScanConfig, maxPackages int) scanning.ScanConfig {
	for i, d := range profile.Detectors {
		if d.Name != scanning.DetectorAdvisory {
			continue
		}
		if _, ok := d.Options[advisory.OptionMaxPackages]; ok {
			continue
		}
		opts := maps.Clone(d.Options)
		if opts == nil {
			opts = make(map[string]string, 1)
		}
		opts[advisory.OptionMaxPackages] = strconv.Itoa(maxPackages)
		profile.Detectors[i].Options = opts
	}
	return profile
}
