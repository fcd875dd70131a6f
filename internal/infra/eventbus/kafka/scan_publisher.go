package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

const (
	// EventTypeScanCompleted is set on every message in the event-type header.
	EventTypeScanCompleted = "ScanCompleted"

	eventTypeHeader = "event-type"

	// MaxPublishedFindings bounds the number of findings embedded in one
	// message. The full set stays available through the scan store.
	MaxPublishedFindings = 500
)

// Config is the publisher configuration.
type Config struct {
	Brokers            []string
	ScanCompletedTopic string
	ClientID           string
}

// EventBusMetrics records publish outcomes.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

// ScanPublisher announces completed scans on a Kafka topic. It satisfies
// scanning.ResultSink so it can sit next to the database in a composite sink.
type ScanPublisher struct {
	producer sarama.SyncProducer
	client   sarama.Client // owned when created through ConnectScanPublisher
	topic    string

	logger  *logger.Logger
	metrics EventBusMetrics
	tracer  trace.Tracer
}

var _ scanning.ResultSink = (*ScanPublisher)(nil)

// NewScanPublisher wraps an existing producer.
func NewScanPublisher(
	producer sarama.SyncProducer,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*ScanPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if cfg == nil || cfg.ScanCompletedTopic == "" {
		return nil, errors.New("scan completed topic is required")
	}

	return &ScanPublisher{
		producer: producer,
		topic:    cfg.ScanCompletedTopic,
		logger:   logger.With("component", "kafka_scan_publisher", "topic", cfg.ScanCompletedTopic),
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// Store publishes a ScanCompleted event keyed by repository so every scan of
// a repository lands on the same partition in completion order.
func (p *ScanPublisher) Store(ctx context.Context, result *scanning.ScanResult, metrics scanning.HealthMetrics) error {
	key := result.Repository().String()
	ctx, span := tracing.StartPublishSpan(ctx, p.tracer, p.topic, key)
	defer span.End()

	span.SetAttributes(
		attribute.String("scan_id", result.ID().String()),
		attribute.String("status", result.Status().String()),
	)

	payload, err := encodeScanCompleted(result, metrics)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		return fmt.Errorf("encoding scan completed event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(eventTypeHeader), Value: []byte(EventTypeScanCompleted)},
		},
	}
	tracing.Inject(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.metrics.IncPublishError(ctx, p.topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish event")
		return fmt.Errorf("publishing scan %s: %w", result.ID(), err)
	}
	p.metrics.IncMessagePublished(ctx, p.topic)

	span.SetAttributes(
		attribute.Int64("partition", int64(partition)),
		attribute.Int64("offset", offset),
	)
	p.logger.Debug(ctx, "Published scan completed event",
		"scan_id", result.ID(),
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close releases the producer and, when owned, the underlying client.
func (p *ScanPublisher) Close() error {
	err := p.producer.Close()
	if p.client != nil && !p.client.Closed() {
		err = errors.Join(err, p.client.Close())
	}
	return err
}

func encodeScanCompleted(result *scanning.ScanResult, metrics scanning.HealthMetrics) ([]byte, error) {
	snap := result.Snapshot()

	findings := result.Findings()
	truncated := len(findings) > MaxPublishedFindings
	if truncated {
		findings = findings[:MaxPublishedFindings]
	}
	encoded := make([]any, 0, len(findings))
	for _, f := range findings {
		encoded = append(encoded, findingValue(f))
	}

	failed := make([]any, 0, len(metrics.FailedDetectors))
	for _, d := range metrics.FailedDetectors {
		failed = append(failed, d.String())
	}

	s, err := structpb.NewStruct(map[string]any{
		"event_type":         EventTypeScanCompleted,
		"scan_id":            result.ID().String(),
		"repository":         snap.Repository.String(),
		"owner":              snap.Repository.Owner,
		"name":               snap.Repository.Name,
		"ref":                snap.Ref,
		"commit_sha":         snap.CommitSHA,
		"config_fingerprint": result.ConfigFingerprint(),
		"status":             result.Status().String(),
		"completed_at":       result.CompletedAt().UTC().Format(time.RFC3339Nano),
		"total_findings":     metrics.TotalFindings,
		"by_severity": map[string]any{
			"critical": metrics.BySeverity.Critical,
			"high":     metrics.BySeverity.High,
			"medium":   metrics.BySeverity.Medium,
			"low":      metrics.BySeverity.Low,
			"none":     metrics.BySeverity.None,
			"unknown":  metrics.BySeverity.Unknown,
		},
		"unique_packages_affected": metrics.UniquePackagesAffected,
		"fixable_findings":         metrics.FixableFindings,
		"ecosystems":               stringList(metrics.Ecosystems),
		"failed_detectors":         failed,
		"findings":                 encoded,
		"findings_truncated":       truncated,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func findingValue(f scanning.CanonicalFinding) map[string]any {
	detectors := make([]any, 0, len(f.Detectors))
	for _, d := range f.Detectors {
		detectors = append(detectors, d.String())
	}

	v := map[string]any{
		"key":              string(f.Key),
		"ecosystem":        f.Ecosystem,
		"package_name":     f.PackageName,
		"version":          f.Version,
		"vulnerability_id": f.VulnerabilityID,
		"aliases":          stringList(f.Aliases),
		"severity":         f.Severity.String(),
		"detectors":        detectors,
		"fixed_version":    f.FixedVersion,
	}
	if f.Score != nil {
		v["score"] = *f.Score
	}
	return v
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
