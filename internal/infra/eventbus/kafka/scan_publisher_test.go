package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

type mockEventBusMetrics struct{ mock.Mock }

func (m *mockEventBusMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.Called(ctx, topic)
}

func (m *mockEventBusMetrics) IncPublishError(ctx context.Context, topic string) {
	m.Called(ctx, topic)
}

const testTopic = "scan-completed"

func newTestResult(t *testing.T, findings int) (*scanning.ScanResult, scanning.HealthMetrics) {
	t.Helper()

	repo, err := scanning.NewRepositoryIdentity("psf", "requests")
	require.NoError(t, err)
	ref, err := scanning.NewSnapshotRef(repo, "main", "0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)

	raw := make([]scanning.RawFinding, 0, findings)
	for i := range findings {
		raw = append(raw, scanning.RawFinding{
			Detector:        scanning.DetectorOSV,
			Ecosystem:       "PyPI",
			PackageName:     "requests",
			Version:         "2.19.0",
			VulnerabilityID: fmt.Sprintf("CVE-2023-%05d", i),
			Severity:        scanning.SeverityHigh,
			FixedVersion:    "2.31.0",
		})
	}

	result := scanning.NewScanResult(uuid.New(), ref, "fp", []scanning.DetectorOutcome{
		scanning.Succeeded(scanning.DetectorOSV, raw, time.Second),
		scanning.TimedOut(scanning.DetectorTrivy, 2*time.Second),
	}, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return result, scanning.ComputeMetrics(result)
}

func newTestPublisher(t *testing.T, producer sarama.SyncProducer, metrics EventBusMetrics) *ScanPublisher {
	t.Helper()
	p, err := NewScanPublisher(producer, &Config{ScanCompletedTopic: testTopic}, logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return p
}

func decodePayload(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(b, &s))
	return s.AsMap()
}

func TestScanPublisher_Store(t *testing.T) {
	t.Parallel()

	result, metrics := newTestResult(t, 2)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != testTopic {
			return fmt.Errorf("unexpected topic %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "psf/requests" {
			return fmt.Errorf("unexpected key %q", key)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == eventTypeHeader && string(h.Value) == EventTypeScanCompleted {
				return nil
			}
		}
		return errors.New("missing event-type header")
	})

	m := new(mockEventBusMetrics)
	m.On("IncMessagePublished", mock.Anything, testTopic).Return().Once()

	p := newTestPublisher(t, producer, m)
	require.NoError(t, p.Store(context.Background(), result, metrics))
	require.NoError(t, p.Close())
	m.AssertExpectations(t)
}

func TestEncodeScanCompleted(t *testing.T) {
	t.Parallel()

	result, metrics := newTestResult(t, 2)

	b, err := encodeScanCompleted(result, metrics)
	require.NoError(t, err)
	got := decodePayload(t, b)

	assert.Equal(t, EventTypeScanCompleted, got["event_type"])
	assert.Equal(t, result.ID().String(), got["scan_id"])
	assert.Equal(t, "psf/requests", got["repository"])
	assert.Equal(t, "PARTIAL_FAILURE", got["status"])
	assert.Equal(t, "2024-05-01T12:00:00Z", got["completed_at"])
	assert.Equal(t, float64(2), got["total_findings"])
	assert.Equal(t, float64(2), got["fixable_findings"])
	assert.Equal(t, []any{"trivy"}, got["failed_detectors"])
	assert.Equal(t, false, got["findings_truncated"])

	bySeverity, ok := got["by_severity"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), bySeverity["high"])

	findings, ok := got["findings"].([]any)
	require.True(t, ok)
	require.Len(t, findings, 2)
	first, ok := findings[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "requests", first["package_name"])
	assert.Equal(t, []any{"osv"}, first["detectors"])
	assert.NotContains(t, first, "score")
}

func TestEncodeScanCompleted_TruncatesFindings(t *testing.T) {
	t.Parallel()

	result, metrics := newTestResult(t, MaxPublishedFindings+3)

	b, err := encodeScanCompleted(result, metrics)
	require.NoError(t, err)
	got := decodePayload(t, b)

	assert.Equal(t, true, got["findings_truncated"])
	assert.Len(t, got["findings"], MaxPublishedFindings)
	assert.Equal(t, float64(MaxPublishedFindings+3), got["total_findings"])
}

func TestScanPublisher_StoreFailure(t *testing.T) {
	t.Parallel()

	result, metrics := newTestResult(t, 1)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	m := new(mockEventBusMetrics)
	m.On("IncPublishError", mock.Anything, testTopic).Return().Once()

	p := newTestPublisher(t, producer, m)
	err := p.Store(context.Background(), result, metrics)
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
	m.AssertExpectations(t)
}

func TestNewScanPublisher_Validation(t *testing.T) {
	t.Parallel()

	tracer := noop.NewTracerProvider().Tracer("test")

	_, err := NewScanPublisher(nil, &Config{ScanCompletedTopic: testTopic}, logger.Noop(), nil, tracer)
	assert.Error(t, err)

	producer := mocks.NewSyncProducer(t, nil)
	_, err = NewScanPublisher(producer, &Config{}, logger.Noop(), nil, tracer)
	assert.Error(t, err)
	require.NoError(t, producer.Close())
}
