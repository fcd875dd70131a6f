package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/oss-health-monitor/pkg/common/logger"
)

// ClientConfig contains all configuration needed for Kafka client setup
type ClientConfig struct {
	Brokers  []string
	ClientID string
}

// NewClient creates and configures a Kafka client for synchronous producers:
// every send waits for all in-sync replicas and messages with the same key
// land on the same partition.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 250 * time.Millisecond

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectScanPublisher creates the client and producer, retrying with
// exponential backoff while the brokers are unreachable.
func ConnectScanPublisher(
	ctx context.Context,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*ScanPublisher, error) {
	var publisher *ScanPublisher

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		client, err := NewClient(&ClientConfig{Brokers: cfg.Brokers, ClientID: cfg.ClientID})
		if err != nil {
			logger.Warn(ctx, "Failed to connect to Kafka, will retry", "error", err)
			return fmt.Errorf("creating client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		publisher, err = NewScanPublisher(producer, cfg, logger, metrics, tracer)
		if err != nil {
			producer.Close()
			client.Close()
			return backoff.Permanent(fmt.Errorf("creating scan publisher: %w", err))
		}
		publisher.client = client
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect scan publisher after retries: %w", err)
	}
	return publisher, nil
}
