// Package config holds the service configuration. Values come from built-in
// defaults, an optional YAML file and OHM_-prefixed environment variables, in
// increasing order of precedence.
package config

import "time"

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	API       APIConfig       `mapstructure:"api"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Detectors DetectorsConfig `mapstructure:"detectors"`
}

type ServiceConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// APIConfig configures the scan request listener.
type APIConfig struct {
	Host        string        `mapstructure:"host"`
	Port        string        `mapstructure:"port" validate:"required,numeric"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gt=0"`

	// WriteTimeout must leave room for a full scan.
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type DebugConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port" validate:"omitempty,numeric"`
}

// DatabaseConfig configures the postgres result sink. An empty DSN disables it.
type DatabaseConfig struct {
	DSN           string `mapstructure:"dsn" validate:"omitempty,url"`
	MaxConns      int32  `mapstructure:"max_conns" validate:"gte=0"`
	MigrationsURL string `mapstructure:"migrations_url"`
}

// KafkaConfig configures the event result sink. No brokers disables it.
type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers" validate:"dive,hostname_port"`
	ScanCompletedTopic string   `mapstructure:"scan_completed_topic" validate:"required_with=Brokers"`
	ClientID           string   `mapstructure:"client_id"`
}

type GitHubConfig struct {
	Token   string        `mapstructure:"token"`
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`

	// RequestsPerHour matches the API's hourly quota; zero disables limiting.
	RequestsPerHour int    `mapstructure:"requests_per_hour" validate:"gte=0"`
	Burst           int    `mapstructure:"burst" validate:"gte=0"`
	CloneURL        string `mapstructure:"clone_url"`
	WorkDir         string `mapstructure:"work_dir"`
	CloneDepth      int    `mapstructure:"clone_depth" validate:"gte=0"`
}

type TelemetryConfig struct {
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	Insecure         bool    `mapstructure:"insecure"`
	Probability      float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
}

// ScanConfig bounds the orchestrator.
type ScanConfig struct {
	// ProfilePath points to a YAML detector profile. Empty runs every
	// detector with default budgets.
	ProfilePath            string        `mapstructure:"profile_path"`
	MaxConcurrentDetectors int           `mapstructure:"max_concurrent_detectors" validate:"gt=0"`
	CacheTTL               time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	CacheCapacity          int           `mapstructure:"cache_capacity" validate:"gt=0"`
	PersistTimeout         time.Duration `mapstructure:"persist_timeout" validate:"gt=0"`
	SingleFlight           bool          `mapstructure:"single_flight"`
}

type DetectorsConfig struct {
	OSVBinary           string `mapstructure:"osv_binary" validate:"required"`
	TrivyBinary         string `mapstructure:"trivy_binary" validate:"required"`
	AdvisoryMaxPackages int    `mapstructure:"advisory_max_packages" validate:"gt=0"`
}
