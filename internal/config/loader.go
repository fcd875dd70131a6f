package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the loader reads, e.g.
// OHM_GITHUB_TOKEN sets github.token.
const EnvPrefix = "OHM"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// ViperLoader layers an optional config file and the environment over the
// defaults.
type ViperLoader struct{ path string }

var _ Loader = (*ViperLoader)(nil)

// NewViperLoader creates a loader reading path when non-empty.
func NewViperLoader(path string) *ViperLoader {
	return &ViperLoader{path: path}
}

// Load reads, decodes and validates the configuration.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks field constraints and reports every violation at once.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "oss-health-monitor")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", "6000")
	v.SetDefault("api.read_timeout", 5*time.Second)
	v.SetDefault("api.write_timeout", 120*time.Second)
	v.SetDefault("api.idle_timeout", 120*time.Second)
	v.SetDefault("api.shutdown_timeout", 20*time.Second)

	v.SetDefault("debug.host", "0.0.0.0")
	v.SetDefault("debug.port", "6010")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.migrations_url", "file://db/migrations")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.scan_completed_topic", "scan-completed")
	v.SetDefault("kafka.client_id", "oss-health-monitor")

	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("github.timeout", 30*time.Second)
	v.SetDefault("github.requests_per_hour", 5000)
	v.SetDefault("github.burst", 10)
	v.SetDefault("github.clone_url", "")
	v.SetDefault("github.work_dir", "")
	v.SetDefault("github.clone_depth", 1)

	v.SetDefault("telemetry.exporter_endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.probability", 0.05)

	v.SetDefault("scan.profile_path", "")
	v.SetDefault("scan.max_concurrent_detectors", 8)
	v.SetDefault("scan.cache_ttl", 12*time.Hour)
	v.SetDefault("scan.cache_capacity", 1000)
	v.SetDefault("scan.persist_timeout", 15*time.Second)
	v.SetDefault("scan.single_flight", true)

	v.SetDefault("detectors.osv_binary", "osv-scanner")
	v.SetDefault("detectors.trivy_binary", "trivy")
	v.SetDefault("detectors.advisory_max_packages", 500)
}
