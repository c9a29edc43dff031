// Package config provides configuration file support for trail.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/trail/pkg/errclass"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "trail.yaml"

// Config represents the trail configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Blobs     BlobConfig      `yaml:"blobs"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Retention RetentionConfig `yaml:"retention"`
	Lease     LeaseConfig     `yaml:"lease"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig selects the metadata store.
type StorageConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory postgres"`
	DSN             string        `yaml:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// BlobConfig selects the content-addressed blob backend.
type BlobConfig struct {
	Driver           string `yaml:"driver" validate:"oneof=fs postgres memory"`
	Dir              string `yaml:"dir" validate:"required_if=Driver fs"`
	Compression      string `yaml:"compression" validate:"oneof=none gzip zstd"`
	CompressionLevel int    `yaml:"compression_level" validate:"min=0,max=22"`
}

// LedgerConfig configures appends.
type LedgerConfig struct {
	InlineContentCap int64         `yaml:"inline_content_cap" validate:"min=1"`
	MaxRetries       int           `yaml:"max_retries" validate:"min=0,max=50"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" validate:"min=0"`
	MaxBackoff       time.Duration `yaml:"max_backoff" validate:"min=0"`
}

// SnapshotConfig configures automatic captures.
type SnapshotConfig struct {
	AutoQuietPeriod time.Duration `yaml:"auto_quiet_period" validate:"min=0"`
	AutoMaxWait     time.Duration `yaml:"auto_max_wait" validate:"min=0"`
}

// RetentionConfig configures expiry and sweeping.
type RetentionConfig struct {
	// Tiers maps a tier key to retention days; -1 retains indefinitely.
	Tiers              map[string]int `yaml:"tiers" validate:"required,min=1,dive,min=-1"`
	DefaultTier        string         `yaml:"default_tier" validate:"required"`
	PolicySource       string         `yaml:"policy_source" validate:"oneof=config postgres"`
	SweepInterval      time.Duration  `yaml:"sweep_interval" validate:"min=0"`
	BatchSize          int            `yaml:"batch_size" validate:"min=1,max=10000"`
	LedgerArchiveAfter time.Duration  `yaml:"ledger_archive_after" validate:"min=0"`
	ColdArchiveDir     string         `yaml:"cold_archive_dir"`
}

// LeaseConfig configures the singleton sweep lease.
type LeaseConfig struct {
	Driver   string        `yaml:"driver" validate:"oneof=memory file redis"`
	Dir      string        `yaml:"dir" validate:"required_if=Driver file"`
	RedisURL string        `yaml:"redis_url" validate:"required_if=Driver redis"`
	TTL      time.Duration `yaml:"ttl" validate:"min=0"`
}

// KafkaConfig configures the ledger entry publisher. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic" validate:"required_with=Brokers"`
}

// AlertsConfig configures operator webhook alerts.
type AlertsConfig struct {
	WebhookURL string        `yaml:"webhook_url" validate:"omitempty,url"`
	Secret     string        `yaml:"secret"`
	Events     []string      `yaml:"events"`
	Timeout    time.Duration `yaml:"timeout" validate:"min=0"`
}

// MetricsConfig configures the ops HTTP server.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Blobs: BlobConfig{
			Driver:           "memory",
			Compression:      "gzip",
			CompressionLevel: 6,
		},
		Ledger: LedgerConfig{
			InlineContentCap: 1 << 20,
			MaxRetries:       8,
			RetryBackoff:     5 * time.Millisecond,
			MaxBackoff:       500 * time.Millisecond,
		},
		Snapshot: SnapshotConfig{
			AutoQuietPeriod: 30 * time.Second,
			AutoMaxWait:     5 * time.Minute,
		},
		Retention: RetentionConfig{
			Tiers: map[string]int{
				"free":       7,
				"pro":        30,
				"business":   90,
				"enterprise": -1,
			},
			DefaultTier:        "free",
			PolicySource:       "config",
			SweepInterval:      time.Hour,
			BatchSize:          500,
			LedgerArchiveAfter: 365 * 24 * time.Hour,
		},
		Lease: LeaseConfig{
			Driver: "memory",
			TTL:    5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Topic: "trail.ledger",
		},
		Alerts: AlertsConfig{
			Timeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from path (DefaultPath when empty), then applies
// .env and TRAIL_* environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from TRAIL_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("TRAIL_STORAGE_DRIVER", &c.Storage.Driver)
	str("TRAIL_DATABASE_URL", &c.Storage.DSN)
	str("TRAIL_BLOB_DRIVER", &c.Blobs.Driver)
	str("TRAIL_BLOB_DIR", &c.Blobs.Dir)
	str("TRAIL_LEASE_DRIVER", &c.Lease.Driver)
	str("TRAIL_LEASE_DIR", &c.Lease.Dir)
	str("TRAIL_REDIS_URL", &c.Lease.RedisURL)
	str("TRAIL_KAFKA_TOPIC", &c.Kafka.Topic)
	str("TRAIL_ALERT_WEBHOOK_URL", &c.Alerts.WebhookURL)
	str("TRAIL_ALERT_SECRET", &c.Alerts.Secret)
	str("TRAIL_METRICS_ADDR", &c.Metrics.Addr)
	str("TRAIL_LOG_LEVEL", &c.Logging.Level)
	str("TRAIL_LOG_FORMAT", &c.Logging.Format)
	str("TRAIL_DEFAULT_TIER", &c.Retention.DefaultTier)

	if v, ok := lookup("TRAIL_KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("TRAIL_SWEEP_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errclass.ErrConfigInvalid.WithMessagef("TRAIL_SWEEP_BATCH_SIZE: %v", err)
		}
		c.Retention.BatchSize = n
	}
	if v, ok := lookup("TRAIL_SWEEP_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errclass.ErrConfigInvalid.WithMessagef("TRAIL_SWEEP_INTERVAL: %v", err)
		}
		c.Retention.SweepInterval = d
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			sort.Strings(fields)
			return errclass.ErrConfigInvalid.WithMessage(strings.Join(fields, ", "))
		}
		return errclass.ErrConfigInvalid.Wrap(err, "validate")
	}
	if _, ok := c.Retention.Tiers[c.Retention.DefaultTier]; !ok {
		return errclass.ErrConfigInvalid.WithMessagef("retention.default_tier %q has no entry in retention.tiers", c.Retention.DefaultTier)
	}
	if c.Ledger.MaxBackoff > 0 && c.Ledger.RetryBackoff > c.Ledger.MaxBackoff {
		return errclass.ErrConfigInvalid.WithMessage("ledger.retry_backoff exceeds ledger.max_backoff")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
