// Package config loads and validates the audit engine configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the T360_ prefix (e.g. T360_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a config.yaml
// in local development and with pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "T360"

// Metrics fold modes.
const (
	// FoldModeInline folds counters inside the audit write transaction.
	FoldModeInline = "inline"
	// FoldModeDeferred commits the audit entry first and folds counters separately.
	FoldModeDeferred = "deferred"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the optional Redis connection. An empty Addr disables
// the event-type cache, the distributed rate limiter and the job lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r *RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// StorageConfig selects the backend used to archive rendered reports.
// Backend "none" disables archiving.
type StorageConfig struct {
	Backend  string             `mapstructure:"backend"`
	URLTTL   time.Duration      `mapstructure:"url_ttl"`
	Local    LocalStorageConfig `mapstructure:"local"`
	S3       S3StorageConfig    `mapstructure:"s3"`
	GCS      GCSStorageConfig   `mapstructure:"gcs"`
	Azure    AzureStorageConfig `mapstructure:"azure"`
	Keyspace string             `mapstructure:"keyspace"`
}

// LocalStorageConfig holds local filesystem archive configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3StorageConfig holds S3-compatible archive configuration
type S3StorageConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is "default", "static" or "assume_role"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSStorageConfig holds Google Cloud Storage archive configuration
type GCSStorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Endpoint        string `mapstructure:"endpoint"`
}

// AzureStorageConfig holds Azure Blob Storage archive configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// AuthConfig holds bearer token validation settings. Tokens are minted by
// the platform's session service; this service only verifies them.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Environment string        `mapstructure:"environment"`
	SentryDSN   string        `mapstructure:"sentry_dsn"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// TracingConfig holds OTLP tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// AuditConfig holds the audit engine settings
type AuditConfig struct {
	// FoldMode is "inline" (counters folded in the write transaction) or "deferred"
	FoldMode string `mapstructure:"fold_mode"`
	// MetricsTimezone is the IANA zone used to bucket events into metric days
	MetricsTimezone string `mapstructure:"metrics_timezone"`
	// EventTypeCacheTTL bounds how long resolved event types stay in Redis
	EventTypeCacheTTL time.Duration `mapstructure:"event_type_cache_ttl"`
	// ReportMaxRows caps the rows a single report run may scan
	ReportMaxRows int `mapstructure:"report_max_rows"`
	// ReportTTL sets expires_at on generated reports; zero keeps them forever
	ReportTTL time.Duration `mapstructure:"report_ttl"`

	FoldJob   FoldJobConfig   `mapstructure:"fold_job"`
	ExpiryJob ExpiryJobConfig `mapstructure:"expiry_job"`

	// Shippers configures forwarding of committed entries
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// FoldJobConfig controls the deferred metrics fold job
type FoldJobConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	// MaxAttempts is how many failed folds an entry gets before the job
	// stops claiming it.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ExpiryJobConfig controls the generated report expiry sweep
type ExpiryJobConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file, kafka
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
	Kafka   *AuditKafkaConfig   `mapstructure:"kafka"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditKafkaConfig holds Kafka shipper configuration
type AuditKafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	ClientID   string   `mapstructure:"client_id"`
	MaxRetries int      `mapstructure:"max_retries"`
	BatchMS    int      `mapstructure:"batch_ms"`
}

var envKeys = []string{
	"server.host",
	"server.port",
	"server.base_url",
	"server.read_timeout",
	"server.write_timeout",

	"database.host",
	"database.port",
	"database.name",
	"database.user",
	"database.password",
	"database.ssl_mode",
	"database.max_connections",
	"database.min_idle_connections",

	"redis.addr",
	"redis.password",
	"redis.db",

	"storage.backend",
	"storage.url_ttl",
	"storage.keyspace",
	"storage.local.base_path",
	"storage.s3.endpoint",
	"storage.s3.region",
	"storage.s3.bucket",
	"storage.s3.auth_method",
	"storage.s3.access_key_id",
	"storage.s3.secret_access_key",
	"storage.s3.role_arn",
	"storage.s3.external_id",
	"storage.gcs.bucket",
	"storage.gcs.credentials_file",
	"storage.gcs.credentials_json",
	"storage.gcs.endpoint",
	"storage.azure.account_name",
	"storage.azure.account_key",
	"storage.azure.container_name",

	"auth.jwt_secret",
	"auth.issuer",

	"security.cors.allowed_origins",
	"security.cors.allowed_methods",
	"security.rate_limiting.enabled",
	"security.rate_limiting.requests_per_minute",
	"security.rate_limiting.burst",

	"logging.level",
	"logging.format",

	"telemetry.service_name",
	"telemetry.environment",
	"telemetry.sentry_dsn",
	"telemetry.metrics.enabled",
	"telemetry.metrics.prometheus_port",
	"telemetry.tracing.enabled",
	"telemetry.tracing.endpoint",
	"telemetry.tracing.insecure",
	"telemetry.tracing.sample_ratio",

	"audit.fold_mode",
	"audit.metrics_timezone",
	"audit.event_type_cache_ttl",
	"audit.report_max_rows",
	"audit.report_ttl",
	"audit.fold_job.interval",
	"audit.fold_job.batch_size",
	"audit.fold_job.max_attempts",
	"audit.expiry_job.enabled",
	"audit.expiry_job.interval",
	"audit.expiry_job.batch_size",
}

// bindEnvVars binds every nested key explicitly; AutomaticEnv alone is not
// consulted by Unmarshal for keys that have no default or file value.
func bindEnvVars(v *viper.Viper) error {
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/audit-engine")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Telemetry.SentryDSN = expandEnv(cfg.Telemetry.SentryDSN)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Watch re-reads the config file whenever it changes on disk and passes the
// freshly validated configuration to onChange. Invalid edits are reported
// through onError and otherwise ignored. Watch is a no-op when no config file
// is found.
func Watch(configPath string, onChange func(*Config), onError func(error)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "trusted360")
	v.SetDefault("database.user", "trusted360")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.url_ttl", "15m")
	v.SetDefault("storage.keyspace", "reports")
	v.SetDefault("storage.local.base_path", "./storage")
	v.SetDefault("storage.s3.auth_method", "default")

	v.SetDefault("auth.issuer", "trusted360")

	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 600)
	v.SetDefault("security.rate_limiting.burst", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.service_name", "audit-engine")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.tracing.enabled", false)
	v.SetDefault("telemetry.tracing.insecure", true)
	v.SetDefault("telemetry.tracing.sample_ratio", 0.1)

	v.SetDefault("audit.fold_mode", FoldModeInline)
	v.SetDefault("audit.metrics_timezone", "UTC")
	v.SetDefault("audit.event_type_cache_ttl", "10m")
	v.SetDefault("audit.report_max_rows", 10000)
	v.SetDefault("audit.report_ttl", "720h")
	v.SetDefault("audit.fold_job.interval", "30s")
	v.SetDefault("audit.fold_job.batch_size", 200)
	v.SetDefault("audit.fold_job.max_attempts", 5)
	v.SetDefault("audit.expiry_job.enabled", true)
	v.SetDefault("audit.expiry_job.interval", "1h")
	v.SetDefault("audit.expiry_job.batch_size", 100)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	switch c.Storage.Backend {
	case "none":
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "azure":
		if c.Storage.Azure.AccountName == "" || c.Storage.Azure.AccountKey == "" || c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.account_name, account_key and container_name are required when using Azure backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be none, local, s3, gcs, or azure)", c.Storage.Backend)
	}

	switch c.Audit.FoldMode {
	case FoldModeInline, FoldModeDeferred:
	default:
		return fmt.Errorf("invalid audit.fold_mode: %s (must be inline or deferred)", c.Audit.FoldMode)
	}
	if _, err := time.LoadLocation(c.Audit.MetricsTimezone); err != nil {
		return fmt.Errorf("invalid audit.metrics_timezone %q: %w", c.Audit.MetricsTimezone, err)
	}
	if c.Audit.ReportMaxRows < 1 {
		return fmt.Errorf("audit.report_max_rows must be positive")
	}
	if c.Audit.ReportTTL < 0 {
		return fmt.Errorf("audit.report_ttl must not be negative")
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
			}
		case "kafka":
			if s.Kafka == nil || len(s.Kafka.Brokers) == 0 || s.Kafka.Topic == "" {
				return fmt.Errorf("audit.shippers[%d]: kafka.brokers and kafka.topic are required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown type %q", i, s.Type)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// Location returns the configured metrics timezone, falling back to UTC.
func (a *AuditConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.MetricsTimezone)
	if err != nil || a.MetricsTimezone == "" {
		return time.UTC
	}
	return loc
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
