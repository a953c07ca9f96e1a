package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the tracking service and worker
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Storage     StorageConfig     `yaml:"storage"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Forward     ForwardConfig     `yaml:"forward"`
	Unsubscribe UnsubscribeConfig `yaml:"unsubscribe"`
	Queue       QueueConfig       `yaml:"queue"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Export      ExportConfig      `yaml:"export"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int    `yaml:"port"`
	Host                string `yaml:"host"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	// APIKey guards /api and /webhooks when set.
	APIKey string `yaml:"api_key"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// ReadTimeout returns the configured read timeout as a duration
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the configured write timeout as a duration
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds Redis settings for the sent-event cache and locks.
// An empty URL disables Redis.
type RedisConfig struct {
	URL             string `yaml:"url"`
	SentCacheTTLMin int    `yaml:"sent_cache_ttl_minutes"`
}

// SentCacheTTL returns the sent-event cache TTL as a duration
func (c RedisConfig) SentCacheTTL() time.Duration {
	return time.Duration(c.SentCacheTTLMin) * time.Minute
}

// StorageConfig selects the event store backend ("postgres" or "memory")
type StorageConfig struct {
	Type string `yaml:"type"`
}

// TrackingConfig holds tracking endpoint behaviour
type TrackingConfig struct {
	BaseURL              string `yaml:"base_url"`
	IPHashSalt           string `yaml:"ip_hash_salt"`
	BackendTimeoutMillis int    `yaml:"backend_timeout_ms"`
	// RefreshMode is "inline" (refresh analytics in the request) or "queue".
	RefreshMode         string `yaml:"refresh_mode"`
	FallbackRedirectURL string `yaml:"fallback_redirect_url"`

	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`
	BreakerOpenSeconds      int `yaml:"breaker_open_seconds"`
}

// BackendTimeout returns the per-request backend budget as a duration
func (c TrackingConfig) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutMillis) * time.Millisecond
}

// ClickFallbackURL is where unusable click destinations are redirected:
// fallback_redirect_url when set, otherwise the tracking base URL.
func (c TrackingConfig) ClickFallbackURL() string {
	if c.FallbackRedirectURL != "" {
		return c.FallbackRedirectURL
	}
	return c.BaseURL
}

// BreakerOpenTimeout returns how long the circuit breaker stays open
func (c TrackingConfig) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.BreakerOpenSeconds) * time.Second
}

// ForwardConfig tunes the forward detection heuristic
type ForwardConfig struct {
	Threshold         int      `yaml:"threshold"`
	RapidWindowMillis int      `yaml:"rapid_window_ms"`
	DifferentIPWeight int      `yaml:"different_ip_weight"`
	BrowserWeight     int      `yaml:"different_browser_weight"`
	RapidWeight       int      `yaml:"rapid_succession_weight"`
	ServiceWeight     int      `yaml:"forwarding_service_weight"`
	ServiceSignatures []string `yaml:"service_signatures"`
	DisabledRules     []string `yaml:"disabled_rules"`
}

// RapidWindow returns the rapid succession window as a duration
func (c ForwardConfig) RapidWindow() time.Duration {
	return time.Duration(c.RapidWindowMillis) * time.Millisecond
}

// UnsubscribeConfig holds the token codec settings
type UnsubscribeConfig struct {
	Secret       string `yaml:"secret"`
	ValidityDays int    `yaml:"validity_days"`
}

// Validity returns the token validity window as a duration
func (c UnsubscribeConfig) Validity() time.Duration {
	return time.Duration(c.ValidityDays) * 24 * time.Hour
}

// QueueConfig holds the SQS refresh queue settings
type QueueConfig struct {
	RefreshQueueURL string `yaml:"refresh_queue_url"`
	AWSRegion       string `yaml:"aws_region"`
	WaitSeconds     int    `yaml:"wait_seconds"`
}

// ReconcileConfig holds the periodic analytics sweep settings
type ReconcileConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	LookbackMinutes int  `yaml:"lookback_minutes"`
	Concurrency     int  `yaml:"concurrency"`
}

// Interval returns the sweep interval as a duration
func (c ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Lookback returns how far back the first sweep looks
func (c ReconcileConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackMinutes) * time.Minute
}

// ExportConfig holds the S3 analytics snapshot settings
type ExportConfig struct {
	S3Bucket  string `yaml:"s3_bucket"`
	S3Prefix  string `yaml:"s3_prefix"`
	AWSRegion string `yaml:"aws_region"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for binaries
// started without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 5
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 10
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Redis.SentCacheTTLMin == 0 {
		cfg.Redis.SentCacheTTLMin = 24 * 60
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "postgres"
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = "http://localhost:8081"
	}
	if cfg.Tracking.BackendTimeoutMillis == 0 {
		cfg.Tracking.BackendTimeoutMillis = 3000
	}
	if cfg.Tracking.RefreshMode == "" {
		cfg.Tracking.RefreshMode = "inline"
	}
	if cfg.Tracking.BreakerFailureThreshold == 0 {
		cfg.Tracking.BreakerFailureThreshold = 5
	}
	if cfg.Tracking.BreakerOpenSeconds == 0 {
		cfg.Tracking.BreakerOpenSeconds = 30
	}
	if cfg.Forward.Threshold == 0 {
		cfg.Forward.Threshold = 50
	}
	if cfg.Forward.RapidWindowMillis == 0 {
		cfg.Forward.RapidWindowMillis = 5000
	}
	if cfg.Forward.DifferentIPWeight == 0 {
		cfg.Forward.DifferentIPWeight = 30
	}
	if cfg.Forward.BrowserWeight == 0 {
		cfg.Forward.BrowserWeight = 25
	}
	if cfg.Forward.RapidWeight == 0 {
		cfg.Forward.RapidWeight = 20
	}
	if cfg.Forward.ServiceWeight == 0 {
		cfg.Forward.ServiceWeight = 40
	}
	if cfg.Unsubscribe.ValidityDays == 0 {
		cfg.Unsubscribe.ValidityDays = 7
	}
	if cfg.Queue.AWSRegion == "" {
		cfg.Queue.AWSRegion = "us-west-2"
	}
	if cfg.Queue.WaitSeconds == 0 {
		cfg.Queue.WaitSeconds = 20
	}
	if cfg.Reconcile.IntervalSeconds == 0 {
		cfg.Reconcile.IntervalSeconds = 300
	}
	if cfg.Reconcile.LookbackMinutes == 0 {
		cfg.Reconcile.LookbackMinutes = 60
	}
	if cfg.Reconcile.Concurrency == 0 {
		cfg.Reconcile.Concurrency = 4
	}
	if cfg.Export.S3Prefix == "" {
		cfg.Export.S3Prefix = "analytics"
	}
	if cfg.Export.AWSRegion == "" {
		cfg.Export.AWSRegion = "us-west-2"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
// An empty path skips the YAML file and starts from defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("IP_HASH_SALT"); v != "" {
		cfg.Tracking.IPHashSalt = v
	}
	if v := os.Getenv("REFRESH_MODE"); v != "" {
		cfg.Tracking.RefreshMode = v
	}
	if v := os.Getenv("UNSUBSCRIBE_SECRET"); v != "" {
		cfg.Unsubscribe.Secret = v
	}
	if v := os.Getenv("SQS_REFRESH_QUEUE_URL"); v != "" {
		cfg.Queue.RefreshQueueURL = v
	}
	if v := os.Getenv("EXPORT_S3_BUCKET"); v != "" {
		cfg.Export.S3Bucket = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
