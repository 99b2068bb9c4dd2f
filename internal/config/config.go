// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	AMQP         AMQPConfig
	Auth         AuthConfig
	Chain        ChainConfig
	Catalog      CatalogConfig
	Reputation   ReputationConfig
	Monitoring   MonitoringConfig
	Jobs         JobsConfig
	AWS          AWSConfig
	Archive      ArchiveConfig
	Logging      LoggingConfig
	Notification NotificationConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver string
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	AutoMigrate  bool
}

// RedisConfig holds Redis connection settings. Redis is used only to relay
// realtime events between instances.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	Channel  string
}

// Addr returns host:port.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AMQPConfig holds broker settings for booking lifecycle events.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

// ChainConfig holds escrow contract client settings.
type ChainConfig struct {
	// Mode is "relay" or "memory".
	Mode              string
	RelayURL          string
	RelayToken        string
	Confirmations     int
	TokenDecimals     int32
	CallTimeout       time.Duration
	ReportQueueSize   int
	ReportMaxAttempts int
	ReportBaseDelay   time.Duration
	ReportMaxDelay    time.Duration
	CircuitBreaker    CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	MaxFailures   int
	ResetTimeout  time.Duration
	HalfOpenLimit int
}

// CatalogConfig holds resource catalog client settings.
type CatalogConfig struct {
	URL     string
	Timeout time.Duration
}

// ReputationConfig holds reputation service client settings.
type ReputationConfig struct {
	URL     string
	Timeout time.Duration
}

// MonitoringConfig holds SLA monitor and alert settings.
type MonitoringConfig struct {
	SampleWindow      int
	MaxResources      int
	ThresholdsFile    string
	SuppressionWindow time.Duration
	AutoResolve       bool
}

// JobsConfig holds background job settings.
type JobsConfig struct {
	MetricsCollectSchedule string
	ExpiredSweepSchedule   string
	ExpiredAutoComplete    bool
	JobTimeout             time.Duration
}

// AWSConfig holds AWS settings.
type AWSConfig struct {
	Enabled       bool
	Region        string
	AccessKeyID   string
	SecretKey     string
	AssumeRoleARN string
	ExternalID    string
}

// ArchiveConfig holds escrow receipt archive settings.
type ArchiveConfig struct {
	Bucket string
	Prefix string
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string
	Format string
}

// NotificationConfig holds notification settings.
type NotificationConfig struct {
	SlackWebhookURL string
	EmailSMTPHost   string
	EmailSMTPPort   int
	EmailFrom       string
	EmailPassword   string
	EmailTo         string // comma-separated
	WebhookURLs     string // comma-separated
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvList("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Storage: StorageConfig{
			Driver: getEnv("STORAGE_DRIVER", "postgres"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "rentgrid"),
			Password:     getEnv("DB_PASSWORD", ""),
			Name:         getEnv("DB_NAME", "rentgrid"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvDuration("DB_MAX_LIFETIME", 5*time.Minute),
			AutoMigrate:  getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_CHANNEL", "rentgrid:realtime"),
		},
		AMQP: AMQPConfig{
			URL:      getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "rentgrid.bookings"),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			TokenExpiry: getEnvDuration("JWT_EXPIRY", 24*time.Hour),
		},
		Chain: ChainConfig{
			Mode:              getEnv("CHAIN_MODE", "relay"),
			RelayURL:          getEnv("CHAIN_RELAY_URL", "ws://localhost:8545/rpc/v0"),
			RelayToken:        getEnv("CHAIN_RELAY_TOKEN", ""),
			Confirmations:     getEnvInt("CHAIN_CONFIRMATIONS", 1),
			TokenDecimals:     int32(getEnvInt("CHAIN_TOKEN_DECIMALS", 18)),
			CallTimeout:       getEnvDuration("CHAIN_CALL_TIMEOUT", 30*time.Second),
			ReportQueueSize:   getEnvInt("CHAIN_REPORT_QUEUE_SIZE", 256),
			ReportMaxAttempts: getEnvInt("CHAIN_REPORT_MAX_ATTEMPTS", 5),
			ReportBaseDelay:   getEnvDuration("CHAIN_REPORT_BASE_DELAY", 1*time.Second),
			ReportMaxDelay:    getEnvDuration("CHAIN_REPORT_MAX_DELAY", 30*time.Second),
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:   getEnvInt("CB_MAX_FAILURES", 5),
				ResetTimeout:  getEnvDuration("CB_RESET_TIMEOUT", 30*time.Second),
				HalfOpenLimit: getEnvInt("CB_HALF_OPEN_LIMIT", 1),
			},
		},
		Catalog: CatalogConfig{
			URL:     getEnv("CATALOG_URL", ""),
			Timeout: getEnvDuration("CATALOG_TIMEOUT", 5*time.Second),
		},
		Reputation: ReputationConfig{
			URL:     getEnv("REPUTATION_URL", ""),
			Timeout: getEnvDuration("REPUTATION_TIMEOUT", 5*time.Second),
		},
		Monitoring: MonitoringConfig{
			SampleWindow:      getEnvInt("MONITOR_SAMPLE_WINDOW", 10),
			MaxResources:      getEnvInt("MONITOR_MAX_RESOURCES", 10000),
			ThresholdsFile:    getEnv("ALERT_THRESHOLDS_FILE", ""),
			SuppressionWindow: getEnvDuration("ALERT_SUPPRESSION_WINDOW", 0),
			AutoResolve:       getEnvBool("ALERT_AUTO_RESOLVE", false),
		},
		Jobs: JobsConfig{
			MetricsCollectSchedule: getEnv("JOB_METRICS_COLLECT", "*/30 * * * * *"),
			ExpiredSweepSchedule:   getEnv("JOB_EXPIRED_SWEEP", "0 */5 * * * *"),
			ExpiredAutoComplete:    getEnvBool("JOB_EXPIRED_AUTOCOMPLETE", false),
			JobTimeout:             getEnvDuration("JOB_TIMEOUT", 5*time.Minute),
		},
		AWS: AWSConfig{
			Enabled:       getEnvBool("AWS_ENABLED", false),
			Region:        getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:   getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretKey:     getEnv("AWS_SECRET_ACCESS_KEY", ""),
			AssumeRoleARN: getEnv("AWS_ASSUME_ROLE_ARN", ""),
			ExternalID:    getEnv("AWS_EXTERNAL_ID", ""),
		},
		Archive: ArchiveConfig{
			Bucket: getEnv("ARCHIVE_S3_BUCKET", ""),
			Prefix: getEnv("ARCHIVE_S3_PREFIX", "escrow-receipts/"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Notification: NotificationConfig{
			SlackWebhookURL: getEnv("NOTIFICATION_SLACK_WEBHOOK", ""),
			EmailSMTPHost:   getEnv("NOTIFICATION_EMAIL_SMTP_HOST", ""),
			EmailSMTPPort:   getEnvInt("NOTIFICATION_EMAIL_SMTP_PORT", 587),
			EmailFrom:       getEnv("NOTIFICATION_EMAIL_FROM", ""),
			EmailPassword:   getEnv("NOTIFICATION_EMAIL_PASSWORD", ""),
			EmailTo:         getEnv("NOTIFICATION_EMAIL_TO", ""),
			WebhookURLs:     getEnv("NOTIFICATION_WEBHOOK_URLS", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.Chain.Mode {
	case "relay":
		if c.Chain.RelayURL == "" {
			return fmt.Errorf("CHAIN_RELAY_URL is required in relay mode")
		}
	case "memory":
	default:
		return fmt.Errorf("CHAIN_MODE must be relay or memory, got %q", c.Chain.Mode)
	}
	if c.Chain.Confirmations < 0 {
		return fmt.Errorf("CHAIN_CONFIRMATIONS must not be negative")
	}
	if c.Chain.ReportMaxAttempts < 1 {
		return fmt.Errorf("CHAIN_REPORT_MAX_ATTEMPTS must be at least 1")
	}
	if c.Monitoring.SampleWindow < 1 {
		return fmt.Errorf("MONITOR_SAMPLE_WINDOW must be at least 1")
	}
	if c.Monitoring.SuppressionWindow < 0 {
		return fmt.Errorf("ALERT_SUPPRESSION_WINDOW must not be negative")
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// Helper functions
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
